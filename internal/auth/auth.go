package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"
)

type SignupRequest struct {
	Name     string `json:"name" validate:"required,max=120"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6"`
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

type Handler struct {
	pool     *pgxpool.Pool
	secret   string
	tokenTTL time.Duration
	log      *slog.Logger
}

func NewHandler(pool *pgxpool.Pool, secret string, tokenTTL time.Duration, log *slog.Logger) *Handler {
	return &Handler{pool: pool, secret: secret, tokenTTL: tokenTTL, log: log}
}

// Signup creates the account and its profile row in one transaction. Every
// account can both buy and sell; role only distinguishes operators.
func (h *Handler) Signup(c echo.Context) error {
	req := new(SignupRequest)
	if err := c.Bind(req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request"})
	}
	if err := c.Validate(req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "name, email and a password of at least 6 characters are required"})
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "server error"})
	}

	ctx := c.Request().Context()
	tx, err := h.pool.Begin(ctx)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "db transaction error"})
	}
	defer tx.Rollback(ctx)

	var userID string
	err = tx.QueryRow(ctx, `
		INSERT INTO users (name, email, password, role)
		VALUES ($1, $2, $3, 'member')
		RETURNING id
	`, req.Name, req.Email, string(hashed)).Scan(&userID)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "email already exists"})
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO profiles (user_id, display_name)
		VALUES ($1, $2)
	`, userID, req.Name); err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "profile creation failed"})
	}

	if err := tx.Commit(ctx); err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "transaction failed"})
	}

	signed, err := h.issueToken(userID, "member")
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "token generation failed"})
	}
	return c.JSON(http.StatusCreated, TokenResponse{Token: signed})
}

// Login checks credentials and hands back a fresh token.
func (h *Handler) Login(c echo.Context) error {
	req := new(LoginRequest)
	if err := c.Bind(req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request"})
	}
	if err := c.Validate(req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "email and password are required"})
	}

	var (
		userID   string
		password string
		role     string
		isActive bool
	)
	err := h.pool.QueryRow(c.Request().Context(), `
		SELECT id, password, role, is_active FROM users WHERE email = $1
	`, req.Email).Scan(&userID, &password, &role, &isActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid credentials"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "server error"})
	}
	if !isActive {
		return c.JSON(http.StatusForbidden, echo.Map{"error": "account suspended"})
	}
	if err := bcrypt.CompareHashAndPassword([]byte(password), []byte(req.Password)); err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid credentials"})
	}

	signed, err := h.issueToken(userID, role)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "token generation failed"})
	}
	return c.JSON(http.StatusOK, TokenResponse{Token: signed})
}

// Me returns the authenticated account.
func (h *Handler) Me(c echo.Context) error {
	userID, ok := c.Get("user_id").(string)
	if !ok || userID == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}

	var name, email, role string
	var createdAt time.Time
	err := h.pool.QueryRow(c.Request().Context(), `
		SELECT name, email, role, created_at FROM users WHERE id = $1
	`, userID).Scan(&name, &email, &role, &createdAt)
	if err != nil {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "user not found"})
	}

	return c.JSON(http.StatusOK, echo.Map{
		"id":         userID,
		"name":       name,
		"email":      email,
		"role":       role,
		"created_at": createdAt,
	})
}

func (h *Handler) issueToken(userID, role string) (string, error) {
	claims := jwt.MapClaims{
		"user_id": userID,
		"role":    role,
		"exp":     time.Now().Add(h.tokenTTL).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(h.secret))
}
