package user

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"

	"github.com/skillmarket/skillmarket/internal/apperr"
)

// Profile is the seller-facing public face of an account.
type Profile struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Bio         string    `json:"bio"`
	Skills      []string  `json:"skills"`
	RatingAvg   float64   `json:"rating_avg"`
	RatingCount int       `json:"rating_count"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type UpdateProfileRequest struct {
	DisplayName string   `json:"display_name" validate:"max=120"`
	Bio         string   `json:"bio" validate:"max=5000"`
	Skills      []string `json:"skills" validate:"max=20,dive,max=60"`
}

type Handler struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

func NewHandler(pool *pgxpool.Pool, log *slog.Logger) *Handler {
	return &Handler{pool: pool, log: log}
}

// GetMyProfile returns the caller's own profile.
func (h *Handler) GetMyProfile(c echo.Context) error {
	userID, ok := c.Get("user_id").(string)
	if !ok || userID == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	p, err := h.fetch(c.Request().Context(), userID)
	if err != nil {
		return c.JSON(apperr.HTTPStatus(err), echo.Map{"error": apperr.Message(err)})
	}
	return c.JSON(http.StatusOK, echo.Map{"profile": p})
}

// GetPublicProfile is unauthenticated: anyone can look at a seller.
func (h *Handler) GetPublicProfile(c echo.Context) error {
	p, err := h.fetch(c.Request().Context(), c.Param("id"))
	if err != nil {
		return c.JSON(apperr.HTTPStatus(err), echo.Map{"error": apperr.Message(err)})
	}
	return c.JSON(http.StatusOK, echo.Map{"profile": p})
}

// UpdateProfile overwrites the editable fields.
func (h *Handler) UpdateProfile(c echo.Context) error {
	userID, ok := c.Get("user_id").(string)
	if !ok || userID == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}

	var req UpdateProfileRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request"})
	}
	if err := c.Validate(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}
	if req.Skills == nil {
		req.Skills = []string{}
	}

	ct, err := h.pool.Exec(c.Request().Context(), `
		UPDATE profiles
		SET display_name = $1, bio = $2, skills = $3, updated_at = NOW()
		WHERE user_id = $4
	`, req.DisplayName, req.Bio, req.Skills, userID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "could not update profile"})
	}
	if ct.RowsAffected() == 0 {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "profile not found"})
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "profile updated"})
}

func (h *Handler) fetch(ctx context.Context, userID string) (*Profile, error) {
	var p Profile
	err := h.pool.QueryRow(ctx, `
		SELECT user_id, display_name, bio, skills, rating_avg, rating_count, updated_at
		FROM profiles WHERE user_id = $1
	`, userID).Scan(&p.UserID, &p.DisplayName, &p.Bio, &p.Skills, &p.RatingAvg, &p.RatingCount, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("profile not found")
		}
		return nil, apperr.Internal("failed to fetch profile", err)
	}
	return &p, nil
}
