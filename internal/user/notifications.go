package user

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

type Notification struct {
	ID        string     `json:"id"`
	Type      string     `json:"type"`
	Title     string     `json:"title"`
	Body      string     `json:"body,omitempty"`
	Link      string     `json:"link,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	ReadAt    *time.Time `json:"read_at,omitempty"`
}

// ListNotifications returns the caller's latest notifications, newest first.
func (h *Handler) ListNotifications(c echo.Context) error {
	userID, ok := c.Get("user_id").(string)
	if !ok || userID == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}

	rows, err := h.pool.Query(c.Request().Context(), `
		SELECT id, type, title, body, link, created_at, read_at
		FROM notifications WHERE user_id = $1
		ORDER BY created_at DESC LIMIT 100
	`, userID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "could not fetch notifications"})
	}
	defer rows.Close()

	var items []Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.Type, &n.Title, &n.Body, &n.Link, &n.CreatedAt, &n.ReadAt); err != nil {
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to parse notification"})
		}
		items = append(items, n)
	}
	return c.JSON(http.StatusOK, echo.Map{"notifications": items})
}

// MarkNotificationsRead stamps everything unread for the caller.
func (h *Handler) MarkNotificationsRead(c echo.Context) error {
	userID, ok := c.Get("user_id").(string)
	if !ok || userID == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}

	if _, err := h.pool.Exec(c.Request().Context(), `
		UPDATE notifications SET read_at = NOW()
		WHERE user_id = $1 AND read_at IS NULL
	`, userID); err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "could not update notifications"})
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "notifications marked read"})
}
