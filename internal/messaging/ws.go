package messaging

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/skillmarket/skillmarket/internal/apperr"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// OrderWS streams transition events and chat messages for one order to a
// participant. Events originate from the outbox drainer via the bus.
func (h *Handler) OrderWS(c echo.Context) error {
	userID, ok := c.Get("user_id").(string)
	if !ok || userID == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	orderID := c.Param("id")
	if orderID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "missing order id"})
	}

	if _, _, err := h.requireParticipant(c.Request().Context(), orderID, userID); err != nil {
		return c.JSON(apperr.HTTPStatus(err), echo.Map{"error": apperr.Message(err)})
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	events, cancel := h.bus.Subscribe(orderID)
	defer cancel()

	// Reader goroutine only notices the peer going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return nil
		case payload := <-events:
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				h.log.Debug("ws write failed", slog.String("order_id", orderID), slog.Any("error", err))
				return nil
			}
		}
	}
}
