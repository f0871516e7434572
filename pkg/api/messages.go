package api

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ihiteshgupta/channel-bridge/internal/outbound"
	"github.com/ihiteshgupta/channel-bridge/internal/store"
)

// Sender dispatches outbound messages.
type Sender interface {
	Send(ctx context.Context, req outbound.SendRequest) (*store.Message, error)
	Delete(ctx context.Context, tenantID, messageID string) error
	React(ctx context.Context, tenantID, messageID, emoji string) error
}

// MessageHandler serves outbound messaging.
type MessageHandler struct {
	sender Sender
}

// NewMessageHandler creates a MessageHandler.
func NewMessageHandler(sender Sender) *MessageHandler {
	return &MessageHandler{sender: sender}
}

// Register registers message routes.
func (h *MessageHandler) Register(e *echo.Echo) {
	g := e.Group("/v1/messages", requireTenant)
	g.POST("", h.Send)
	g.DELETE("/:id", h.Delete)
	g.POST("/:id/reactions", h.React)
}

// Send stores the message as pending and answers 202; delivery happens in the
// background.
func (h *MessageHandler) Send(c echo.Context) error {
	var req outbound.SendRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, NewInvalidInputError("invalid JSON body"))
	}
	req.TenantID = tenantID(c)
	msg, err := h.sender.Send(c.Request().Context(), req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusAccepted, msg)
}

func (h *MessageHandler) Delete(c echo.Context) error {
	if err := h.sender.Delete(c.Request().Context(), tenantID(c), c.Param("id")); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type reactionRequest struct {
	Emoji string `json:"emoji"`
}

// React sets a reaction; an empty emoji removes it.
func (h *MessageHandler) React(c echo.Context) error {
	var req reactionRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, NewInvalidInputError("invalid JSON body"))
	}
	if err := h.sender.React(c.Request().Context(), tenantID(c), c.Param("id"), req.Emoji); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
