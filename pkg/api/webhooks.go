package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ihiteshgupta/channel-bridge/internal/inbound"
	"github.com/ihiteshgupta/channel-bridge/internal/provider"
)

const webhookMaxBodyBytes int64 = 1 << 20 // 1 MiB

// InboundHandler applies a webhook body.
type InboundHandler interface {
	Handle(ctx context.Context, kind provider.Kind, body []byte) (inbound.Outcome, error)
}

// WebhookSecrets holds the shared secrets each provider authenticates with.
type WebhookSecrets struct {
	Evolution string
	Uazapi    string
	Meta      string
	// MetaAppSecret signs X-Hub-Signature-256.
	MetaAppSecret string
	// MetaVerifyToken answers the subscription challenge.
	MetaVerifyToken string
}

// WebhookHandler receives provider callbacks.
type WebhookHandler struct {
	logger  *slog.Logger
	inbound InboundHandler
	secrets WebhookSecrets
}

// NewWebhookHandler creates a webhook handler.
func NewWebhookHandler(log *slog.Logger, in InboundHandler, secrets WebhookSecrets) *WebhookHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookHandler{
		logger:  log.With(slog.String("handler", "webhook")),
		inbound: in,
		secrets: secrets,
	}
}

// Register registers webhook routes.
func (h *WebhookHandler) Register(e *echo.Echo) {
	e.GET("/webhooks/meta", h.HandleVerify)
	e.POST("/webhooks/:kind", h.Handle)
}

// HandleVerify answers the Graph subscription challenge.
func (h *WebhookHandler) HandleVerify(c echo.Context) error {
	if h.secrets.MetaVerifyToken == "" {
		return echo.NewHTTPError(http.StatusInternalServerError, "meta verify token not configured")
	}
	if c.QueryParam("hub.mode") != "subscribe" {
		return echo.NewHTTPError(http.StatusBadRequest, "unsupported hub.mode")
	}
	token := c.QueryParam("hub.verify_token")
	if token == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing verify token")
	}
	if !equalSecret(token, h.secrets.MetaVerifyToken) {
		return echo.NewHTTPError(http.StatusForbidden, "invalid verify token")
	}
	return c.String(http.StatusOK, c.QueryParam("hub.challenge"))
}

// Handle authenticates and applies a provider webhook. Once authenticated the
// answer is always 200 so providers do not retry deliveries that failed on our
// side.
func (h *WebhookHandler) Handle(c echo.Context) error {
	kind := provider.Kind(strings.ToLower(c.Param("kind")))
	switch kind {
	case provider.KindEvolution, provider.KindUazapi, provider.KindMeta:
	default:
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("unknown provider %q", kind))
	}

	payload, err := io.ReadAll(io.LimitReader(c.Request().Body, webhookMaxBodyBytes+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("read body: %v", err))
	}
	if int64(len(payload)) > webhookMaxBodyBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, fmt.Sprintf("payload too large: max %d bytes", webhookMaxBodyBytes))
	}

	if kind == provider.KindMeta {
		err = h.authenticateMeta(c, payload)
	} else {
		err = h.authenticateToken(c, h.secret(kind))
	}
	if err != nil {
		h.logger.Warn("webhook rejected", "kind", kind, "remote", c.RealIP(), "error", err)
		return err
	}

	out, err := h.inbound.Handle(context.WithoutCancel(c.Request().Context()), kind, payload)
	if err != nil {
		h.logger.Error("webhook processing failed", "kind", kind, "error", err)
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "ok", "outcome": out})
}

func (h *WebhookHandler) secret(kind provider.Kind) string {
	switch kind {
	case provider.KindEvolution:
		return h.secrets.Evolution
	case provider.KindUazapi:
		return h.secrets.Uazapi
	default:
		return h.secrets.Meta
	}
}

// authenticateToken checks the X-Webhook-Token header or token query
// parameter. It fails closed when no secret is configured.
func (h *WebhookHandler) authenticateToken(c echo.Context, secret string) error {
	if secret == "" {
		return echo.NewHTTPError(http.StatusInternalServerError, "webhook secret not configured")
	}
	token := c.Request().Header.Get("X-Webhook-Token")
	if token == "" {
		token = c.QueryParam("token")
	}
	if token == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing webhook token")
	}
	if !equalSecret(token, secret) {
		return echo.NewHTTPError(http.StatusForbidden, "invalid webhook token")
	}
	return nil
}

// authenticateMeta prefers the app-secret signature and falls back to the
// token query parameter.
func (h *WebhookHandler) authenticateMeta(c echo.Context, payload []byte) error {
	sig := c.Request().Header.Get("X-Hub-Signature-256")
	if sig != "" && h.secrets.MetaAppSecret != "" {
		if !validSignature(payload, sig, h.secrets.MetaAppSecret) {
			return echo.NewHTTPError(http.StatusForbidden, "invalid signature")
		}
		return nil
	}
	if h.secrets.MetaAppSecret == "" && h.secrets.Meta == "" {
		return echo.NewHTTPError(http.StatusInternalServerError, "webhook secret not configured")
	}
	if h.secrets.Meta == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing signature")
	}
	return h.authenticateToken(c, h.secrets.Meta)
}

func validSignature(payload []byte, header, secret string) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(got, mac.Sum(nil))
}

func equalSecret(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
