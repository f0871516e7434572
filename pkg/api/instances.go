package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/ihiteshgupta/channel-bridge/internal/connection"
	"github.com/ihiteshgupta/channel-bridge/internal/store"
)

const tenantHeader = "X-Tenant-ID"

// ConnectionService manages channel instances.
type ConnectionService interface {
	Create(ctx context.Context, req connection.CreateRequest) (*store.ChannelInstance, error)
	Connect(ctx context.Context, tenantID, id string) (connection.Result, error)
	Status(ctx context.Context, tenantID, id string) (connection.Result, error)
	Disconnect(ctx context.Context, tenantID, id string) (connection.Result, error)
	Teardown(ctx context.Context, tenantID, id string) error
}

// requireTenant rejects tenant API calls without a tenant header.
func requireTenant(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenant := strings.TrimSpace(c.Request().Header.Get(tenantHeader))
		if tenant == "" {
			return writeError(c, NewInvalidInputError("missing "+tenantHeader+" header"))
		}
		c.Set("tenant", tenant)
		return next(c)
	}
}

func tenantID(c echo.Context) string {
	s, _ := c.Get("tenant").(string)
	return s
}

// InstanceHandler serves the channel instance lifecycle.
type InstanceHandler struct {
	connections ConnectionService
	validate    *validator.Validate
}

// NewInstanceHandler creates an InstanceHandler.
func NewInstanceHandler(connections ConnectionService) *InstanceHandler {
	return &InstanceHandler{
		connections: connections,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Register registers instance routes.
func (h *InstanceHandler) Register(e *echo.Echo) {
	g := e.Group("/v1/instances", requireTenant)
	g.POST("", h.Create)
	g.POST("/:id/connect", h.Connect)
	g.GET("/:id/status", h.Status)
	g.POST("/:id/disconnect", h.Disconnect)
	g.DELETE("/:id", h.Delete)
}

func (h *InstanceHandler) Create(c echo.Context) error {
	var req connection.CreateRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, NewInvalidInputError("invalid JSON body"))
	}
	req.TenantID = tenantID(c)
	if err := h.validate.Struct(req); err != nil {
		return writeError(c, err)
	}
	inst, err := h.connections.Create(c.Request().Context(), req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, inst)
}

func (h *InstanceHandler) Connect(c echo.Context) error {
	return h.result(c, h.connections.Connect)
}

func (h *InstanceHandler) Status(c echo.Context) error {
	return h.result(c, h.connections.Status)
}

func (h *InstanceHandler) Disconnect(c echo.Context) error {
	return h.result(c, h.connections.Disconnect)
}

func (h *InstanceHandler) Delete(c echo.Context) error {
	if err := h.connections.Teardown(c.Request().Context(), tenantID(c), c.Param("id")); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *InstanceHandler) result(c echo.Context, op func(ctx context.Context, tenantID, id string) (connection.Result, error)) error {
	res, err := op(c.Request().Context(), tenantID(c), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}
