package nurse

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/chartline/chartline/internal/domain/account"
	"github.com/chartline/chartline/internal/platform/auth"
	"github.com/chartline/chartline/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/nurses")

	g.GET("", h.List)
	g.GET("/mine", h.ListMine)
	g.GET("/:id", h.Get)
	g.POST("", h.Provision)
	g.PUT("/:id", h.Update)
	g.DELETE("/:id", h.Delete)
	g.POST("/bulk", h.BulkProvision)
	g.POST("/bulk-delete", h.BulkDelete)
}

// RoutePolicy declares who may call what; provisioning and removal are
// admin operations, reads are open to every clinical role.
func RoutePolicy() auth.Policy {
	staff := []string{account.RoleSuperadmin, account.RoleAdmin, account.RoleNurse}
	admins := []string{account.RoleSuperadmin, account.RoleAdmin}
	return auth.Policy{
		"GET /api/nurses":              staff,
		"GET /api/nurses/mine":         staff,
		"GET /api/nurses/:id":          staff,
		"POST /api/nurses":             admins,
		"PUT /api/nurses/:id":          admins,
		"DELETE /api/nurses/:id":       admins,
		"POST /api/nurses/bulk":        admins,
		"POST /api/nurses/bulk-delete": admins,
	}
}

func (h *Handler) Provision(c echo.Context) error {
	actor, err := actorUUID(c)
	if err != nil {
		return err
	}
	var in ProvisionInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	n, err := h.svc.Provision(c.Request().Context(), actor, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, n)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	n, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, n)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	if role := c.QueryParam("role"); role != "" {
		items, total, err := h.svc.ListByRole(c.Request().Context(), role, pg.Limit, pg.Offset)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
	}
	items, total, err := h.svc.List(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

// ListMine returns the profiles provisioned by the calling account.
func (h *Handler) ListMine(c echo.Context) error {
	actor, err := actorUUID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListMine(c.Request().Context(), actor, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) Update(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var in UpdateInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	n, err := h.svc.Update(c.Request().Context(), id, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, n)
}

func (h *Handler) Delete(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.Delete(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

type bulkProvisionRequest struct {
	Nurses []ProvisionInput `json:"nurses"`
}

func (h *Handler) BulkProvision(c echo.Context) error {
	actor, err := actorUUID(c)
	if err != nil {
		return err
	}
	var in bulkProvisionRequest
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(in.Nurses) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "nurses is required")
	}
	out := h.svc.BulkProvision(c.Request().Context(), actor, in.Nurses)
	return c.JSON(http.StatusOK, out)
}

type bulkDeleteRequest struct {
	IDs []uuid.UUID `json:"ids"`
}

func (h *Handler) BulkDelete(c echo.Context) error {
	var in bulkDeleteRequest
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(in.IDs) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "ids is required")
	}
	out := h.svc.BulkDelete(c.Request().Context(), in.IDs)
	return c.JSON(http.StatusOK, out)
}

func actorUUID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(auth.AccountIDFromContext(c.Request().Context()))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusUnauthorized, "invalid token subject")
	}
	return id, nil
}
