package patient

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
	g := api.Group("/patients")

	g.GET("", h.List)
	g.GET("/mine", h.ListMine)
	g.GET("/discharged", h.ListDischarged)
	g.GET("/assessments", h.Assessments)
	g.GET("/:id", h.Get)
	g.GET("/:id/assessments", h.PatientAssessments)

	g.POST("", h.Create)
	g.PUT("/:id", h.Update)
	g.DELETE("/:id", h.Delete)
	g.POST("/:id/extensions", h.AddExtension)
	g.POST("/:id/assign/:nurseId", h.Assign)
	g.DELETE("/:id/assign/:nurseId", h.Unassign)
	g.POST("/:id/discharge", h.Discharge)
	g.POST("/:id/undo-discharge", h.UndoDischarge)

	g.POST("/bulk", h.BulkCreate)
	g.POST("/bulk-delete", h.BulkDelete)
	g.POST("/bulk-assign", h.BulkAssign)
	g.POST("/bulk-unassign", h.BulkUnassign)
}

// RoutePolicy declares who may call what. Every clinical role works with
// patient records; finer scoping (mine, discharged visibility) happens in
// the service against the caller's identity, not here.
func RoutePolicy() auth.Policy {
	staff := []string{account.RoleSuperadmin, account.RoleAdmin, account.RoleNurse}
	return auth.Policy{
		"GET /api/patients":                        staff,
		"GET /api/patients/mine":                   staff,
		"GET /api/patients/discharged":             staff,
		"GET /api/patients/assessments":            staff,
		"GET /api/patients/:id":                    staff,
		"GET /api/patients/:id/assessments":        staff,
		"POST /api/patients":                       staff,
		"PUT /api/patients/:id":                    staff,
		"DELETE /api/patients/:id":                 staff,
		"POST /api/patients/:id/extensions":        staff,
		"POST /api/patients/:id/assign/:nurseId":   staff,
		"DELETE /api/patients/:id/assign/:nurseId": staff,
		"POST /api/patients/:id/discharge":         staff,
		"POST /api/patients/:id/undo-discharge":    staff,
		"POST /api/patients/bulk":                  staff,
		"POST /api/patients/bulk-delete":           staff,
		"POST /api/patients/bulk-assign":           staff,
		"POST /api/patients/bulk-unassign":         staff,
	}
}

func (h *Handler) Create(c echo.Context) error {
	actor, err := actorUUID(c)
	if err != nil {
		return err
	}
	var in CreateInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.svc.Create(c.Request().Context(), actor, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	p, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

// ListMine returns the records created by the calling account.
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

func (h *Handler) ListDischarged(c echo.Context) error {
	actor, err := actorUUID(c)
	if err != nil {
		return err
	}
	role := auth.RoleFromContext(c.Request().Context())
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListDischarged(c.Request().Context(), actor, role, pg.Limit, pg.Offset)
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
	p, err := h.svc.Update(c.Request().Context(), id, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
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

func (h *Handler) AddExtension(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var in ExtensionInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ext, err := h.svc.AddExtension(c.Request().Context(), id, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, ext)
}

func (h *Handler) Assign(c echo.Context) error {
	pid, nid, err := pairParams(c)
	if err != nil {
		return err
	}
	if err := h.svc.Assign(c.Request().Context(), pid, nid); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Unassign(c echo.Context) error {
	pid, nid, err := pairParams(c)
	if err != nil {
		return err
	}
	if err := h.svc.Unassign(c.Request().Context(), pid, nid); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Discharge(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	actor, err := actorUUID(c)
	if err != nil {
		return err
	}
	if err := h.svc.Discharge(c.Request().Context(), id, actor); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) UndoDischarge(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.UndoDischarge(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// Assessments serves the flattened clinical view. With ?nurse_id= it is
// scoped to that nurse's active assignments.
func (h *Handler) Assessments(c echo.Context) error {
	ctx := c.Request().Context()
	if raw := c.QueryParam("nurse_id"); raw != "" {
		nid, err := uuid.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid nurse_id")
		}
		rows, err := h.svc.AssessmentsForNurse(ctx, nid)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, rows)
	}
	rows, err := h.svc.AssessmentsAll(ctx)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rows)
}

func (h *Handler) PatientAssessments(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	rows, err := h.svc.AssessmentsForPatient(c.Request().Context(), id, c.QueryParam("chart_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rows)
}

type bulkCreateRequest struct {
	Patients []CreateInput `json:"patients"`
}

func (h *Handler) BulkCreate(c echo.Context) error {
	actor, err := actorUUID(c)
	if err != nil {
		return err
	}
	var in bulkCreateRequest
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(in.Patients) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "patients is required")
	}
	out := h.svc.BulkCreate(c.Request().Context(), actor, in.Patients)
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

type bulkAssignRequest struct {
	NurseID    uuid.UUID   `json:"nurse_id"`
	PatientIDs []uuid.UUID `json:"patient_ids"`
}

func (h *Handler) BulkAssign(c echo.Context) error {
	var in bulkAssignRequest
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if in.NurseID == uuid.Nil || len(in.PatientIDs) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "nurse_id and patient_ids are required")
	}
	out := h.svc.BulkAssign(c.Request().Context(), in.NurseID, in.PatientIDs)
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) BulkUnassign(c echo.Context) error {
	var in bulkAssignRequest
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if in.NurseID == uuid.Nil || len(in.PatientIDs) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "nurse_id and patient_ids are required")
	}
	out := h.svc.BulkUnassign(c.Request().Context(), in.NurseID, in.PatientIDs)
	return c.JSON(http.StatusOK, out)
}

func pairParams(c echo.Context) (uuid.UUID, uuid.UUID, error) {
	pid, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	nid, err := uuid.Parse(c.Param("nurseId"))
	if err != nil {
		return uuid.Nil, uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid nurse id")
	}
	return pid, nid, nil
}

func actorUUID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(auth.AccountIDFromContext(c.Request().Context()))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusUnauthorized, "invalid token subject")
	}
	return id, nil
}
