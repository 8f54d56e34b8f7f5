package media

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/chartline/chartline/internal/domain/account"
	"github.com/chartline/chartline/internal/platform/auth"
	"github.com/chartline/chartline/internal/platform/blobstore"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/media")

	g.POST("/audio", h.uploadKind(blobstore.KindAudio))
	g.POST("/images", h.uploadKind(blobstore.KindImage))
	g.GET("/:id", h.Download)
	g.GET("/:id/metadata", h.GetMetadata)
	g.DELETE("/:id", h.Delete)
}

// RoutePolicy declares who may call what.
func RoutePolicy() auth.Policy {
	staff := []string{account.RoleSuperadmin, account.RoleAdmin, account.RoleNurse}
	return auth.Policy{
		"POST /api/media/audio":       staff,
		"POST /api/media/images":      staff,
		"GET /api/media/:id":          staff,
		"GET /api/media/:id/metadata": staff,
		"DELETE /api/media/:id":       staff,
	}
}

// uploadKind handles a multipart upload for one kind. The size ceiling is
// enforced in the store against the actual bytes read, not the declared
// content length.
func (h *Handler) uploadKind(kind blobstore.Kind) echo.HandlerFunc {
	return func(c echo.Context) error {
		fh, err := c.FormFile("file")
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "file is required")
		}
		src, err := fh.Open()
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "cannot read file")
		}
		defer src.Close()

		meta, err := h.svc.Upload(c.Request().Context(), UploadInput{
			Kind:        kind,
			FileName:    fh.Filename,
			ContentType: fh.Header.Get(echo.HeaderContentType),
			PatientID:   c.FormValue("patient_id"),
			UploadedBy:  auth.AccountIDFromContext(c.Request().Context()),
		}, src)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusCreated, meta)
	}
}

func (h *Handler) Download(c echo.Context) error {
	rc, meta, err := h.svc.Download(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	defer rc.Close()
	c.Response().Header().Set("Content-Disposition", `attachment; filename="`+meta.FileName+`"`)
	return c.Stream(http.StatusOK, meta.ContentType, rc)
}

func (h *Handler) GetMetadata(c echo.Context) error {
	meta, err := h.svc.GetMetadata(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, meta)
}

func (h *Handler) Delete(c echo.Context) error {
	if err := h.svc.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
