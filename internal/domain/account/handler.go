package account

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/chartline/chartline/internal/platform/auth"
	"github.com/chartline/chartline/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the unauthenticated login/reset flows on public and
// everything that needs a bearer token on protected.
func (h *Handler) RegisterRoutes(public *echo.Group, protected *echo.Group) {
	public.POST("/register", h.Register)
	public.POST("/login", h.Login)
	public.POST("/verify-otp", h.VerifyOTP)
	public.POST("/resend-otp", h.ResendOTP)
	public.POST("/forgot-password", h.ForgotPassword)
	public.POST("/reset-password", h.ResetPassword)

	protected.GET("/me", h.Me)
	protected.PUT("/me", h.UpdateMe)
	protected.POST("/change-password", h.ChangePassword)
	protected.PUT("/two-factor", h.SetTwoFactor)
	protected.POST("/delete/initiate", h.InitiateDeletion)
	protected.POST("/delete/verify", h.VerifyDeletion)
	protected.POST("/delete/confirm", h.ConfirmDeletion)
	protected.GET("/accounts", h.List)
}

// RoutePolicy covers the bearer-protected routes; the public login and
// reset flows carry no role yet and sit outside the guard.
func RoutePolicy() auth.Policy {
	anyone := []string{RoleSuperadmin, RoleAdmin, RoleNurse}
	admins := []string{RoleSuperadmin, RoleAdmin}
	return auth.Policy{
		"GET /api/auth/me":               anyone,
		"PUT /api/auth/me":               anyone,
		"POST /api/auth/change-password": anyone,
		"PUT /api/auth/two-factor":       anyone,
		"POST /api/auth/delete/initiate": anyone,
		"POST /api/auth/delete/verify":   anyone,
		"POST /api/auth/delete/confirm":  anyone,
		"GET /api/auth/accounts":         admins,
	}
}

func (h *Handler) Register(c echo.Context) error {
	var in RegisterInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	a, err := h.svc.Register(c.Request().Context(), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, a)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) Login(c echo.Context) error {
	var in loginRequest
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.svc.Login(c.Request().Context(), in.Email, in.Password)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

type verifyOTPRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

func (h *Handler) VerifyOTP(c echo.Context) error {
	var in verifyOTPRequest
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.svc.VerifyOTP(c.Request().Context(), in.Email, in.Code)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

type emailRequest struct {
	Email string `json:"email"`
}

func (h *Handler) ResendOTP(c echo.Context) error {
	var in emailRequest
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.ResendOTP(c.Request().Context(), in.Email); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "verification code sent"})
}

func (h *Handler) ForgotPassword(c echo.Context) error {
	var in emailRequest
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.ForgotPassword(c.Request().Context(), in.Email); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "reset email sent"})
}

type resetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

func (h *Handler) ResetPassword(c echo.Context) error {
	var in resetPasswordRequest
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.ResetPassword(c.Request().Context(), in.Token, in.NewPassword); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "password updated"})
}

func (h *Handler) Me(c echo.Context) error {
	id, err := actorUUID(c)
	if err != nil {
		return err
	}
	a, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) UpdateMe(c echo.Context) error {
	id, err := actorUUID(c)
	if err != nil {
		return err
	}
	var in UpdateProfileInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	a, err := h.svc.UpdateProfile(c.Request().Context(), id, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

type changePasswordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

func (h *Handler) ChangePassword(c echo.Context) error {
	id, err := actorUUID(c)
	if err != nil {
		return err
	}
	var in changePasswordRequest
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.ChangePassword(c.Request().Context(), id, in.OldPassword, in.NewPassword); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "password updated"})
}

type twoFactorRequest struct {
	AccountID string `json:"account_id"`
	Enabled   bool   `json:"enabled"`
}

func (h *Handler) SetTwoFactor(c echo.Context) error {
	ctx := c.Request().Context()
	actorID := auth.AccountIDFromContext(ctx)
	var in twoFactorRequest
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	targetID := actorID
	if in.AccountID != "" {
		targetID = in.AccountID
	}
	tid, err := uuid.Parse(targetID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid account_id")
	}
	if err := h.svc.SetTwoFactor(ctx, actorID, auth.RoleFromContext(ctx), tid, in.Enabled); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"two_factor_enabled": in.Enabled})
}

type deletionRequest struct {
	AccountID string `json:"account_id"`
	Code      string `json:"code"`
}

func (h *Handler) InitiateDeletion(c echo.Context) error {
	actorID, tid, _, err := bindDeletion(c)
	if err != nil {
		return err
	}
	if err := h.svc.InitiateDeletion(c.Request().Context(), actorID, tid); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "verification code sent"})
}

func (h *Handler) VerifyDeletion(c echo.Context) error {
	actorID, tid, code, err := bindDeletion(c)
	if err != nil {
		return err
	}
	if err := h.svc.VerifyDeletion(c.Request().Context(), actorID, tid, code); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "deletion verified"})
}

func (h *Handler) ConfirmDeletion(c echo.Context) error {
	actorID, tid, _, err := bindDeletion(c)
	if err != nil {
		return err
	}
	if err := h.svc.ConfirmDeletion(c.Request().Context(), actorID, tid); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func actorUUID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(auth.AccountIDFromContext(c.Request().Context()))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusUnauthorized, "invalid token subject")
	}
	return id, nil
}

func bindDeletion(c echo.Context) (actorID string, targetID uuid.UUID, code string, err error) {
	actorID = auth.AccountIDFromContext(c.Request().Context())
	var in deletionRequest
	if err := c.Bind(&in); err != nil {
		return "", uuid.Nil, "", echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	target := in.AccountID
	if target == "" {
		target = actorID
	}
	tid, perr := uuid.Parse(target)
	if perr != nil {
		return "", uuid.Nil, "", echo.NewHTTPError(http.StatusBadRequest, "invalid account_id")
	}
	return actorID, tid, in.Code, nil
}
