package referral

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/vitalred/referral/internal/domain/scoring"
	"github.com/vitalred/referral/internal/platform/auth"
	"github.com/vitalred/referral/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – everyone involved in the referral flow
	readGroup := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleClinic, auth.RoleReviewer, auth.RoleSupervisor))
	readGroup.GET("/referrals", h.List)
	readGroup.GET("/referrals/:id", h.Get)
	readGroup.GET("/referrals/code/:code", h.GetByCode)
	readGroup.GET("/referrals/:id/decisions", h.ListDecisions)
	readGroup.GET("/referrals/:id/transitions", h.ListTransitions)

	// Clinic endpoints
	clinicGroup := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleClinic))
	clinicGroup.POST("/referrals", h.Submit)
	clinicGroup.POST("/referrals/:id/cancel", h.Cancel)

	// Reviewer endpoints
	reviewGroup := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleReviewer, auth.RoleSupervisor))
	reviewGroup.POST("/referrals/:id/decision", h.Decide)
	reviewGroup.POST("/referrals/:id/reopen", h.Reopen)
	reviewGroup.POST("/referrals/:id/rescore", h.Rescore)
}

type submitRequest struct {
	PatientAge    *int   `json:"patient_age"`
	Justification string `json:"justification"`
	Specialty     string `json:"specialty"`
	OriginClinic  string `json:"origin_clinic"`
}

type decideRequest struct {
	Outcome       Outcome `json:"outcome"`
	Justification string  `json:"justification"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// idempotencyKey reads the client-supplied token for safe retries.
func idempotencyKey(c echo.Context) string {
	return c.Request().Header.Get("Idempotency-Key")
}

func (h *Handler) Submit(c echo.Context) error {
	var body submitRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	// Clinic staff always submit on behalf of their own clinic.
	origin := body.OriginClinic
	if clinic := auth.ClinicFromContext(ctx); clinic != "" {
		origin = clinic
	}
	req, err := h.svc.Submit(ctx, SubmitInput{
		PatientAge:       body.PatientAge,
		Justification:    body.Justification,
		Specialty:        body.Specialty,
		OriginClinic:     origin,
		SubmittedBy:      auth.UserIDFromContext(ctx),
		IdempotencyToken: idempotencyKey(c),
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, req)
}

func (h *Handler) Decide(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var body decideRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	d, err := h.svc.Decide(ctx, id, DecideInput{
		Outcome:          body.Outcome,
		ReviewerID:       auth.UserIDFromContext(ctx),
		Justification:    body.Justification,
		IdempotencyToken: idempotencyKey(c),
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) Reopen(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var body reasonRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	req, err := h.svc.Reopen(ctx, id, ReopenInput{
		Actor:            auth.UserIDFromContext(ctx),
		Reason:           body.Reason,
		IdempotencyToken: idempotencyKey(c),
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, req)
}

func (h *Handler) Cancel(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var body reasonRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	req, err := h.svc.Cancel(ctx, id, CancelInput{
		Actor:            auth.UserIDFromContext(ctx),
		Reason:           body.Reason,
		IdempotencyToken: idempotencyKey(c),
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, req)
}

func (h *Handler) Rescore(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	req, err := h.svc.Rescore(ctx, id, auth.UserIDFromContext(ctx))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, req)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	req, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, req)
}

func (h *Handler) GetByCode(c echo.Context) error {
	req, err := h.svc.GetByCode(c.Request().Context(), c.Param("code"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, req)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := ListFilter{
		State:     State(c.QueryParam("state")),
		Priority:  scoring.Priority(c.QueryParam("priority")),
		Specialty: c.QueryParam("specialty"),
	}
	items, total, err := h.svc.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c))
}

func (h *Handler) ListDecisions(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	items, err := h.svc.ListDecisions(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) ListTransitions(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	items, err := h.svc.ListTransitions(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

// httpError maps lifecycle errors to HTTP status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidSubmission), errors.Is(err, ErrInvalidDecision):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrIllegalTransition), errors.Is(err, ErrWindowExpired):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, scoring.ErrInvalidInput):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
