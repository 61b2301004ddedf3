package escalation

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/vitalred/referral/internal/platform/auth"
	"github.com/vitalred/referral/internal/platform/clock"
	"github.com/vitalred/referral/pkg/pagination"
)

type Handler struct {
	svc       *Service
	scheduler *Scheduler
	clock     clock.Clock
}

// NewHandler creates the escalation handler. scheduler may be nil, in which
// case the manual tick endpoint is not registered.
func NewHandler(svc *Service, scheduler *Scheduler, clk clock.Clock) *Handler {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Handler{svc: svc, scheduler: scheduler, clock: clk}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	readGroup := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleReviewer, auth.RoleSupervisor))
	readGroup.GET("/escalations", h.ListOpen)
	readGroup.GET("/escalations/:id", h.Get)
	readGroup.GET("/referrals/:id/escalations", h.ListByRequest)
	readGroup.POST("/escalations/:id/acknowledge", h.Acknowledge)

	if h.scheduler != nil {
		adminGroup := api.Group("", auth.RequireRole(auth.RoleAdmin))
		adminGroup.POST("/escalations/tick", h.RunTick)
	}
}

func (h *Handler) Acknowledge(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	rec, err := h.svc.Acknowledge(ctx, id, auth.UserIDFromContext(ctx))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "escalation not found")
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	rec, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "escalation not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) ListOpen(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListOpen(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c))
}

func (h *Handler) ListByRequest(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	items, err := h.svc.ListByRequest(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []*Record{}
	}
	return c.JSON(http.StatusOK, items)
}

type tickResponse struct {
	TickReport
	Errors []string `json:"errors"`
}

// RunTick triggers a scheduler pass immediately.
func (h *Handler) RunTick(c echo.Context) error {
	rep := h.scheduler.RunTick(c.Request().Context(), h.clock.Now())
	return c.JSON(http.StatusOK, tickResponse{TickReport: rep, Errors: rep.ErrorStrings()})
}
