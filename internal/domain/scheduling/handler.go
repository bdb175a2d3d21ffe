package scheduling

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/teleconsult/internal/platform/auth"
	"github.com/ehr/teleconsult/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/appointments", h.CreateAppointment, auth.RequireRole(auth.RoleAdmin))

	participants := api.Group("", auth.RequireRole(auth.RoleProvider, auth.RolePatient))
	participants.GET("/appointments", h.ListAppointments)
	participants.GET("/appointments/:id", h.GetAppointment)
	participants.PUT("/appointments/:id/status", h.UpdateStatus)
	participants.GET("/rooms/:roomId", h.GetRoom)
}

// httpError maps lifecycle errors onto HTTP status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrStoreUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "record store unavailable")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func caller(c echo.Context) (auth.Identity, error) {
	id, ok := auth.IdentityFromContext(c.Request().Context())
	if !ok {
		return auth.Identity{}, echo.NewHTTPError(http.StatusUnauthorized, "missing identity")
	}
	return id, nil
}

func (h *Handler) CreateAppointment(c echo.Context) error {
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	a, err := h.svc.Create(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) GetAppointment(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	who, err := caller(c)
	if err != nil {
		return err
	}
	a, err := h.svc.Get(c.Request().Context(), id, who)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) ListAppointments(c echo.Context) error {
	who, err := caller(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	filter := ListFilter{
		ProviderRef: c.QueryParam("provider_id"),
		PatientRef:  c.QueryParam("patient_id"),
		Status:      Status(c.QueryParam("status")),
	}
	items, total, err := h.svc.List(c.Request().Context(), who, filter, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Appointment{}
	}
	resp := pagination.NewResponse(items, total, pg.Limit, pg.Offset)
	resp.Links = pg.Links(c.Request().URL, total)
	return c.JSON(http.StatusOK, resp)
}

type statusRequest struct {
	Status Status `json:"status"`
}

func (h *Handler) UpdateStatus(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var body statusRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if body.Status == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "status is required")
	}
	who, err := caller(c)
	if err != nil {
		return err
	}
	a, err := h.svc.Transition(c.Request().Context(), id, who, body.Status)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) GetRoom(c echo.Context) error {
	who, err := caller(c)
	if err != nil {
		return err
	}
	a, err := h.svc.FindByRoomFor(c.Request().Context(), c.Param("roomId"), who)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}
