package signaling

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pion/webrtc/v4"

	"github.com/ehr/teleconsult/internal/domain/scheduling"
	"github.com/ehr/teleconsult/internal/platform/auth"
)

// ICEConfigResponse is what a participant hands to RTCPeerConnection.
type ICEConfigResponse struct {
	RoomID     string             `json:"roomId"`
	ICEServers []webrtc.ICEServer `json:"iceServers"`
}

// Handler serves the HTTP side of signaling.
type Handler struct {
	lifecycle  Lifecycle
	iceServers []webrtc.ICEServer
}

func NewHandler(lifecycle Lifecycle, iceServers []webrtc.ICEServer) *Handler {
	if iceServers == nil {
		iceServers = []webrtc.ICEServer{}
	}
	return &Handler{lifecycle: lifecycle, iceServers: iceServers}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/rooms/:roomId/ice-config", h.GetICEConfig,
		auth.RequireRole(auth.RoleProvider, auth.RolePatient))
}

// GetICEConfig returns the ICE servers for a room. It admits exactly the
// callers a join would admit.
func (h *Handler) GetICEConfig(c echo.Context) error {
	id, ok := auth.IdentityFromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing identity")
	}
	roomID := c.Param("roomId")

	a, err := h.lifecycle.FindByRoom(c.Request().Context(), roomID)
	if err != nil {
		switch {
		case errors.Is(err, scheduling.ErrNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "room not found")
		case errors.Is(err, scheduling.ErrStoreUnavailable):
			return echo.NewHTTPError(http.StatusServiceUnavailable, "record store unavailable")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if err := checkAdmission(a, id); err != nil {
		if errors.Is(err, ErrInvalidState) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return echo.NewHTTPError(http.StatusForbidden, "not a participant of this room")
	}

	return c.JSON(http.StatusOK, ICEConfigResponse{RoomID: roomID, ICEServers: h.iceServers})
}
