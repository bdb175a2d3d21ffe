package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// IsParticipant reports whether id is the provider or the patient assigned
// to an appointment. The identity's role must match the side it claims, so a
// patient identity never passes as the provider even if the refs collide.
// Admins are not participants.
func IsParticipant(id Identity, providerRef, patientRef string) bool {
	switch id.Role {
	case RoleProvider:
		return id.ProviderRef != "" && id.ProviderRef == providerRef
	case RolePatient:
		return id.PatientRef != "" && id.PatientRef == patientRef
	}
	return false
}

// CanManage reports whether id may read or transition an appointment:
// either one of its participants or an administrator.
func CanManage(id Identity, providerRef, patientRef string) bool {
	return id.IsAdmin() || IsParticipant(id, providerRef, patientRef)
}

// RequireRole returns middleware that checks the caller holds one of the
// given roles. Admins always pass.
func RequireRole(roles ...Role) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id, ok := IdentityFromContext(c.Request().Context())
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing identity")
			}
			if id.IsAdmin() {
				return next(c)
			}
			for _, required := range roles {
				if id.Role == required {
					return next(c)
				}
			}
			names := make([]string, len(roles))
			for i, r := range roles {
				names[i] = string(r)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(names, " or ")))
		}
	}
}
