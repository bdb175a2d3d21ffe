package auth

import "context"

// Role is the clinical role carried by a verified identity.
type Role string

const (
	RoleProvider Role = "provider"
	RolePatient  Role = "patient"
	RoleAdmin    Role = "admin"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleProvider, RolePatient, RoleAdmin:
		return true
	}
	return false
}

// Identity is the verified caller attached to every request and every
// signaling connection. The core trusts it completely and never mutates it.
type Identity struct {
	SubjectID   string `json:"subject_id"`
	Role        Role   `json:"role"`
	ProviderRef string `json:"provider_ref,omitempty"`
	PatientRef  string `json:"patient_ref,omitempty"`
}

func (id Identity) IsAdmin() bool { return id.Role == RoleAdmin }

// ClinicalRef returns the provider or patient record the identity acts as,
// or "" for admins and identities without a linked record.
func (id Identity) ClinicalRef() string {
	switch id.Role {
	case RoleProvider:
		return id.ProviderRef
	case RolePatient:
		return id.PatientRef
	}
	return ""
}

type contextKey string

const IdentityKey contextKey = "identity"

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, IdentityKey, id)
}

// IdentityFromContext returns the identity attached by the auth middleware.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(IdentityKey).(Identity)
	if !ok || id.SubjectID == "" {
		return Identity{}, false
	}
	return id, true
}
