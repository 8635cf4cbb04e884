package api

import (
	"net/http"
)

// Capability is a coarse permission class carried by a principal
type Capability string

const (
	CapRead  Capability = "read"
	CapWrite Capability = "write"
	CapAdmin Capability = "admin"
)

// RoleHeader names the principal role behind TLS termination. A TLS client
// certificate's OU takes precedence when present.
const RoleHeader = "X-Joblet-Role"

var roleCapabilities = map[string][]Capability{
	"viewer":   {CapRead},
	"operator": {CapRead, CapWrite},
	"admin":    {CapRead, CapWrite, CapAdmin},
}

// principal extracts the caller's role: client certificate OU first, then
// the role header.
func principal(r *http.Request) string {
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		if ou := r.TLS.PeerCertificates[0].Subject.OrganizationalUnit; len(ou) > 0 {
			return ou[0]
		}
	}
	return r.Header.Get(RoleHeader)
}

func hasCapability(role string, cap Capability) bool {
	for _, c := range roleCapabilities[role] {
		if c == cap {
			return true
		}
	}
	return false
}

// require guards a handler behind a capability; the check runs before any
// state mutation.
func (s *Server) require(cap Capability, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		role := principal(r)
		if role == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{
				Code: "Unauthorized", Message: "no principal",
			})
			return
		}
		if !hasCapability(role, cap) {
			writeJSON(w, http.StatusForbidden, errorBody{
				Code: "Forbidden", Message: "missing capability " + string(cap),
			})
			return
		}
		next(w, r)
	}
}
