package kernel

// ============================================================================
// Principal context, injected into every request after token validation
// ============================================================================

// Principal is the authenticated caller of an operation. For user tokens it
// carries the user's roles and session; for service tokens only the service
// name and scope are set.
type Principal struct {
	UserID      UserID      `json:"user_id,omitempty"`
	SessionID   SessionID   `json:"session_id,omitempty"`
	Service     string      `json:"service,omitempty"`
	Scope       string      `json:"scope,omitempty"`
	Roles       []string    `json:"roles"`
	AccountIDs  []AccountID `json:"account_ids,omitempty"`
	MFAVerified bool        `json:"mfa_verified"`
}

// IsService reports whether the principal is a peer service rather than a user.
func (p *Principal) IsService() bool {
	return p.Service != ""
}

// IsValid reports whether the principal identifies anyone at all.
func (p *Principal) IsValid() bool {
	if p.IsService() {
		return true
	}
	return !p.UserID.IsEmpty()
}

// HasRole checks role membership.
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasAnyRole checks whether the principal holds at least one of the roles.
func (p *Principal) HasAnyRole(roles ...string) bool {
	for _, role := range roles {
		if p.HasRole(role) {
			return true
		}
	}
	return false
}

// IsAdmin is a convenience for the seeded admin role.
func (p *Principal) IsAdmin() bool {
	return p.HasRole("admin")
}

// OwnsAccount reports whether the account id appears in the principal's
// token claims. The PDP still has the final say.
func (p *Principal) OwnsAccount(id AccountID) bool {
	for _, a := range p.AccountIDs {
		if a == id {
			return true
		}
	}
	return false
}

// ============================================================================
// Context keys
// ============================================================================

type ContextKey string

const (
	// PrincipalContextKey stores the *Principal of the request.
	PrincipalContextKey ContextKey = "principal"

	// RequestIDKey stores the request correlation id.
	RequestIDKey ContextKey = "request_id"

	// ClientIPKey stores the remote address the request arrived from.
	ClientIPKey ContextKey = "client_ip"
)
