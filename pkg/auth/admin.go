package auth

import (
	"context"
	"io"

	"github.com/quantrail/identity/pkg/audit"
	"github.com/quantrail/identity/pkg/eventbus"
	"github.com/quantrail/identity/pkg/identity"
	"github.com/quantrail/identity/pkg/kernel"
	"github.com/quantrail/identity/pkg/logx"
	"github.com/quantrail/identity/pkg/session"
	"github.com/quantrail/identity/pkg/token"
)

func requireAdmin(actor kernel.Principal) error {
	if !actor.IsAdmin() {
		return ErrRegistry.New(CodeForbidden)
	}
	return nil
}

// AssignRole grants a role. The PDP cache for the subject is invalidated
// before this returns so new decisions see the grant path immediately.
func (s *Service) AssignRole(ctx context.Context, actor kernel.Principal, userID kernel.UserID, role string, client Client) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	if err := s.roles.AssignRole(ctx, userID, role, actor.UserID); err != nil {
		return err
	}
	s.policy.InvalidateSubject(userID.Subject())

	s.auditThenPublish(ctx, audit.Event{
		Type:    "role.assigned",
		Subject: userID.Subject(),
		Actor:   actor.UserID.Subject(),
		Payload: map[string]any{"role": role},
	}, client, eventbus.RoleAssigned(userID, role).WithActor(actor.UserID.Subject()))
	return nil
}

// RevokeRole removes a role. Cached Allow decisions for the subject die
// before the call returns; a revoked admin loses the panel on the next check.
func (s *Service) RevokeRole(ctx context.Context, actor kernel.Principal, userID kernel.UserID, role string, client Client) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	if err := s.roles.RevokeRole(ctx, userID, role); err != nil {
		return err
	}
	s.policy.InvalidateSubject(userID.Subject())

	s.auditThenPublish(ctx, audit.Event{
		Type:    "role.revoked",
		Subject: userID.Subject(),
		Actor:   actor.UserID.Subject(),
		Payload: map[string]any{"role": role},
	}, client, eventbus.RoleRevoked(userID, role).WithActor(actor.UserID.Subject()))
	return nil
}

// SuspendUser blocks logins without touching live sessions; deactivation
// is the hard stop.
func (s *Service) SuspendUser(ctx context.Context, actor kernel.Principal, userID kernel.UserID, client Client) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	if err := s.users.SetStatus(ctx, userID, identity.StatusSuspended); err != nil {
		return err
	}
	s.auditThenPublish(ctx, audit.Event{
		Type:    "user.suspended",
		Subject: userID.Subject(),
		Actor:   actor.UserID.Subject(),
	}, client, eventbus.UserUpdated(userID, []string{"status"}).WithActor(actor.UserID.Subject()))
	return nil
}

// DeactivateUser is terminal: status flips, every session dies, and the
// PDP forgets the subject.
func (s *Service) DeactivateUser(ctx context.Context, actor kernel.Principal, userID kernel.UserID, client Client) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	if err := s.users.SetStatus(ctx, userID, identity.StatusDeactivated); err != nil {
		return err
	}
	if _, err := s.sessions.RevokeAllForUser(ctx, userID); err != nil {
		logx.WithError(err).WithField("user_id", userID.String()).Warn("auth: sessions not revoked on deactivation")
	}
	s.policy.InvalidateSubject(userID.Subject())

	s.auditThenPublish(ctx, audit.Event{
		Type:    "user.deactivated",
		Subject: userID.Subject(),
		Actor:   actor.UserID.Subject(),
	}, client, eventbus.UserDeactivated(userID).WithActor(actor.UserID.Subject()))
	return nil
}

// SearchUsers matches email or display name, paginated.
func (s *Service) SearchUsers(ctx context.Context, actor kernel.Principal, query string, opts kernel.PaginationOptions) (kernel.Paginated[identity.User], error) {
	if err := requireAdmin(actor); err != nil {
		return kernel.Paginated[identity.User]{}, err
	}
	return s.users.SearchUsers(ctx, query, opts)
}

// UserStats reports totals by status and MFA adoption.
func (s *Service) UserStats(ctx context.Context, actor kernel.Principal) (*identity.UserStats, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	return s.users.Stats(ctx)
}

// RotateSigningKeys promotes a fresh key pair; the old Active key keeps
// validating through its grace window.
func (s *Service) RotateSigningKeys(ctx context.Context, actor kernel.Principal, client Client) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	if err := s.ring.Rotate(ctx); err != nil {
		return err
	}
	s.auditThenPublish(ctx, audit.Event{
		Type:  "signing_key.rotated",
		Actor: actor.UserID.Subject(),
	}, client, eventbus.Event{})
	return nil
}

// AdminListSessions lists any user's live sessions.
func (s *Service) AdminListSessions(ctx context.Context, actor kernel.Principal, userID kernel.UserID) ([]session.Session, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	return s.sessions.ListSessions(ctx, userID)
}

// AdminRevokeSession kills one session of any user.
func (s *Service) AdminRevokeSession(ctx context.Context, actor kernel.Principal, userID kernel.UserID, sid kernel.SessionID, client Client) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	if err := s.sessions.RevokeSession(ctx, sid); err != nil {
		return err
	}
	s.auditThenPublish(ctx, audit.Event{
		Type:    "session.revoked",
		Subject: userID.Subject(),
		Actor:   actor.UserID.Subject(),
		Payload: map[string]any{"session_id": sid.String()},
	}, client, eventbus.SessionRevoked(userID, sid, "admin").WithActor(actor.UserID.Subject()))
	return nil
}

// IssueServiceToken mints a short-lived service token for a peer service.
func (s *Service) IssueServiceToken(ctx context.Context, actor kernel.Principal, serviceName, scope string, client Client) (string, error) {
	if err := requireAdmin(actor); err != nil {
		return "", err
	}
	signed, err := s.tokens.Mint(token.KindService, token.Claims{
		Subject: "svc:" + serviceName,
		Scope:   scope,
	})
	if err != nil {
		return "", err
	}
	s.auditThenPublish(ctx, audit.Event{
		Type:    "service_token.issued",
		Subject: "svc:" + serviceName,
		Actor:   actor.UserID.Subject(),
		Payload: map[string]any{"scope": scope},
	}, client, eventbus.Event{})
	return signed, nil
}

// QueryAuditEvents reads the durable audit trail.
func (s *Service) QueryAuditEvents(ctx context.Context, actor kernel.Principal, filter audit.Filter) ([]audit.Event, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	return s.audit.Query(ctx, filter)
}

// ExportAuditEvents streams the filtered trail as JSON lines.
func (s *Service) ExportAuditEvents(ctx context.Context, actor kernel.Principal, w io.Writer, filter audit.Filter) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	return s.audit.ExportJSON(ctx, w, filter)
}
