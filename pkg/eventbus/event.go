package eventbus

import (
	"time"

	"github.com/google/uuid"
	"github.com/quantrail/identity/pkg/kernel"
)

// Priority grades an event for consumers that triage.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Channel is one pub/sub topic.
type Channel string

const (
	ChannelAll            Channel = "events.all"
	ChannelUser           Channel = "events.user"
	ChannelAuth           Channel = "events.auth"
	ChannelAuthz          Channel = "events.authz"
	ChannelTradingAccount Channel = "events.trading_account"
	ChannelSecurity       Channel = "events.security"
)

// Event is the wire unit. Subject is the principal the event is about;
// Actor, when set, is who caused it (an admin acting on another user).
type Event struct {
	ID        string         `json:"event_id"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source"`
	Subject   string         `json:"subject,omitempty"`
	Actor     string         `json:"actor,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Priority  Priority       `json:"priority"`
}

const source = "user_service"

func newEvent(eventType, subject string, priority Priority, data map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Source:    source,
		Subject:   subject,
		Data:      data,
		Priority:  priority,
	}
}

// WithActor marks the event as performed on the subject by someone else.
func (e Event) WithActor(actor string) Event {
	e.Actor = actor
	return e
}

// ============================================================================
// Typed constructors. These are the only event types the platform emits;
// consumers rely on the set being closed.
// ============================================================================

func UserRegistered(userID kernel.UserID, email string) Event {
	return newEvent("user.registered", userID.Subject(), PriorityNormal, map[string]any{"email": email})
}

func UserUpdated(userID kernel.UserID, fields []string) Event {
	return newEvent("user.updated", userID.Subject(), PriorityNormal, map[string]any{"fields": fields})
}

func UserDeactivated(userID kernel.UserID) Event {
	return newEvent("user.deactivated", userID.Subject(), PriorityNormal, nil)
}

func LoginSuccess(userID kernel.UserID, sid kernel.SessionID, mfaVerified bool) Event {
	return newEvent("login.success", userID.Subject(), PriorityNormal, map[string]any{
		"sid": sid.String(), "mfa_verified": mfaVerified,
	})
}

func LoginFailed(email, reason string) Event {
	// No subject: the email may not belong to any user and failed logins
	// must not leak which.
	return newEvent("login.failed", "", PriorityHigh, map[string]any{
		"email": email, "reason": reason,
	})
}

func Logout(userID kernel.UserID, sid kernel.SessionID) Event {
	return newEvent("logout", userID.Subject(), PriorityNormal, map[string]any{"sid": sid.String()})
}

func TokenRefreshed(userID kernel.UserID, sid kernel.SessionID) Event {
	return newEvent("token.refreshed", userID.Subject(), PriorityNormal, map[string]any{"sid": sid.String()})
}

func SessionRevoked(userID kernel.UserID, sid kernel.SessionID, reason string) Event {
	return newEvent("session.revoked", userID.Subject(), PriorityNormal, map[string]any{
		"sid": sid.String(), "reason": reason,
	})
}

func PasswordChanged(userID kernel.UserID) Event {
	return newEvent("password.changed", userID.Subject(), PriorityHigh, nil)
}

func MFAEnabled(userID kernel.UserID) Event {
	return newEvent("mfa.enabled", userID.Subject(), PriorityHigh, nil)
}

func MFADisabled(userID kernel.UserID) Event {
	return newEvent("mfa.disabled", userID.Subject(), PriorityHigh, nil)
}

func MFAFailed(userID kernel.UserID) Event {
	return newEvent("mfa.failed", userID.Subject(), PriorityHigh, nil)
}

func RoleAssigned(userID kernel.UserID, role string) Event {
	return newEvent("role.assigned", userID.Subject(), PriorityHigh, map[string]any{"role": role})
}

func RoleRevoked(userID kernel.UserID, role string) Event {
	return newEvent("role.revoked", userID.Subject(), PriorityHigh, map[string]any{"role": role})
}

func PermissionUpdated(policyID string) Event {
	return newEvent("permission.updated", "", PriorityHigh, map[string]any{"policy_id": policyID})
}

func RefreshReuseDetected(userID kernel.UserID, sid kernel.SessionID, family kernel.FamilyID) Event {
	return newEvent("refresh.reuse_detected", userID.Subject(), PriorityCritical, map[string]any{
		"sid": sid.String(), "family": family.String(),
	})
}

func TradingAccountLinked(userID kernel.UserID, accountID kernel.AccountID, broker string) Event {
	return newEvent("trading_account.linked", userID.Subject(), PriorityNormal, map[string]any{
		"account_id": accountID.String(), "broker": broker,
	})
}

func TradingAccountUnlinked(userID kernel.UserID, accountID kernel.AccountID) Event {
	return newEvent("trading_account.unlinked", userID.Subject(), PriorityNormal, map[string]any{
		"account_id": accountID.String(),
	})
}

func TradingAccountRotated(userID kernel.UserID, accountID kernel.AccountID) Event {
	return newEvent("trading_account.credentials_rotated", userID.Subject(), PriorityNormal, map[string]any{
		"account_id": accountID.String(),
	})
}

func MembershipGranted(ownerID kernel.UserID, accountID kernel.AccountID, granteeID kernel.UserID) Event {
	return newEvent("membership.granted", granteeID.Subject(), PriorityNormal, map[string]any{
		"account_id": accountID.String(), "owner": ownerID.Subject(),
	})
}

func MembershipRevoked(ownerID kernel.UserID, accountID kernel.AccountID, granteeID kernel.UserID) Event {
	return newEvent("membership.revoked", granteeID.Subject(), PriorityNormal, map[string]any{
		"account_id": accountID.String(), "owner": ownerID.Subject(),
	})
}
