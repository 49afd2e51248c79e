package auth

import (
	"context"

	"github.com/quantrail/identity/pkg/audit"
	"github.com/quantrail/identity/pkg/eventbus"
	"github.com/quantrail/identity/pkg/identity"
	"github.com/quantrail/identity/pkg/kernel"
)

// ProfileUpdate carries the self-service mutable fields. Nil pointers
// leave the field untouched.
type ProfileUpdate struct {
	DisplayName *string
	Phone       *string
	Timezone    *string
	Locale      *string
}

// GetProfile returns the caller's own user record.
func (s *Service) GetProfile(ctx context.Context, principal kernel.Principal) (*identity.User, error) {
	return s.users.GetUser(ctx, principal.UserID)
}

// UpdateProfile applies the partial update and reports which fields moved.
func (s *Service) UpdateProfile(ctx context.Context, principal kernel.Principal, upd ProfileUpdate, client Client) (*identity.User, error) {
	user, err := s.users.GetUser(ctx, principal.UserID)
	if err != nil {
		return nil, err
	}

	var changed []string
	if upd.DisplayName != nil && *upd.DisplayName != user.DisplayName {
		user.DisplayName = *upd.DisplayName
		changed = append(changed, "display_name")
	}
	if upd.Phone != nil && *upd.Phone != user.Phone {
		user.Phone = *upd.Phone
		changed = append(changed, "phone")
	}
	if upd.Timezone != nil && *upd.Timezone != user.Timezone {
		user.Timezone = *upd.Timezone
		changed = append(changed, "timezone")
	}
	if upd.Locale != nil && *upd.Locale != user.Locale {
		user.Locale = *upd.Locale
		changed = append(changed, "locale")
	}
	if len(changed) == 0 {
		return user, nil
	}

	if err := s.users.UpdateProfile(ctx, user); err != nil {
		return nil, err
	}
	s.auditThenPublish(ctx, audit.Event{
		Type:    "user.updated",
		Subject: user.ID.Subject(),
		Payload: map[string]any{"fields": changed},
	}, client, eventbus.UserUpdated(user.ID, changed))
	return user, nil
}

// GetPreferences returns the caller's preference document, defaults when
// none has been saved yet.
func (s *Service) GetPreferences(ctx context.Context, principal kernel.Principal) (identity.Prefs, error) {
	return s.prefs.GetPrefs(ctx, principal.UserID)
}

// UpdatePreferences deep-merges the patch into the stored document.
// Arrays are replaced, explicit nulls delete keys.
func (s *Service) UpdatePreferences(ctx context.Context, principal kernel.Principal, patch identity.Prefs) (identity.Prefs, error) {
	current, err := s.prefs.GetPrefs(ctx, principal.UserID)
	if err != nil {
		return nil, err
	}
	merged := identity.Merge(current, patch)
	if err := s.prefs.SavePrefs(ctx, principal.UserID, merged); err != nil {
		return nil, err
	}
	return merged, nil
}

// ChangePassword rotates the caller's password after re-verifying the old
// one, then signs out every other session.
func (s *Service) ChangePassword(ctx context.Context, principal kernel.Principal, oldPassword, newPassword string, client Client) error {
	user, err := s.users.GetUser(ctx, principal.UserID)
	if err != nil {
		return err
	}
	if err := s.verifyCurrentPassword(ctx, user.PasswordHash, oldPassword); err != nil {
		return err
	}
	if err := passwordStrength(newPassword, user); err != nil {
		return err
	}

	var hash string
	err = s.hashPool.Submit(ctx, func() error {
		var err error
		hash, err = s.hasher.Hash(newPassword)
		return err
	})
	if err != nil {
		return err
	}
	if err := s.users.SetPasswordHash(ctx, user.ID, hash); err != nil {
		return err
	}
	if _, err := s.sessions.RevokeAllForUser(ctx, user.ID); err != nil {
		return err
	}

	s.auditThenPublish(ctx, audit.Event{
		Type:    "password.changed",
		Subject: user.ID.Subject(),
	}, client, eventbus.PasswordChanged(user.ID))
	return nil
}
