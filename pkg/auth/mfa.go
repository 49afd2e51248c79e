package auth

import (
	"context"

	"github.com/quantrail/identity/pkg/audit"
	"github.com/quantrail/identity/pkg/eventbus"
	"github.com/quantrail/identity/pkg/kernel"
	"github.com/quantrail/identity/pkg/mfa"
)

// BeginMfaEnrollment starts TOTP enrollment for the caller. The password
// is re-verified so a hijacked session cannot plant a second factor.
func (s *Service) BeginMfaEnrollment(ctx context.Context, principal kernel.Principal, currentPassword string) (*mfa.Enrollment, error) {
	user, err := s.users.GetUser(ctx, principal.UserID)
	if err != nil {
		return nil, err
	}
	if err := s.verifyCurrentPassword(ctx, user.PasswordHash, currentPassword); err != nil {
		return nil, err
	}
	return s.mfa.BeginEnrollment(ctx, principal.UserID, user.Email)
}

// ConfirmMfaEnrollment activates the pending enrollment after the user
// proves possession with a live code.
func (s *Service) ConfirmMfaEnrollment(ctx context.Context, principal kernel.Principal, code string, client Client) error {
	if err := s.mfa.ConfirmEnrollment(ctx, principal.UserID, code); err != nil {
		return err
	}
	s.auditThenPublish(ctx, audit.Event{
		Type:    "mfa.enabled",
		Subject: principal.UserID.Subject(),
	}, client, eventbus.MFAEnabled(principal.UserID))
	return nil
}

// DisableMfa removes the factor after a password and fresh code check.
// Backup codes are accepted so a lost device does not lock the account
// forever.
func (s *Service) DisableMfa(ctx context.Context, principal kernel.Principal, currentPassword, code string, client Client) error {
	user, err := s.users.GetUser(ctx, principal.UserID)
	if err != nil {
		return err
	}
	if err := s.verifyCurrentPassword(ctx, user.PasswordHash, currentPassword); err != nil {
		return err
	}
	if err := s.mfa.Disable(ctx, principal.UserID, code); err != nil {
		s.auditThenPublish(ctx, audit.Event{
			Type:    "mfa.failed",
			Subject: principal.UserID.Subject(),
			Payload: map[string]any{"operation": "disable"},
		}, client, eventbus.MFAFailed(principal.UserID))
		return err
	}
	s.auditThenPublish(ctx, audit.Event{
		Type:    "mfa.disabled",
		Subject: principal.UserID.Subject(),
	}, client, eventbus.MFADisabled(principal.UserID))
	return nil
}

// RegenerateBackupCodes replaces the caller's backup codes. The password
// and a live TOTP code are both required; a backup code cannot mint its
// own successors.
func (s *Service) RegenerateBackupCodes(ctx context.Context, principal kernel.Principal, currentPassword, code string, client Client) ([]string, error) {
	user, err := s.users.GetUser(ctx, principal.UserID)
	if err != nil {
		return nil, err
	}
	if err := s.verifyCurrentPassword(ctx, user.PasswordHash, currentPassword); err != nil {
		return nil, err
	}
	codes, err := s.mfa.RegenerateBackupCodes(ctx, principal.UserID, code)
	if err != nil {
		return nil, err
	}
	s.auditThenPublish(ctx, audit.Event{
		Type:    "mfa.backup_regenerated",
		Subject: principal.UserID.Subject(),
	}, client, eventbus.Event{})
	return codes, nil
}

func (s *Service) verifyCurrentPassword(ctx context.Context, storedHash, plaintext string) error {
	ok := false
	err := s.hashPool.Submit(ctx, func() error {
		ok, _ = s.hasher.Verify(plaintext, storedHash)
		return nil
	})
	if err != nil {
		return err
	}
	if !ok {
		return ErrRegistry.New(CodeInvalidCredentials)
	}
	return nil
}
