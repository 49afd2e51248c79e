package auth

import (
	"context"
	"encoding/json"

	"github.com/quantrail/identity/pkg/audit"
	"github.com/quantrail/identity/pkg/eventbus"
	"github.com/quantrail/identity/pkg/identity"
	"github.com/quantrail/identity/pkg/kernel"
	"github.com/quantrail/identity/pkg/policy"
)

// LinkAccountInput carries the broker link payload. Credentials go to the
// vault; only the reference lands in the operational store.
type LinkAccountInput struct {
	Broker      string
	Handle      string
	Credentials []byte
	Profile     json.RawMessage
}

// LinkAccount stores the broker credentials in the vault and creates the
// trading account pointing at them. Accounts whose email is still pending
// verification cannot link brokers.
func (s *Service) LinkAccount(ctx context.Context, principal kernel.Principal, in LinkAccountInput, client Client) (*identity.TradingAccount, error) {
	user, err := s.users.GetUser(ctx, principal.UserID)
	if err != nil {
		return nil, err
	}
	if user.Status == identity.StatusPendingVerification {
		return nil, ErrRegistry.New(CodeForbidden).WithDetail("reason", "email_unverified")
	}

	ref, err := s.vault.Store(ctx, principal.UserID, "broker/"+in.Broker, in.Credentials)
	if err != nil {
		return nil, err
	}

	acct := &identity.TradingAccount{
		ID:       kernel.NewAccountID(newRandomID()),
		OwnerID:  principal.UserID,
		Broker:   in.Broker,
		Handle:   in.Handle,
		Status:   identity.AccountActive,
		VaultRef: ref,
		Profile:  in.Profile,
	}
	if err := s.accounts.CreateAccount(ctx, acct); err != nil {
		// The vault entry must not outlive a failed link.
		_ = s.vault.Delete(ctx, ref)
		return nil, err
	}

	s.auditThenPublish(ctx, audit.Event{
		Type:     "trading_account.linked",
		Subject:  principal.UserID.Subject(),
		Resource: acct.ID.String(),
		Payload:  map[string]any{"broker": in.Broker},
	}, client, eventbus.TradingAccountLinked(principal.UserID, acct.ID, in.Broker))
	return acct, nil
}

// UnlinkAccount revokes the link and tombstones the credentials.
func (s *Service) UnlinkAccount(ctx context.Context, principal kernel.Principal, accountID kernel.AccountID, client Client) error {
	acct, err := s.requireOwnedAccount(ctx, principal, accountID)
	if err != nil {
		return err
	}

	acct.Status = identity.AccountRevoked
	if err := s.accounts.UpdateAccount(ctx, acct); err != nil {
		return err
	}
	if err := s.vault.Delete(ctx, acct.VaultRef); err != nil {
		return err
	}

	s.auditThenPublish(ctx, audit.Event{
		Type:     "trading_account.unlinked",
		Subject:  principal.UserID.Subject(),
		Resource: accountID.String(),
	}, client, eventbus.TradingAccountUnlinked(principal.UserID, accountID))
	return nil
}

// RotateAccountCredentials replaces the stored broker credentials. The old
// vault ref dies with the rotation.
func (s *Service) RotateAccountCredentials(ctx context.Context, principal kernel.Principal, accountID kernel.AccountID, newCreds []byte, client Client) error {
	acct, err := s.requireOwnedAccount(ctx, principal, accountID)
	if err != nil {
		return err
	}

	newRef, err := s.vault.Rotate(ctx, acct.VaultRef, newCreds)
	if err != nil {
		return err
	}
	acct.VaultRef = newRef
	acct.Status = identity.AccountActive
	if err := s.accounts.UpdateAccount(ctx, acct); err != nil {
		return err
	}

	s.auditThenPublish(ctx, audit.Event{
		Type:     "trading_account.rotated",
		Subject:  principal.UserID.Subject(),
		Resource: accountID.String(),
	}, client, eventbus.TradingAccountRotated(principal.UserID, accountID))
	return nil
}

// GetAccountCredentials returns the plaintext broker credentials. Access
// goes through the PDP with an ownership condition; peer services use this
// to place orders on the user's behalf.
func (s *Service) GetAccountCredentials(ctx context.Context, principal kernel.Principal, accountID kernel.AccountID) ([]byte, error) {
	decision, err := s.policy.Check(ctx, policy.Input{
		Principal: principal,
		Action:    "trading_account.credentials.read",
		Resource:  "account:" + accountID.String(),
	})
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, ErrRegistry.New(CodeForbidden).
			WithDetail("resource", accountID.String())
	}

	acct, err := s.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if acct.Status == identity.AccountRevoked {
		return nil, identity.AcctRegistry.New(identity.CodeAccountRevoked)
	}
	return s.vault.Fetch(ctx, acct.VaultRef)
}

// ListAccounts lists the caller's own trading accounts.
func (s *Service) ListAccounts(ctx context.Context, principal kernel.Principal) ([]identity.TradingAccount, error) {
	return s.accounts.ListAccountsForOwner(ctx, principal.UserID)
}

// ShareAccount grants another user membership on an owned account.
func (s *Service) ShareAccount(ctx context.Context, principal kernel.Principal, accountID kernel.AccountID, granteeID kernel.UserID, client Client) error {
	if _, err := s.requireOwnedAccount(ctx, principal, accountID); err != nil {
		return err
	}
	if _, err := s.users.GetUser(ctx, granteeID); err != nil {
		return err
	}
	err := s.accounts.AddMembership(ctx, identity.Membership{
		AccountID: accountID,
		UserID:    granteeID,
		GrantedBy: principal.UserID,
	})
	if err != nil {
		return err
	}
	s.policy.InvalidateSubject(granteeID.Subject())

	s.auditThenPublish(ctx, audit.Event{
		Type:     "membership.granted",
		Subject:  granteeID.Subject(),
		Actor:    principal.UserID.Subject(),
		Resource: accountID.String(),
	}, client, eventbus.MembershipGranted(principal.UserID, accountID, granteeID))
	return nil
}

// RevokeAccountMembership withdraws a grant. The grantee's cached PDP
// decisions die before this returns.
func (s *Service) RevokeAccountMembership(ctx context.Context, principal kernel.Principal, accountID kernel.AccountID, granteeID kernel.UserID, client Client) error {
	if _, err := s.requireOwnedAccount(ctx, principal, accountID); err != nil {
		return err
	}
	if err := s.accounts.RemoveMembership(ctx, accountID, granteeID); err != nil {
		return err
	}
	s.policy.InvalidateSubject(granteeID.Subject())

	s.auditThenPublish(ctx, audit.Event{
		Type:     "membership.revoked",
		Subject:  granteeID.Subject(),
		Actor:    principal.UserID.Subject(),
		Resource: accountID.String(),
	}, client, eventbus.MembershipRevoked(principal.UserID, accountID, granteeID))
	return nil
}

func (s *Service) requireOwnedAccount(ctx context.Context, principal kernel.Principal, accountID kernel.AccountID) (*identity.TradingAccount, error) {
	acct, err := s.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if acct.OwnerID != principal.UserID && !principal.IsAdmin() {
		return nil, ErrRegistry.New(CodeForbidden)
	}
	return acct, nil
}
