package auth

import (
	"context"

	"github.com/quantrail/identity/pkg/kernel"
	"github.com/quantrail/identity/pkg/policy"
)

// Authorize answers the platform's authorization question for a principal,
// action, and resource. Peer services call this for anything their own
// token claims cannot settle.
func (s *Service) Authorize(ctx context.Context, principal kernel.Principal, action, resource string, attrs map[string]string) (policy.Decision, error) {
	return s.policy.Check(ctx, policy.Input{
		Principal: principal,
		Action:    action,
		Resource:  resource,
		Context:   attrs,
	})
}
