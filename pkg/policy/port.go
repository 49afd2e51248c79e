package policy

import "context"

// PolicyStore loads the full policy set. The engine keeps an in-process
// snapshot and reloads on permission-change events, so reads hit the store
// rarely.
type PolicyStore interface {
	ListPolicies(ctx context.Context) ([]Policy, error)
	SavePolicy(ctx context.Context, p Policy) error
	DeletePolicy(ctx context.Context, id string) error
}
