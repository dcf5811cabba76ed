package graph

import "context"

// Store is the property-graph backend. UpsertHost applies one host's
// observation as a single idempotent transaction.
type Store interface {
	UpsertHost(ctx context.Context, obs HostObservation) error
	Close(ctx context.Context) error
}
