package provider

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
)

// Config carries everything an adapter needs to talk to one tenant's source
// system. Settings is the provider-specific document validated against the
// factory's JSON schema at construction time; credentials are never embedded
// in it and are pulled through the SecretResolver instead.
type Config struct {
	TenantID uuid.UUID
	Provider string
	Settings json.RawMessage
	Secrets  SecretResolver
}

// SecretResolver hands out credential material for a (tenant, provider) pair.
// Implementations live outside this module (vault, cloud secret manager, env).
type SecretResolver interface {
	Resolve(ctx context.Context, tenantID uuid.UUID, provider, key string) (string, error)
}

// ConnectionStatus is the outcome of a connectivity probe.
type ConnectionStatus struct {
	OK      bool
	Message string
}

// Adapter is the uniform extraction contract each source system implements.
//
// Adapters must not repeat an external id across pages of the same call,
// must retry a transient 401 internally once after refreshing their token,
// and must surface partial recoverable fetch problems through Page.Warnings
// rather than an error.
type Adapter interface {
	// Type returns the registry tag this adapter was registered under.
	Type() string

	// Initialize prepares the adapter for fetching. A failure is a
	// *ConnectError and fatal to the run.
	Initialize(ctx context.Context, cfg Config) error

	// TestConnection probes the source without mutating anything.
	TestConnection(ctx context.Context) ConnectionStatus

	FetchSchools(ctx context.Context, cursor string) (Page[School], error)
	FetchClasses(ctx context.Context, cursor string) (Page[Class], error)
	FetchUsers(ctx context.Context, cursor string) (Page[User], error)
	FetchEnrollments(ctx context.Context, cursor string) (Page[Enrollment], error)

	// Cleanup releases any resources held since Initialize.
	Cleanup(ctx context.Context) error
}

// DeltaAdapter is implemented by sources that can enumerate changes since an
// opaque token. FetchChanges returns ErrDeltaTokenExpired when the token can
// no longer be honored, in which case the engine schedules a full sync.
//
// An empty token asks for the current watermark only: the returned page
// carries the NextToken later calls should resume from and no historical
// events. The engine calls it that way once after every completed full sync
// to establish the delta baseline.
type DeltaAdapter interface {
	Adapter
	FetchChanges(ctx context.Context, token string) (ChangePage, error)
}
