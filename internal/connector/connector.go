package connector

import (
	"context"
	"errors"

	"github.com/roach88/provsync/internal/ir"
)

// ErrNotFound is reported when a remote object does not exist.
var ErrNotFound = errors.New("remote object not found")

// ErrDeltaUnsupported is reported by FetchDelta when the connector cannot
// serve a delta for the given token (for example, the token expired).
// Callers fall back to a full Search.
var ErrDeltaUnsupported = errors.New("delta not supported")

// Target identifies the system and entity type a call applies to.
type Target struct {
	SystemID   string
	EntityType string
}

// RemoteObject is one object as the target system reports it.
type RemoteObject struct {
	UID        string   `json:"uid" yaml:"uid"`
	Attributes ir.Attrs `json:"attributes" yaml:"-"`
}

// ChangeKind distinguishes delta entries.
type ChangeKind string

const (
	ChangeUpsert ChangeKind = "UPSERT"
	ChangeDelete ChangeKind = "DELETE"
)

// Change is one delta entry. For ChangeDelete only Object.UID is set.
type Change struct {
	Kind   ChangeKind
	Object RemoteObject
}

// SearchHandler receives streamed search results. Returning false stops
// the search without error.
type SearchHandler func(RemoteObject) (bool, error)

// ChangeHandler receives streamed delta entries. Returning false stops the
// fetch without error.
type ChangeHandler func(Change) (bool, error)

// Connector is the contract every target system adapter implements.
type Connector interface {
	// Read returns one object or ErrNotFound.
	Read(ctx context.Context, t Target, uid string) (RemoteObject, error)

	// Create creates an object and returns its stored state.
	Create(ctx context.Context, t Target, uid string, attrs ir.Attrs) (RemoteObject, error)

	// Update applies attrs to an existing object. Null values clear
	// attributes.
	Update(ctx context.Context, t Target, uid string, attrs ir.Attrs) (RemoteObject, error)

	// Delete removes an object or reports ErrNotFound.
	Delete(ctx context.Context, t Target, uid string) error

	// Search streams objects whose attributes equal every filter entry.
	Search(ctx context.Context, t Target, filter ir.Attrs, handler SearchHandler) error
}

// DeltaFetcher is the optional change-delta capability.
type DeltaFetcher interface {
	// FetchDelta streams changes since token and returns the token to resume
	// from. An empty token asks for every change the connector still holds.
	FetchDelta(ctx context.Context, t Target, token string, handler ChangeHandler) (next string, err error)

	// CurrentToken returns a token that resumes after every change made so
	// far. Full enumerations take it before searching so the next run can
	// continue with a delta.
	CurrentToken(ctx context.Context, t Target) (string, error)
}

// AsDeltaFetcher reports whether c supports change deltas.
func AsDeltaFetcher(c Connector) (DeltaFetcher, bool) {
	d, ok := c.(DeltaFetcher)
	return d, ok
}
