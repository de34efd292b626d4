package mapping

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicate is returned by Put when the opaque id is already taken.
var ErrDuplicate = errors.New("mapping: opaque id already exists")

// Entry is a stored opaque-id to payload association.
type Entry struct {
	OpaqueID       string    `json:"mapping_id"`
	Original       string    `json:"original"`
	CreatedAt      time.Time `json:"created"`
	LastAccessedAt time.Time `json:"accessed_at,omitempty"`
}

// Store persists mapping entries. Get and Latest report a storage failure
// as not-found so callers degrade to no attribution.
type Store interface {
	Put(ctx context.Context, opaqueID, payload string) error
	Get(ctx context.Context, opaqueID string) (Entry, bool)
	Latest(ctx context.Context) (Entry, bool)
}

// Logger provides minimal logging required by the mapping stores.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Lookup adapts a Store to the codec's lookup contract.
type Lookup struct {
	Store Store
}

// Original returns the stored payload for an opaque id.
func (l Lookup) Original(ctx context.Context, opaqueID string) (string, bool) {
	if l.Store == nil {
		return "", false
	}
	e, ok := l.Store.Get(ctx, opaqueID)
	if !ok {
		return "", false
	}
	return e.Original, true
}
