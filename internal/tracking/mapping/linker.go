package mapping

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"pixtrack/internal/tracking/attribution"
)

// MaxDeepLinkLen is the longest start parameter the messaging platform accepts.
const MaxDeepLinkLen = 64

// Link is the token to embed in an outbound deep link.
type Link struct {
	Token  string `json:"token"`
	Opaque bool   `json:"opaque"`
}

// Linker produces deep-link tokens, storing payloads that do not fit.
type Linker struct {
	store  Store
	maxLen int
	newID  func() string
}

// NewLinker creates a linker backed by store.
func NewLinker(store Store) *Linker {
	return &Linker{store: store, maxLen: MaxDeepLinkLen, newID: attribution.NewOpaqueID}
}

// Register returns a self-contained token when it fits the deep-link limit
// and is long enough to decode as one. Otherwise it stores the payload and
// returns a fresh opaque id.
func (l *Linker) Register(ctx context.Context, fields map[string]string) (Link, error) {
	token, err := attribution.EncodePayload(fields)
	if err != nil {
		return Link{}, err
	}
	if len(token) > attribution.SelfContainedMin && len(token) <= l.maxLen {
		return Link{Token: token}, nil
	}
	payload, err := jsonPayload(fields)
	if err != nil {
		return Link{}, err
	}
	for attempt := 0; attempt < 3; attempt++ {
		id := l.newID()
		err = l.store.Put(ctx, id, payload)
		if err == nil {
			return Link{Token: id, Opaque: true}, nil
		}
		if !errors.Is(err, ErrDuplicate) {
			return Link{}, err
		}
	}
	return Link{}, fmt.Errorf("register mapping: %w", err)
}

func jsonPayload(fields map[string]string) (string, error) {
	b, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(b), nil
}
