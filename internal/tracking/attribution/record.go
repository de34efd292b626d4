package attribution

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Sentinel click ids used when no real click id could be recovered.
const (
	ClickUnknown     = "unknown"
	ClickDecodeError = "decode_error"
	ClickServerError = "server_error"
)

// Record is the campaign attribution captured for a user.
type Record struct {
	ClickID    string    `json:"click_id"`
	Source     string    `json:"utm_source,omitempty"`
	Medium     string    `json:"utm_medium,omitempty"`
	Campaign   string    `json:"utm_campaign,omitempty"`
	Term       string    `json:"utm_term,omitempty"`
	Content    string    `json:"utm_content,omitempty"`
	CapturedAt time.Time `json:"captured_at"`
}

// HasClick reports whether the record carries a usable click id.
func (r Record) HasClick() bool {
	return !IsSentinel(r.ClickID)
}

// Fields returns the non-empty attribution fields keyed by their wire names.
func (r Record) Fields() map[string]string {
	out := make(map[string]string, 6)
	put := func(k, v string) {
		if v != "" {
			out[k] = v
		}
	}
	put("click_id", r.ClickID)
	put("utm_source", r.Source)
	put("utm_medium", r.Medium)
	put("utm_campaign", r.Campaign)
	put("utm_term", r.Term)
	put("utm_content", r.Content)
	return out
}

// IsSentinel reports whether clickID is empty or one of the fallback markers.
func IsSentinel(clickID string) bool {
	switch strings.TrimSpace(clickID) {
	case "", ClickUnknown, ClickDecodeError, ClickServerError:
		return true
	}
	return false
}

// NewOpaqueID returns a short mapping id: "M" followed by 11 hex characters.
func NewOpaqueID() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "M" + id[:11]
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strings.TrimSuffix(strings.TrimRight(fmt.Sprintf("%f", t), "0"), ".")
	default:
		return fmt.Sprint(t)
	}
}
