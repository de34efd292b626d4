package attribution

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// SelfContainedMin is the token length above which a token is read as
// base64url JSON rather than a raw click id.
const SelfContainedMin = 20

const compoundSep = "::"

var opaquePattern = regexp.MustCompile(`^M.{0,11}$`)

// Scheme names the encoding a token was recognised as.
type Scheme string

const (
	SchemeOpaque        Scheme = "opaque"
	SchemeSelfContained Scheme = "base64"
	SchemeRaw           Scheme = "raw"
	SchemeLatest        Scheme = "latest"
	SchemeEmpty         Scheme = "empty"
)

// Result is the outcome of a decode. Degraded is set when the record was
// produced by a fallback instead of a clean parse.
type Result struct {
	Record   Record
	Scheme   Scheme
	Degraded bool
	Reason   string
}

// Lookup resolves an opaque mapping id to the stored payload.
type Lookup interface {
	Original(ctx context.Context, opaqueID string) (string, bool)
}

// Logger provides minimal logging required by the codec.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Codec turns deep-link tokens into attribution records.
type Codec struct {
	lookup Lookup
	logger Logger
	now    func() time.Time
}

// NewCodec constructs a codec. lookup may be nil, in which case opaque
// tokens always degrade.
func NewCodec(lookup Lookup, logger Logger) *Codec {
	return &Codec{lookup: lookup, logger: logger, now: time.Now}
}

// WithClock overrides the capture timestamp source.
func (c *Codec) WithClock(now func() time.Time) *Codec {
	c.now = now
	return c
}

// Encode serialises a record into a self-contained URL-safe token.
func Encode(r Record) (string, error) {
	return EncodePayload(r.Fields())
}

// EncodePayload serialises an arbitrary attribution payload into a token.
func EncodePayload(fields map[string]string) (string, error) {
	b, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("encode attribution: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Decode resolves a token. It never fails: any parse error falls back to
// using the token itself as the click id.
func (c *Codec) Decode(ctx context.Context, token string) Result {
	token = strings.TrimSpace(token)
	switch {
	case token == "":
		return c.result(Record{ClickID: ClickUnknown}, SchemeEmpty, "empty token")
	case opaquePattern.MatchString(token):
		return c.decodeOpaque(ctx, token)
	case len(token) > SelfContainedMin:
		return c.decodeSelfContained(token)
	default:
		return Result{Record: c.stamp(Record{ClickID: token}), Scheme: SchemeRaw}
	}
}

// DecodePayload parses a stored JSON payload, as returned by the mapping
// store. A malformed payload degrades to ClickDecodeError.
func (c *Codec) DecodePayload(payload string, scheme Scheme) Result {
	raw, err := parsePayload([]byte(payload))
	if err != nil {
		c.logf("tracking: %s payload rejected: %v", scheme, err)
		return c.result(Record{ClickID: ClickDecodeError}, scheme, "malformed payload")
	}
	return Result{Record: c.stamp(ParseCompound(raw)), Scheme: scheme}
}

func (c *Codec) decodeOpaque(ctx context.Context, token string) Result {
	if c.lookup == nil {
		return c.degrade(token, SchemeOpaque, "no mapping lookup configured")
	}
	payload, ok := c.lookup.Original(ctx, token)
	if !ok {
		return c.degrade(token, SchemeOpaque, "mapping not found")
	}
	raw, err := parsePayload([]byte(payload))
	if err != nil {
		return c.degrade(token, SchemeOpaque, "malformed mapped payload: "+err.Error())
	}
	return Result{Record: c.stamp(ParseCompound(raw)), Scheme: SchemeOpaque}
}

func (c *Codec) decodeSelfContained(token string) Result {
	s := strings.NewReplacer("-", "+", "_", "/").Replace(token)
	if pad := len(s) % 4; pad != 0 {
		s += strings.Repeat("=", 4-pad)
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return c.degrade(token, SchemeSelfContained, "malformed base64: "+err.Error())
	}
	raw, err := parsePayload(b)
	if err != nil {
		return c.degrade(token, SchemeSelfContained, "malformed json: "+err.Error())
	}
	return Result{Record: c.stamp(ParseCompound(raw)), Scheme: SchemeSelfContained}
}

func (c *Codec) degrade(token string, scheme Scheme, reason string) Result {
	c.logf("tracking: decode degraded scheme=%s token=%q: %s", scheme, token, reason)
	return c.result(Record{ClickID: token}, scheme, reason)
}

func (c *Codec) result(r Record, scheme Scheme, reason string) Result {
	return Result{Record: c.stamp(r), Scheme: scheme, Degraded: true, Reason: reason}
}

func (c *Codec) stamp(r Record) Record {
	r.CapturedAt = c.now()
	return r
}

func (c *Codec) logf(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Infof(format, args...)
	}
}

func parsePayload(b []byte) (map[string]string, error) {
	var generic map[string]any
	if err := json.Unmarshal(b, &generic); err != nil {
		return nil, err
	}
	if generic == nil {
		return nil, fmt.Errorf("payload is not an object")
	}
	out := make(map[string]string, len(generic))
	for k, v := range generic {
		out[k] = strings.TrimSpace(stringify(v))
	}
	return out, nil
}

// ParseCompound builds a record from a raw payload, splitting a
// "::"-concatenated utm_source into its positional fields.
//
// Six or more parts map to (discarded token, click_id, medium, campaign,
// term, content); two to five parts map to (utm_source, click_id). Empty
// parts are absent. Values recovered from the compound field take
// precedence over plain keys of the same name.
func ParseCompound(raw map[string]string) Record {
	r := Record{
		ClickID:  raw["click_id"],
		Source:   firstOf(raw, "utm_source", "source"),
		Medium:   firstOf(raw, "utm_medium", "medium"),
		Campaign: firstOf(raw, "utm_campaign", "campaign"),
		Term:     firstOf(raw, "utm_term", "term"),
		Content:  firstOf(raw, "utm_content", "content"),
	}

	if src := raw["utm_source"]; strings.Contains(src, compoundSep) {
		parts := strings.Split(src, compoundSep)
		switch {
		case len(parts) >= 6:
			r.Source = ""
			override(&r.ClickID, parts[1])
			override(&r.Medium, parts[2])
			override(&r.Campaign, parts[3])
			override(&r.Term, parts[4])
			override(&r.Content, parts[5])
		case len(parts) >= 2:
			r.Source = strings.TrimSpace(parts[0])
			override(&r.ClickID, parts[1])
		}
	}

	if strings.TrimSpace(r.ClickID) == "" {
		r.ClickID = ClickUnknown
	}
	return r
}

func override(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func firstOf(raw map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := raw[k]; v != "" {
			return v
		}
	}
	return ""
}
