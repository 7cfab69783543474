// Package event defines the unit of data that flows on the message bus,
// together with its closed attribute enumerations and JSON wire format.
package event

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Kind of a post-aggregation message.
const (
	TypeEvent      = "event"
	TypeSuppressed = "suppressed"
)

// Confidence levels.
const (
	ConfidenceLow    = "low"
	ConfidenceMedium = "medium"
	ConfidenceHigh   = "high"
)

// Restriction levels.
const (
	RestrictionPublic     = "public"
	RestrictionNeedToKnow = "need-to-know"
	RestrictionInternal   = "internal"
)

// Categories is the fixed closed set of event categories.
var Categories = []string{
	"amplifier", "bots", "backdoor", "cnc", "deface", "dns-query",
	"dos-attacker", "dos-victim", "flow", "flow-anomaly", "fraud", "leak",
	"malurl", "malware-action", "other", "phish", "proxy", "sandbox-url",
	"scam", "scanning", "server-exploit", "spam", "spam-url", "tor",
	"vulnerable", "webinject",
}

var categorySet = func() map[string]struct{} {
	s := make(map[string]struct{}, len(Categories))
	for _, c := range Categories {
		s[c] = struct{}{}
	}
	return s
}()

// IsValidCategory reports whether category belongs to the closed set.
func IsValidCategory(category string) bool {
	_, ok := categorySet[category]
	return ok
}

var hexIDPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

// IsValidID reports whether id is a 32-character lowercase hex string.
func IsValidID(id string) bool {
	return hexIDPattern.MatchString(id)
}

// TimeLayout is the wire format of event instants: UTC, second precision.
const TimeLayout = "2006-01-02 15:04:05"

// Time is a UTC instant serialized in the bus wire format.
type Time struct {
	time.Time
}

// NewTime builds a wire Time from a time.Time, normalized to UTC.
func NewTime(t time.Time) Time {
	return Time{t.UTC().Truncate(time.Second)}
}

// ParseTime parses a wire-format instant (also accepting RFC 3339 input).
func ParseTime(s string) (Time, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return Time{t.UTC()}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return Time{}, fmt.Errorf("unparseable event time %q: %w", s, err)
	}
	return Time{t.UTC()}, nil
}

// MarshalJSON implements json.Marshaler.
func (t Time) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(TimeLayout))
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Time) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseTime(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Address is one entry of an event's address list. ASN and CC are attached
// by the enricher.
type Address struct {
	IP  string `json:"ip"`
	ASN int64  `json:"asn,omitempty"`
	CC  string `json:"cc,omitempty"`
}

// Enriched records what the enricher computed: top-level fields it added and,
// per IP, the address-entry fields it added. Serialized as a two-element
// array.
type Enriched struct {
	Fields []string
	PerIP  map[string][]string
}

// MarshalJSON implements json.Marshaler.
func (e Enriched) MarshalJSON() ([]byte, error) {
	fields := e.Fields
	if fields == nil {
		fields = []string{}
	}
	perIP := e.PerIP
	if perIP == nil {
		perIP = map[string][]string{}
	}
	return json.Marshal([]interface{}{fields, perIP})
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Enriched) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("enriched tuple must have 2 elements, got %d", len(raw))
	}
	if err := json.Unmarshal(raw[0], &e.Fields); err != nil {
		return err
	}
	return json.Unmarshal(raw[1], &e.PerIP)
}

// Event is the record that flows on the bus. Group is present only before
// aggregation; Type, Count, Until and FirstTime appear only on aggregator
// output.
type Event struct {
	ID          string    `json:"id"`
	RID         string    `json:"rid,omitempty"`
	Source      string    `json:"source"`
	Category    string    `json:"category,omitempty"`
	Confidence  string    `json:"confidence,omitempty"`
	Restriction string    `json:"restriction,omitempty"`
	Name        string    `json:"name,omitempty"`
	Time        Time      `json:"time"`
	Modified    *Time     `json:"modified,omitempty"`
	Address     []Address `json:"address,omitempty"`
	URL         string    `json:"url,omitempty"`
	FQDN        string    `json:"fqdn,omitempty"`
	DIP         string    `json:"dip,omitempty"`
	DPort       int       `json:"dport,omitempty"`
	Proto       string    `json:"proto,omitempty"`
	Client      []string  `json:"client,omitempty"`

	// Pre-aggregation grouping tag; stripped before publication downstream.
	Group string `json:"_group,omitempty"`

	// Aggregator output attributes.
	Type      string `json:"type,omitempty"`
	Count     int    `json:"count,omitempty"`
	Until     *Time  `json:"until,omitempty"`
	FirstTime *Time  `json:"_first_time,omitempty"`

	// Enrichment bookkeeping.
	Enriched *Enriched `json:"enriched,omitempty"`

	// Flags and source-specific extras.
	NoResolveFQDN bool                   `json:"_do_not_resolve_fqdn_to_ip,omitempty"`
	Custom        map[string]interface{} `json:"custom,omitempty"`
}

// SourceLabel returns the <label> part of the two-part source identity.
func (e *Event) SourceLabel() string {
	label, _, _ := strings.Cut(e.Source, ".")
	return label
}

// Validate checks the structural invariants of an event as produced by a
// parser (pre-aggregation).
func (e *Event) Validate() error {
	if !IsValidID(e.ID) {
		return fmt.Errorf("invalid event id %q", e.ID)
	}
	if e.RID != "" && !IsValidID(e.RID) {
		return fmt.Errorf("invalid event rid %q", e.RID)
	}
	if !strings.Contains(e.Source, ".") {
		return fmt.Errorf("source %q is not of the <label>.<channel> form", e.Source)
	}
	if e.Category != "" && !IsValidCategory(e.Category) {
		return fmt.Errorf("illegal category %q", e.Category)
	}
	switch e.Confidence {
	case "", ConfidenceLow, ConfidenceMedium, ConfidenceHigh:
	default:
		return fmt.Errorf("illegal confidence %q", e.Confidence)
	}
	switch e.Restriction {
	case "", RestrictionPublic, RestrictionNeedToKnow, RestrictionInternal:
	default:
		return fmt.Errorf("illegal restriction %q", e.Restriction)
	}
	if e.Time.IsZero() {
		return fmt.Errorf("event time is not set")
	}
	return nil
}

// Unmarshal decodes a bus message body into an Event.
func Unmarshal(body []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}
	return &e, nil
}

// Marshal encodes an event into a bus message body.
func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Clone returns a deep copy of the event.
func (e *Event) Clone() *Event {
	clone := *e
	if e.Address != nil {
		clone.Address = make([]Address, len(e.Address))
		copy(clone.Address, e.Address)
	}
	if e.Client != nil {
		clone.Client = append([]string(nil), e.Client...)
	}
	if e.Custom != nil {
		clone.Custom = make(map[string]interface{}, len(e.Custom))
		for k, v := range e.Custom {
			clone.Custom[k] = v
		}
	}
	if e.Enriched != nil {
		en := Enriched{
			Fields: append([]string(nil), e.Enriched.Fields...),
			PerIP:  make(map[string][]string, len(e.Enriched.PerIP)),
		}
		for ip, fields := range e.Enriched.PerIP {
			en.PerIP[ip] = append([]string(nil), fields...)
		}
		clone.Enriched = &en
	}
	if e.Until != nil {
		u := *e.Until
		clone.Until = &u
	}
	if e.FirstTime != nil {
		f := *e.FirstTime
		clone.FirstTime = &f
	}
	if e.Modified != nil {
		m := *e.Modified
		clone.Modified = &m
	}
	return &clone
}

// SortAddresses orders entries ascending by textual IP and removes entries
// with duplicate IPs (keeping the first occurrence).
func SortAddresses(addrs []Address) []Address {
	seen := make(map[string]struct{}, len(addrs))
	out := make([]Address, 0, len(addrs))
	for _, a := range addrs {
		if _, dup := seen[a.IP]; dup {
			continue
		}
		seen[a.IP] = struct{}{}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out
}
