package eventdb

import (
	"fmt"
	"strings"
	"time"
)

// AccessZone selects the per-zone access filtering conditions.
type AccessZone string

// The three access zones served by the query processor.
const (
	ZoneInside  AccessZone = "inside"
	ZoneThreats AccessZone = "threats"
	ZoneSearch  AccessZone = "search"
)

func (z AccessZone) valid() bool {
	switch z {
	case ZoneInside, ZoneThreats, ZoneSearch:
		return true
	}
	return false
}

// AuthData identifies the authenticated client.
type AuthData struct {
	OrgID  string
	UserID string
}

// Condition is one SQL filtering condition with its arguments. Conditions of
// a zone are OR-ed together.
type Condition struct {
	SQL  string
	Args []interface{}
}

// AccessZoneConditions maps each access zone to its non-empty condition
// list.
type AccessZoneConditions map[AccessZone][]Condition

// Params is a cleaned, deanonymized request parameter set. TimeMin is
// mandatory; every Filters key maps to the values a matching event may have
// in the corresponding column.
type Params struct {
	TimeMin   time.Time
	TimeMax   *time.Time
	TimeUntil *time.Time
	OptLimit  *int

	// Client constrains results to events owned by these client org ids.
	// It must be absent for the inside zone.
	Client []string

	// URLsB64 holds url.b64 values for application-level URL matching.
	URLsB64 [][]byte

	Filters map[string][]interface{}
}

func (p *Params) validate() error {
	if p.TimeMin.IsZero() {
		return fmt.Errorf("request parameters are expected to include time.min")
	}
	if p.OptLimit != nil && *p.OptLimit <= 0 {
		return fmt.Errorf("opt.limit must be positive")
	}
	for key := range p.Filters {
		if strings.HasPrefix(key, "opt.") || strings.HasPrefix(key, "time.") || key == "client" {
			return fmt.Errorf("filter key %q must be carried in its dedicated field", key)
		}
	}
	return nil
}
