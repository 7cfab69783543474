// Package eventdb implements the Event DB query processor: a partitioned,
// ordered, resumable SQL-level event-search engine with day-window stepping,
// per-zone access filters, row-to-result assembly, URL-normalization
// post-matching and the aggregation views.
package eventdb

import (
	"database/sql"
	"encoding/json"
	"sort"
	"time"

	"github.com/certhub/threatpipe/internal/event"
)

// Table names of the read side.
const (
	eventTable         = "event"
	clientToEventTable = "client_to_event"
)

// eventColumns is the full column list of the event table, in SELECT order.
var eventColumns = []string{
	"id", "rid", "source", "restriction", "confidence", "category", "time",
	"name", "ip", "asn", "cc", "fqdn", "url", "proto", "sport", "dport",
	"dip", "until", "count", "modified", "address", "custom",
}

// Row is one fetched event table row. The table is denormalized: several
// rows may share an id, varying by ip/asn/cc; the aggregated address column
// already carries the full address list.
type Row struct {
	ID          string         `db:"id"`
	RID         sql.NullString `db:"rid"`
	Source      string         `db:"source"`
	Restriction sql.NullString `db:"restriction"`
	Confidence  sql.NullString `db:"confidence"`
	Category    sql.NullString `db:"category"`
	Time        time.Time      `db:"time"`
	Name        sql.NullString `db:"name"`
	IP          sql.NullString `db:"ip"`
	ASN         sql.NullInt64  `db:"asn"`
	CC          sql.NullString `db:"cc"`
	FQDN        sql.NullString `db:"fqdn"`
	URL         sql.NullString `db:"url"`
	Proto       sql.NullString `db:"proto"`
	SPort       sql.NullInt64  `db:"sport"`
	DPort       sql.NullInt64  `db:"dport"`
	DIP         sql.NullString `db:"dip"`
	Until       sql.NullTime   `db:"until"`
	Count       sql.NullInt64  `db:"count"`
	Modified    sql.NullTime   `db:"modified"`
	Address     sql.NullString `db:"address"` // JSON-aggregated address list
	Custom      sql.NullString `db:"custom"`  // JSON map of custom attributes
}

// ResultDict is the raw per-event result: one dict per event id, in our
// parlance not yet data-spec-cleaned.
type ResultDict map[string]interface{}

// makeResultDict collapses all rows sharing one id into a single result,
// taking the scalar columns from the first row. IP/ASN/CC variations across
// the same-id rows are covered by the aggregated address column.
func makeResultDict(sameIDRows []Row) ResultDict {
	first := sameIDRows[0]
	rd := ResultDict{
		"id":     first.ID,
		"source": first.Source,
		"time":   first.Time,
	}
	setNullString(rd, "rid", first.RID)
	setNullString(rd, "restriction", first.Restriction)
	setNullString(rd, "confidence", first.Confidence)
	setNullString(rd, "category", first.Category)
	setNullString(rd, "name", first.Name)
	setNullString(rd, "fqdn", first.FQDN)
	setNullString(rd, "url", first.URL)
	setNullString(rd, "proto", first.Proto)
	setNullString(rd, "dip", first.DIP)
	setNullInt(rd, "sport", first.SPort)
	setNullInt(rd, "dport", first.DPort)
	setNullInt(rd, "count", first.Count)
	if first.Until.Valid {
		rd["until"] = first.Until.Time
	}
	if first.Modified.Valid {
		rd["modified"] = first.Modified.Time
	}
	if first.Address.Valid && first.Address.String != "" {
		var addrs []event.Address
		if err := json.Unmarshal([]byte(first.Address.String), &addrs); err == nil {
			rd["address"] = addrs
		}
	}
	if first.Custom.Valid && first.Custom.String != "" {
		var custom map[string]interface{}
		if err := json.Unmarshal([]byte(first.Custom.String), &custom); err == nil {
			rd["custom"] = custom
		}
	}
	return rd
}

func setNullString(rd ResultDict, key string, v sql.NullString) {
	if v.Valid && v.String != "" {
		rd[key] = v.String
	}
}

func setNullInt(rd ResultDict, key string, v sql.NullInt64) {
	if v.Valid {
		rd[key] = v.Int64
	}
}

// groupRowsByID partitions rows sharing one timestamp into per-id groups,
// presorted by id so the emission order within a timestamp is stable.
func groupRowsByID(sameTimeRows []Row) [][]Row {
	byID := make(map[string][]Row)
	var ids []string
	for _, row := range sameTimeRows {
		if _, seen := byID[row.ID]; !seen {
			ids = append(ids, row.ID)
		}
		byID[row.ID] = append(byID[row.ID], row)
	}
	sort.Strings(ids)
	groups := make([][]Row, 0, len(ids))
	for _, id := range ids {
		groups = append(groups, byID[id])
	}
	return groups
}
