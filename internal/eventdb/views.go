package eventdb

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/certhub/threatpipe/internal/event"
	"github.com/certhub/threatpipe/pkg/errors"
)

// CategoryCount is one (category, distinct-event count) aggregation row.
type CategoryCount struct {
	Category string `db:"category"`
	Count    int64  `db:"count"`
}

// DailyCount is one (day, category, distinct-event count) aggregation row.
type DailyCount struct {
	Day      string `db:"day"`
	Category string `db:"category"`
	Count    int64  `db:"count"`
}

// NameCount is one (name, distinct-event count) aggregation row. Name may be
// empty for events without a name; such rows are dropped from rankings.
type NameCount struct {
	Name  string `db:"name"`
	Count int64  `db:"count"`
}

// aggFetcher executes the aggregation-view queries.
type aggFetcher interface {
	FetchCategoryCounts(ctx context.Context, query string, args []interface{}) ([]CategoryCount, error)
	FetchDailyCounts(ctx context.Context, query string, args []interface{}) ([]DailyCount, error)
	FetchNameCounts(ctx context.Context, query string, args []interface{}) ([]NameCount, error)
}

// rankingSize is the fixed depth of the names ranking.
const rankingSize = 10

// mostFrequentSize is how many categories the most-frequent view returns.
const mostFrequentSize = 6

// midnight truncates an instant to the start of its (UTC) day.
func midnight(t time.Time) time.Time {
	year, month, day := t.UTC().Date()
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// ============================================================================
// Query builders
// ============================================================================

// buildAggBase renders the shared FROM/JOIN/WHERE scaffolding of the
// aggregation views: the client JOIN bounded by midnight(since) and the
// access + client filtering.
func buildAggBase(selectList string, conds []Condition, clientOrgIDs []string, since time.Time) (string, []interface{}) {
	var sb strings.Builder
	var args []interface{}

	m := midnight(since)
	sb.WriteString("SELECT " + selectList + " FROM " + eventTable)
	sb.WriteString(" JOIN " + clientToEventTable + " ON ")
	sb.WriteString(clientToEventTable + ".id = " + eventTable + ".id")
	sb.WriteString(" AND " + clientToEventTable + ".`time` >= ?")
	args = append(args, m)
	sb.WriteString(" WHERE " + eventTable + ".`time` >= ?")
	args = append(args, m)

	accessSQL, accessArgs := buildAccessFiltering(conds)
	sb.WriteString(" AND " + accessSQL)
	args = append(args, accessArgs...)

	if len(clientOrgIDs) > 0 {
		sb.WriteString(" AND " + clientToEventTable + ".client IN (" + placeholders(len(clientOrgIDs)) + ")")
		for _, id := range clientOrgIDs {
			args = append(args, id)
		}
	}
	return sb.String(), args
}

func buildCountsPerCategoryQuery(conds []Condition, clientOrgIDs []string, since time.Time) (string, []interface{}) {
	query, args := buildAggBase(
		eventTable+".category AS category, COUNT(DISTINCT "+eventTable+".id) AS `count`",
		conds, clientOrgIDs, since)
	return query + " GROUP BY " + eventTable + ".category", args
}

func buildMostFrequentCategoriesQuery(conds []Condition, clientOrgIDs []string, since time.Time) (string, []interface{}) {
	query, args := buildCountsPerCategoryQuery(conds, clientOrgIDs, since)
	return query + " ORDER BY `count` DESC", args
}

func buildDailyCountsQuery(conds []Condition, clientOrgIDs []string, since time.Time) (string, []interface{}) {
	query, args := buildAggBase(
		"DATE("+eventTable+".`time`) AS day, "+eventTable+".category AS category, "+
			"COUNT(DISTINCT "+eventTable+".id) AS `count`",
		conds, clientOrgIDs, since)
	return query + " GROUP BY DATE(" + eventTable + ".`time`), " + eventTable + ".category ORDER BY day", args
}

func buildNamesRankingQuery(conds []Condition, clientOrgIDs []string, since time.Time, category string) (string, []interface{}) {
	query, args := buildAggBase(
		eventTable+".name AS name, COUNT(DISTINCT "+eventTable+".id) AS `count`",
		conds, clientOrgIDs, since)
	query += " AND " + eventTable + ".category = ?"
	args = append(args, category)
	return query + " GROUP BY " + eventTable + ".name", args
}

// ============================================================================
// Post-processing
// ============================================================================

// postCountsPerCategory zero-initializes every known category and overlays
// the fetched counts. Any category outside the fixed set is an internal
// consistency failure.
func postCountsPerCategory(fetched []CategoryCount) (map[string]int64, error) {
	out := make(map[string]int64, len(event.Categories))
	for _, category := range event.Categories {
		out[category] = 0
	}
	var illegal []string
	for _, cc := range fetched {
		if !event.IsValidCategory(cc.Category) {
			illegal = append(illegal, cc.Category)
			continue
		}
		out[cc.Category] = cc.Count
	}
	if len(illegal) > 0 {
		sort.Strings(illegal)
		return nil, errors.Newf(errors.ErrCodeEventDatabase,
			"illegal categories got from the Event DB: %s", strings.Join(illegal, ", "))
	}
	return out, nil
}

// postMostFrequentCategories takes the categories ordered by descending
// count and returns the top six; when "other" is among them, the top seven
// minus "other" are returned instead.
func postMostFrequentCategories(ordered []CategoryCount) []string {
	take := func(n int) []string {
		if n > len(ordered) {
			n = len(ordered)
		}
		out := make([]string, 0, n)
		for _, cc := range ordered[:n] {
			out = append(out, cc.Category)
		}
		return out
	}
	categories := take(mostFrequentSize)
	for _, category := range categories {
		if category == "other" {
			categories = take(mostFrequentSize + 1)
			kept := categories[:0]
			for _, c := range categories {
				if c != "other" {
					kept = append(kept, c)
				}
			}
			return kept
		}
	}
	return categories
}

// postDailyCounts renders the per-day map: "YYYY-MM-DD" -> [[category, n], ...].
func postDailyCounts(fetched []DailyCount) map[string][][2]interface{} {
	out := make(map[string][][2]interface{})
	for _, dc := range fetched {
		out[dc.Day] = append(out[dc.Day], [2]interface{}{dc.Category, dc.Count})
	}
	return out
}

// postNamesRanking builds the null-padded top-10 ranking, or nil when no
// named events were found. Unnamed rows are dropped.
func postNamesRanking(fetched []NameCount) map[string]map[string]int64 {
	var named []NameCount
	for _, nc := range fetched {
		if nc.Name != "" {
			named = append(named, nc)
		}
	}
	if len(named) == 0 {
		return nil
	}
	sort.SliceStable(named, func(i, j int) bool { return named[i].Count > named[j].Count })
	if len(named) > rankingSize {
		named = named[:rankingSize]
	}

	ranking := make(map[string]map[string]int64, rankingSize)
	for position := 1; position <= rankingSize; position++ {
		ranking[fmt.Sprint(position)] = nil
	}
	for i, nc := range named {
		ranking[fmt.Sprint(i+1)] = map[string]int64{nc.Name: nc.Count}
	}
	return ranking
}
