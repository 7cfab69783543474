package eventdb

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/certhub/threatpipe/pkg/errors"
	"github.com/certhub/threatpipe/pkg/logger"
)

// fetchBatchSize is the initial capacity of the row slice a fetch fills; rows
// are not fetched in batches of this size.
const fetchBatchSize = 100

// rowFetcher executes one SELECT returning event rows. The production
// implementation runs it inside a REPEATABLE READ transaction.
type rowFetcher interface {
	FetchRows(ctx context.Context, query string, args []interface{}) ([]Row, error)
}

// queryProcessor generates the result dicts of one events request.
type queryProcessor struct {
	fetch        rowFetcher
	accessConds  []Condition
	clientOrgIDs []string
	dayStep      int
	optLimit     *int
	timeMin      time.Time
	timeMax      *time.Time
	timeUntil    *time.Time
	filters      map[string][]interface{}
	urlsB64      [][]byte
	log          *logger.Logger

	now func() time.Time

	urlNormCache map[string]*urlNormCacheItem
	produced     int
}

func newQueryProcessor(fetch rowFetcher, accessConds []Condition, clientOrgIDs []string,
	dayStep int, params *Params, log *logger.Logger) *queryProcessor {
	if dayStep <= 0 {
		dayStep = 1
	}
	return &queryProcessor{
		fetch:        fetch,
		accessConds:  accessConds,
		clientOrgIDs: clientOrgIDs,
		dayStep:      dayStep,
		optLimit:     params.OptLimit,
		timeMin:      params.TimeMin,
		timeMax:      params.TimeMax,
		timeUntil:    params.TimeUntil,
		filters:      params.Filters,
		urlsB64:      params.URLsB64,
		log:          log,
		now:          time.Now,
		urlNormCache: make(map[string]*urlNormCacheItem),
	}
}

// Generate walks the day-step windows newest-first and hands each produced
// result dict to yield, in strictly descending time order. Generation stops
// when yield returns false or opt.limit results were produced; in the latter
// case no further sub-query is issued. A database failure aborts with an
// EVENT_DATABASE_ERROR; results already yielded remain valid.
func (qp *queryProcessor) Generate(ctx context.Context, yield func(ResultDict) bool) error {
	windows := timeWindows(qp.timeMin, qp.timeMax, qp.timeUntil, qp.dayStep, qp.now())
	for _, window := range windows {
		if qp.enoughProduced() {
			return nil
		}
		done, err := qp.generateForWindow(ctx, window, yield)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	return nil
}

// generateForWindow issues one or more sub-queries over a single window,
// absorbing the multi-row-to-one-result collapse with an overfetch reserve.
func (qp *queryProcessor) generateForWindow(ctx context.Context, window timeWindow, yield func(ResultDict) bool) (bool, error) {
	queryBase, baseArgs := qp.buildWindowQuery(window)
	fetchedInWindow := 0
	var pending []Row

	for {
		query, args, queryLimit := qp.applyLimit(queryBase, baseArgs, fetchedInWindow)

		rows, err := qp.fetch.FetchRows(ctx, query, args)
		if err != nil {
			return false, errors.Wrapf(err, errors.ErrCodeEventDatabase,
				"event query failed (%s)", errors.TruncatedSummary(err, 200))
		}
		fetchedInWindow += len(rows)
		pending = append(pending, rows...)

		// A query that filled its limit may be followed by more rows of the
		// same timestamp in the next one; hold the trailing run back so a
		// same-id group is never split across fetches.
		mayContinue := queryLimit != 0 && len(rows) == queryLimit
		emitNow := pending
		if mayContinue && len(pending) > 0 {
			lastTime := pending[len(pending)-1].Time
			cut := len(pending)
			for cut > 0 && pending[cut-1].Time.Equal(lastTime) {
				cut--
			}
			emitNow = pending[:cut]
			pending = pending[cut:]
		} else {
			pending = nil
		}

		done, err := qp.emitRows(emitNow, yield)
		if err != nil {
			return false, err
		}
		if done {
			return true, nil
		}
		if !mayContinue {
			// this window has nothing more to give
			return false, nil
		}
		// The overfetched query was exhausted before producing enough
		// results; continue within the window at the running offset.
	}
}

// emitRows collapses fetched rows (ordered by time DESC) into result dicts
// and yields them. It reports true when generation must stop entirely.
func (qp *queryProcessor) emitRows(rows []Row, yield func(ResultDict) bool) (bool, error) {
	for _, sameTime := range groupRowsByTime(rows) {
		for _, sameID := range groupRowsByID(sameTime) {
			rd := makeResultDict(sameID)
			rd, err := qp.preprocessResultDict(rd)
			if err != nil {
				return false, err
			}
			if rd == nil {
				continue
			}
			qp.produced++
			if !yield(rd) {
				return true, nil
			}
			if qp.enoughProduced() {
				return true, nil
			}
		}
	}
	return false, nil
}

func (qp *queryProcessor) enoughProduced() bool {
	return qp.optLimit != nil && qp.produced >= *qp.optLimit
}

// buildWindowQuery renders the SELECT for one time window: column filters,
// the client JOIN (time-bounded on both sides), the OR-ed access conditions
// and the descending time order.
func (qp *queryProcessor) buildWindowQuery(window timeWindow) (string, []interface{}) {
	var sb strings.Builder
	var args []interface{}

	sb.WriteString("SELECT ")
	for i, col := range eventColumns {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(eventTable + ".`" + col + "`")
	}
	sb.WriteString(" FROM " + eventTable)

	upperOp := "<"
	if window.UpperInclusive {
		upperOp = "<="
	}

	if qp.clientOrgIDs != nil {
		sb.WriteString(" JOIN " + clientToEventTable + " ON ")
		sb.WriteString(clientToEventTable + ".id = " + eventTable + ".id")
		sb.WriteString(" AND " + clientToEventTable + ".`time` >= ?")
		sb.WriteString(" AND " + clientToEventTable + ".`time` " + upperOp + " ?")
		args = append(args, window.Lower, window.Upper)
	}

	sb.WriteString(" WHERE " + eventTable + ".`time` >= ? AND " + eventTable + ".`time` " + upperOp + " ?")
	args = append(args, window.Lower, window.Upper)

	if qp.clientOrgIDs != nil && len(qp.clientOrgIDs) > 0 {
		sb.WriteString(" AND " + clientToEventTable + ".client IN (" + placeholders(len(qp.clientOrgIDs)) + ")")
		for _, id := range qp.clientOrgIDs {
			args = append(args, id)
		}
	}

	filterSQL, filterArgs := buildParamFiltering(qp.filters)
	if filterSQL != "" {
		sb.WriteString(" AND " + filterSQL)
		args = append(args, filterArgs...)
	}

	accessSQL, accessArgs := buildAccessFiltering(qp.accessConds)
	sb.WriteString(" AND " + accessSQL)
	args = append(args, accessArgs...)

	sb.WriteString(" ORDER BY " + eventTable + ".`time` DESC")
	return sb.String(), args
}

// applyLimit appends the overfetch LIMIT/OFFSET when opt.limit is in force.
// The reserve absorbs the n-to-1(-but-sometimes-0) relation between fetched
// rows and produced results near the end of a window.
func (qp *queryProcessor) applyLimit(queryBase string, baseArgs []interface{}, fetchedInWindow int) (string, []interface{}, int) {
	if qp.optLimit == nil {
		return queryBase, baseArgs, 0
	}
	stillExpected := *qp.optLimit - qp.produced
	reserve := stillExpected / 4
	if reserve < 100 {
		reserve = 100
	}
	queryLimit := stillExpected + reserve
	query := fmt.Sprintf("%s LIMIT %d OFFSET %d", queryBase, queryLimit, fetchedInWindow)
	return query, baseArgs, queryLimit
}

// buildParamFiltering maps each filter key to its column expression; every
// key uses the default IN-list query unless a dedicated query function is
// registered for it.
func buildParamFiltering(filters map[string][]interface{}) (string, []interface{}) {
	if len(filters) == 0 {
		return "", nil
	}
	keys := make([]string, 0, len(filters))
	for key := range filters {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var clauses []string
	var args []interface{}
	for _, key := range keys {
		values := filters[key]
		if len(values) == 0 {
			continue
		}
		queryFunc, ok := keyToQueryFunc[key]
		if !ok {
			queryFunc = keyQuery
		}
		sql, clauseArgs := queryFunc(key, values)
		clauses = append(clauses, sql)
		args = append(args, clauseArgs...)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return "(" + strings.Join(clauses, " AND ") + ")", args
}

// queryFunc renders one filter key into SQL.
type queryFunc func(key string, values []interface{}) (string, []interface{})

// keyQuery is the default per-field query function: column IN (values).
func keyQuery(key string, values []interface{}) (string, []interface{}) {
	return eventTable + ".`" + key + "` IN (" + placeholders(len(values)) + ")", values
}

// keyToQueryFunc registers the fields with non-default SQL shapes.
var keyToQueryFunc = map[string]queryFunc{
	// active.min/active.max bound the blacklist `until` column
	"active.min": func(_ string, values []interface{}) (string, []interface{}) {
		return eventTable + ".`until` >= ?", values[:1]
	},
	"active.max": func(_ string, values []interface{}) (string, []interface{}) {
		return eventTable + ".`until` <= ?", values[:1]
	},
	// fqdn.sub matches rows whose fqdn contains any of the given substrings
	"fqdn.sub": func(_ string, values []interface{}) (string, []interface{}) {
		clauses := make([]string, len(values))
		args := make([]interface{}, len(values))
		for i, v := range values {
			clauses[i] = eventTable + ".`fqdn` LIKE ?"
			args[i] = "%" + fmt.Sprint(v) + "%"
		}
		return "(" + strings.Join(clauses, " OR ") + ")", args
	},
}

// buildAccessFiltering renders the OR of the per-zone conditions; it is
// always applied.
func buildAccessFiltering(conds []Condition) (string, []interface{}) {
	clauses := make([]string, len(conds))
	var args []interface{}
	for i, cond := range conds {
		clauses[i] = "(" + cond.SQL + ")"
		args = append(args, cond.Args...)
	}
	return "(" + strings.Join(clauses, " OR ") + ")", args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// groupRowsByTime partitions rows (already ordered by time DESC) into runs
// sharing one timestamp.
func groupRowsByTime(rows []Row) [][]Row {
	var groups [][]Row
	for i := 0; i < len(rows); {
		j := i + 1
		for j < len(rows) && rows[j].Time.Equal(rows[i].Time) {
			j++
		}
		groups = append(groups, rows[i:j])
		i = j
	}
	return groups
}
