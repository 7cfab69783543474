package collector

import (
	"context"
	"strings"

	"github.com/certhub/threatpipe/internal/statestore"
	"github.com/certhub/threatpipe/pkg/bus"
	"github.com/certhub/threatpipe/pkg/errors"
)

// RowCodec supplies the source-specific row semantics of a time-ordered-rows
// collector.
//
// CleanRowTime values can have any textual form, provided a newer one always
// compares (as a string) greater than an older one and equal times compare
// equal -- ISO 8601 date or date+time strings satisfy this. The oldest
// possible row time is the empty string, which sorts below any real value.
type RowCodec interface {
	// ShouldUseRow filters rows before time extraction. DefaultShouldUseRow
	// is the usual implementation.
	ShouldUseRow(row string) bool
	// PickRawRowTime extracts the raw ordering field; ok=false skips the row.
	PickRawRowTime(row string) (raw string, ok bool)
	// CleanRowTime validates and normalizes the raw value; ok=false skips
	// the row.
	CleanRowTime(raw string) (cleaned string, ok bool)
}

// DefaultShouldUseRow skips blank rows and rows starting with '#'.
func DefaultShouldUseRow(row string) bool {
	trimmed := strings.TrimSpace(row)
	return trimmed != "" && !strings.HasPrefix(row, "#")
}

// RowsState is the durable state of a time-ordered-rows collector.
// RowsCount is a pointer because legacy state files may not include it.
type RowsState struct {
	NewestRowTime string          `json:"newest_row_time"`
	NewestRows    map[string]bool `json:"newest_rows"`
	RowsCount     *int            `json:"rows_count,omitempty"`
}

func defaultRowsState() RowsState {
	return RowsState{NewestRows: map[string]bool{}}
}

// FetchFunc obtains the original raw data of a run.
type FetchFunc func(ctx context.Context) ([]byte, bus.Meta, error)

// TimeOrderedRowsCollector collects sources whose data is a list of rows
// carrying a monotonically growing time/order field. Each run publishes only
// the rows not yet collected, then commits the new state -- so across
// restarts every exposed row with time at or above the initial newest row
// time is collected exactly once.
type TimeOrderedRowsCollector struct {
	*Base
	Codec                 RowCodec
	Fetch                 FetchFunc
	Store                 *statestore.Store
	RowCountMismatchFatal bool
}

// NewTimeOrderedRowsCollector wires a rows collector over its base, codec,
// fetch strategy and state store.
func NewTimeOrderedRowsCollector(base *Base, codec RowCodec, fetch FetchFunc, store *statestore.Store, mismatchFatal bool) *TimeOrderedRowsCollector {
	return &TimeOrderedRowsCollector{
		Base:                  base,
		Codec:                 codec,
		Fetch:                 fetch,
		Store:                 store,
		RowCountMismatchFatal: mismatchFatal,
	}
}

// RunHandling performs one run: load state, fetch, select fresh rows,
// publish them joined in original order, and commit the new state only after
// the publish succeeded.
func (c *TimeOrderedRowsCollector) RunHandling(ctx context.Context) error {
	state := defaultRowsState()
	c.Store.Load(&state)
	if state.NewestRows == nil {
		state.NewestRows = map[string]bool{}
	}

	orig, meta, err := c.Fetch(ctx)
	if err != nil {
		return err
	}

	fresh, newState, err := c.selectFreshRows(strings.Split(string(orig), "\n"), state)
	if err != nil {
		return err
	}
	if len(fresh) == 0 {
		c.Log.Info().Str("source", c.Source).Msg("No fresh rows")
		return nil
	}

	if err := c.Publish([]byte(strings.Join(fresh, "\n")), meta); err != nil {
		return err
	}
	return c.Store.Save(newState)
}

// selectFreshRows walks all rows once, keeping rows strictly newer than the
// previously newest row time plus rows that share the new maximum time but
// were not seen before. It verifies that fresh rows are unique and that the
// total row count drifted only by the freshly collected rows; each violation
// warns, or fails when RowCountMismatchFatal is set.
func (c *TimeOrderedRowsCollector) selectFreshRows(allRows []string, prev RowsState) ([]string, RowsState, error) {
	newestRowTime := ""
	newestRows := map[string]bool{}
	rowsCount := 0
	var fresh []string
	freshSet := make(map[string]struct{})
	duplicates := 0

	for _, row := range allRows {
		rowTime, ok := c.extractRowTime(row)
		if !ok {
			continue
		}
		rowsCount++

		if rowTime < prev.NewestRowTime {
			// old enough to assume it has already been collected
			continue
		}
		if newestRowTime == "" || rowTime > newestRowTime {
			newestRowTime = rowTime
			newestRows = map[string]bool{}
		}
		if rowTime == newestRowTime {
			newestRows[row] = true
		}
		if prev.NewestRows[row] {
			// already collected during the previous run
			continue
		}
		if _, dup := freshSet[row]; dup {
			duplicates++
			continue
		}
		freshSet[row] = struct{}{}
		fresh = append(fresh, row)
	}

	if err := c.checkCounts(prev, rowsCount, len(fresh), duplicates); err != nil {
		return nil, RowsState{}, err
	}

	newState := prev
	if len(fresh) > 0 {
		count := rowsCount
		newState = RowsState{
			NewestRowTime: newestRowTime,
			NewestRows:    newestRows,
			RowsCount:     &count,
		}
	}
	return fresh, newState, nil
}

func (c *TimeOrderedRowsCollector) extractRowTime(row string) (string, bool) {
	if !c.Codec.ShouldUseRow(row) {
		return "", false
	}
	raw, ok := c.Codec.PickRawRowTime(row)
	if !ok {
		return "", false
	}
	return c.Codec.CleanRowTime(raw)
}

func (c *TimeOrderedRowsCollector) checkCounts(prev RowsState, rowsCount, freshCount, duplicates int) error {
	if duplicates > 0 {
		if c.RowCountMismatchFatal {
			return errors.Newf(errors.ErrCodeRowCountMismatch,
				"found %d duplicates among fresh rows", duplicates)
		}
		c.Log.Warn().
			Int("duplicates", duplicates).
			Str("source", c.Source).
			Msg("Found duplicates among fresh rows")
	}
	// a legacy state may not include the rows count
	if prev.RowsCount != nil && *prev.RowsCount+freshCount+duplicates != rowsCount {
		if c.RowCountMismatchFatal {
			return errors.Newf(errors.ErrCodeRowCountMismatch,
				"stated row count %d does not equal previous count %d plus %d fresh rows",
				rowsCount, *prev.RowsCount, freshCount)
		}
		c.Log.Warn().
			Int("rows_count", rowsCount).
			Int("prev_rows_count", *prev.RowsCount).
			Int("fresh_rows", freshCount).
			Str("source", c.Source).
			Msg("Row counts do not add up; the source may have dropped or reordered rows")
	}
	return nil
}
