package collector

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/certhub/threatpipe/internal/statestore"
	"github.com/certhub/threatpipe/pkg/bus"
	"github.com/certhub/threatpipe/pkg/errors"
	"github.com/certhub/threatpipe/pkg/logger"
)

// ============================================================================
// Fixtures
// ============================================================================

type capturedPush struct {
	body       []byte
	routingKey string
	props      *bus.Props
}

type capturingPusher struct {
	pushed  []capturedPush
	pushErr error
}

func (p *capturingPusher) Push(data interface{}, routingKey string, props *bus.Props) error {
	if p.pushErr != nil {
		return p.pushErr
	}
	p.pushed = append(p.pushed, capturedPush{body: data.([]byte), routingKey: routingKey, props: props})
	return nil
}

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: "error", Output: io.Discard})
}

// csvCodec treats rows as `"<name>","<date>"` and orders them by the second
// column.
type csvCodec struct{}

func (csvCodec) ShouldUseRow(row string) bool {
	return DefaultShouldUseRow(row)
}

func (csvCodec) PickRawRowTime(row string) (string, bool) {
	fields := strings.Split(row, ",")
	if len(fields) < 2 {
		return "", false
	}
	return strings.Trim(fields[1], `" `), true
}

func (csvCodec) CleanRowTime(raw string) (string, bool) {
	if len(raw) != len("2006-01-02") {
		return "", false
	}
	return raw, true
}

func newRowsCollector(t *testing.T, pusher Publisher, data string, mismatchFatal bool) (*TimeOrderedRowsCollector, *statestore.Store) {
	t.Helper()
	base := NewBase("testsource.testchannel", bus.TypeFile, "text/csv", pusher, testLogger())
	store := statestore.New(t.TempDir(), "testsource.testchannel", "RowsCollector", testLogger())
	fetch := func(ctx context.Context) ([]byte, bus.Meta, error) {
		return []byte(data), bus.Meta{}, nil
	}
	return NewTimeOrderedRowsCollector(base, csvCodec{}, fetch, store, mismatchFatal), store
}

// ============================================================================
// Tests
// ============================================================================

func TestRowsCollectorWithInitialStatePresent(t *testing.T) {
	input := strings.Join([]string{
		`# a comment row`,
		`"egg","2019-07-12"`,
		`"zzz","2019-07-10"`,
		`"old2","2019-07-08"`,
		`"old1","2019-07-05"`,
		`"bar","2019-07-01"`,
		`"foo","2019-06-30"`,
		`"ham","2019-07-13"`,
		``,
	}, "\n")
	// Input holds 7 non-comment rows; the previous run had seen 5 of them
	// (everything up to and including the 2019-07-10 one).

	pusher := &capturingPusher{}
	c, store := newRowsCollector(t, pusher, input, false)

	prevCount := 5
	if err := store.Save(RowsState{
		NewestRowTime: "2019-07-10",
		NewestRows:    map[string]bool{`"zzz","2019-07-10"`: true},
		RowsCount:     &prevCount,
	}); err != nil {
		t.Fatal(err)
	}

	if err := c.RunHandling(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(pusher.pushed) != 1 {
		t.Fatalf("published %d messages, want 1", len(pusher.pushed))
	}
	wantBody := `"egg","2019-07-12"` + "\n" + `"ham","2019-07-13"`
	if got := string(pusher.pushed[0].body); got != wantBody {
		t.Errorf("published body:\n%s\nwant:\n%s", got, wantBody)
	}
	if rk := pusher.pushed[0].routingKey; rk != "raw.testsource.testchannel" {
		t.Errorf("routing key = %q", rk)
	}

	var newState RowsState
	if !store.Load(&newState) {
		t.Fatal("no state saved")
	}
	if newState.NewestRowTime != "2019-07-13" {
		t.Errorf("newest_row_time = %q, want 2019-07-13", newState.NewestRowTime)
	}
	if len(newState.NewestRows) != 1 || !newState.NewestRows[`"ham","2019-07-13"`] {
		t.Errorf("newest_rows = %v", newState.NewestRows)
	}
	if newState.RowsCount == nil || *newState.RowsCount != 7 {
		t.Errorf("rows_count = %v, want 7", newState.RowsCount)
	}
}

func TestRowsCollectorFirstRunCollectsEverything(t *testing.T) {
	input := `"a","2019-01-01"` + "\n" + `"b","2019-01-02"`
	pusher := &capturingPusher{}
	c, store := newRowsCollector(t, pusher, input, false)

	if err := c.RunHandling(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(pusher.pushed) != 1 {
		t.Fatalf("published %d messages, want 1", len(pusher.pushed))
	}
	if got := string(pusher.pushed[0].body); got != input {
		t.Errorf("body = %q, want %q", got, input)
	}
	var st RowsState
	if !store.Load(&st) {
		t.Fatal("no state saved")
	}
	if st.NewestRowTime != "2019-01-02" || st.RowsCount == nil || *st.RowsCount != 2 {
		t.Errorf("state = %+v", st)
	}
}

func TestRowsCollectorNoFreshRowsPublishesNothingAndKeepsState(t *testing.T) {
	input := `"zzz","2019-07-10"`
	pusher := &capturingPusher{}
	c, store := newRowsCollector(t, pusher, input, false)

	prevCount := 1
	prev := RowsState{
		NewestRowTime: "2019-07-10",
		NewestRows:    map[string]bool{`"zzz","2019-07-10"`: true},
		RowsCount:     &prevCount,
	}
	if err := store.Save(prev); err != nil {
		t.Fatal(err)
	}
	if err := c.RunHandling(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(pusher.pushed) != 0 {
		t.Errorf("published %d messages, want 0", len(pusher.pushed))
	}
	var st RowsState
	if !store.Load(&st) {
		t.Fatal("state file disappeared")
	}
	if st.NewestRowTime != "2019-07-10" || *st.RowsCount != 1 {
		t.Errorf("state mutated without fresh rows: %+v", st)
	}
}

func TestRowsCollectorEqualTimeNewRowIsCollected(t *testing.T) {
	// A second row with a time equal to the stored newest must still be
	// collected when it was not seen before.
	input := `"zzz","2019-07-10"` + "\n" + `"new","2019-07-10"`
	pusher := &capturingPusher{}
	c, store := newRowsCollector(t, pusher, input, false)

	prevCount := 1
	if err := store.Save(RowsState{
		NewestRowTime: "2019-07-10",
		NewestRows:    map[string]bool{`"zzz","2019-07-10"`: true},
		RowsCount:     &prevCount,
	}); err != nil {
		t.Fatal(err)
	}
	if err := c.RunHandling(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(pusher.pushed) != 1 || string(pusher.pushed[0].body) != `"new","2019-07-10"` {
		t.Fatalf("pushed = %+v", pusher.pushed)
	}
	var st RowsState
	store.Load(&st)
	if len(st.NewestRows) != 2 {
		t.Errorf("newest_rows = %v, want both equal-time rows", st.NewestRows)
	}
}

func TestRowsCollectorDuplicateFreshRowsFatal(t *testing.T) {
	input := `"dup","2019-07-11"` + "\n" + `"dup","2019-07-11"`
	pusher := &capturingPusher{}
	c, _ := newRowsCollector(t, pusher, input, true)

	err := c.RunHandling(context.Background())
	if !errors.HasCode(err, errors.ErrCodeRowCountMismatch) {
		t.Errorf("err = %v, want ROW_COUNT_MISMATCH", err)
	}
	if len(pusher.pushed) != 0 {
		t.Error("rows published despite the fatal duplicate check")
	}
}

func TestRowsCollectorDuplicateFreshRowsWarnOnly(t *testing.T) {
	input := `"dup","2019-07-11"` + "\n" + `"dup","2019-07-11"`
	pusher := &capturingPusher{}
	c, _ := newRowsCollector(t, pusher, input, false)

	if err := c.RunHandling(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(pusher.pushed) != 1 || string(pusher.pushed[0].body) != `"dup","2019-07-11"` {
		t.Errorf("pushed = %+v, want the row collected once", pusher.pushed)
	}
}

func TestRowsCollectorCountDriftFatal(t *testing.T) {
	input := `"zzz","2019-07-10"` + "\n" + `"new","2019-07-11"`
	pusher := &capturingPusher{}
	c, store := newRowsCollector(t, pusher, input, true)

	// The previous run claims 5 rows existed; now there are 2 total with one
	// fresh -- rows have vanished from the source.
	prevCount := 5
	if err := store.Save(RowsState{
		NewestRowTime: "2019-07-10",
		NewestRows:    map[string]bool{`"zzz","2019-07-10"`: true},
		RowsCount:     &prevCount,
	}); err != nil {
		t.Fatal(err)
	}
	err := c.RunHandling(context.Background())
	if !errors.HasCode(err, errors.ErrCodeRowCountMismatch) {
		t.Errorf("err = %v, want ROW_COUNT_MISMATCH", err)
	}
}

func TestRowsCollectorLegacyStateWithoutRowsCount(t *testing.T) {
	input := `"zzz","2019-07-10"` + "\n" + `"new","2019-07-11"`
	pusher := &capturingPusher{}
	c, store := newRowsCollector(t, pusher, input, true)

	// Legacy state: no rows_count at all; the drift check must be skipped.
	if err := store.Save(RowsState{
		NewestRowTime: "2019-07-10",
		NewestRows:    map[string]bool{`"zzz","2019-07-10"`: true},
	}); err != nil {
		t.Fatal(err)
	}
	if err := c.RunHandling(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(pusher.pushed) != 1 || string(pusher.pushed[0].body) != `"new","2019-07-11"` {
		t.Errorf("pushed = %+v", pusher.pushed)
	}
}

func TestRowsCollectorStateNotCommittedWhenPublishFails(t *testing.T) {
	input := `"new","2019-07-11"`
	pusher := &capturingPusher{pushErr: errors.New(errors.ErrCodePusherInactive, "the pusher is inactive")}
	c, store := newRowsCollector(t, pusher, input, false)

	if err := c.RunHandling(context.Background()); err == nil {
		t.Fatal("run succeeded despite the publish failure")
	}
	var st RowsState
	if store.Load(&st) {
		t.Error("state committed despite the publish failure")
	}
}
