package statestore

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/certhub/threatpipe/pkg/logger"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: "error", Output: io.Discard})
}

type rowsState struct {
	NewestRowTime string          `json:"newest_row_time"`
	NewestRows    map[string]bool `json:"newest_rows"`
	RowsCount     int             `json:"rows_count"`
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := New(dir, "testsource.testchannel", "RowsCollector", testLogger())

	in := rowsState{
		NewestRowTime: "2019-07-13",
		NewestRows:    map[string]bool{`"ham","2019-07-13"`: true},
		RowsCount:     7,
	}
	if err := store.Save(in); err != nil {
		t.Fatalf("save: %v", err)
	}

	var out rowsState
	if !store.Load(&out) {
		t.Fatal("load returned false after save")
	}
	if out.NewestRowTime != in.NewestRowTime || out.RowsCount != in.RowsCount {
		t.Errorf("loaded %+v, want %+v", out, in)
	}
	if !out.NewestRows[`"ham","2019-07-13"`] {
		t.Errorf("newest rows lost: %+v", out.NewestRows)
	}
}

func TestLoadMissingFileReturnsFalse(t *testing.T) {
	store := New(t.TempDir(), "src.chan", "X", testLogger())
	var out rowsState
	if store.Load(&out) {
		t.Error("load of a missing file returned true")
	}
}

func TestLoadCorruptFileReturnsFalse(t *testing.T) {
	dir := t.TempDir()
	store := New(dir, "src.chan", "X", testLogger())
	if err := os.WriteFile(store.Path(), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	var out rowsState
	if store.Load(&out) {
		t.Error("load of a corrupt file returned true")
	}
}

func TestStateFileNameFollowsLegacyConvention(t *testing.T) {
	store := New("/cache", "testsource.testchannel", "RowsCollector", testLogger())
	want := filepath.Join("/cache", "testsource.testchannel.RowsCollector.state")
	if store.Path() != want {
		t.Errorf("path = %q, want %q", store.Path(), want)
	}
}

func TestSaveLeavesNoTempFilesBehind(t *testing.T) {
	dir := t.TempDir()
	store := New(dir, "src.chan", "X", testLogger())
	if err := store.Save(rowsState{RowsCount: 1}); err != nil {
		t.Fatalf("save: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		names := make([]string, len(entries))
		for i, e := range entries {
			names[i] = e.Name()
		}
		t.Errorf("directory contains %v, want only the state file", names)
	}
}
