package eventdb

import (
	"testing"
	"time"
)

func day(d int) time.Time {
	return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC)
}

func TestDayStepWindowsWithTimeMax(t *testing.T) {
	max := day(10)
	windows := timeWindows(day(1), &max, nil, 3, time.Now())

	want := []timeWindow{
		{Lower: day(7), Upper: day(10), UpperInclusive: true},
		{Lower: day(4), Upper: day(7)},
		{Lower: day(1), Upper: day(4)},
	}
	if len(windows) != len(want) {
		t.Fatalf("got %d windows, want %d: %+v", len(windows), len(want), windows)
	}
	for i, w := range want {
		got := windows[i]
		if !got.Lower.Equal(w.Lower) || !got.Upper.Equal(w.Upper) || got.UpperInclusive != w.UpperInclusive {
			t.Errorf("window %d = %+v, want %+v", i, got, w)
		}
	}
}

func TestDayStepWindowsDefaultUpperIsNowPlusOneHour(t *testing.T) {
	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	timeMin := now.Add(-2 * time.Hour)
	windows := timeWindows(timeMin, nil, nil, 1, now)

	if len(windows) != 1 {
		t.Fatalf("got %d windows, want 1: %+v", len(windows), windows)
	}
	if !windows[0].Upper.Equal(now.Add(time.Hour)) {
		t.Errorf("upper = %v, want now+1h", windows[0].Upper)
	}
	if !windows[0].UpperInclusive {
		t.Error("the first open-ended window must use an inclusive upper bound")
	}
	if !windows[0].Lower.Equal(timeMin) {
		t.Errorf("lower = %v, want time.min", windows[0].Lower)
	}
}

func TestDayStepWindowsWithTimeUntil(t *testing.T) {
	until := day(5)
	windows := timeWindows(day(1), nil, &until, 2, time.Now())

	want := []timeWindow{
		{Lower: day(3), Upper: day(5)},
		{Lower: day(1), Upper: day(3)},
	}
	if len(windows) != len(want) {
		t.Fatalf("got %d windows, want %d: %+v", len(windows), len(want), windows)
	}
	for i, w := range want {
		got := windows[i]
		if !got.Lower.Equal(w.Lower) || !got.Upper.Equal(w.Upper) {
			t.Errorf("window %d = %+v, want %+v", i, got, w)
		}
		if got.UpperInclusive {
			t.Errorf("window %d: until-based windows must use an exclusive upper bound", i)
		}
	}
}

func TestDayStepWindowsUntilEqualToMinStillYieldsOneWindow(t *testing.T) {
	until := day(1)
	windows := timeWindows(day(1), nil, &until, 3, time.Now())
	if len(windows) != 1 {
		t.Fatalf("got %d windows, want 1: %+v", len(windows), windows)
	}
	if !windows[0].Lower.Equal(day(1)) || !windows[0].Upper.Equal(day(1)) {
		t.Errorf("window = %+v", windows[0])
	}
}

func TestDayStepWindowsShortRangeClampsToTimeMin(t *testing.T) {
	max := day(2)
	windows := timeWindows(day(1), &max, nil, 30, time.Now())
	if len(windows) != 1 {
		t.Fatalf("got %d windows, want 1: %+v", len(windows), windows)
	}
	if !windows[0].Lower.Equal(day(1)) {
		t.Errorf("lower = %v, want clamped to time.min", windows[0].Lower)
	}
}
