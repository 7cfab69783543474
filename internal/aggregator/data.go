// Package aggregator collapses bursts of similar events into one
// representative event plus periodic "suppressed" summaries, per
// (source, group) pair, over a sliding in-memory window.
package aggregator

import (
	"sort"
	"time"

	"github.com/certhub/threatpipe/internal/event"
	"github.com/certhub/threatpipe/pkg/errors"
)

// Defaults kept from the production deployment; all are configurable at the
// aggregator level.
const (
	DefaultTimeTolerance     = 600 * time.Second
	DefaultAggregateWait     = 12 * time.Hour
	DefaultInactivityTimeout = 24 * time.Hour
)

// HiFreqEventData is the aggregation window of one active (source, group)
// pair: the first event of the window plus its time extent and count.
// Invariant: First <= Until and Count >= 1.
type HiFreqEventData struct {
	Payload *event.Event `json:"payload"`
	First   time.Time    `json:"first"`
	Until   time.Time    `json:"until"`
	Count   int          `json:"count"`
}

func newHiFreqEventData(e *event.Event) *HiFreqEventData {
	t := e.Time.Time
	return &HiFreqEventData{
		Payload: e,
		First:   t,
		Until:   t,
		Count:   1,
	}
}

// SourceData is the per-source aggregation state. Time is the maximum event
// time observed in order; LastEvent is the wall-clock arrival of the most
// recent in-order event. Buffer holds windows that already ended and await a
// suppressed flush.
type SourceData struct {
	Time          time.Time                   `json:"time"`
	LastEvent     time.Time                   `json:"last_event"`
	Groups        map[string]*HiFreqEventData `json:"groups"`
	Buffer        map[string]*HiFreqEventData `json:"buffer"`
	TimeTolerance time.Duration               `json:"time_tolerance"`
}

func newSourceData(tolerance time.Duration) *SourceData {
	return &SourceData{
		Groups:        make(map[string]*HiFreqEventData),
		Buffer:        make(map[string]*HiFreqEventData),
		TimeTolerance: tolerance,
	}
}

// Data is the whole aggregator state: one SourceData per active source.
type Data struct {
	Sources map[string]*SourceData `json:"sources"`
}

// NewData creates empty aggregator state.
func NewData() *Data {
	return &Data{Sources: make(map[string]*SourceData)}
}

// getOrCreateSource resolves the state for a source, creating it with the
// given time tolerance on first contact.
func (d *Data) getOrCreateSource(source string, tolerance time.Duration) *SourceData {
	sd, ok := d.Sources[source]
	if !ok {
		sd = newSourceData(tolerance)
		d.Sources[source] = sd
	}
	return sd
}

// sameOrEarlierDay reports whether t's calendar day does not exceed ref's.
func sameOrEarlierDay(t, ref time.Time) bool {
	ty, tm, td := t.Date()
	ry, rm, rd := ref.Date()
	if ty != ry {
		return ty < ry
	}
	if tm != rm {
		return tm < rm
	}
	return td <= rd
}

// processNewMessage folds one in-order event into the source state and
// reports whether the event opens a new window (and thus must be published
// as a `type=event` message).
//
// An event older than Time minus the tolerance is out-of-order and rejected
// without touching the state.
func (sd *SourceData) processNewMessage(e *event.Event, wait time.Duration, now time.Time) (bool, error) {
	t := e.Time.Time
	if !sd.Time.IsZero() && t.Before(sd.Time.Add(-sd.TimeTolerance)) {
		return false, errors.Newf(errors.ErrCodeQueueProcessing,
			"out-of-order event %s from source %s (event time %s, source time %s)",
			e.ID, e.Source, t.Format(event.TimeLayout), sd.Time.Format(event.TimeLayout))
	}
	if t.After(sd.Time) {
		sd.Time = t
	}
	sd.LastEvent = now

	group := e.Group
	hifreq, active := sd.Groups[group]
	if !active {
		sd.Groups[group] = newHiFreqEventData(e)
		return true, nil
	}

	if sameOrEarlierDay(t, hifreq.Until) && !t.After(hifreq.First.Add(wait)) {
		// Still within the window: fold the event in silently.
		hifreq.Count++
		if t.After(hifreq.Until) {
			hifreq.Until = t
		}
		return false, nil
	}

	// New calendar day, or the window exceeded the aggregate wait: the old
	// window moves to the buffer for a later suppressed flush and a new one
	// opens.
	sd.Buffer[group] = hifreq
	sd.Groups[group] = newHiFreqEventData(e)
	return true, nil
}

// suppressedEvent renders the ended window as a `type=suppressed` message
// payload, or nil when the window holds a single event (nothing was
// collapsed, so no summary is due).
func (h *HiFreqEventData) suppressedEvent() *event.Event {
	if h.Count <= 1 {
		return nil
	}
	out := h.Payload.Clone()
	out.Type = event.TypeSuppressed
	out.Count = h.Count
	until := event.NewTime(h.Until)
	out.Until = &until
	first := event.NewTime(h.First)
	out.FirstTime = &first
	return out
}

func sortedKeys(m map[string]*HiFreqEventData) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// generateSuppressedForSource closes every window of the source that the
// given event time leaves behind (a different calendar day or more than the
// aggregate wait past the window's end). The event's own group is excluded
// from the scan: its window was just refreshed, and its previous window (if
// any) already sits in the buffer. The remaining groups are scanned in
// group-id order, stopping at the first window still hot; closed windows
// join the buffer, and the whole buffer is then flushed. Nil entries
// (single-event windows) are not emitted.
func (sd *SourceData) generateSuppressedForSource(currentGroup string, eventTime time.Time, wait time.Duration) []*event.Event {
	for _, group := range sortedKeys(sd.Groups) {
		if group == currentGroup {
			continue
		}
		hifreq := sd.Groups[group]
		if !sameOrEarlierDay(eventTime, hifreq.Until) || eventTime.After(hifreq.Until.Add(wait)) {
			delete(sd.Groups, group)
			sd.Buffer[group] = hifreq
			continue
		}
		break
	}
	return sd.flushBuffer()
}

// flushBuffer emits and clears every buffered window, in group-id order.
func (sd *SourceData) flushBuffer() []*event.Event {
	var out []*event.Event
	for _, group := range sortedKeys(sd.Buffer) {
		if suppressed := sd.Buffer[group].suppressedEvent(); suppressed != nil {
			out = append(out, suppressed)
		}
		delete(sd.Buffer, group)
	}
	return out
}

// flushAll emits every window of the source, buffered ones first, then the
// active ones, and clears both maps. Used for inactivity flushes and final
// shutdown drains.
func (sd *SourceData) flushAll() []*event.Event {
	out := sd.flushBuffer()
	for _, group := range sortedKeys(sd.Groups) {
		if suppressed := sd.Groups[group].suppressedEvent(); suppressed != nil {
			out = append(out, suppressed)
		}
		delete(sd.Groups, group)
	}
	return out
}
