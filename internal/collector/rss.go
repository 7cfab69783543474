package collector

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/mmcdole/gofeed"

	"github.com/certhub/threatpipe/internal/statestore"
	"github.com/certhub/threatpipe/pkg/errors"
)

// rssItem is the relevant data kept per feed entry. It doubles as the item
// fingerprint: two entries are the same iff all three fields match.
type rssItem struct {
	Title     string `json:"title"`
	Link      string `json:"link"`
	Published string `json:"published,omitempty"`
}

func (i rssItem) fingerprint() string {
	b, _ := json.Marshal(i)
	return string(b)
}

// rssState is the durable snapshot of the previously seen feed.
type rssState struct {
	Seen map[string]bool `json:"seen"`
}

// RSSCollector fetches an RSS/Atom feed and publishes only the entries not
// present in the previous snapshot; the first run publishes everything.
type RSSCollector struct {
	*Base
	Fetch FetchFunc
	Store *statestore.Store
}

// NewRSSCollector wires an RSS collector over its base, fetch strategy and
// state store.
func NewRSSCollector(base *Base, fetch FetchFunc, store *statestore.Store) *RSSCollector {
	return &RSSCollector{Base: base, Fetch: fetch, Store: store}
}

// RunHandling downloads and parses the feed, computes the set difference
// against the stored snapshot, publishes the new entries as one JSON array
// and commits the full current snapshot.
func (c *RSSCollector) RunHandling(ctx context.Context) error {
	raw, meta, err := c.Fetch(ctx)
	if err != nil {
		return err
	}

	feed, err := gofeed.NewParser().Parse(bytes.NewReader(raw))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeCollector, "cannot parse the feed")
	}

	state := rssState{Seen: map[string]bool{}}
	c.Store.Load(&state)
	if state.Seen == nil {
		state.Seen = map[string]bool{}
	}

	currentSeen := make(map[string]bool, len(feed.Items))
	var freshItems []rssItem
	for _, item := range feed.Items {
		entry := rssItem{Title: item.Title, Link: item.Link, Published: item.Published}
		fp := entry.fingerprint()
		currentSeen[fp] = true
		if !state.Seen[fp] {
			freshItems = append(freshItems, entry)
		}
	}

	if len(freshItems) == 0 {
		c.Log.Info().Str("source", c.Source).Msg("No new feed entries")
		return nil
	}

	body, err := json.Marshal(freshItems)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeCollector, "cannot serialize feed entries")
	}
	if err := c.Publish(body, meta); err != nil {
		return err
	}
	return c.Store.Save(rssState{Seen: currentSeen})
}
