package eventdb

import (
	"context"
	"time"

	"github.com/certhub/threatpipe/pkg/errors"
	"github.com/certhub/threatpipe/pkg/logger"
)

// API is the Event DB data backend: the three event resources plus the
// aggregation views, all evaluated against the per-zone access filtering
// conditions.
type API struct {
	fetch   rowFetcher
	agg     aggFetcher
	dayStep int
	log     *logger.Logger
}

// NewAPI builds the backend over the given fetchers. dayStep is the window
// width, in days, of the partitioned event scans.
func NewAPI(fetch rowFetcher, agg aggFetcher, dayStep int, log *logger.Logger) *API {
	if dayStep <= 0 {
		dayStep = 1
	}
	return &API{fetch: fetch, agg: agg, dayStep: dayStep, log: log}
}

// YieldFunc receives one result dict; returning false stops generation.
type YieldFunc func(ResultDict) bool

// ReportInside serves the report/inside resource: events that occurred
// inside the querying organization's network. The client parameter must be
// absent; the single client constraint is derived from the auth data.
func (a *API) ReportInside(ctx context.Context, auth AuthData, params *Params,
	zoneConds AccessZoneConditions, yield YieldFunc) error {
	if params.Client != nil {
		return errors.New(errors.ErrCodeEventDatabase,
			"the `client` parameter is not expected for the inside access zone")
	}
	if auth.OrgID == "" {
		return errors.New(errors.ErrCodeEventDatabase, "auth data lacks the org id")
	}
	return a.generateResultDicts(ctx, params, zoneConds, ZoneInside, []string{auth.OrgID}, yield)
}

// ReportThreats serves the report/threats resource.
func (a *API) ReportThreats(ctx context.Context, auth AuthData, params *Params,
	zoneConds AccessZoneConditions, yield YieldFunc) error {
	return a.generateResultDicts(ctx, params, zoneConds, ZoneThreats, clientConstraint(params), yield)
}

// SearchEvents serves the search/events resource.
func (a *API) SearchEvents(ctx context.Context, auth AuthData, params *Params,
	zoneConds AccessZoneConditions, yield YieldFunc) error {
	return a.generateResultDicts(ctx, params, zoneConds, ZoneSearch, clientConstraint(params), yield)
}

// clientConstraint pops the optional client parameter; an empty list means
// no constraint.
func clientConstraint(params *Params) []string {
	if len(params.Client) == 0 {
		return nil
	}
	return params.Client
}

func (a *API) generateResultDicts(ctx context.Context, params *Params,
	zoneConds AccessZoneConditions, zone AccessZone, clientOrgIDs []string, yield YieldFunc) error {
	if !zone.valid() {
		return errors.Newf(errors.ErrCodeEventDatabase, "unknown access zone %q", zone)
	}
	if err := params.validate(); err != nil {
		return errors.Wrap(err, errors.ErrCodeEventDatabase, "invalid request parameters")
	}
	conds, err := accessFilteringConditions(zoneConds, zone)
	if err != nil {
		return err
	}
	qp := newQueryProcessor(a.fetch, conds, clientOrgIDs, a.dayStep, params, a.log)
	return qp.Generate(ctx, yield)
}

// accessFilteringConditions resolves the zone's condition list; dealing with
// access rights, an absent or empty list is an error, never an open filter.
func accessFilteringConditions(zoneConds AccessZoneConditions, zone AccessZone) ([]Condition, error) {
	conds := zoneConds[zone]
	if len(conds) == 0 {
		return nil, errors.Newf(errors.ErrCodeEventDatabase,
			"filtering conditions for the %q access zone not provided", zone)
	}
	return conds, nil
}

// ============================================================================
// Aggregation views
// ============================================================================

// GetCountsPerCategory returns the number of events per category since the
// given instant, with every known category present (zero when unseen).
func (a *API) GetCountsPerCategory(ctx context.Context, auth AuthData,
	conds []Condition, since time.Time) (map[string]int64, error) {
	if len(conds) == 0 {
		return nil, errors.New(errors.ErrCodeEventDatabase, "filtering conditions not provided")
	}
	query, args := buildCountsPerCategoryQuery(conds, []string{auth.OrgID}, since)
	fetched, err := a.agg.FetchCategoryCounts(ctx, query, args)
	if err != nil {
		return nil, wrapDBErr(err)
	}
	return postCountsPerCategory(fetched)
}

// GetMostFrequentCategories returns the most frequent event categories since
// the given instant ("other" never among them).
func (a *API) GetMostFrequentCategories(ctx context.Context, auth AuthData,
	conds []Condition, since time.Time) ([]string, error) {
	if len(conds) == 0 {
		return nil, errors.New(errors.ErrCodeEventDatabase, "filtering conditions not provided")
	}
	query, args := buildMostFrequentCategoriesQuery(conds, []string{auth.OrgID}, since)
	fetched, err := a.agg.FetchCategoryCounts(ctx, query, args)
	if err != nil {
		return nil, wrapDBErr(err)
	}
	return postMostFrequentCategories(fetched), nil
}

// GetCountsPerDayPerCategory returns per-day category counts since the given
// instant, keyed by "YYYY-MM-DD".
func (a *API) GetCountsPerDayPerCategory(ctx context.Context, auth AuthData,
	conds []Condition, since time.Time) (map[string][][2]interface{}, error) {
	if len(conds) == 0 {
		return nil, errors.New(errors.ErrCodeEventDatabase, "filtering conditions not provided")
	}
	query, args := buildDailyCountsQuery(conds, []string{auth.OrgID}, since)
	fetched, err := a.agg.FetchDailyCounts(ctx, query, args)
	if err != nil {
		return nil, wrapDBErr(err)
	}
	return postDailyCounts(fetched), nil
}

// GetNamesRankingPerCategory returns the null-padded top-10 name ranking for
// one category since the given instant, or nil when nothing qualifies.
func (a *API) GetNamesRankingPerCategory(ctx context.Context, auth AuthData,
	conds []Condition, since time.Time, category string) (map[string]map[string]int64, error) {
	if len(conds) == 0 {
		return nil, errors.New(errors.ErrCodeEventDatabase, "filtering conditions not provided")
	}
	query, args := buildNamesRankingQuery(conds, []string{auth.OrgID}, since, category)
	fetched, err := a.agg.FetchNameCounts(ctx, query, args)
	if err != nil {
		return nil, wrapDBErr(err)
	}
	return postNamesRanking(fetched), nil
}

func wrapDBErr(err error) error {
	return errors.Wrapf(err, errors.ErrCodeEventDatabase,
		"aggregation query failed (%s)", errors.TruncatedSummary(err, 200))
}
