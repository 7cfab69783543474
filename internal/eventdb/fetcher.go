package eventdb

import (
	"context"

	"github.com/certhub/threatpipe/pkg/database"
)

// SQLFetcher executes the processor's queries against the Event DB. Every
// read runs in its own REPEATABLE READ read-only transaction with guaranteed
// close; all rows of a query are scanned and returned together, without
// fixed-size batching.
type SQLFetcher struct {
	db *database.EventDB
}

// NewSQLFetcher wraps the Event DB connection pool.
func NewSQLFetcher(db *database.EventDB) *SQLFetcher {
	return &SQLFetcher{db: db}
}

// FetchRows implements rowFetcher.
func (f *SQLFetcher) FetchRows(ctx context.Context, query string, args []interface{}) ([]Row, error) {
	tx, err := f.db.ReadTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Row, 0, fetchBatchSize)
	for rows.Next() {
		var row Row
		if err := rows.StructScan(&row); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, tx.Commit()
}

// FetchCategoryCounts implements aggFetcher.
func (f *SQLFetcher) FetchCategoryCounts(ctx context.Context, query string, args []interface{}) ([]CategoryCount, error) {
	var out []CategoryCount
	if err := f.selectInReadTx(ctx, &out, query, args); err != nil {
		return nil, err
	}
	return out, nil
}

// FetchDailyCounts implements aggFetcher.
func (f *SQLFetcher) FetchDailyCounts(ctx context.Context, query string, args []interface{}) ([]DailyCount, error) {
	var out []DailyCount
	if err := f.selectInReadTx(ctx, &out, query, args); err != nil {
		return nil, err
	}
	return out, nil
}

// FetchNameCounts implements aggFetcher.
func (f *SQLFetcher) FetchNameCounts(ctx context.Context, query string, args []interface{}) ([]NameCount, error) {
	var out []NameCount
	if err := f.selectInReadTx(ctx, &out, query, args); err != nil {
		return nil, err
	}
	return out, nil
}

func (f *SQLFetcher) selectInReadTx(ctx context.Context, dest interface{}, query string, args []interface{}) error {
	tx, err := f.db.ReadTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := tx.SelectContext(ctx, dest, query, args...); err != nil {
		return err
	}
	return tx.Commit()
}
