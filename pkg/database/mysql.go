// Package database provides Event DB connection utilities for the pipeline.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"github.com/certhub/threatpipe/pkg/config"
	"github.com/certhub/threatpipe/pkg/errors"
	"github.com/certhub/threatpipe/pkg/logger"
)

// sessionSQLMode pins the strictness flags every Event DB session runs under.
const sessionSQLMode = "STRICT_TRANS_TABLES," +
	"NO_ZERO_DATE," +
	"NO_ZERO_IN_DATE," +
	"NO_AUTO_VALUE_ON_ZERO," +
	"NO_ENGINE_SUBSTITUTION," +
	"ERROR_FOR_DIVISION_BY_ZERO"

// EventDB wraps the sqlx connection pool to the Event DB.
type EventDB struct {
	*sqlx.DB
	config *config.DatabaseConfig
	log    *logger.Logger
}

// NewEventDB opens the Event DB connection pool. Pool sizing follows the
// production deployment: pool_size open connections plus pool_overflow,
// connections recycled after conn_max_lifetime, liveness verified by ping.
func NewEventDB(cfg *config.DatabaseConfig, log *logger.Logger) (*EventDB, error) {
	db, err := sqlx.Open("mysql", cfg.DSN())
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeEventDatabase, "failed to open database connection")
	}

	db.SetMaxOpenConns(cfg.PoolSize + cfg.PoolOverflow)
	db.SetMaxIdleConns(cfg.PoolSize)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.ErrCodeEventDatabase, "failed to ping database")
	}

	edb := &EventDB{DB: db, config: cfg, log: log}
	if err := edb.setSessionVariables(ctx); err != nil {
		db.Close()
		return nil, err
	}

	log.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Str("database", cfg.DBName).
		Msg("Connected to the Event DB")

	return edb, nil
}

// setSessionVariables fixes SQL_MODE and the session time zone. The time zone
// must be UTC: all `time` columns hold UTC instants.
func (db *EventDB) setSessionVariables(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf("SET SESSION sql_mode = '%s'", sessionSQLMode),
		"SET SESSION time_zone = '+00:00'",
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, errors.ErrCodeEventDatabase,
				"failed to set session variable (%s)", errors.TruncatedSummary(err, 200))
		}
	}
	return nil
}

// Close closes the database connection pool.
func (db *EventDB) Close() error {
	db.log.Info().Msg("Closing the Event DB connection")
	return db.DB.Close()
}

// Health checks the database connection health.
func (db *EventDB) Health(ctx context.Context) error {
	return db.PingContext(ctx)
}

// txContextKey marks a context that already carries an open transaction.
type txContextKey struct{}

// TxFromContext returns the transaction bound to ctx, if any.
func TxFromContext(ctx context.Context) (*sqlx.Tx, bool) {
	tx, ok := ctx.Value(txContextKey{}).(*sqlx.Tx)
	return tx, ok
}

// Transact executes fn inside a transaction scope. Nesting is forbidden: a
// context that already carries a transaction is rejected. Rollback on error
// (and on panic) is guaranteed; a failed commit is rolled back and surfaced
// to the caller.
func (db *EventDB) Transact(ctx context.Context, fn func(ctx context.Context, tx *sqlx.Tx) error) error {
	if _, ok := TxFromContext(ctx); ok {
		return errors.New(errors.ErrCodeEventDatabase, "transaction scopes must not be nested")
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeEventDatabase, "failed to begin transaction")
	}

	txCtx := context.WithValue(ctx, txContextKey{}, tx)

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(txCtx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Wrapf(err, errors.ErrCodeEventDatabase,
				"transaction failed and rollback failed too (%v)", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		_ = tx.Rollback()
		return errors.Wrap(err, errors.ErrCodeEventDatabase, "failed to commit transaction")
	}
	return nil
}

// ReadTx starts a REPEATABLE READ read-only transaction for query iteration.
// The caller owns the returned transaction and must Commit or Rollback it.
func (db *EventDB) ReadTx(ctx context.Context) (*sqlx.Tx, error) {
	tx, err := db.BeginTxx(ctx, &sql.TxOptions{
		Isolation: sql.LevelRepeatableRead,
		ReadOnly:  true,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeEventDatabase, "failed to begin read transaction")
	}
	return tx, nil
}
