// Package results persists scenario reports.
package results

import (
	"context"
	"errors"
	"strings"

	"github.com/signalsfoundry/manet-harness/internal/scenario"
)

var (
	ErrMissingRunID = errors.New("report has no run id")
	ErrNilReport    = errors.New("nil report")
)

// Store saves reports and lists them back, newest first.
type Store interface {
	Save(ctx context.Context, rep *scenario.Report) error
	// List returns up to limit reports, optionally only those of one
	// scenario. limit <= 0 means no limit.
	List(ctx context.Context, scenarioName string, limit int) ([]scenario.Report, error)
	Close() error
}

// PostgresFromEnv is the Open target that connects using MANET_PG_*.
const PostgresFromEnv = "postgres"

// Open picks a backend from target: a postgres:// or postgresql:// URL,
// or the bare word "postgres" for MANET_PG_* settings, opens PostgreSQL
// and creates the schema; anything else is a JSON-lines file path.
func Open(ctx context.Context, target string) (Store, error) {
	var (
		db  *PostgresStore
		err error
	)
	switch {
	case target == PostgresFromEnv:
		db, err = OpenPostgres(PostgresConfigFromEnv())
	case strings.HasPrefix(target, "postgres://"), strings.HasPrefix(target, "postgresql://"):
		db, err = OpenPostgresDSN(target)
	default:
		return OpenFile(target)
	}
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func checkReport(rep *scenario.Report) error {
	if rep == nil {
		return ErrNilReport
	}
	if rep.RunID == "" {
		return ErrMissingRunID
	}
	return nil
}
