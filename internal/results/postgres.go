package results

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	_ "github.com/lib/pq"

	"github.com/signalsfoundry/manet-harness/internal/scenario"
)

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string // disable, require, verify-ca, verify-full
}

// DefaultPostgresConfig is a local development database.
func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "manet",
		Password: "manet",
		Database: "manet",
		SSLMode:  "disable",
	}
}

// PostgresConfigFromEnv overlays MANET_PG_* variables on the defaults.
func PostgresConfigFromEnv() PostgresConfig {
	cfg := DefaultPostgresConfig()
	if v := os.Getenv("MANET_PG_HOST"); v != "" {
		cfg.Host = v
	}
	if v, err := strconv.Atoi(os.Getenv("MANET_PG_PORT")); err == nil {
		cfg.Port = v
	}
	if v := os.Getenv("MANET_PG_USER"); v != "" {
		cfg.User = v
	}
	if v, ok := os.LookupEnv("MANET_PG_PASSWORD"); ok {
		cfg.Password = v
	}
	if v := os.Getenv("MANET_PG_DATABASE"); v != "" {
		cfg.Database = v
	}
	if v := os.Getenv("MANET_PG_SSLMODE"); v != "" {
		cfg.SSLMode = v
	}
	return cfg
}

// ConnectionString returns a lib/pq keyword/value connection string.
func (c PostgresConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.sslMode())
}

func (c PostgresConfig) sslMode() string {
	if c.SSLMode == "" {
		return "disable"
	}
	return c.SSLMode
}

// Validate checks the required fields.
func (c PostgresConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 {
		return fmt.Errorf("port must be positive")
	}
	if c.User == "" {
		return fmt.Errorf("user is required")
	}
	if c.Database == "" {
		return fmt.Errorf("database is required")
	}
	return nil
}

// PostgresStore keeps reports in the manet_runs table.
type PostgresStore struct {
	conn *sql.DB
}

// OpenPostgres connects using cfg. The connection is lazy; call Ping to
// check it.
func OpenPostgres(cfg PostgresConfig) (*PostgresStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return OpenPostgresDSN(cfg.ConnectionString())
}

// OpenPostgresDSN connects using a URL or keyword/value string.
func OpenPostgresDSN(dsn string) (*PostgresStore, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)
	return &PostgresStore{conn: conn}, nil
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// Ping checks if the database connection is alive.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

// InitSchema creates the runs table if needed.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS manet_runs (
		run_id VARCHAR(64) PRIMARY KEY,
		scenario VARCHAR(255) NOT NULL,
		protocol VARCHAR(32) NOT NULL,
		nodes INTEGER NOT NULL,
		window_policy VARCHAR(16) NOT NULL,
		outcome VARCHAR(32) NOT NULL,
		total_bytes BIGINT NOT NULL,
		throughput_kbps DOUBLE PRECISION,
		report JSONB NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_manet_runs_scenario ON manet_runs(scenario, created_at);
	`
	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Save upserts a report keyed by its run id.
func (s *PostgresStore) Save(ctx context.Context, rep *scenario.Report) error {
	if err := checkReport(rep); err != nil {
		return err
	}
	data, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	var throughput sql.NullFloat64
	if rep.HasThroughput() {
		throughput = sql.NullFloat64{Float64: rep.ThroughputKbps, Valid: true}
	}

	query := `
		INSERT INTO manet_runs (run_id, scenario, protocol, nodes, window_policy, outcome, total_bytes, throughput_kbps, report, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (run_id) DO UPDATE
		SET outcome = $6, total_bytes = $7, throughput_kbps = $8, report = $9
	`
	_, err = s.conn.ExecContext(ctx, query,
		rep.RunID, rep.Scenario, rep.Protocol, rep.Nodes, rep.Window, rep.Outcome,
		int64(rep.TotalBytes), throughput, data, time.Now())
	if err != nil {
		return fmt.Errorf("failed to save report: %w", err)
	}
	return nil
}

// List returns stored reports, newest first.
func (s *PostgresStore) List(ctx context.Context, scenarioName string, limit int) ([]scenario.Report, error) {
	query := `
		SELECT report
		FROM manet_runs
		WHERE ($1 = '' OR scenario = $1)
		ORDER BY created_at DESC, run_id
	`
	args := []any{scenarioName}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	defer rows.Close()

	var out []scenario.Report
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}
		var rep scenario.Report
		if err := json.Unmarshal(data, &rep); err != nil {
			return nil, fmt.Errorf("decode report: %w", err)
		}
		out = append(out, rep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate reports: %w", err)
	}
	return out, nil
}
