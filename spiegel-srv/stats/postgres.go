package stats

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/codefionn/spiegel/spiegel-srv/logger"
)

// PostgreSQLCollector persists traffic records to a PostgreSQL database,
// for deployments where several proxy hosts report to one place.
type PostgreSQLCollector struct {
	db *sql.DB
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS connections (
	id BIGSERIAL PRIMARY KEY,
	client_addr TEXT NOT NULL,
	target_host TEXT NOT NULL,
	target_port INTEGER NOT NULL,
	protocol TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	ended_at TIMESTAMPTZ,
	bytes_sent BIGINT NOT NULL DEFAULT 0,
	bytes_received BIGINT NOT NULL DEFAULT 0,
	duration_ms BIGINT,
	close_reason TEXT
);
CREATE TABLE IF NOT EXISTS requests (
	id BIGSERIAL PRIMARY KEY,
	connection_id BIGINT NOT NULL REFERENCES connections(id),
	method TEXT NOT NULL,
	host TEXT NOT NULL,
	status_code INTEGER NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS auth_failures (
	id BIGSERIAL PRIMARY KEY,
	client_addr TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_connections_target ON connections(target_host);
CREATE INDEX IF NOT EXISTS idx_requests_connection ON requests(connection_id);
`

// NewPostgreSQLCollector connects with the given DSN and ensures the schema
// exists.
func NewPostgreSQLCollector(dsn string) (*PostgreSQLCollector, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL connection: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(postgresSchema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Debug("Initialized PostgreSQL stats collector")
	return &PostgreSQLCollector{db: db}, nil
}

func (p *PostgreSQLCollector) StartConnection(ctx context.Context, clientAddr, targetHost string, targetPort int, protocol string) (int64, error) {
	var id int64
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO connections (client_addr, target_host, target_port, protocol, started_at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		clientAddr, targetHost, targetPort, protocol, time.Now()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to record connection start: %w", err)
	}
	return id, nil
}

func (p *PostgreSQLCollector) EndConnection(ctx context.Context, connectionID int64, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE connections
		 SET ended_at = $1, bytes_sent = $2, bytes_received = $3, duration_ms = $4, close_reason = $5
		 WHERE id = $6`,
		time.Now(), bytesSent, bytesReceived, duration.Milliseconds(), closeReason, connectionID)
	if err != nil {
		return fmt.Errorf("failed to record connection end: %w", err)
	}
	return nil
}

func (p *PostgreSQLCollector) RecordRequest(ctx context.Context, connectionID int64, method, host string, statusCode int) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO requests (connection_id, method, host, status_code, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		connectionID, method, host, statusCode, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record request: %w", err)
	}
	return nil
}

func (p *PostgreSQLCollector) RecordAuthFailure(ctx context.Context, clientAddr string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO auth_failures (client_addr, created_at) VALUES ($1, $2)`,
		clientAddr, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record auth failure: %w", err)
	}
	return nil
}

func (p *PostgreSQLCollector) Summary(ctx context.Context) (*Summary, error) {
	summary := &Summary{}

	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN ended_at IS NULL THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(bytes_sent), 0),
		        COALESCE(SUM(bytes_received), 0)
		 FROM connections`).
		Scan(&summary.Connections, &summary.ActiveConnections, &summary.BytesSent, &summary.BytesReceived)
	if err != nil {
		return nil, fmt.Errorf("failed to query connection summary: %w", err)
	}

	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM requests`).Scan(&summary.Requests); err != nil {
		return nil, fmt.Errorf("failed to query request count: %w", err)
	}
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM auth_failures`).Scan(&summary.AuthFailures); err != nil {
		return nil, fmt.Errorf("failed to query auth failure count: %w", err)
	}
	return summary, nil
}

func (p *PostgreSQLCollector) Close() error {
	return p.db.Close()
}
