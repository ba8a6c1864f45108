package stats

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/codefionn/spiegel/spiegel-srv/logger"
)

// SQLiteCollector persists traffic records to a local SQLite database.
type SQLiteCollector struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS connections (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	client_addr TEXT NOT NULL,
	target_host TEXT NOT NULL,
	target_port INTEGER NOT NULL,
	protocol TEXT NOT NULL,
	started_at TIMESTAMP NOT NULL,
	ended_at TIMESTAMP,
	bytes_sent INTEGER NOT NULL DEFAULT 0,
	bytes_received INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER,
	close_reason TEXT
);
CREATE TABLE IF NOT EXISTS requests (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	connection_id INTEGER NOT NULL REFERENCES connections(id),
	method TEXT NOT NULL,
	host TEXT NOT NULL,
	status_code INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS auth_failures (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	client_addr TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_connections_target ON connections(target_host);
CREATE INDEX IF NOT EXISTS idx_requests_connection ON requests(connection_id);
`

// NewSQLiteCollector opens (and if needed creates) the database at dbPath.
func NewSQLiteCollector(dbPath string) (*SQLiteCollector, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to SQLite database: %w", err)
	}

	// WAL mode keeps readers from blocking the recording path
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Debug("Initialized SQLite stats collector at %s", dbPath)
	return &SQLiteCollector{db: db}, nil
}

func (s *SQLiteCollector) StartConnection(ctx context.Context, clientAddr, targetHost string, targetPort int, protocol string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO connections (client_addr, target_host, target_port, protocol, started_at)
		 VALUES (?, ?, ?, ?, ?)`,
		clientAddr, targetHost, targetPort, protocol, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to record connection start: %w", err)
	}
	return result.LastInsertId()
}

func (s *SQLiteCollector) EndConnection(ctx context.Context, connectionID int64, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE connections
		 SET ended_at = ?, bytes_sent = ?, bytes_received = ?, duration_ms = ?, close_reason = ?
		 WHERE id = ?`,
		time.Now(), bytesSent, bytesReceived, duration.Milliseconds(), closeReason, connectionID)
	if err != nil {
		return fmt.Errorf("failed to record connection end: %w", err)
	}
	return nil
}

func (s *SQLiteCollector) RecordRequest(ctx context.Context, connectionID int64, method, host string, statusCode int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO requests (connection_id, method, host, status_code, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		connectionID, method, host, statusCode, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record request: %w", err)
	}
	return nil
}

func (s *SQLiteCollector) RecordAuthFailure(ctx context.Context, clientAddr string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO auth_failures (client_addr, created_at) VALUES (?, ?)`,
		clientAddr, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record auth failure: %w", err)
	}
	return nil
}

func (s *SQLiteCollector) Summary(ctx context.Context) (*Summary, error) {
	summary := &Summary{}

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN ended_at IS NULL THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(bytes_sent), 0),
		        COALESCE(SUM(bytes_received), 0)
		 FROM connections`).
		Scan(&summary.Connections, &summary.ActiveConnections, &summary.BytesSent, &summary.BytesReceived)
	if err != nil {
		return nil, fmt.Errorf("failed to query connection summary: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM requests`).Scan(&summary.Requests); err != nil {
		return nil, fmt.Errorf("failed to query request count: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM auth_failures`).Scan(&summary.AuthFailures); err != nil {
		return nil, fmt.Errorf("failed to query auth failure count: %w", err)
	}
	return summary, nil
}

func (s *SQLiteCollector) Close() error {
	return s.db.Close()
}
