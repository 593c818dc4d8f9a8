// Package postgres stores the observability event stream as an append-only
// audit log. It is not a run-state store: constellations are never recovered
// from it.
package postgres

import (
	"context"
	"database/sql/driver"
	"embed"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	defaultLimit = 200
	maxLimit     = 10000
)

// Fields is a JSONB column holding an event's structured fields.
type Fields map[string]interface{}

func (f Fields) Value() (driver.Value, error) {
	if f == nil {
		return nil, nil
	}
	return json.Marshal(f)
}

func (f *Fields) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*f = nil
		return nil
	case []byte:
		return json.Unmarshal(v, f)
	case string:
		return json.Unmarshal([]byte(v), f)
	default:
		return errors.Errorf("unsupported fields type %T", src)
	}
}

// EventRow represents an event stored in Postgres.
type EventRow struct {
	EventID         int64     `db:"event_id" json:"event_id"`
	Timestamp       time.Time `db:"ts" json:"ts"`
	Level           string    `db:"level" json:"level"`
	Event           string    `db:"event" json:"event"`
	Message         *string   `db:"msg" json:"msg,omitempty"`
	Fields          Fields    `db:"fields" json:"fields,omitempty"`
	ConstellationID *string   `db:"constellation_id" json:"constellation_id,omitempty"`
}

// Query filters a history lookup. Zero values mean no filter.
type Query struct {
	Limit           int
	ConstellationID string
	Event           string
}

// Client manages the Postgres connection for event storage.
type Client struct {
	db *sqlx.DB
}

// DSNFromEnv builds a connection URL from the standard PG* variables.
func DSNFromEnv() string {
	u := url.URL{
		Scheme:   "postgres",
		Host:     getEnv("PGHOST", "127.0.0.1") + ":" + getEnv("PGPORT", "5432"),
		Path:     "/" + getEnv("PGDATABASE", "constellation"),
		RawQuery: "sslmode=" + getEnv("PGSSLMODE", "disable"),
	}
	user := getEnv("PGUSER", "constellation")
	if password := os.Getenv("PGPASSWORD"); password != "" {
		u.User = url.UserPassword(user, password)
	} else {
		u.User = url.User(user)
	}
	return u.String()
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// New connects to dsn and applies pending migrations.
func New(dsn string) (*Client, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	if err := Migrate(dsn); err != nil {
		db.Close()
		return nil, err
	}
	return &Client{db: db}, nil
}

// Migrate applies the embedded schema migrations to dsn.
func Migrate(dsn string) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return errors.Wrap(err, "load migrations")
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return errors.Wrap(err, "init migrations")
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "apply migrations")
	}
	return nil
}

// Append inserts an event into the database.
func (c *Client) Append(ctx context.Context, ts time.Time, level, event, msg string, fields map[string]interface{}, constellationID string) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO events (ts, level, event, msg, fields, constellation_id)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		ts, level, event, nullable(msg), Fields(fields), nullable(constellationID))
	return errors.Wrap(err, "append event")
}

// Query returns matching events, newest first.
func (c *Client) Query(q Query) ([]EventRow, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	var (
		where []string
		args  []interface{}
	)
	if q.ConstellationID != "" {
		args = append(args, q.ConstellationID)
		where = append(where, fmt.Sprintf("constellation_id = $%d", len(args)))
	}
	if q.Event != "" {
		args = append(args, q.Event)
		where = append(where, fmt.Sprintf("event = $%d", len(args)))
	}
	args = append(args, limit)

	query := `SELECT event_id, ts, level, event, msg, fields, constellation_id FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY ts DESC, event_id DESC LIMIT $%d", len(args))

	rows := []EventRow{}
	if err := c.db.Select(&rows, query, args...); err != nil {
		return nil, errors.Wrap(err, "query events")
	}
	return rows, nil
}

// Ping checks the connection.
func (c *Client) Ping() error {
	return c.db.Ping()
}

// Close closes the database connection.
func (c *Client) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
