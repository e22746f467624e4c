package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/signalsfoundry/geospatial-session/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore keeps history in a SQLite database shared by all scopes.
type SQLiteStore struct {
	db    *sql.DB
	scope string
}

// OpenSQLite opens (creating if needed) the database at path and brings
// its schema up to date.
func OpenSQLite(ctx context.Context, path, scope string) (*SQLiteStore, error) {
	if scope == "" {
		scope = DefaultScope
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("history: create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open database: %w", err)
	}
	// ":memory:" databases are per connection.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("history: pragma %q: %w", p, err)
		}
	}

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, scope: scope}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("history: load migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("history: create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("history: create migrate instance: %w", err)
	}
	// m is not closed: that would close db.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("history: migration up failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, e model.AnchorHistoryEntry) error {
	anchorType, err := e.Type.MarshalText()
	if err != nil {
		return fmt.Errorf("history: %w", err)
	}

	var rx, ry, rz, rw sql.NullFloat64
	if e.Orientation != nil {
		rx = sql.NullFloat64{Float64: e.Orientation.X, Valid: true}
		ry = sql.NullFloat64{Float64: e.Orientation.Y, Valid: true}
		rz = sql.NullFloat64{Float64: e.Orientation.Z, Valid: true}
		rw = sql.NullFloat64{Float64: e.Orientation.W, Valid: true}
	}

	var createdNs int64
	if !e.CreatedAt.IsZero() {
		createdNs = e.CreatedAt.UnixNano()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO anchor_history (
			scope, created_at_ns, latitude, longitude, altitude,
			anchor_type, heading, rot_x, rot_y, rot_z, rot_w
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.scope, createdNs, e.Latitude, e.Longitude, e.Altitude,
		string(anchorType), e.Heading, rx, ry, rz, rw,
	)
	if err != nil {
		return fmt.Errorf("history: insert entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context) ([]model.AnchorHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT created_at_ns, latitude, longitude, altitude,
		       anchor_type, heading, rot_x, rot_y, rot_z, rot_w
		FROM anchor_history
		WHERE scope = ?
		ORDER BY seq ASC`, s.scope)
	if err != nil {
		return nil, fmt.Errorf("history: query entries: %w", err)
	}
	defer rows.Close()

	var out []model.AnchorHistoryEntry
	for rows.Next() {
		var (
			e              model.AnchorHistoryEntry
			createdNs      int64
			anchorType     string
			rx, ry, rz, rw sql.NullFloat64
		)
		if err := rows.Scan(&createdNs, &e.Latitude, &e.Longitude, &e.Altitude,
			&anchorType, &e.Heading, &rx, &ry, &rz, &rw); err != nil {
			return nil, fmt.Errorf("history: scan entry: %w", err)
		}
		if err := e.Type.UnmarshalText([]byte(anchorType)); err != nil {
			return nil, fmt.Errorf("history: %w", err)
		}
		if createdNs != 0 {
			e.CreatedAt = time.Unix(0, createdNs).UTC()
		}
		if rx.Valid && ry.Valid && rz.Valid && rw.Valid {
			e.Orientation = &model.Quaternion{X: rx.Float64, Y: ry.Float64, Z: rz.Float64, W: rw.Float64}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterate entries: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM anchor_history WHERE scope = ?`, s.scope); err != nil {
		return fmt.Errorf("history: clear entries: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
