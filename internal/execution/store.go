package execution

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"

	clierr "github.com/ggonzalez94/routex/internal/errors"
	"github.com/ggonzalez94/routex/internal/route"
)

const storeLockTimeout = 5 * time.Second

// Store persists route snapshots in sqlite. Writes are serialized across
// processes with a file lock.
type Store struct {
	db   *sql.DB
	mu   sync.Mutex
	lock *flock.Flock
	now  func() time.Time
}

func OpenStore(path, lockPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create route store directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create route lock directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open route sqlite: %w", err)
	}

	queries := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		`CREATE TABLE IF NOT EXISTS routes (
			route_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			from_chain_id INTEGER NOT NULL,
			to_chain_id INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			payload BLOB NOT NULL
		);`,
		"CREATE INDEX IF NOT EXISTS idx_routes_status_updated ON routes(status, updated_at DESC);",
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init route schema: %w", err)
		}
	}
	return &Store{db: db, lock: flock.New(lockPath), now: time.Now}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save upserts the route snapshot. created_at is kept from the first save.
func (s *Store) Save(r route.Route) error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("save route: missing route id")
	}
	unlock, err := s.acquire()
	if err != nil {
		return err
	}
	defer unlock()

	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal route: %w", err)
	}
	now := s.now().UTC().UnixNano()
	_, err = s.db.Exec(`
		INSERT INTO routes (route_id, status, from_chain_id, to_chain_id, created_at, updated_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(route_id) DO UPDATE SET
			status=excluded.status,
			from_chain_id=excluded.from_chain_id,
			to_chain_id=excluded.to_chain_id,
			updated_at=excluded.updated_at,
			payload=excluded.payload
	`, r.ID, string(r.Status()), r.FromChainID, r.ToChainID, now, now, payload)
	if err != nil {
		return fmt.Errorf("save route: %w", err)
	}
	return nil
}

func (s *Store) Get(routeID string) (route.Route, error) {
	var payload []byte
	err := s.db.QueryRow("SELECT payload FROM routes WHERE route_id = ?", routeID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return route.Route{}, clierr.New(clierr.CodeValidation, fmt.Sprintf("route not found: %s", routeID))
		}
		return route.Route{}, fmt.Errorf("read route: %w", err)
	}
	var r route.Route
	if err := json.Unmarshal(payload, &r); err != nil {
		return route.Route{}, fmt.Errorf("decode route payload: %w", err)
	}
	return r, nil
}

// List returns the most recently updated routes, optionally filtered by
// summary status.
func (s *Store) List(status string, limit int) ([]route.Route, error) {
	if limit <= 0 {
		limit = 20
	}
	var (
		rows *sql.Rows
		err  error
	)
	if strings.TrimSpace(status) == "" {
		rows, err = s.db.Query("SELECT payload FROM routes ORDER BY updated_at DESC LIMIT ?", limit)
	} else {
		rows, err = s.db.Query("SELECT payload FROM routes WHERE status = ? ORDER BY updated_at DESC LIMIT ?", strings.ToUpper(status), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list routes: %w", err)
	}
	defer rows.Close()

	routes := make([]route.Route, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan route row: %w", err)
		}
		var r route.Route
		if err := json.Unmarshal(payload, &r); err != nil {
			return nil, fmt.Errorf("decode route row: %w", err)
		}
		routes = append(routes, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate route rows: %w", err)
	}
	return routes, nil
}

func (s *Store) Delete(routeID string) error {
	unlock, err := s.acquire()
	if err != nil {
		return err
	}
	defer unlock()
	res, err := s.db.Exec("DELETE FROM routes WHERE route_id = ?", routeID)
	if err != nil {
		return fmt.Errorf("delete route: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return clierr.New(clierr.CodeValidation, fmt.Sprintf("route not found: %s", routeID))
	}
	return nil
}

func (s *Store) acquire() (func(), error) {
	s.mu.Lock()
	ctx, cancel := context.WithTimeout(context.Background(), storeLockTimeout)
	defer cancel()
	locked, err := s.lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("lock route store: %w", err)
	}
	if !locked {
		s.mu.Unlock()
		return nil, fmt.Errorf("lock route store: timeout acquiring lock")
	}
	return func() {
		_ = s.lock.Unlock()
		s.mu.Unlock()
	}, nil
}
