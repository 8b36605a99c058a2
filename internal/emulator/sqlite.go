package emulator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const sqliteSchemaVersion = 1

// SQLite keeps the emulator inventory in an SQLite database so that the
// topology survives daemon restarts. It implements the same bookkeeping
// rules as Memory.
type SQLite struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens (creating if needed) the inventory database at path.
// The special path ":memory:" yields a private in-memory database.
func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("emulator: sqlite path required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create inventory dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open inventory: %w", err)
	}
	// One connection: writes are serialized and ":memory:" stays a single database.
	db.SetMaxOpenConns(1)
	if err := configureSQLite(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := applyMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate inventory: %w", err)
	}
	return &SQLite{db: db, path: path}, nil
}

// Close releases the database handle.
func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database location.
func (s *SQLite) Path() string { return s.path }

func configureSQLite(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA busy_timeout=5000;`); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("set journal mode: %w", err)
	}
	return nil
}

func applyMigrations(db *sql.DB) (err error) {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS nodes (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			id TEXT NOT NULL,
			kind TEXT NOT NULL,
			ip TEXT NOT NULL DEFAULT '',
			mac TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS links (
			id TEXT PRIMARY KEY,
			node_a TEXT NOT NULL,
			intf_a TEXT NOT NULL,
			node_b TEXT NOT NULL,
			intf_b TEXT NOT NULL,
			bw_mbit REAL NOT NULL DEFAULT 0,
			delay TEXT NOT NULL DEFAULT '',
			loss_pct REAL NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS links_node_a ON links(node_a);`,
		`CREATE INDEX IF NOT EXISTS links_node_b ON links(node_b);`,
		`PRAGMA user_version=` + fmt.Sprint(sqliteSchemaVersion) + `;`,
	}
	for _, stmt := range stmts {
		if _, err = tx.Exec(stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) ListNodes(ctx context.Context) ([]Node, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, kind, ip, mac FROM nodes ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	nodes, err := scanNodes(rows)
	if err != nil {
		return nil, err
	}
	for i := range nodes {
		if nodes[i].Interfaces, err = s.interfaces(ctx, s.db, nodes[i].Name); err != nil {
			return nil, err
		}
	}
	return nodes, nil
}

func (s *SQLite) GetNode(ctx context.Context, name string) (Node, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, kind, ip, mac FROM nodes WHERE name = ?`, name)
	if err != nil {
		return Node{}, err
	}
	nodes, err := scanNodes(rows)
	if err != nil {
		return Node{}, err
	}
	if len(nodes) == 0 {
		return Node{}, fmt.Errorf("%w: node %q", ErrNotFound, name)
	}
	n := nodes[0]
	if n.Interfaces, err = s.interfaces(ctx, s.db, n.Name); err != nil {
		return Node{}, err
	}
	return n, nil
}

func (s *SQLite) CreateNode(ctx context.Context, spec NodeSpec) (string, error) {
	spec, err := ValidateNodeSpec(spec)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		exists, err := nodeExists(ctx, tx, spec.Name)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: node %q already exists", ErrConflict, spec.Name)
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO nodes (name, id, kind, ip, mac) VALUES (?, ?, ?, ?, ?)`,
			spec.Name, id, spec.Kind.String(), spec.IP, spec.MAC)
		return err
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *SQLite) RemoveNode(ctx context.Context, name string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE name = ?`, name)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: node %q", ErrNotFound, name)
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM links WHERE node_a = ? OR node_b = ?`, name, name)
		return err
	})
}

func (s *SQLite) ListLinks(ctx context.Context) ([]Link, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, node_a, intf_a, node_b, intf_b, bw_mbit, delay, loss_pct
		FROM links ORDER BY node_a, intf_a, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Link{}
	for rows.Next() {
		var l Link
		if err := rows.Scan(&l.ID, &l.A.Node, &l.A.Intf, &l.B.Node, &l.B.Intf,
			&l.Params.BandwidthMbit, &l.Params.Delay, &l.Params.LossPct); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *SQLite) CreateLink(ctx context.Context, spec LinkSpec) (string, error) {
	spec, err := ValidateLinkSpec(spec)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		for _, ep := range []*Endpoint{&spec.A, &spec.B} {
			exists, err := nodeExists(ctx, tx, ep.Node)
			if err != nil {
				return err
			}
			if !exists {
				return fmt.Errorf("%w: endpoint node %q", ErrNotFound, ep.Node)
			}
			used, err := s.interfaces(ctx, tx, ep.Node)
			if err != nil {
				return err
			}
			inUse := make(map[string]bool, len(used))
			for _, name := range used {
				inUse[name] = true
			}
			if ep.Intf == "" {
				if ep.Intf, err = nextIntfName(ep.Node, inUse); err != nil {
					return err
				}
			} else if inUse[ep.Intf] {
				return fmt.Errorf("%w: interface %s already in use", ErrConflict, ep)
			}
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO links (id, node_a, intf_a, node_b, intf_b, bw_mbit, delay, loss_pct)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id, spec.A.Node, spec.A.Intf, spec.B.Node, spec.B.Intf,
			spec.Params.BandwidthMbit, spec.Params.Delay, spec.Params.LossPct)
		return err
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *SQLite) RemoveLink(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM links WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: link %q", ErrNotFound, id)
	}
	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQLite) interfaces(ctx context.Context, q queryer, node string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT intf_a FROM links WHERE node_a = ?
		UNION SELECT intf_b FROM links WHERE node_b = ? ORDER BY 1`, node, node)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (s *SQLite) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func nodeExists(ctx context.Context, tx *sql.Tx, name string) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM nodes WHERE name = ?`, name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func scanNodes(rows *sql.Rows) ([]Node, error) {
	defer rows.Close()
	out := []Node{}
	for rows.Next() {
		var (
			n    Node
			kind string
		)
		if err := rows.Scan(&n.ID, &n.Name, &kind, &n.IP, &n.MAC); err != nil {
			return nil, err
		}
		k, err := ParseNodeKind(kind)
		if err != nil {
			return nil, err
		}
		n.Kind = k
		out = append(out, n)
	}
	return out, rows.Err()
}
