// Package store persists planning sessions in a local sqlite database:
// one row of canonical state JSON per session, catalog digests for
// provenance, and an append-only audit trail of plan mutations.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"fabplan.dev/internal/catalog"
	"fabplan.dev/internal/plan"
	"fabplan.dev/internal/tuning"
)

type SQLiteStore struct {
	db *sql.DB

	ch   chan auditReq
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool
}

type auditReq struct {
	SessionID  string
	Op         string
	DetailJSON string
	RecordedAt string
}

type SessionRecord struct {
	SessionID   string
	ResumeToken string
	State       plan.State
	UpdatedAt   string
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteStore{
		db: db,
		// Buffered: audit appends must never stall a plan mutation.
		ch: make(chan auditReq, 8192),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.auditLoop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL suits the append-heavy audit trail; NORMAL is enough durability
	// for state that can be re-derived from the session row.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS catalogs (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			resume_token TEXT NOT NULL,
			state_json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_resume ON sessions(resume_token);`,
		`CREATE TABLE IF NOT EXISTS audits (
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			op TEXT NOT NULL,
			detail_json TEXT NOT NULL,
			recorded_at TEXT NOT NULL,
			PRIMARY KEY (session_id, seq)
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// SaveSession writes the session state synchronously. Mutations are only
// acknowledged to the client once this has returned.
func (s *SQLiteStore) SaveSession(sessionID, resumeToken string, st plan.State) error {
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO sessions(session_id,resume_token,state_json,updated_at) VALUES(?,?,?,?)`,
		sessionID, resumeToken, string(b), now,
	)
	return err
}

func (s *SQLiteStore) LoadSession(sessionID string) (plan.State, string, bool, error) {
	var st plan.State
	var raw, token string
	err := s.db.QueryRow(
		`SELECT state_json, resume_token FROM sessions WHERE session_id = ?`, sessionID,
	).Scan(&raw, &token)
	if err == sql.ErrNoRows {
		return st, "", false, nil
	}
	if err != nil {
		return st, "", false, err
	}
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return st, "", false, fmt.Errorf("session %s: %w", sessionID, err)
	}
	return st, token, true, nil
}

// SessionByResumeToken resolves a resume token to a session id.
func (s *SQLiteStore) SessionByResumeToken(token string) (string, bool, error) {
	var id string
	err := s.db.QueryRow(
		`SELECT session_id FROM sessions WHERE resume_token = ?`, token,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

func (s *SQLiteStore) ListSessions() ([]SessionRecord, error) {
	rows, err := s.db.Query(
		`SELECT session_id, resume_token, state_json, updated_at FROM sessions ORDER BY session_id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var raw string
		if err := rows.Scan(&rec.SessionID, &rec.ResumeToken, &raw, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &rec.State); err != nil {
			return nil, fmt.Errorf("session %s: %w", rec.SessionID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CatalogDigests returns the recorded catalog digests by name.
func (s *SQLiteStore) CatalogDigests() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT name, digest FROM catalogs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var name, digest string
		if err := rows.Scan(&name, &digest); err != nil {
			return nil, err
		}
		out[name] = digest
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteSession(sessionID string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE session_id = ?`, sessionID)
	return err
}

// AppendAudit queues one audit entry. Entries are dropped if the writer
// falls far behind; the sessions table remains the source of truth.
func (s *SQLiteStore) AppendAudit(sessionID, op string, detail any) {
	if s == nil || s.closed.Load() {
		return
	}
	b, err := json.Marshal(detail)
	if err != nil {
		b = []byte("{}")
	}
	r := auditReq{
		SessionID:  sessionID,
		Op:         op,
		DetailJSON: string(b),
		RecordedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	select {
	case s.ch <- r:
	default:
	}
}

// UpsertCatalogs records the catalog contents and digests the server is
// running with, so persisted plans can be traced to catalog versions.
func (s *SQLiteStore) UpsertCatalogs(configDir string, cats *catalog.Catalogs, tune tuning.Tuning) error {
	if s == nil {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	raw := map[string][]byte{}
	read := func(name, path string) {
		b, err := os.ReadFile(path)
		if err != nil {
			return
		}
		raw[name] = b
	}
	if configDir != "" {
		read("items", filepath.Join(configDir, "items.json"))
		read("recipes", filepath.Join(configDir, "recipes.json"))
		read("machines", filepath.Join(configDir, "machines.json"))
		read("sites", filepath.Join(configDir, "sites.json"))
	}

	type kv struct {
		name   string
		digest string
		json   []byte
	}
	rows := []kv{
		{name: "items", digest: cats.Items.Digest, json: raw["items"]},
		{name: "recipes", digest: cats.Recipes.Digest, json: raw["recipes"]},
		{name: "machines", digest: cats.Machines.Digest, json: raw["machines"]},
		{name: "sites", digest: cats.Sites.Digest, json: raw["sites"]},
	}
	{
		b, _ := json.Marshal(tune)
		sum := sha256.Sum256(b)
		rows = append(rows, kv{name: "tuning", digest: hex.EncodeToString(sum[:]), json: b})
	}

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO catalogs(name,digest,json,updated_at) VALUES(?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range rows {
		if r.name == "" || r.digest == "" || len(r.json) == 0 {
			continue
		}
		if _, err := stmt.Exec(r.name, r.digest, string(r.json), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) auditLoop() {
	ctx := context.Background()

	insert, _ := s.db.Prepare(`INSERT OR REPLACE INTO audits(session_id,seq,op,detail_json,recorded_at) VALUES(?,?,?,?,?)`)
	defer func() {
		if insert != nil {
			_ = insert.Close()
		}
	}()

	var (
		tx          *sql.Tx
		opCount     int
		commitEvery = 500

		nextSeq = map[string]int{}
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
	}

	// Single connection: the seq seed has to run inside the open tx.
	seed := func(sessionID string) int {
		if n, ok := nextSeq[sessionID]; ok {
			return n
		}
		var n sql.NullInt64
		_ = tx.QueryRow(`SELECT MAX(seq) FROM audits WHERE session_id = ?`, sessionID).Scan(&n)
		next := 0
		if n.Valid {
			next = int(n.Int64) + 1
		}
		nextSeq[sessionID] = next
		return next
	}

	write := func(r auditReq) {
		if tx == nil || insert == nil {
			return
		}
		seq := seed(r.SessionID)
		nextSeq[r.SessionID] = seq + 1
		if _, err := tx.Stmt(insert).Exec(r.SessionID, seq, r.Op, r.DetailJSON, r.RecordedAt); err != nil {
			rollback()
			return
		}
		opCount++
	}

	// Batch while the queue has backlog, but never hold the transaction
	// (and with it the single connection) across an idle wait: SaveSession
	// shares that connection.
	for r := range s.ch {
		begin()
		write(r)
	drain:
		for {
			select {
			case r2, ok := <-s.ch:
				if !ok {
					commit()
					return
				}
				if tx == nil {
					begin()
				}
				write(r2)
				if opCount >= commitEvery {
					commit()
					begin()
				}
			default:
				break drain
			}
		}
		commit()
	}
	commit()
}
