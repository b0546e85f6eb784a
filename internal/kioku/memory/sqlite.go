package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// sqliteFileName is the database file under the storage directory when the
// sqlite backend is selected.
const sqliteFileName = "kioku.db"

// SQLitePersister keeps the store state in a SQLite database instead of the
// snapshot file. Rows are append-only (records are immutable), so each save
// inserts only the entries added since the last one plus the id counter.
//
// Embeddings are stored as JSON-encoded float32 arrays in a TEXT column;
// similarity math stays on the Go side because modernc.org/sqlite does not
// support custom C functions.
type SQLitePersister struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLitePersister opens (or creates) the database under dir and prepares
// the schema.
func NewSQLitePersister(dir string, logger *slog.Logger) (*SQLitePersister, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("sqlite: create storage dir %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, sqliteFileName))
	if err != nil {
		return nil, fmt.Errorf("sqlite: open database: %w", err)
	}

	// SQLite is single-writer by design. Keep a single shared connection so
	// concurrent callers are serialized by database/sql instead of fighting
	// for write locks across multiple underlying connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: set pragma: %w", err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS memories (
			id              INTEGER PRIMARY KEY,
			text            TEXT NOT NULL,
			role            TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			model           TEXT NOT NULL DEFAULT '',
			created_at      TEXT NOT NULL,
			embedding       TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS memory_meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: create schema: %w", err)
	}

	return &SQLitePersister{db: db, logger: logger}, nil
}

// Load reads every stored entry ordered by id plus the persisted id counter.
func (p *SQLitePersister) Load(ctx context.Context) (SnapshotData, bool, error) {
	var data SnapshotData
	data.Version = snapshotVersion

	var nextIDStr string
	err := p.db.QueryRowContext(ctx,
		`SELECT value FROM memory_meta WHERE key = 'next_id'`).Scan(&nextIDStr)
	if err == sql.ErrNoRows {
		return SnapshotData{}, false, nil
	}
	if err != nil {
		return SnapshotData{}, false, fmt.Errorf("sqlite: read next_id: %w", err)
	}
	if _, err := fmt.Sscanf(nextIDStr, "%d", &data.NextID); err != nil {
		return SnapshotData{}, false, fmt.Errorf("sqlite: parse next_id %q: %w", nextIDStr, err)
	}

	var dimStr string
	if err := p.db.QueryRowContext(ctx,
		`SELECT value FROM memory_meta WHERE key = 'dimension'`).Scan(&dimStr); err != nil {
		return SnapshotData{}, false, fmt.Errorf("sqlite: read dimension: %w", err)
	}
	if _, err := fmt.Sscanf(dimStr, "%d", &data.Dimension); err != nil {
		return SnapshotData{}, false, fmt.Errorf("sqlite: parse dimension %q: %w", dimStr, err)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, text, role, conversation_id, model, created_at, embedding
		FROM memories ORDER BY id ASC`)
	if err != nil {
		return SnapshotData{}, false, fmt.Errorf("sqlite: query memories: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rec           MemoryRecord
			role          string
			createdAtStr  string
			embeddingJSON string
		)
		if err := rows.Scan(&rec.ID, &rec.Text, &role, &rec.ConversationID,
			&rec.Model, &createdAtStr, &embeddingJSON); err != nil {
			return SnapshotData{}, false, fmt.Errorf("sqlite: scan row: %w", err)
		}
		rec.Role = Role(role)

		t, err := time.Parse(time.RFC3339Nano, createdAtStr)
		if err != nil {
			return SnapshotData{}, false, fmt.Errorf("sqlite: parse created_at: %w", err)
		}
		rec.CreatedAt = t

		var vec []float32
		if err := json.Unmarshal([]byte(embeddingJSON), &vec); err != nil {
			return SnapshotData{}, false, fmt.Errorf("sqlite: unmarshal embedding: %w", err)
		}

		data.IDs = append(data.IDs, rec.ID)
		data.Vectors = append(data.Vectors, vec)
		data.Records = append(data.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return SnapshotData{}, false, fmt.Errorf("sqlite: iterate rows: %w", err)
	}

	return data, true, nil
}

// Save writes entries and the id counter in one transaction. Records never
// change after creation, so existing rows are left alone.
func (p *SQLitePersister) Save(ctx context.Context, data SnapshotData) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin save: %w", err)
	}
	defer tx.Rollback()

	for i, id := range data.IDs {
		rec := data.Records[i]
		embeddingJSON, err := json.Marshal(data.Vectors[i])
		if err != nil {
			return fmt.Errorf("sqlite: marshal embedding %d: %w", id, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO memories
				(id, text, role, conversation_id, model, created_at, embedding)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, rec.Text, string(rec.Role), rec.ConversationID, rec.Model,
			rec.CreatedAt.UTC().Format(time.RFC3339Nano), string(embeddingJSON))
		if err != nil {
			return fmt.Errorf("sqlite: insert memory %d: %w", id, err)
		}
	}

	meta := map[string]string{
		"next_id":   fmt.Sprintf("%d", data.NextID),
		"dimension": fmt.Sprintf("%d", data.Dimension),
	}
	for key, value := range meta {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO memory_meta (key, value) VALUES (?, ?)`,
			key, value); err != nil {
			return fmt.Errorf("sqlite: write meta %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit save: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (p *SQLitePersister) Close() error {
	return p.db.Close()
}

// Name identifies the backend in logs and status output.
func (p *SQLitePersister) Name() string { return "sqlite" }

// Compile-time interface satisfaction check.
var _ Persister = (*SQLitePersister)(nil)
