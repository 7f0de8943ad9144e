package relay

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/glog"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

type SqliteUpdateStoreSettings struct {
	// compaction triggers. compaction runs after an append once either
	// threshold is exceeded
	MaxDeltaCount     int64
	MaxTotalByteCount ByteCount
}

func DefaultSqliteUpdateStoreSettings() *SqliteUpdateStoreSettings {
	return &SqliteUpdateStoreSettings{
		MaxDeltaCount:     256,
		MaxTotalByteCount: mib(4),
	}
}

// SqliteUpdateStore is the durable tier, backed by embedded sqlite in
// WAL mode. It also stores the hash-linked commit history per branch.
//
// compaction replaces all stored deltas with one consolidated delta
// produced by the `CompactionStrategy`, inside a transaction, so a
// concurrent read sees either the pre- or post-compaction rows and
// never a mix.
type SqliteUpdateStore struct {
	conn     *sql.DB
	strategy CompactionStrategy
	settings *SqliteUpdateStoreSettings
}

func NewSqliteUpdateStoreWithDefaults(path string, strategy CompactionStrategy) (*SqliteUpdateStore, error) {
	return NewSqliteUpdateStore(path, strategy, DefaultSqliteUpdateStoreSettings())
}

func NewSqliteUpdateStore(path string, strategy CompactionStrategy, settings *SqliteUpdateStoreSettings) (*SqliteUpdateStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}

	store := &SqliteUpdateStore{
		conn:     conn,
		strategy: strategy,
		settings: settings,
	}
	if err := store.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return store, nil
}

func (self *SqliteUpdateStore) migrate() error {
	_, err := self.conn.Exec(`
		CREATE TABLE IF NOT EXISTS branch_updates (
			record_name TEXT NOT NULL,
			inst TEXT NOT NULL,
			branch TEXT NOT NULL,
			position INTEGER NOT NULL,
			payload TEXT NOT NULL,
			byte_count INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (record_name, inst, branch, position)
		);
		CREATE TABLE IF NOT EXISTS branch_meta (
			record_name TEXT NOT NULL,
			inst TEXT NOT NULL,
			branch TEXT NOT NULL,
			next_position INTEGER NOT NULL,
			delta_count INTEGER NOT NULL,
			total_byte_count INTEGER NOT NULL,
			PRIMARY KEY (record_name, inst, branch)
		);
		CREATE TABLE IF NOT EXISTS branch_commits (
			record_name TEXT NOT NULL,
			inst TEXT NOT NULL,
			branch TEXT NOT NULL,
			commit_index INTEGER NOT NULL,
			hash TEXT NOT NULL,
			message TEXT NOT NULL,
			previous_hash TEXT,
			position INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (record_name, inst, branch, commit_index)
		);
		CREATE TABLE IF NOT EXISTS branch_head (
			record_name TEXT NOT NULL,
			inst TEXT NOT NULL,
			branch TEXT NOT NULL,
			hash TEXT NOT NULL,
			PRIMARY KEY (record_name, inst, branch)
		);
	`)
	if err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}
	return nil
}

func (self *SqliteUpdateStore) Close() error {
	return self.conn.Close()
}

func (self *SqliteUpdateStore) AddUpdates(ctx context.Context, branchKey BranchKey, updates []string) (ByteCount, error) {
	tx, err := self.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	nextPosition, deltaCount, totalByteCount, err := readMeta(ctx, tx, branchKey)
	if err != nil {
		return 0, err
	}

	now := time.Now().UnixMilli()
	var sizeDelta ByteCount
	for _, update := range updates {
		_, err := tx.ExecContext(
			ctx,
			`INSERT INTO branch_updates
				(record_name, inst, branch, position, payload, byte_count, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
			branchKey.RecordName,
			branchKey.Inst,
			branchKey.Branch,
			nextPosition,
			update,
			int64(len(update)),
			now,
		)
		if err != nil {
			return 0, err
		}
		nextPosition += 1
		sizeDelta += ByteCount(len(update))
	}
	deltaCount += int64(len(updates))
	totalByteCount += sizeDelta

	if err := writeMeta(ctx, tx, branchKey, nextPosition, deltaCount, totalByteCount); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}

	if self.settings.MaxDeltaCount < deltaCount || self.settings.MaxTotalByteCount < totalByteCount {
		if err := self.compact(ctx, branchKey); err != nil {
			// the append already committed. compaction is opportunistic
			// and will be retried on a later append
			glog.Infof("[st]compact error %s = %s\n", branchKey, err)
		}
	}
	return sizeDelta, nil
}

func (self *SqliteUpdateStore) GetCurrentUpdates(ctx context.Context, branchKey BranchKey) (*BranchUpdates, error) {
	rows, err := self.conn.QueryContext(
		ctx,
		`SELECT payload, byte_count, created_at FROM branch_updates
			WHERE record_name = ? AND inst = ? AND branch = ?
			ORDER BY position ASC`,
		branchKey.RecordName,
		branchKey.Inst,
		branchKey.Branch,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := &BranchUpdates{
		Updates:    []string{},
		Timestamps: []time.Time{},
	}
	for rows.Next() {
		var payload string
		var byteCount int64
		var createdAt int64
		if err := rows.Scan(&payload, &byteCount, &createdAt); err != nil {
			return nil, err
		}
		out.Updates = append(out.Updates, payload)
		out.Timestamps = append(out.Timestamps, time.UnixMilli(createdAt))
		out.TotalByteCount += ByteCount(byteCount)
	}
	return out, rows.Err()
}

func (self *SqliteUpdateStore) Clear(ctx context.Context, branchKey BranchKey) error {
	tx, err := self.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"branch_updates", "branch_meta"} {
		_, err := tx.ExecContext(
			ctx,
			fmt.Sprintf("DELETE FROM %s WHERE record_name = ? AND inst = ? AND branch = ?", table),
			branchKey.RecordName,
			branchKey.Inst,
			branchKey.Branch,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (self *SqliteUpdateStore) DeltaCount(ctx context.Context, branchKey BranchKey) (int64, error) {
	var deltaCount int64
	err := self.conn.QueryRowContext(
		ctx,
		`SELECT delta_count FROM branch_meta
			WHERE record_name = ? AND inst = ? AND branch = ?`,
		branchKey.RecordName,
		branchKey.Inst,
		branchKey.Branch,
	).Scan(&deltaCount)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return deltaCount, err
}

// compact replaces all stored deltas with one consolidated delta.
// positions keep increasing: the consolidated delta takes the next
// unused position so positions are never reused.
func (self *SqliteUpdateStore) compact(ctx context.Context, branchKey BranchKey) error {
	if self.strategy == nil {
		return nil
	}

	tx, err := self.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(
		ctx,
		`SELECT payload FROM branch_updates
			WHERE record_name = ? AND inst = ? AND branch = ?
			ORDER BY position ASC`,
		branchKey.RecordName,
		branchKey.Inst,
		branchKey.Branch,
	)
	if err != nil {
		return err
	}
	updates := []string{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			rows.Close()
			return err
		}
		updates = append(updates, payload)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	if len(updates) <= 1 {
		return nil
	}

	compacted, err := self.strategy.Compact(updates)
	if err != nil {
		return err
	}

	nextPosition, _, _, err := readMeta(ctx, tx, branchKey)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(
		ctx,
		"DELETE FROM branch_updates WHERE record_name = ? AND inst = ? AND branch = ?",
		branchKey.RecordName,
		branchKey.Inst,
		branchKey.Branch,
	)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO branch_updates
			(record_name, inst, branch, position, payload, byte_count, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
		branchKey.RecordName,
		branchKey.Inst,
		branchKey.Branch,
		nextPosition,
		compacted,
		int64(len(compacted)),
		time.Now().UnixMilli(),
	)
	if err != nil {
		return err
	}
	if err := writeMeta(ctx, tx, branchKey, nextPosition+1, 1, ByteCount(len(compacted))); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	glog.V(1).Infof("[st]compact %s n=%d\n", branchKey, len(updates))
	return nil
}

func readMeta(ctx context.Context, tx *sql.Tx, branchKey BranchKey) (nextPosition int64, deltaCount int64, totalByteCount ByteCount, err error) {
	err = tx.QueryRowContext(
		ctx,
		`SELECT next_position, delta_count, total_byte_count FROM branch_meta
			WHERE record_name = ? AND inst = ? AND branch = ?`,
		branchKey.RecordName,
		branchKey.Inst,
		branchKey.Branch,
	).Scan(&nextPosition, &deltaCount, &totalByteCount)
	if err == sql.ErrNoRows {
		return 0, 0, 0, nil
	}
	return
}

func writeMeta(ctx context.Context, tx *sql.Tx, branchKey BranchKey, nextPosition int64, deltaCount int64, totalByteCount ByteCount) error {
	_, err := tx.ExecContext(
		ctx,
		`INSERT INTO branch_meta
			(record_name, inst, branch, next_position, delta_count, total_byte_count)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (record_name, inst, branch) DO UPDATE SET
				next_position = excluded.next_position,
				delta_count = excluded.delta_count,
				total_byte_count = excluded.total_byte_count`,
		branchKey.RecordName,
		branchKey.Inst,
		branchKey.Branch,
		nextPosition,
		deltaCount,
		totalByteCount,
	)
	return err
}
