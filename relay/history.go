package relay

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// Commit is one entry of a branch's hash-linked history chain.
// `PreviousHash` is empty for the root commit. The chain is
// append-only: restoring moves the branch head pointer to an earlier
// commit and never rewrites or deletes commits after it.
type Commit struct {
	Hash         string
	Message      string
	Time         time.Time
	PreviousHash string
	Index        int64
	// log position captured by this commit
	Position int64
}

// CommitLog stores the history chain and the current head pointer per
// branch key.
type CommitLog interface {
	// AddCommit appends a commit capturing `position`, chained onto
	// the current head.
	AddCommit(ctx context.Context, branchKey BranchKey, message string, position int64) (*Commit, error)

	// ListCommits returns the full chain ordered by index ascending.
	ListCommits(ctx context.Context, branchKey BranchKey) ([]*Commit, error)

	// GetHead returns the commit the head pointer references, or nil
	// when the branch has no commits.
	GetHead(ctx context.Context, branchKey BranchKey) (*Commit, error)

	// Restore moves the head pointer to the named commit.
	Restore(ctx context.Context, branchKey BranchKey, hash string) error
}

func commitHash(branchKey BranchKey, previousHash string, message string, index int64, position int64, commitTime time.Time) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%d\x00%d\x00%d", branchKey, previousHash, message, index, position, commitTime.UnixMilli())
	return hex.EncodeToString(h.Sum(nil))
}

type memoryCommitBranch struct {
	commits []*Commit
	head    string
}

// MemoryCommitLog is the ephemeral commit log, used for tests and
// deployments without a durable tier.
type MemoryCommitLog struct {
	stateLock sync.Mutex
	branches  map[BranchKey]*memoryCommitBranch
}

func NewMemoryCommitLog() *MemoryCommitLog {
	return &MemoryCommitLog{
		branches: map[BranchKey]*memoryCommitBranch{},
	}
}

func (self *MemoryCommitLog) AddCommit(ctx context.Context, branchKey BranchKey, message string, position int64) (*Commit, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	branch, ok := self.branches[branchKey]
	if !ok {
		branch = &memoryCommitBranch{}
		self.branches[branchKey] = branch
	}

	previousHash := branch.head
	index := int64(len(branch.commits))
	now := time.Now()
	commit := &Commit{
		Hash:         commitHash(branchKey, previousHash, message, index, position, now),
		Message:      message,
		Time:         now,
		PreviousHash: previousHash,
		Index:        index,
		Position:     position,
	}
	branch.commits = append(branch.commits, commit)
	branch.head = commit.Hash
	return commit, nil
}

func (self *MemoryCommitLog) ListCommits(ctx context.Context, branchKey BranchKey) ([]*Commit, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	branch, ok := self.branches[branchKey]
	if !ok {
		return []*Commit{}, nil
	}
	out := make([]*Commit, len(branch.commits))
	copy(out, branch.commits)
	return out, nil
}

func (self *MemoryCommitLog) GetHead(ctx context.Context, branchKey BranchKey) (*Commit, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	branch, ok := self.branches[branchKey]
	if !ok || branch.head == "" {
		return nil, nil
	}
	for _, commit := range branch.commits {
		if commit.Hash == branch.head {
			return commit, nil
		}
	}
	return nil, nil
}

func (self *MemoryCommitLog) Restore(ctx context.Context, branchKey BranchKey, hash string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	branch, ok := self.branches[branchKey]
	if !ok {
		return fmt.Errorf("no commits for branch %s", branchKey)
	}
	for _, commit := range branch.commits {
		if commit.Hash == hash {
			branch.head = hash
			return nil
		}
	}
	return fmt.Errorf("unknown commit %s for branch %s", hash, branchKey)
}

// sqlite-backed commit log, sharing the durable store's database

func (self *SqliteUpdateStore) AddCommit(ctx context.Context, branchKey BranchKey, message string, position int64) (*Commit, error) {
	tx, err := self.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var previousHash string
	err = tx.QueryRowContext(
		ctx,
		"SELECT hash FROM branch_head WHERE record_name = ? AND inst = ? AND branch = ?",
		branchKey.RecordName, branchKey.Inst, branchKey.Branch,
	).Scan(&previousHash)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}

	var index int64
	err = tx.QueryRowContext(
		ctx,
		"SELECT COUNT(*) FROM branch_commits WHERE record_name = ? AND inst = ? AND branch = ?",
		branchKey.RecordName, branchKey.Inst, branchKey.Branch,
	).Scan(&index)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	commit := &Commit{
		Hash:         commitHash(branchKey, previousHash, message, index, position, now),
		Message:      message,
		Time:         now,
		PreviousHash: previousHash,
		Index:        index,
		Position:     position,
	}

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO branch_commits
			(record_name, inst, branch, commit_index, hash, message, previous_hash, position, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		branchKey.RecordName, branchKey.Inst, branchKey.Branch,
		commit.Index, commit.Hash, commit.Message, commit.PreviousHash, commit.Position, now.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO branch_head (record_name, inst, branch, hash) VALUES (?, ?, ?, ?)
			ON CONFLICT (record_name, inst, branch) DO UPDATE SET hash = excluded.hash`,
		branchKey.RecordName, branchKey.Inst, branchKey.Branch, commit.Hash,
	)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return commit, nil
}

func (self *SqliteUpdateStore) ListCommits(ctx context.Context, branchKey BranchKey) ([]*Commit, error) {
	rows, err := self.conn.QueryContext(
		ctx,
		`SELECT commit_index, hash, message, previous_hash, position, created_at FROM branch_commits
			WHERE record_name = ? AND inst = ? AND branch = ?
			ORDER BY commit_index ASC`,
		branchKey.RecordName, branchKey.Inst, branchKey.Branch,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	commits := []*Commit{}
	for rows.Next() {
		commit := &Commit{}
		var previousHash sql.NullString
		var createdAt int64
		if err := rows.Scan(&commit.Index, &commit.Hash, &commit.Message, &previousHash, &commit.Position, &createdAt); err != nil {
			return nil, err
		}
		commit.PreviousHash = previousHash.String
		commit.Time = time.UnixMilli(createdAt)
		commits = append(commits, commit)
	}
	return commits, rows.Err()
}

func (self *SqliteUpdateStore) GetHead(ctx context.Context, branchKey BranchKey) (*Commit, error) {
	var head string
	err := self.conn.QueryRowContext(
		ctx,
		"SELECT hash FROM branch_head WHERE record_name = ? AND inst = ? AND branch = ?",
		branchKey.RecordName, branchKey.Inst, branchKey.Branch,
	).Scan(&head)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	commit := &Commit{}
	var previousHash sql.NullString
	var createdAt int64
	err = self.conn.QueryRowContext(
		ctx,
		`SELECT commit_index, hash, message, previous_hash, position, created_at FROM branch_commits
			WHERE record_name = ? AND inst = ? AND branch = ? AND hash = ?`,
		branchKey.RecordName, branchKey.Inst, branchKey.Branch, head,
	).Scan(&commit.Index, &commit.Hash, &commit.Message, &previousHash, &commit.Position, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	commit.PreviousHash = previousHash.String
	commit.Time = time.UnixMilli(createdAt)
	return commit, nil
}

func (self *SqliteUpdateStore) Restore(ctx context.Context, branchKey BranchKey, hash string) error {
	var exists int
	err := self.conn.QueryRowContext(
		ctx,
		"SELECT COUNT(*) FROM branch_commits WHERE record_name = ? AND inst = ? AND branch = ? AND hash = ?",
		branchKey.RecordName, branchKey.Inst, branchKey.Branch, hash,
	).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return fmt.Errorf("unknown commit %s for branch %s", hash, branchKey)
	}
	_, err = self.conn.ExecContext(
		ctx,
		`INSERT INTO branch_head (record_name, inst, branch, hash) VALUES (?, ?, ?, ?)
			ON CONFLICT (record_name, inst, branch) DO UPDATE SET hash = excluded.hash`,
		branchKey.RecordName, branchKey.Inst, branchKey.Branch, hash,
	)
	return err
}
