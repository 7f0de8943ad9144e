package relay

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"
)

func newTestSqliteStore(t *testing.T, settings *SqliteUpdateStoreSettings) *SqliteUpdateStore {
	path := filepath.Join(t.TempDir(), "relay.db")
	store, err := NewSqliteUpdateStore(path, ConcatCompactionStrategy("\n"), settings)
	assert.Equal(t, err, nil)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func TestSqliteStoreAppendRead(t *testing.T) {
	ctx := context.Background()
	store := newTestSqliteStore(t, DefaultSqliteUpdateStoreSettings())

	branchKey := BranchKey{RecordName: "r", Inst: "inst", Branch: "main"}

	updates, err := store.GetCurrentUpdates(ctx, branchKey)
	assert.Equal(t, err, nil)
	assert.Equal(t, 0, len(updates.Updates))

	sizeDelta, err := store.AddUpdates(ctx, branchKey, []string{"abc", "de"})
	assert.Equal(t, err, nil)
	assert.Equal(t, ByteCount(5), sizeDelta)
	_, err = store.AddUpdates(ctx, branchKey, []string{"f"})
	assert.Equal(t, err, nil)

	updates, err = store.GetCurrentUpdates(ctx, branchKey)
	assert.Equal(t, err, nil)
	assert.Equal(t, []string{"abc", "de", "f"}, updates.Updates)
	assert.Equal(t, ByteCount(6), updates.TotalByteCount)

	deltaCount, err := store.DeltaCount(ctx, branchKey)
	assert.Equal(t, err, nil)
	assert.Equal(t, int64(3), deltaCount)

	err = store.Clear(ctx, branchKey)
	assert.Equal(t, err, nil)
	updates, err = store.GetCurrentUpdates(ctx, branchKey)
	assert.Equal(t, err, nil)
	assert.Equal(t, 0, len(updates.Updates))
}

func TestSqliteStoreCompaction(t *testing.T) {
	ctx := context.Background()
	settings := DefaultSqliteUpdateStoreSettings()
	settings.MaxDeltaCount = 4
	store := newTestSqliteStore(t, settings)

	branchKey := BranchKey{RecordName: "r", Inst: "inst", Branch: "main"}
	for _, update := range []string{"a", "b", "c", "d", "e"} {
		_, err := store.AddUpdates(ctx, branchKey, []string{update})
		assert.Equal(t, err, nil)
	}

	// past the threshold the deltas collapse into one entry while the
	// logical replay result is unchanged
	deltaCount, err := store.DeltaCount(ctx, branchKey)
	assert.Equal(t, err, nil)
	assert.Equal(t, int64(1), deltaCount)

	updates, err := store.GetCurrentUpdates(ctx, branchKey)
	assert.Equal(t, err, nil)
	assert.Equal(t, 1, len(updates.Updates))
	assert.Equal(t, "a\nb\nc\nd\ne", updates.Updates[0])

	// appends after compaction keep extending the log
	_, err = store.AddUpdates(ctx, branchKey, []string{"f"})
	assert.Equal(t, err, nil)
	updates, err = store.GetCurrentUpdates(ctx, branchKey)
	assert.Equal(t, err, nil)
	assert.Equal(t, "a\nb\nc\nd\ne\nf", strings.Join(updates.Updates, "\n"))
}

func TestSqliteStoreByteSizeCompaction(t *testing.T) {
	ctx := context.Background()
	settings := DefaultSqliteUpdateStoreSettings()
	settings.MaxTotalByteCount = ByteCount(8)
	store := newTestSqliteStore(t, settings)

	branchKey := BranchKey{RecordName: "r", Inst: "inst", Branch: "main"}
	_, err := store.AddUpdates(ctx, branchKey, []string{"aaaa", "bbbb", "cccc"})
	assert.Equal(t, err, nil)

	deltaCount, err := store.DeltaCount(ctx, branchKey)
	assert.Equal(t, err, nil)
	assert.Equal(t, int64(1), deltaCount)
}

func TestSqliteStoreRestartRetainsState(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "relay.db")

	store, err := NewSqliteUpdateStoreWithDefaults(path, ConcatCompactionStrategy("\n"))
	assert.Equal(t, err, nil)
	branchKey := BranchKey{RecordName: "r", Inst: "inst", Branch: "main"}
	_, err = store.AddUpdates(ctx, branchKey, []string{"abc", "def"})
	assert.Equal(t, err, nil)
	store.Close()

	reopened, err := NewSqliteUpdateStoreWithDefaults(path, ConcatCompactionStrategy("\n"))
	assert.Equal(t, err, nil)
	defer reopened.Close()

	updates, err := reopened.GetCurrentUpdates(ctx, branchKey)
	assert.Equal(t, err, nil)
	assert.Equal(t, []string{"abc", "def"}, updates.Updates)
}

func TestSqliteCommitChain(t *testing.T) {
	ctx := context.Background()
	store := newTestSqliteStore(t, DefaultSqliteUpdateStoreSettings())
	branchKey := BranchKey{RecordName: "r", Inst: "inst", Branch: "main"}

	first, err := store.AddCommit(ctx, branchKey, "first", 2)
	assert.Equal(t, err, nil)
	assert.Equal(t, int64(0), first.Index)
	assert.Equal(t, "", first.PreviousHash)

	second, err := store.AddCommit(ctx, branchKey, "second", 5)
	assert.Equal(t, err, nil)
	assert.Equal(t, int64(1), second.Index)
	assert.Equal(t, first.Hash, second.PreviousHash)

	head, err := store.GetHead(ctx, branchKey)
	assert.Equal(t, err, nil)
	assert.Equal(t, second.Hash, head.Hash)

	// restore moves the pointer without rewriting the chain
	err = store.Restore(ctx, branchKey, first.Hash)
	assert.Equal(t, err, nil)
	head, err = store.GetHead(ctx, branchKey)
	assert.Equal(t, err, nil)
	assert.Equal(t, first.Hash, head.Hash)

	commits, err := store.ListCommits(ctx, branchKey)
	assert.Equal(t, err, nil)
	assert.Equal(t, 2, len(commits))
	assert.Equal(t, "first", commits[0].Message)
	assert.Equal(t, "second", commits[1].Message)

	err = store.Restore(ctx, branchKey, "bogus")
	assert.NotEqual(t, err, nil)
}

func TestMemoryCommitChain(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryCommitLog()
	branchKey := BranchKey{Inst: "inst", Branch: "main"}

	head, err := log.GetHead(ctx, branchKey)
	assert.Equal(t, err, nil)
	assert.Equal(t, head, nil)

	first, err := log.AddCommit(ctx, branchKey, "first", 1)
	assert.Equal(t, err, nil)
	second, err := log.AddCommit(ctx, branchKey, "second", 2)
	assert.Equal(t, err, nil)
	assert.Equal(t, first.Hash, second.PreviousHash)

	err = log.Restore(ctx, branchKey, first.Hash)
	assert.Equal(t, err, nil)
	head, err = log.GetHead(ctx, branchKey)
	assert.Equal(t, err, nil)
	assert.Equal(t, first.Hash, head.Hash)

	commits, err := log.ListCommits(ctx, branchKey)
	assert.Equal(t, err, nil)
	assert.Equal(t, 2, len(commits))
}
