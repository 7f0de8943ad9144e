package relay

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
)

// BranchUpdates is the materialized read of one branch key's log.
// `Updates[i]` arrived at `Timestamps[i]`. Updates are ordered by
// arrival position.
type BranchUpdates struct {
	Updates        []string
	Timestamps     []time.Time
	TotalByteCount ByteCount
}

// UpdateStore is an append-only log of opaque update payloads per
// branch key. Positions are assigned on arrival, strictly increasing,
// and never reused. Appends on the same branch key are linearized.
type UpdateStore interface {
	// AddUpdates appends the updates in order and returns the byte
	// size delta. Appends either fully apply or fail with no effect.
	AddUpdates(ctx context.Context, branchKey BranchKey, updates []string) (ByteCount, error)

	// GetCurrentUpdates reads the full current log. An unknown branch
	// key reads as an empty log, not an error.
	GetCurrentUpdates(ctx context.Context, branchKey BranchKey) (*BranchUpdates, error)

	// Clear drops all updates for the branch key.
	Clear(ctx context.Context, branchKey BranchKey) error
}

// DurableUpdateStore additionally exposes the delta count since the
// last compaction (`dbsize`).
type DurableUpdateStore interface {
	UpdateStore

	// DeltaCount is the number of stored deltas for the branch key
	// since the last compaction.
	DeltaCount(ctx context.Context, branchKey BranchKey) (int64, error)
}

// CompactionStrategy consolidates many updates into one update that is
// semantically equivalent to replaying the inputs in order. The merge
// semantics are owned by the client CRDT, not this package.
type CompactionStrategy interface {
	Compact(updates []string) (string, error)
}

type CompactionStrategyFunc func(updates []string) (string, error)

func (self CompactionStrategyFunc) Compact(updates []string) (string, error) {
	return self(updates)
}

// ConcatCompactionStrategy joins the deltas into one entry without
// merging them. Replaying the result is identical to replaying the
// inputs for codecs that treat an entry as a sequence of deltas.
func ConcatCompactionStrategy(separator string) CompactionStrategy {
	return CompactionStrategyFunc(func(updates []string) (string, error) {
		return strings.Join(updates, separator), nil
	})
}

type memoryBranch struct {
	updates        []string
	timestamps     []time.Time
	nextPosition   int64
	totalByteCount ByteCount
}

// MemoryUpdateStore is the ephemeral tier. It is always written to,
// regardless of whether the branch key is durable.
type MemoryUpdateStore struct {
	stateLock sync.Mutex
	branches  map[BranchKey]*memoryBranch
}

func NewMemoryUpdateStore() *MemoryUpdateStore {
	return &MemoryUpdateStore{
		branches: map[BranchKey]*memoryBranch{},
	}
}

func (self *MemoryUpdateStore) AddUpdates(ctx context.Context, branchKey BranchKey, updates []string) (ByteCount, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	branch, ok := self.branches[branchKey]
	if !ok {
		branch = &memoryBranch{}
		self.branches[branchKey] = branch
	}

	now := time.Now()
	var sizeDelta ByteCount
	for _, update := range updates {
		branch.updates = append(branch.updates, update)
		branch.timestamps = append(branch.timestamps, now)
		branch.nextPosition += 1
		sizeDelta += ByteCount(len(update))
	}
	branch.totalByteCount += sizeDelta
	return sizeDelta, nil
}

func (self *MemoryUpdateStore) GetCurrentUpdates(ctx context.Context, branchKey BranchKey) (*BranchUpdates, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	branch, ok := self.branches[branchKey]
	if !ok {
		return &BranchUpdates{
			Updates:    []string{},
			Timestamps: []time.Time{},
		}, nil
	}
	out := &BranchUpdates{
		Updates:        make([]string, len(branch.updates)),
		Timestamps:     make([]time.Time, len(branch.timestamps)),
		TotalByteCount: branch.totalByteCount,
	}
	copy(out.Updates, branch.updates)
	copy(out.Timestamps, branch.timestamps)
	return out, nil
}

func (self *MemoryUpdateStore) Clear(ctx context.Context, branchKey BranchKey) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.branches, branchKey)
	return nil
}

// Has reports whether the branch key exists in this tier.
func (self *MemoryUpdateStore) Has(branchKey BranchKey) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	_, ok := self.branches[branchKey]
	return ok
}

// TieredUpdateStore composes the ephemeral and durable tiers behind
// the single store interface.
// writes always go to the ephemeral tier, and additionally to the
// durable tier for durable branch keys. When the durable write fails,
// the ephemeral tier is left untouched so the append never partially
// applies.
// reads consult the ephemeral tier first. When the branch key is not
// cached and the key is durable, the durable tier is read and the
// result backfilled into the ephemeral tier.
type TieredUpdateStore struct {
	ephemeral *MemoryUpdateStore
	durable   UpdateStore

	// serializes appends per branch key so positions and broadcast
	// order match arrival order across both tiers
	branchLocks     map[BranchKey]*sync.Mutex
	branchLocksLock sync.Mutex
}

func NewTieredUpdateStore(durable UpdateStore) *TieredUpdateStore {
	return &TieredUpdateStore{
		ephemeral:   NewMemoryUpdateStore(),
		durable:     durable,
		branchLocks: map[BranchKey]*sync.Mutex{},
	}
}

func (self *TieredUpdateStore) branchLock(branchKey BranchKey) *sync.Mutex {
	self.branchLocksLock.Lock()
	defer self.branchLocksLock.Unlock()

	lock, ok := self.branchLocks[branchKey]
	if !ok {
		lock = &sync.Mutex{}
		self.branchLocks[branchKey] = lock
	}
	return lock
}

func (self *TieredUpdateStore) AddUpdates(ctx context.Context, branchKey BranchKey, updates []string) (ByteCount, error) {
	lock := self.branchLock(branchKey)
	lock.Lock()
	defer lock.Unlock()

	if branchKey.Durable() && self.durable != nil {
		// make sure the cache reflects the durable log before appending,
		// otherwise a later read would backfill stale state
		if err := self.fillFromDurable(ctx, branchKey); err != nil {
			return 0, err
		}
		if _, err := self.durable.AddUpdates(ctx, branchKey, updates); err != nil {
			glog.Infof("[st]append error %s = %s\n", branchKey, err)
			return 0, err
		}
	}
	return self.ephemeral.AddUpdates(ctx, branchKey, updates)
}

func (self *TieredUpdateStore) GetCurrentUpdates(ctx context.Context, branchKey BranchKey) (*BranchUpdates, error) {
	lock := self.branchLock(branchKey)
	lock.Lock()
	defer lock.Unlock()

	if branchKey.Durable() && self.durable != nil {
		if err := self.fillFromDurable(ctx, branchKey); err != nil {
			return nil, err
		}
	}
	return self.ephemeral.GetCurrentUpdates(ctx, branchKey)
}

// fillFromDurable backfills the ephemeral cache from the durable tier.
// call with the branch lock held.
func (self *TieredUpdateStore) fillFromDurable(ctx context.Context, branchKey BranchKey) error {
	if self.ephemeral.Has(branchKey) {
		return nil
	}
	durableUpdates, err := self.durable.GetCurrentUpdates(ctx, branchKey)
	if err != nil {
		return err
	}
	if len(durableUpdates.Updates) == 0 {
		return nil
	}
	if _, err := self.ephemeral.AddUpdates(ctx, branchKey, durableUpdates.Updates); err != nil {
		return err
	}
	glog.V(2).Infof("[st]backfill %s n=%d\n", branchKey, len(durableUpdates.Updates))
	return nil
}

func (self *TieredUpdateStore) Clear(ctx context.Context, branchKey BranchKey) error {
	lock := self.branchLock(branchKey)
	lock.Lock()
	defer lock.Unlock()

	if branchKey.Durable() && self.durable != nil {
		if err := self.durable.Clear(ctx, branchKey); err != nil {
			return err
		}
	}
	return self.ephemeral.Clear(ctx, branchKey)
}

// Exists reports whether the branch key has any stored state in
// either tier.
func (self *TieredUpdateStore) Exists(ctx context.Context, branchKey BranchKey) (bool, error) {
	if self.ephemeral.Has(branchKey) {
		return true, nil
	}
	if branchKey.Durable() && self.durable != nil {
		updates, err := self.durable.GetCurrentUpdates(ctx, branchKey)
		if err != nil {
			return false, err
		}
		return 0 < len(updates.Updates), nil
	}
	return false, nil
}
