package memory

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// unitNormTolerance is how far an ingested vector's L2 norm may deviate from
// 1 before the store renormalizes it. The embedding contract promises unit
// vectors; this is a defensive check, not a correction service.
const unitNormTolerance = 1e-3

// Persister is the durability seam for the store. The default implementation
// writes one atomic snapshot artifact (snapshot.go); the sqlite backend keeps
// the same state in a database (sqlite.go).
type Persister interface {
	// Load reads the last saved state. ok is false when no state has been
	// saved yet, which is not an error.
	Load(ctx context.Context) (data SnapshotData, ok bool, err error)

	// Save durably replaces the saved state with data. Implementations must
	// be atomic: a crash mid-save never leaves a half-written state visible
	// to the next Load.
	Save(ctx context.Context, data SnapshotData) error

	// Close releases any resources held by the persister.
	Close() error

	// Name identifies the backend ("snapshot", "sqlite") for logs and status.
	Name() string
}

// SnapshotData is the full durable representation of the store: the vector
// index, the record metadata, and the id counter, captured at a point in time.
type SnapshotData struct {
	Version   int
	Dimension int
	NextID    int64
	IDs       []int64
	Vectors   [][]float32
	Records   []MemoryRecord
}

// Stats summarizes the store for the admin surface.
type Stats struct {
	Records   int
	Dimension int
	NextID    int64
}

// memoryState is one committed, immutable view of the store. The index ids,
// vectors, and records slices are parallel: position i of each describes the
// same entry.
type memoryState struct {
	nextID  int64
	index   *Index
	records []MemoryRecord
}

// Store owns the vector index and the record metadata as a single unit, so
// the invariant |index entries| == |records| holds at every committed state,
// including immediately after a reload.
//
// Concurrency model: appends and flushes are serialized through writeMu (in
// practice the ingestion runner is the only writer). Readers never take that
// lock — they load the last committed state through an atomic pointer, so a
// search either sees a record or does not, never a half-written one, and slow
// snapshot writes cannot stall concurrent searches.
type Store struct {
	persister Persister
	logger    *slog.Logger

	writeMu sync.Mutex
	state   atomic.Pointer[memoryState]
	dirty   atomic.Bool

	lastFlushMu sync.Mutex
	lastFlush   time.Time
}

// NewStore creates a Store with the given fixed dimension, loading the last
// saved state from the persister. An unreadable saved state is not fatal: the
// store logs a warning and starts empty, per the corruption policy.
func NewStore(ctx context.Context, dim int, persister Persister, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{persister: persister, logger: logger}

	data, ok, err := persister.Load(ctx)
	switch {
	case err != nil:
		logger.Warn("store: saved state unreadable; starting empty",
			"backend", persister.Name(), "err", err)
		s.state.Store(&memoryState{index: NewIndex(dim)})
	case !ok:
		logger.Info("store: no saved state; starting empty",
			"backend", persister.Name(), "dimension", dim)
		s.state.Store(&memoryState{index: NewIndex(dim)})
	default:
		st, err := stateFromSnapshot(data)
		if err != nil {
			logger.Warn("store: saved state inconsistent; starting empty",
				"backend", persister.Name(), "err", err)
			s.state.Store(&memoryState{index: NewIndex(dim)})
			break
		}
		// The snapshot's dimension wins over the configured one; a mismatch
		// means searches against freshly embedded queries will degrade until
		// the operator reconciles the two.
		if data.Dimension != dim {
			logger.Warn("store: saved dimension differs from configured dimension",
				"saved", data.Dimension, "configured", dim)
		}
		s.state.Store(st)
		logger.Info("store: loaded saved state",
			"backend", persister.Name(),
			"records", len(data.Records),
			"dimension", data.Dimension,
			"next_id", data.NextID)
	}

	return s, nil
}

// stateFromSnapshot validates a loaded snapshot and rebuilds the committed
// state from it.
func stateFromSnapshot(data SnapshotData) (*memoryState, error) {
	n := len(data.IDs)
	if len(data.Vectors) != n || len(data.Records) != n {
		return nil, fmt.Errorf("entry counts disagree: %d ids, %d vectors, %d records",
			n, len(data.Vectors), len(data.Records))
	}
	for i, vec := range data.Vectors {
		if len(vec) != data.Dimension {
			return nil, fmt.Errorf("vector %d has dimension %d, want %d", i, len(vec), data.Dimension)
		}
	}
	ix := &Index{dim: data.Dimension, ids: data.IDs, vectors: data.Vectors}
	return &memoryState{nextID: data.NextID, index: ix, records: data.Records}, nil
}

// Append stores one record with its vector and returns the assigned id.
// The vector must match the index dimension and is defensively renormalized
// when its norm drifts outside tolerance; a zero vector is rejected.
func (s *Store) Append(rec MemoryRecord, vec []float32) (int64, error) {
	cur := s.state.Load()
	if len(vec) != cur.index.Dimension() {
		return 0, ErrDimensionMismatch
	}
	norm := vectorNorm(vec)
	if norm == 0 {
		return 0, fmt.Errorf("store: refusing zero vector")
	}

	// Copy before storing: the caller (or an embedding cache) may share the
	// slice, and the index owns its vectors forever.
	vec = append([]float32(nil), vec...)
	if math.Abs(norm-1) > unitNormTolerance {
		s.logger.Debug("store: renormalizing off-unit vector", "norm", norm)
		Normalize(vec)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur = s.state.Load()
	rec.ID = cur.nextID
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	next := &memoryState{
		nextID: cur.nextID + 1,
		index: &Index{
			dim:     cur.index.dim,
			ids:     append(cur.index.ids, rec.ID),
			vectors: append(cur.index.vectors, vec),
		},
		records: append(cur.records, rec),
	}
	s.state.Store(next)
	s.dirty.Store(true)
	return rec.ID, nil
}

// Search runs an exact inner-product search against the last committed state.
func (s *Store) Search(query []float32, k int, threshold float64) ([]SearchResult, error) {
	return s.state.Load().index.Search(query, k, threshold)
}

// Resolve maps ids to their records, preserving the caller-supplied order
// (i.e. the index ranking, not id order). Unknown ids are skipped.
func (s *Store) Resolve(ids []int64) []MemoryRecord {
	st := s.state.Load()
	out := make([]MemoryRecord, 0, len(ids))
	for _, id := range ids {
		// Ids are assigned in strictly increasing order, so the committed ids
		// slice is sorted and binary search locates the entry.
		pos := sort.Search(len(st.index.ids), func(i int) bool { return st.index.ids[i] >= id })
		if pos < len(st.index.ids) && st.index.ids[pos] == id {
			out = append(out, st.records[pos])
		}
	}
	return out
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	return s.state.Load().index.Len()
}

// Dimension returns the index's fixed vector dimension.
func (s *Store) Dimension() int {
	return s.state.Load().index.Dimension()
}

// Stats returns a summary of the committed state.
func (s *Store) Stats() Stats {
	st := s.state.Load()
	return Stats{Records: len(st.records), Dimension: st.index.Dimension(), NextID: st.nextID}
}

// Backend returns the persister's backend name.
func (s *Store) Backend() string {
	return s.persister.Name()
}

// Flush saves the committed state through the persister when anything changed
// since the last save. A failed flush leaves the dirty flag set so the next
// periodic tick retries.
func (s *Store) Flush(ctx context.Context) error {
	if !s.dirty.Load() {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	st := s.state.Load()
	data := SnapshotData{
		Version:   snapshotVersion,
		Dimension: st.index.Dimension(),
		NextID:    st.nextID,
		IDs:       st.index.ids,
		Vectors:   st.index.vectors,
		Records:   st.records,
	}
	if err := s.persister.Save(ctx, data); err != nil {
		return fmt.Errorf("store: flush: %w", err)
	}
	s.dirty.Store(false)

	s.lastFlushMu.Lock()
	s.lastFlush = time.Now()
	s.lastFlushMu.Unlock()

	s.logger.Debug("store: flushed", "backend", s.persister.Name(), "records", len(st.records))
	return nil
}

// LastFlush returns when the store last saved successfully (zero if never).
func (s *Store) LastFlush() time.Time {
	s.lastFlushMu.Lock()
	defer s.lastFlushMu.Unlock()
	return s.lastFlush
}

// Close flushes any unsaved state and releases the persister.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Flush(ctx); err != nil {
		s.logger.Warn("store: final flush failed", "err", err)
	}
	return s.persister.Close()
}

// vectorNorm returns the L2 norm of vec without modifying it.
func vectorNorm(vec []float32) float64 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}
