// Package store persists investigations, worker tasks, verdicts and the
// event history in BoltDB. BoltDB is chosen over heavier engines for easier
// deployment (pure Go, no C dependencies, single file).
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"
	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/inquest/internal/investigation"
)

// Bucket names for different record types.
var (
	bucketInvestigations = []byte("investigations")
	bucketTasks          = []byte("tasks")
	bucketVerdicts       = []byte("verdicts")
	bucketEvents         = []byte("events")
)

const cacheShards = 16

// cacheShard holds hot investigation snapshots. Sharded by entity hash so
// concurrent readers of unrelated investigations never contend.
type cacheShard struct {
	mu      sync.RWMutex
	records map[string]investigation.Investigation
}

// Store is the durable investigation store with a sharded read cache.
type Store struct {
	db     *bbolt.DB
	shards [cacheShards]*cacheShard

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
	cacheHits    metric.Int64Counter
	cacheMisses  metric.Int64Counter
}

// Open creates or reopens the store at dataDir/inquest.db.
func Open(dataDir string) (*Store, error) {
	opts := &bbolt.Options{
		Timeout:      1 * time.Second,
		NoSync:       false, // fsync for durability
		FreelistType: bbolt.FreelistArrayType,
	}

	db, err := bbolt.Open(filepath.Join(dataDir, "inquest.db"), 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketInvestigations, bucketTasks, bucketVerdicts, bucketEvents} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	meter := otel.Meter("inquest")
	readLatency, _ := meter.Float64Histogram("swarm_investigation_db_read_ms")
	writeLatency, _ := meter.Float64Histogram("swarm_investigation_db_write_ms")
	cacheHits, _ := meter.Int64Counter("swarm_investigation_cache_hits_total")
	cacheMisses, _ := meter.Int64Counter("swarm_investigation_cache_misses_total")

	s := &Store{
		db:           db,
		readLatency:  readLatency,
		writeLatency: writeLatency,
		cacheHits:    cacheHits,
		cacheMisses:  cacheMisses,
	}
	for i := range s.shards {
		s.shards[i] = &cacheShard{records: make(map[string]investigation.Investigation)}
	}
	return s, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) shardFor(id string) *cacheShard {
	return s.shards[murmur3.Sum32([]byte(id))%cacheShards]
}

// PutInvestigation writes a snapshot of the record.
func (s *Store) PutInvestigation(ctx context.Context, inv investigation.Investigation) error {
	start := time.Now()
	defer func() {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "put_investigation")))
	}()

	data, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("marshal investigation: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketInvestigations).Put([]byte(inv.ID), data)
	})
	if err != nil {
		return fmt.Errorf("write investigation: %w", err)
	}

	shard := s.shardFor(inv.ID)
	shard.mu.Lock()
	shard.records[inv.ID] = inv
	shard.mu.Unlock()
	return nil
}

// GetInvestigation reads a record, preferring the cache.
func (s *Store) GetInvestigation(ctx context.Context, id string) (investigation.Investigation, error) {
	start := time.Now()
	defer func() {
		s.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "get_investigation")))
	}()

	shard := s.shardFor(id)
	shard.mu.RLock()
	if inv, ok := shard.records[id]; ok {
		shard.mu.RUnlock()
		s.cacheHits.Add(ctx, 1)
		return inv, nil
	}
	shard.mu.RUnlock()
	s.cacheMisses.Add(ctx, 1)

	var inv investigation.Investigation
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketInvestigations).Get([]byte(id))
		if data == nil {
			return investigation.ErrNotFound
		}
		return json.Unmarshal(data, &inv)
	})
	if err != nil {
		return investigation.Investigation{}, err
	}

	shard.mu.Lock()
	shard.records[id] = inv
	shard.mu.Unlock()
	return inv, nil
}

// ListInvestigations returns records in key order, skipping archived ones
// unless includeArchived is set. limit <= 0 means no cap.
func (s *Store) ListInvestigations(ctx context.Context, includeArchived bool, limit int) ([]investigation.Investigation, error) {
	var out []investigation.Investigation
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketInvestigations).ForEach(func(_, v []byte) error {
			var inv investigation.Investigation
			if err := json.Unmarshal(v, &inv); err != nil {
				return nil // skip corrupt entries
			}
			if inv.Archived && !includeArchived {
				return nil
			}
			out = append(out, inv)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Archive soft-archives a terminal investigation. The record stays durable
// and readable by ID but drops out of default listings.
func (s *Store) Archive(ctx context.Context, id string) error {
	inv, err := s.GetInvestigation(ctx, id)
	if err != nil {
		return err
	}
	if !inv.Status.Terminal() {
		return fmt.Errorf("%w: cannot archive %s investigation", investigation.ErrInvalidRequest, inv.Status)
	}
	if inv.Archived {
		return nil
	}
	inv.Archived = true
	inv.UpdatedAt = time.Now().UTC()
	return s.PutInvestigation(ctx, inv)
}

// PutTask upserts one worker task keyed by investigation and kind.
func (s *Store) PutTask(ctx context.Context, task investigation.WorkerTask) error {
	start := time.Now()
	defer func() {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "put_task")))
	}()

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	key := taskKey(task.InvestigationID, task.Kind)
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTasks).Put(key, data)
	})
	if err != nil {
		return fmt.Errorf("write task: %w", err)
	}
	return nil
}

// Tasks returns every task for one investigation, in key (kind) order.
func (s *Store) Tasks(ctx context.Context, invID string) ([]investigation.WorkerTask, error) {
	var out []investigation.WorkerTask
	prefix := []byte(invID + "/")
	err := s.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketTasks).Cursor()
		for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
			var task investigation.WorkerTask
			if err := json.Unmarshal(v, &task); err != nil {
				continue
			}
			out = append(out, task)
		}
		return nil
	})
	return out, err
}

// PutVerdict stores the composite verdict for an investigation.
func (s *Store) PutVerdict(ctx context.Context, v investigation.CompositeVerdict) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal verdict: %w", err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketVerdicts).Put([]byte(v.InvestigationID), data)
	})
	if err != nil {
		return fmt.Errorf("write verdict: %w", err)
	}
	return nil
}

// Verdict reads the composite verdict, if one has been stored.
func (s *Store) Verdict(ctx context.Context, invID string) (investigation.CompositeVerdict, bool, error) {
	var v investigation.CompositeVerdict
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketVerdicts).Get([]byte(invID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &v)
	})
	if err != nil {
		return investigation.CompositeVerdict{}, false, err
	}
	return v, found, nil
}

// AppendEvent persists one progress event. Keys are invID/seq with the
// sequence zero-padded so a cursor walks them in emission order.
func (s *Store) AppendEvent(ctx context.Context, ev investigation.ProgressEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	key := []byte(fmt.Sprintf("%s/%020d", ev.InvestigationID, ev.Sequence))
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEvents).Put(key, data)
	})
	if err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// Events replays persisted events with sequence > sinceSeq, in order.
func (s *Store) Events(ctx context.Context, invID string, sinceSeq uint64) ([]investigation.ProgressEvent, error) {
	var out []investigation.ProgressEvent
	prefix := []byte(invID + "/")
	err := s.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketEvents).Cursor()
		for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
			var ev investigation.ProgressEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				continue
			}
			if ev.Sequence <= sinceSeq {
				continue
			}
			out = append(out, ev)
		}
		return nil
	})
	return out, err
}

// Stats reports bucket sizes and cache occupancy for the health endpoint.
func (s *Store) Stats() map[string]any {
	stats := make(map[string]any)
	s.db.View(func(tx *bbolt.Tx) error {
		stats["db_size_bytes"] = tx.Size()
		for _, name := range [][]byte{bucketInvestigations, bucketTasks, bucketVerdicts, bucketEvents} {
			if b := tx.Bucket(name); b != nil {
				stats[string(name)+"_count"] = b.Stats().KeyN
			}
		}
		return nil
	})
	cached := 0
	for _, shard := range s.shards {
		shard.mu.RLock()
		cached += len(shard.records)
		shard.mu.RUnlock()
	}
	stats["cached_investigations"] = cached
	return stats
}

func taskKey(invID string, kind investigation.WorkerKind) []byte {
	return []byte(invID + "/" + string(kind))
}
