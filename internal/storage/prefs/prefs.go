// Package prefs persists the small set of flags the tab store keeps across
// restarts. Reads are served from memory; writes reach the bolt file either
// asynchronously (Set) or before returning (Commit).
package prefs

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// Keys used by the tab store
const (
	KeyActiveTabID                = "active_tab_id"
	KeyNextTabID                  = "next_tab_id"
	KeyMaxIDComputed              = "max_id_computed"
	KeyLegacyMigrationDone        = "legacy_migration_done"
	KeyMultiInstanceMigrationDone = "multi_instance_migration_done"
	KeyLegacyModeEnabled          = "legacy_mode_enabled"
)

var bucketName = []byte("prefs")

type write struct {
	key   string
	value []byte
	flush bool
	done  chan error
}

// Prefs is a bolt-backed key/value flag store
type Prefs struct {
	db     *bolt.DB
	logger *zap.Logger

	mu     sync.RWMutex
	values map[string][]byte

	sendMu    sync.Mutex
	closed    bool
	writes    chan write
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// ErrClosed is returned by writes after Close
var ErrClosed = errors.New("prefs closed")

// Open opens or creates the prefs file at path
func Open(path string, logger *zap.Logger) (*Prefs, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open prefs %s: %w", path, err)
	}

	p := &Prefs{
		db:     db,
		logger: logger,
		values: make(map[string][]byte),
		writes: make(chan write, 64),
	}

	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			p.values[string(k)] = append([]byte(nil), v...)
			return nil
		})
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("load prefs %s: %w", path, err)
	}

	p.wg.Add(1)
	go p.writer()

	logger.Info("Prefs loaded", zap.String("path", path), zap.Int("keys", len(p.values)))
	return p, nil
}

func (p *Prefs) writer() {
	defer p.wg.Done()
	for w := range p.writes {
		if w.flush {
			w.done <- nil
			continue
		}
		err := p.db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket(bucketName)
			if w.value == nil {
				return b.Delete([]byte(w.key))
			}
			return b.Put([]byte(w.key), w.value)
		})
		if err != nil {
			p.logger.Error("Failed to persist pref", zap.String("key", w.key), zap.Error(err))
		}
		if w.done != nil {
			w.done <- err
		}
	}
}

func (p *Prefs) get(key string) ([]byte, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.values[key]
	return v, ok
}

// send updates the in-memory value and queues the disk write. sendMu keeps
// the disk order equal to the memory order.
func (p *Prefs) send(ctx context.Context, key string, value []byte, wait bool) error {
	w := write{key: key, value: value}
	if wait {
		w.done = make(chan error, 1)
	}

	p.sendMu.Lock()
	if p.closed {
		p.sendMu.Unlock()
		return ErrClosed
	}
	p.mu.Lock()
	if value == nil {
		delete(p.values, key)
	} else {
		p.values[key] = value
	}
	p.mu.Unlock()
	p.writes <- w
	p.sendMu.Unlock()

	if !wait {
		return nil
	}
	select {
	case err := <-w.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Int returns the integer stored under key, or def
func (p *Prefs) Int(key string, def int) int {
	v, ok := p.get(key)
	if !ok || len(v) != 8 {
		return def
	}
	return int(int64(binary.BigEndian.Uint64(v)))
}

// Bool returns the flag stored under key, or def
func (p *Prefs) Bool(key string, def bool) bool {
	v, ok := p.get(key)
	if !ok || len(v) != 1 {
		return def
	}
	return v[0] == 1
}

// Has reports whether key is set
func (p *Prefs) Has(key string) bool {
	_, ok := p.get(key)
	return ok
}

// SetInt stores an integer; the write reaches disk asynchronously
func (p *Prefs) SetInt(key string, value int) {
	p.logDropped(key, p.send(context.Background(), key, encodeInt(value), false))
}

// SetBool stores a flag; the write reaches disk asynchronously
func (p *Prefs) SetBool(key string, value bool) {
	p.logDropped(key, p.send(context.Background(), key, encodeBool(value), false))
}

// Remove deletes key; the write reaches disk asynchronously
func (p *Prefs) Remove(key string) {
	p.logDropped(key, p.send(context.Background(), key, nil, false))
}

// CommitInt stores an integer and waits until it is on disk
func (p *Prefs) CommitInt(ctx context.Context, key string, value int) error {
	return p.send(ctx, key, encodeInt(value), true)
}

// CommitBool stores a flag and waits until it is on disk
func (p *Prefs) CommitBool(ctx context.Context, key string, value bool) error {
	return p.send(ctx, key, encodeBool(value), true)
}

// Flush waits until every earlier write is on disk
func (p *Prefs) Flush(ctx context.Context) error {
	done := make(chan error, 1)

	p.sendMu.Lock()
	if p.closed {
		p.sendMu.Unlock()
		return nil
	}
	p.writes <- write{flush: true, done: done}
	p.sendMu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Prefs) logDropped(key string, err error) {
	if err != nil {
		p.logger.Warn("Pref write dropped", zap.String("key", key), zap.Error(err))
	}
}

// Close flushes pending writes and closes the file
func (p *Prefs) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.sendMu.Lock()
		p.closed = true
		close(p.writes)
		p.sendMu.Unlock()
		p.wg.Wait()
		err = p.db.Close()
	})
	return err
}

func encodeInt(v int) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(int64(v)))
}

func encodeBool(v bool) []byte {
	if v {
		return []byte{1}
	}
	return []byte{0}
}
