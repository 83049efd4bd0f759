package localstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/fieldsync/fieldsync/internal/logging"
	"github.com/fieldsync/fieldsync/internal/schema"
	"github.com/fieldsync/fieldsync/internal/syncerr"
)

// BadgerConfig holds configuration for a BadgerDB instance.
type BadgerConfig struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	InMemory bool

	// SyncWrites makes every commit fsync before returning.
	SyncWrites bool

	// GCInterval is how often to run value log garbage collection.
	// Set to 0 to disable.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum ratio of discardable data before GC.
	GCDiscardRatio float64

	Logger *zap.Logger
}

// DefaultBadgerConfig returns durable defaults.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// badgerLogger adapts zap to BadgerDB's Logger interface.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(format string, args ...interface{})   { l.s.Errorf(format, args...) }
func (l *badgerLogger) Warningf(format string, args ...interface{}) { l.s.Warnf(format, args...) }
func (l *badgerLogger) Infof(format string, args ...interface{})    { l.s.Debugf(format, args...) }
func (l *badgerLogger) Debugf(format string, args ...interface{})   { l.s.Debugf(format, args...) }

// BadgerDB owns a badger instance shared by several Badger collections.
type BadgerDB struct {
	*badger.DB
	logger *zap.Logger
	stopGC chan struct{}
	gcDone chan struct{}
}

// OpenBadger opens a BadgerDB with the given configuration and starts value
// log GC when configured.
func OpenBadger(cfg BadgerConfig) (*BadgerDB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	logger := logging.OrNop(cfg.Logger)
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{s: logger.Named("badger").Sugar()})

	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	out := &BadgerDB{DB: bdb, logger: logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		out.stopGC = make(chan struct{})
		out.gcDone = make(chan struct{})
		go out.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return out, nil
}

func (d *BadgerDB) runGC(interval time.Duration, ratio float64) {
	defer close(d.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopGC:
			return
		case <-ticker.C:
			// ErrNoRewrite means there was nothing to collect.
			if err := d.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				d.logger.Warn("badger value log GC failed", zap.Error(err))
			}
		}
	}
}

// Close stops GC and closes the database.
func (d *BadgerDB) Close() error {
	if d.stopGC != nil {
		close(d.stopGC)
		<-d.gcDone
		d.stopGC = nil
	}
	return d.DB.Close()
}

// Badger stores one collection under a key prefix.
type Badger struct {
	db         *BadgerDB
	collection string
	prefix     []byte
	logger     *zap.Logger
}

// NewBadger returns a Store for collection backed by bdb.
func NewBadger(bdb *BadgerDB, collection string) *Badger {
	return &Badger{
		db:         bdb,
		collection: collection,
		prefix:     []byte(collection + "/"),
		logger:     bdb.logger.With(logging.Collection(collection)),
	}
}

func (b *Badger) key(id string) []byte {
	k := make([]byte, 0, len(b.prefix)+len(id))
	k = append(k, b.prefix...)
	return append(k, id...)
}

// Get loads a record by id.
func (b *Badger) Get(ctx context.Context, id string) (*schema.Record, error) {
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(b.key(id))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, syncerr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s: %w", b.collection, id, err)
	}

	r, err := schema.DecodeRecord(data)
	if err != nil {
		b.dropCorrupt(ctx, id, err)
		return nil, syncerr.ErrNotFound
	}
	return r, nil
}

// Put replaces the record stored under r.ID.
func (b *Badger) Put(ctx context.Context, r *schema.Record) error {
	return b.BulkPut(ctx, []*schema.Record{r})
}

// BulkPut writes all records in one transaction.
func (b *Badger) BulkPut(_ context.Context, records []*schema.Record) error {
	if len(records) == 0 {
		return nil
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		for _, r := range records {
			if err := r.Validate(); err != nil {
				return fmt.Errorf("invalid record: %w", err)
			}
			data, err := r.Encode()
			if err != nil {
				return err
			}
			if err := txn.Set(b.key(r.ID), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to put into %s: %w", b.collection, err)
	}
	return nil
}

// Scan returns the records matching pred, ordered by id.
func (b *Badger) Scan(ctx context.Context, pred Predicate) ([]*schema.Record, error) {
	var (
		out     []*schema.Record
		corrupt = map[string]error{}
	)
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = b.prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			key := string(item.Key()[len(b.prefix):])
			data, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			r, err := schema.DecodeRecord(data)
			if err != nil {
				corrupt[key] = err
				continue
			}
			if match(pred, r) {
				out = append(out, r)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", b.collection, err)
	}

	for key, cause := range corrupt {
		b.dropCorrupt(ctx, key, cause)
	}
	return out, nil
}

// Delete removes the record. Deleting an unknown id is not an error.
func (b *Badger) Delete(_ context.Context, id string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(b.key(id))
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", b.collection, id, err)
	}
	return nil
}

func (b *Badger) dropCorrupt(ctx context.Context, key string, cause error) {
	cerr := &syncerr.CorruptLocalRecordError{Collection: b.collection, Key: key, Err: cause}
	b.logger.Warn("dropping corrupt entry", logging.RecordID(key), zap.Error(cerr))
	if err := b.Delete(ctx, key); err != nil {
		b.logger.Error("failed to drop corrupt entry", logging.RecordID(key), zap.Error(err))
	}
}
