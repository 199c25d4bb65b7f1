package db

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"math"
	"time"

	"permapaste/pkg/domain"
	"permapaste/pkg/ledger"
	"permapaste/svc/util"

	"github.com/dgraph-io/badger/v3"
	"github.com/pkg/errors"
)

const maxConflictRetries = 3

var (
	recordPrefix = []byte("r/")
	tagPrefix    = []byte("t/")
)

// Badger is an embedded key-value ledger store. Records live under
// r/<id>; the tag index under t/<name>\x00<value>\x00<inverted time><id>
// so prefix scans come back newest first.
type Badger struct {
	db *badger.DB
}

func NewBadger(dir string, inMemory bool) (*Badger, error) {
	opts := badger.DefaultOptions(dir).
		WithLogger(badgerLogger{}).
		WithLoggingLevel(badger.WARNING).
		WithMemTableSize(16 << 20)
	if inMemory {
		opts = opts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "open badger")
	}
	return &Badger{db: db}, nil
}

func recordKey(id string) []byte {
	return append(append([]byte{}, recordPrefix...), id...)
}

func tagIndexPrefix(t ledger.RawTag) []byte {
	k := append([]byte{}, tagPrefix...)
	k = append(k, t.Name...)
	k = append(k, 0)
	k = append(k, t.Value...)
	return append(k, 0)
}

func (b *Badger) Append(ctx context.Context, r *ledger.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "marshal record")
	}
	inverted := make([]byte, 8)
	binary.BigEndian.PutUint64(inverted, math.MaxUint64-uint64(r.CreatedAt.UnixNano()))
	// a conflicting writer can only have committed the same record, so
	// the retry sees it and stops
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = b.db.Update(func(txn *badger.Txn) error {
			return appendTxn(txn, r, data, inverted)
		})
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
	}
	return errors.Wrap(err, "badger append")
}

func appendTxn(txn *badger.Txn, r *ledger.Record, data, inverted []byte) error {
	if _, err := txn.Get(recordKey(r.ID)); err == nil {
		return nil
	} else if !errors.Is(err, badger.ErrKeyNotFound) {
		return err
	}
	if err := txn.Set(recordKey(r.ID), data); err != nil {
		return err
	}
	for _, t := range r.Tags {
		k := append(tagIndexPrefix(t), inverted...)
		k = append(k, r.ID...)
		if err := txn.Set(k, nil); err != nil {
			return err
		}
	}
	return nil
}

func (b *Badger) Get(ctx context.Context, id string) (*ledger.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(id))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, domain.ErrRecordNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "badger get")
	}
	var r ledger.Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, errors.Wrap(err, "unmarshal record")
	}
	return &r, nil
}

func (b *Badger) Exists(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(recordKey(id))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "badger exists")
	}
	return true, nil
}

func (b *Badger) FindByTag(ctx context.Context, tag ledger.RawTag, limit int) ([]string, error) {
	prefix := tagIndexPrefix(tag)
	var ids []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		seen := make(map[string]struct{})
		for it.Seek(prefix); it.ValidForPrefix(prefix) && len(ids) < limit; it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			key := it.Item().Key()
			id := string(key[len(prefix)+8:])
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "badger find by tag")
	}
	return ids, nil
}

func (b *Badger) Ping(ctx context.Context) error {
	if b.db.IsClosed() {
		return errors.New("badger closed")
	}
	return ctx.Err()
}

// RunGC reclaims value log space until ctx is cancelled.
func (b *Badger) RunGC(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for b.db.RunValueLogGC(0.5) == nil {
			}
		case <-ctx.Done():
			return
		}
	}
}

func (b *Badger) Close() error {
	if b.db.IsClosed() {
		return nil
	}
	return b.db.Close()
}

type badgerLogger struct{}

func (badgerLogger) Errorf(f string, v ...interface{})   { util.Error().Msgf(f, v...) }
func (badgerLogger) Warningf(f string, v ...interface{}) { util.Warn().Msgf(f, v...) }
func (badgerLogger) Infof(f string, v ...interface{})    { util.Info().Msgf(f, v...) }
func (badgerLogger) Debugf(f string, v ...interface{})   { util.Debug().Msgf(f, v...) }
