package cache

import (
	"context"
	"errors"

	"permapaste/pkg/ledger"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LRU is the in-process record cache. Ledger records never change once
// committed, so entries carry no expiry.
type LRU struct {
	c *lru.Cache[string, *ledger.Record]
}

func NewLRU(size int) (*LRU, error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if size > 100000 {
		return nil, errors.New("cache size too large")
	}
	c, err := lru.New[string, *ledger.Record](size)
	if err != nil {
		return nil, err
	}
	return &LRU{c: c}, nil
}

func (l *LRU) Get(ctx context.Context, id string) *ledger.Record {
	if ctx.Err() != nil {
		return nil
	}
	rec, ok := l.c.Get(id)
	if !ok {
		return nil
	}
	return rec
}

func (l *LRU) Set(rec *ledger.Record) {
	if rec == nil || rec.ID == "" {
		return
	}
	l.c.Add(rec.ID, rec)
}

func (l *LRU) Len() int {
	return l.c.Len()
}
