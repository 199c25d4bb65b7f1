package svc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"permapaste/cfg"
	"permapaste/metrics"
	"permapaste/pkg/domain"
	"permapaste/pkg/envelope"
	"permapaste/pkg/ledger"
	"permapaste/svc/cache"
	"permapaste/svc/util"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

var ErrShuttingDown = errors.New("service shutting down")

const (
	fetchTimeout   = 10 * time.Second
	maxSearchLimit = 100
)

// RecordSource reads committed records.
type RecordSource interface {
	Fetch(ctx context.Context, id string) (*ledger.Record, error)
	Search(ctx context.Context, name, value string, limit int) ([]string, error)
}

// RecordCache is the shared cache tier between the in-process LRU and the
// ledger.
type RecordCache interface {
	GetRecord(ctx context.Context, id string) (*ledger.Record, error)
	CacheRecord(ctx context.Context, rec *ledger.Record, ttl time.Duration) error
}

type Deps struct {
	Codec  *envelope.Codec
	Source RecordSource
	Key    *ledger.SigningKey
	LRU    *cache.LRU
	Shared RecordCache
	Cfg    *cfg.Cfg
}

type Paste struct {
	codec    *envelope.Codec
	source   RecordSource
	key      *ledger.SigningKey
	lru      *cache.LRU
	shared   RecordCache
	cfg      *cfg.Cfg
	fetches  singleflight.Group
	shutdown atomic.Bool
	opWg     sync.WaitGroup
}

type PublishParams struct {
	Paste    domain.Paste
	Password string
}

func NewPaste(d Deps) *Paste {
	if d.Codec == nil || d.Source == nil || d.Key == nil || d.LRU == nil || d.Cfg == nil {
		panic("paste service: nil dependency (codec, source, key, lru, or cfg)")
	}
	return &Paste{
		codec:  d.Codec,
		source: d.Source,
		key:    d.Key,
		lru:    d.LRU,
		shared: d.Shared,
		cfg:    d.Cfg,
	}
}

func (p *Paste) enter() error {
	if p.shutdown.Load() {
		return ErrShuttingDown
	}
	p.opWg.Add(1)
	return nil
}

// Shutdown rejects new operations and waits for in-flight ones.
func (p *Paste) Shutdown(ctx context.Context) {
	p.shutdown.Store(true)
	done := make(chan struct{})
	go func() {
		p.opWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		util.Debug().Msg("paste service shutdown complete")
	case <-ctx.Done():
		util.Warn().Msg("paste operations still running at shutdown deadline")
	}
}

// Publish commits a paste. Private pastes are sealed under password; public
// ones go out in the clear and must not carry a password.
func (p *Paste) Publish(ctx context.Context, params PublishParams) (domain.Container, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.opWg.Done()
	paste := params.Paste
	if paste.Privacy == "" {
		paste.Privacy = domain.PrivacyPublic
	}
	if !paste.Privacy.Valid() {
		return nil, domain.ErrInvalidPrivacy
	}
	if int64(len(paste.Body)) > p.cfg.MaxPasteSize {
		return nil, domain.ErrPasteTooLarge
	}
	if paste.Privacy == domain.PrivacyPublic {
		if params.Password != "" {
			return nil, domain.ErrInvalidRequest
		}
		c, err := p.codec.Publish(ctx, paste, p.key)
		if err != nil {
			return nil, errors.Wrap(err, "publish")
		}
		metrics.PastesPublished.WithLabelValues(string(domain.PrivacyPublic)).Inc()
		util.Info().Str("id", c.ID).Int("size", len(paste.Body)).Msg("public paste committed")
		return c, nil
	}
	if params.Password == "" {
		return nil, domain.ErrPasswordRequired
	}
	c, err := p.codec.PublishEncrypted(ctx, paste, params.Password, p.key)
	if err != nil {
		metrics.CipherOps.WithLabelValues("encrypt", "error").Inc()
		return nil, errors.Wrap(err, "publish encrypted")
	}
	metrics.CipherOps.WithLabelValues("encrypt", "ok").Inc()
	metrics.PastesPublished.WithLabelValues(string(domain.PrivacyPrivate)).Inc()
	util.Info().Str("id", c.ID).Int("size", len(c.Paste)).Msg("private paste committed")
	return c, nil
}

// Get resolves id through the LRU, the shared cache and finally the ledger.
func (p *Paste) Get(ctx context.Context, id string) (domain.Container, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.opWg.Done()
	rec, err := p.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	return p.codec.Decode(rec), nil
}

// Decrypt opens a private paste. Plain pastes yield ErrNotEncrypted.
func (p *Paste) Decrypt(ctx context.Context, id, password string) (*domain.PlainContainer, error) {
	if password == "" {
		return nil, domain.ErrPasswordRequired
	}
	c, err := p.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	ec, ok := c.(*domain.EncryptedContainer)
	if !ok {
		return nil, domain.ErrNotEncrypted
	}
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.opWg.Done()
	plain, err := p.codec.Decrypt(ctx, ec, password)
	if err != nil {
		metrics.CipherOps.WithLabelValues("decrypt", "error").Inc()
		return nil, err
	}
	metrics.CipherOps.WithLabelValues("decrypt", "ok").Inc()
	return plain, nil
}

// Search lists public pastes whose title tag equals title, newest first.
// Ids that cannot be read are skipped.
func (p *Paste) Search(ctx context.Context, title string, limit int) ([]domain.Container, error) {
	if limit <= 0 || limit > maxSearchLimit {
		limit = maxSearchLimit
	}
	ids, err := p.source.Search(ctx, string(domain.TagTitle), title, limit)
	if err != nil {
		return nil, errors.Wrap(err, "search")
	}
	out := make([]domain.Container, 0, len(ids))
	for _, id := range ids {
		c, err := p.Get(ctx, id)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrShuttingDown) {
				return nil, err
			}
			util.Warn().Err(err).Str("id", id).Msg("skipping unreadable search result")
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (p *Paste) resolve(ctx context.Context, id string) (*ledger.Record, error) {
	if !ledger.ValidID(id) {
		return nil, domain.ErrRecordNotFound
	}
	if rec := p.lru.Get(ctx, id); rec != nil {
		metrics.CacheHits.WithLabelValues("lru").Inc()
		metrics.RecordsFetched.WithLabelValues("lru").Inc()
		return rec, nil
	}
	if p.shared != nil {
		rec, err := p.shared.GetRecord(ctx, id)
		if err != nil {
			util.Warn().Err(err).Str("id", id).Msg("shared cache read failed")
		} else if rec != nil && rec.ID == id {
			metrics.CacheHits.WithLabelValues("redis").Inc()
			metrics.RecordsFetched.WithLabelValues("redis").Inc()
			p.lru.Set(rec)
			return rec, nil
		}
	}
	metrics.CacheMisses.Inc()

	ch := p.fetches.DoChan(id, func() (interface{}, error) {
		// detached so one caller giving up does not fail the others
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
		defer cancel()
		rec, err := p.source.Fetch(fctx, id)
		if err != nil {
			return nil, err
		}
		p.lru.Set(rec)
		if p.shared != nil {
			if err := p.shared.CacheRecord(fctx, rec, p.cfg.RecordCacheTTL); err != nil {
				util.Warn().Err(err).Str("id", id).Msg("failed to cache record in redis")
			}
		}
		metrics.RecordsFetched.WithLabelValues("ledger").Inc()
		return rec, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*ledger.Record), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
