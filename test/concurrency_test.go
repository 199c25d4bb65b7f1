package test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"permapaste/cfg"
	"permapaste/pkg/domain"
	"permapaste/pkg/envelope"
	"permapaste/pkg/ledger"
	"permapaste/svc/cache"
	"permapaste/svc/svc"

	"github.com/pkg/errors"
)

func TestConcurrencyRaceDetection(t *testing.T) {
	for _, backend := range []string{cfg.BackendSQLite, cfg.BackendBadger} {
		t.Run(backend, func(t *testing.T) {
			s := newTestStack(t, backend)
			ctx := context.Background()
			var wg sync.WaitGroup
			ids := make([]string, 50)
			errs := make([]error, 50)
			for i := 0; i < 50; i++ {
				wg.Add(1)
				go func(idx int) {
					defer wg.Done()
					c, err := s.paste.Publish(ctx, svc.PublishParams{Paste: domain.Paste{
						Title: "race",
						Body:  fmt.Sprintf("concurrent content %d", idx),
					}})
					errs[idx] = err
					if err == nil {
						ids[idx] = c.RecordID()
					}
				}(i)
			}
			wg.Wait()
			seen := make(map[string]bool)
			for i, err := range errs {
				if err != nil {
					t.Fatalf("publish %d: %v", i, err)
				}
				if seen[ids[i]] {
					t.Fatalf("duplicate id %s for distinct content", ids[i])
				}
				seen[ids[i]] = true
			}
			found, err := s.client.Search(ctx, string(domain.TagTitle), "race", 100)
			if err != nil {
				t.Fatal(err)
			}
			if len(found) != 50 {
				t.Errorf("index holds %d records, want 50", len(found))
			}
		})
	}
}

// Identical submissions from one key share an id; the ledger keeps one copy.
func TestConcurrentIdenticalPublish(t *testing.T) {
	for _, backend := range []string{cfg.BackendSQLite, cfg.BackendBadger} {
		t.Run(backend, func(t *testing.T) {
			s := newTestStack(t, backend)
			ctx := context.Background()
			const n = 40
			var wg sync.WaitGroup
			var failures int64
			ids := make(chan string, n)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					c, err := s.paste.Publish(ctx, svc.PublishParams{Paste: domain.Paste{Title: "same", Body: "identical"}})
					if err != nil {
						atomic.AddInt64(&failures, 1)
						return
					}
					ids <- c.RecordID()
				}()
			}
			wg.Wait()
			close(ids)
			if failures > 0 {
				t.Fatalf("%d publishes failed", failures)
			}
			var first string
			for id := range ids {
				if first == "" {
					first = id
				}
				if id != first {
					t.Fatalf("ids diverged: %s vs %s", id, first)
				}
			}
			found, err := s.client.Search(ctx, string(domain.TagTitle), "same", 100)
			if err != nil {
				t.Fatal(err)
			}
			if len(found) != 1 {
				t.Errorf("identical record indexed %d times", len(found))
			}
		})
	}
}

type countingStore struct {
	ledgerStore
	gets int64
}

func (c *countingStore) Get(ctx context.Context, id string) (*ledger.Record, error) {
	atomic.AddInt64(&c.gets, 1)
	return c.ledgerStore.Get(ctx, id)
}

func TestConcurrentReadsHitStoreOnce(t *testing.T) {
	c := createTestConfig(t)
	store := &countingStore{ledgerStore: createTestSQLite(t, c)}
	client := ledger.NewClient(store, 0)
	key := createTestSigningKey(t)
	sub, err := client.CreateSubmission([]byte("shared"), key)
	if err != nil {
		t.Fatal(err)
	}
	sub.AddTag(string(domain.TagFormat), string(domain.FormatPlaintext))
	signed, err := client.Sign(sub, key)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := client.Post(context.Background(), signed); err != nil {
		t.Fatal(err)
	}

	lru, err := cache.NewLRU(16)
	if err != nil {
		t.Fatal(err)
	}
	pasteSvc := svc.NewPaste(svc.Deps{
		Codec:  envelope.New(client, createTestCipher(t, c)),
		Source: client,
		Key:    key,
		LRU:    lru,
		Cfg:    c,
	})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := pasteSvc.Get(context.Background(), signed.ID)
			if err != nil {
				t.Error(err)
				return
			}
			if got.IsEncrypted() {
				t.Error("plain record decoded as encrypted")
			}
		}()
	}
	wg.Wait()
	if n := atomic.LoadInt64(&store.gets); n > 2 {
		t.Errorf("store read %d times for one record", n)
	}
}

func TestConcurrentDecrypt(t *testing.T) {
	s := newTestStack(t, cfg.BackendBadger)
	ctx := context.Background()
	c, err := s.paste.Publish(ctx, svc.PublishParams{
		Paste:    domain.Paste{Title: "t", Body: "secret body", Privacy: domain.PrivacyPrivate},
		Password: "pw",
	})
	if err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	var ok, denied int64
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			password := "pw"
			if idx%2 == 1 {
				password = "wrong"
			}
			plain, err := s.paste.Decrypt(ctx, c.RecordID(), password)
			switch {
			case err == nil && plain.Paste.Body == "secret body":
				atomic.AddInt64(&ok, 1)
			case errors.Is(err, domain.ErrDecryptionFailed):
				atomic.AddInt64(&denied, 1)
			default:
				t.Errorf("decrypt %d: %v", idx, err)
			}
		}(i)
	}
	wg.Wait()
	if ok != 10 || denied != 10 {
		t.Errorf("ok=%d denied=%d, want 10/10", ok, denied)
	}
}

func TestShutdownRejectsNewWork(t *testing.T) {
	s := newTestStack(t, cfg.BackendSQLite)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.paste.Shutdown(ctx)
	_, err := s.paste.Publish(context.Background(), svc.PublishParams{Paste: domain.Paste{Body: "late"}})
	if !errors.Is(err, svc.ErrShuttingDown) {
		t.Fatalf("publish after shutdown: %v", err)
	}
}
