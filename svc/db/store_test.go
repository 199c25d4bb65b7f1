package db

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"permapaste/pkg/domain"
	"permapaste/pkg/ledger"

	"github.com/pkg/errors"
)

type testStore interface {
	ledger.Store
	ledger.TagIndex
	Ping(ctx context.Context) error
	io.Closer
}

func openStores(t *testing.T) map[string]testStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewBadger("", true)
	if err != nil {
		t.Fatal(err)
	}
	stores := map[string]testStore{"sqlite": s, "badger": b}
	t.Cleanup(func() {
		for _, st := range stores {
			st.Close()
		}
	})
	return stores
}

func signedRecord(t *testing.T, key *ledger.SigningKey, body, title string, at time.Time) *ledger.Record {
	t.Helper()
	client := ledger.NewClient(ledger.NewMemStore(), 0)
	sub, err := client.CreateSubmission([]byte(body), key)
	if err != nil {
		t.Fatal(err)
	}
	sub.AddTag(string(domain.TagTitle), title)
	sub.AddTag(string(domain.TagFormat), "plaintext")
	s, err := client.Sign(sub, key)
	if err != nil {
		t.Fatal(err)
	}
	return &ledger.Record{ID: s.ID, Owner: s.Owner, Tags: s.Tags, Payload: s.Payload, Signature: s.Signature, CreatedAt: at}
}

func TestStoreAppendGet(t *testing.T) {
	key, err := ledger.GenerateSigningKey()
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			rec := signedRecord(t, key, "hello", "greeting", time.Now().UTC().Truncate(time.Second))
			if ok, err := store.Exists(ctx, rec.ID); err != nil || ok {
				t.Fatalf("exists before append: %v %v", ok, err)
			}
			if err := store.Append(ctx, rec); err != nil {
				t.Fatal(err)
			}
			// appending the same record again is a no-op
			if err := store.Append(ctx, rec); err != nil {
				t.Fatal(err)
			}
			got, err := store.Get(ctx, rec.ID)
			if err != nil {
				t.Fatal(err)
			}
			if string(got.Payload) != "hello" || got.Owner != rec.Owner || len(got.Tags) != 2 {
				t.Fatalf("unexpected record %+v", got)
			}
			if got.Tags[0] != rec.Tags[0] || got.Tags[1] != rec.Tags[1] {
				t.Errorf("tag order not preserved")
			}
			if err := ledger.Verify(got.Owner, got.Payload, got.Tags, got.Signature); err != nil {
				t.Errorf("stored record fails verification: %v", err)
			}
			if ok, err := store.Exists(ctx, rec.ID); err != nil || !ok {
				t.Fatalf("exists after append: %v %v", ok, err)
			}
			ids, err := store.FindByTag(ctx, ledger.EncodeTag(string(domain.TagTitle), "greeting"), 10)
			if err != nil {
				t.Fatal(err)
			}
			if len(ids) != 1 {
				t.Errorf("duplicate append indexed %d times", len(ids))
			}
		})
	}
}

func TestStoreGetMissing(t *testing.T) {
	ctx := context.Background()
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Get(ctx, "missing")
			if !errors.Is(err, domain.ErrRecordNotFound) {
				t.Fatalf("got %v, want ErrRecordNotFound", err)
			}
		})
	}
}

func TestStoreFindByTagNewestFirst(t *testing.T) {
	key, err := ledger.GenerateSigningKey()
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			var want []string
			for i, body := range []string{"a", "b", "c"} {
				rec := signedRecord(t, key, body, "list", base.Add(time.Duration(i)*time.Hour))
				if err := store.Append(ctx, rec); err != nil {
					t.Fatal(err)
				}
				want = append([]string{rec.ID}, want...)
			}
			other := signedRecord(t, key, "d", "else", base)
			if err := store.Append(ctx, other); err != nil {
				t.Fatal(err)
			}

			ids, err := store.FindByTag(ctx, ledger.EncodeTag(string(domain.TagTitle), "list"), 10)
			if err != nil {
				t.Fatal(err)
			}
			if len(ids) != 3 {
				t.Fatalf("got %d ids, want 3", len(ids))
			}
			for i := range want {
				if ids[i] != want[i] {
					t.Errorf("position %d: got %s, want %s", i, ids[i], want[i])
				}
			}
			limited, err := store.FindByTag(ctx, ledger.EncodeTag(string(domain.TagTitle), "list"), 2)
			if err != nil {
				t.Fatal(err)
			}
			if len(limited) != 2 || limited[0] != want[0] {
				t.Errorf("limit not applied: %v", limited)
			}
		})
	}
}

func TestStorePing(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			if err := store.Ping(context.Background()); err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestBadgerReopen(t *testing.T) {
	key, err := ledger.GenerateSigningKey()
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	ctx := context.Background()
	b, err := NewBadger(dir, false)
	if err != nil {
		t.Fatal(err)
	}
	rec := signedRecord(t, key, "durable", "kept", time.Now().UTC())
	if err := b.Append(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if err := b.Ping(ctx); err == nil {
		t.Error("ping on closed store succeeded")
	}

	b, err = NewBadger(dir, false)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	got, err := b.Get(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Payload) != "durable" {
		t.Errorf("payload %q after reopen", got.Payload)
	}
}

func TestSQLiteCheckpoint(t *testing.T) {
	s, err := NewSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if err := s.checkpoint(context.Background()); err != nil {
		t.Fatal(err)
	}
}
