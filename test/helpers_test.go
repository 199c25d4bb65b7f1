package test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"permapaste/cfg"
	"permapaste/pkg/cipher"
	"permapaste/pkg/envelope"
	"permapaste/pkg/kms"
	"permapaste/pkg/ledger"
	"permapaste/svc/api"
	"permapaste/svc/cache"
	"permapaste/svc/db"
	"permapaste/svc/lim"
	"permapaste/svc/svc"
	"permapaste/svc/util"

	"github.com/joho/godotenv"
)

var envLoadOnce sync.Once

func loadTestEnv() {
	envLoadOnce.Do(func() {
		util.InitLog("error", false)
		for _, p := range []string{".env.test", "../.env.test", "../../.env.test"} {
			absPath, err := filepath.Abs(p)
			if err != nil {
				continue
			}
			if _, err := os.Stat(absPath); err == nil {
				if err := godotenv.Load(absPath); err == nil {
					return
				}
			}
		}
		if os.Getenv("KMS_LOCAL_KEY") == "" {
			os.Setenv("KMS_LOCAL_KEY", "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
		}
	})
}

func createTestConfig(t *testing.T) *cfg.Cfg {
	t.Helper()
	loadTestEnv()
	c, err := cfg.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	c.Port = "0"
	c.Environment = "test"
	c.LogLevel = "error"
	// key derivation cost is irrelevant here
	c.Argon2Time = 1
	c.Argon2Memory = 8 * 1024
	c.Argon2Parallelism = 1
	c.RateLimit = cfg.RateLimitCfg{RPM: 100000, Burst: 10000, ConservativeLimit: 50000}
	c.RedisURL = ""
	c.SigningKey = cfg.NewSecret("")
	return c
}

// ledgerStore is what both backends offer the stack.
type ledgerStore interface {
	ledger.Store
	ledger.TagIndex
	Ping(ctx context.Context) error
	io.Closer
}

func createTestSQLite(t *testing.T, c *cfg.Cfg) *db.SQLite {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	s, err := db.NewSQLiteWithConfig(path, c.DBMaxOpenConns, c.DBMaxIdleConns, c.DBQueryTimeout)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func createTestBadger(t *testing.T) *db.Badger {
	t.Helper()
	b, err := db.NewBadger("", true)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func createTestCipher(t *testing.T, c *cfg.Cfg) *cipher.Argon2 {
	t.Helper()
	ciph, err := cipher.NewArgon2(c.Argon2Time, c.Argon2Memory, c.Argon2Parallelism)
	if err != nil {
		t.Fatal(err)
	}
	if err := ciph.Start(c.CipherWorkerCount); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(ciph.Stop)
	return ciph
}

// createTestSigningKey wraps a fresh seed with the local KMS key and loads it
// back the way the binary does with LEDGER_SIGNING_KEY_WRAPPED=true.
func createTestSigningKey(t *testing.T) *ledger.SigningKey {
	t.Helper()
	loadTestEnv()
	if os.Getenv("KMS_LOCAL_KEY") == "" && os.Getenv("VAULT_ADDR") == "" && os.Getenv("AWS_REGION") == "" {
		t.Setenv("KMS_LOCAL_KEY", "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	}
	ctx := context.Background()
	adapter, err := kms.NewAdapter(ctx)
	if err != nil {
		t.Fatal(err)
	}
	_, secret, err := kms.NewSigningSeed(ctx, adapter)
	if err != nil {
		t.Fatal(err)
	}
	t.Setenv(kms.SigningKeySecret, secret)
	key, err := kms.LoadSigningKey(ctx, adapter, true)
	if err != nil {
		t.Fatal(err)
	}
	return key
}

type testStack struct {
	cfg     *cfg.Cfg
	store   ledgerStore
	client  *ledger.Client
	paste   *svc.Paste
	limiter *lim.Limiter
	srv     *httptest.Server
}

type stackOption func(*cfg.Cfg)

func withRateLimit(rpm, burst int) stackOption {
	return func(c *cfg.Cfg) {
		c.RateLimit = cfg.RateLimitCfg{RPM: rpm, Burst: burst, ConservativeLimit: burst}
	}
}

func withExplicitTypeTags() stackOption {
	return func(c *cfg.Cfg) { c.ExplicitTypeTags = true }
}

func withMetricsAuth(user, pass string) stackOption {
	return func(c *cfg.Cfg) {
		c.MetricsUser = user
		c.MetricsPass = cfg.NewSecret(pass)
	}
}

func newTestStack(t *testing.T, backend string, opts ...stackOption) *testStack {
	t.Helper()
	c := createTestConfig(t)
	c.LedgerBackend = backend
	for _, o := range opts {
		o(c)
	}
	var store ledgerStore
	switch backend {
	case cfg.BackendBadger:
		store = createTestBadger(t)
	default:
		store = createTestSQLite(t, c)
	}
	client := ledger.NewClient(store, 0)
	var codecOpts []envelope.Option
	if c.ExplicitTypeTags {
		codecOpts = append(codecOpts, envelope.WithExplicitType())
	}
	lru, err := cache.NewLRU(c.LRUCacheSize)
	if err != nil {
		t.Fatal(err)
	}
	pasteSvc := svc.NewPaste(svc.Deps{
		Codec:  envelope.New(client, createTestCipher(t, c), codecOpts...),
		Source: client,
		Key:    createTestSigningKey(t),
		LRU:    lru,
		Cfg:    c,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pasteSvc.Shutdown(ctx)
	})
	proxies, err := lim.ParseProxies(c.TrustedProxies)
	if err != nil {
		t.Fatal(err)
	}
	limiter := lim.New(c.RateLimit.RPM, c.RateLimit.Burst, c.RateLimit.ConservativeLimit, nil, proxies)
	t.Cleanup(limiter.Stop)
	server := api.NewServer(c, pasteSvc, limiter, store, nil)
	ts := httptest.NewServer(server)
	t.Cleanup(ts.Close)
	return &testStack{cfg: c, store: store, client: client, paste: pasteSvc, limiter: limiter, srv: ts}
}

func (s *testStack) postJSON(t *testing.T, path string, body interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(s.srv.URL+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func (s *testStack) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(s.srv.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

// containerResp covers both container shapes on the wire.
type containerResp struct {
	Encrypted bool            `json:"encrypted"`
	ID        string          `json:"id"`
	Paste     json.RawMessage `json:"paste"`
	Salt      []byte          `json:"salt"`
}

type pasteFields struct {
	Title   string `json:"pasteTitle"`
	Body    string `json:"pasteText"`
	Format  string `json:"pasteFormat"`
	Privacy string `json:"pastePrivacy"`
}

type errResp struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"request_id"`
	} `json:"error"`
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		var e errResp
		json.NewDecoder(resp.Body).Decode(&e)
		resp.Body.Close()
		t.Fatalf("status = %d (%s), want %d", resp.StatusCode, e.Error.Code, want)
	}
}

func (s *testStack) create(t *testing.T, req map[string]string) containerResp {
	t.Helper()
	resp := s.postJSON(t, "/pastes", req)
	expectStatus(t, resp, http.StatusCreated)
	var c containerResp
	decode(t, resp, &c)
	return c
}

func plainFields(t *testing.T, c containerResp) pasteFields {
	t.Helper()
	if c.Encrypted {
		t.Fatalf("container %s is encrypted", c.ID)
	}
	var p pasteFields
	if err := json.Unmarshal(c.Paste, &p); err != nil {
		t.Fatal(err)
	}
	return p
}
