package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
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

	"github.com/pkg/errors"
)

type ledgerStore interface {
	ledger.Store
	ledger.TagIndex
	api.Pinger
	io.Closer
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "-health":
			os.Exit(healthCheck())
		case "-keygen":
			os.Exit(keygen(len(os.Args) > 2 && os.Args[2] == "-wrap"))
		}
	}

	c, err := cfg.Load()
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load configuration")
	}
	if err := cfg.Validate(c); err != nil {
		util.Fatal().Err(err).Msg("invalid configuration")
	}
	defer c.Wipe()
	util.InitLog(c.LogLevel, c.Environment == "development")
	util.Info().Msg("starting permapaste")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var workers sync.WaitGroup

	key, err := loadSigningKey(ctx, c)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load ledger signing key")
	}
	defer key.Wipe()
	util.Info().Str("owner", key.Owner()).Msg("ledger signing key loaded")

	store, err := openStore(ctx, c, &workers)
	if err != nil {
		util.Fatal().Err(err).Str("backend", c.LedgerBackend).Msg("failed to open ledger store")
	}
	defer store.Close()

	var (
		shared      svc.RecordCache
		cachePinger api.Pinger
		window      lim.WindowCounter
	)
	if c.RedisURL != "" {
		rdb, err := db.NewRedis(c.RedisURL, c)
		if err != nil {
			if c.Environment == "production" {
				util.Fatal().Err(err).Msg("redis required in production when REDIS_URL is set")
			}
			util.Warn().Err(err).Msg("redis unavailable, continuing without shared cache")
		} else {
			defer rdb.Close()
			shared, cachePinger, window = rdb, rdb, rdb
			util.Info().Msg("redis connected")
		}
	}

	lru, err := cache.NewLRU(c.LRUCacheSize)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to create LRU cache")
	}

	ciph, err := cipher.NewArgon2(c.Argon2Time, c.Argon2Memory, c.Argon2Parallelism)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize cipher")
	}
	if err := ciph.Start(c.CipherWorkerCount); err != nil {
		util.Fatal().Err(err).Msg("failed to start cipher workers")
	}
	defer ciph.Stop()
	util.Info().Int("workers", c.CipherWorkerCount).Msg("cipher initialized")

	client := ledger.NewClient(store, 0)
	var opts []envelope.Option
	if c.ExplicitTypeTags {
		opts = append(opts, envelope.WithExplicitType())
	}
	pasteSvc := svc.NewPaste(svc.Deps{
		Codec:  envelope.New(client, ciph, opts...),
		Source: client,
		Key:    key,
		LRU:    lru,
		Shared: shared,
		Cfg:    c,
	})

	proxies, err := lim.ParseProxies(c.TrustedProxies)
	if err != nil {
		util.Fatal().Err(err).Msg("invalid trusted proxies")
	}
	limiter := lim.New(c.RateLimit.RPM, c.RateLimit.Burst, c.RateLimit.ConservativeLimit, window, proxies)
	defer limiter.Stop()
	util.Info().
		Int("rpm", c.RateLimit.RPM).
		Int("burst", c.RateLimit.Burst).
		Strs("trusted_proxies", c.TrustedProxies).
		Msg("rate limiter initialized")

	server := api.NewServer(c, pasteSvc, limiter, store, cachePinger)
	go func() {
		if err := server.Start(); err != nil {
			util.Fatal().Err(err).Msg("server failed")
		}
	}()
	util.Info().Str("port", c.Port).Str("environment", c.Environment).Msg("server started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	util.Info().Msg("shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		util.Error().Err(err).Msg("server shutdown error")
	}
	pasteSvc.Shutdown(shutdownCtx)
	cancel()
	done := make(chan struct{})
	go func() {
		workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		util.Warn().Msg("store maintenance did not stop before deadline")
	}
	util.Info().Msg("shutdown complete")
}

func openStore(ctx context.Context, c *cfg.Cfg, workers *sync.WaitGroup) (ledgerStore, error) {
	switch c.LedgerBackend {
	case cfg.BackendBadger:
		b, err := db.NewBadger(c.BadgerDir, false)
		if err != nil {
			return nil, err
		}
		workers.Add(1)
		go func() {
			defer workers.Done()
			b.RunGC(ctx)
		}()
		util.Info().Str("dir", c.BadgerDir).Msg("badger ledger opened")
		return b, nil
	default:
		s, err := db.NewSQLiteWithConfig(c.DatabasePath, c.DBMaxOpenConns, c.DBMaxIdleConns, c.DBQueryTimeout)
		if err != nil {
			return nil, err
		}
		workers.Add(1)
		go func() {
			defer workers.Done()
			s.RunWALMaintenance(ctx)
		}()
		util.Info().Str("path", c.DatabasePath).Msg("sqlite ledger opened")
		return s, nil
	}
}

// loadSigningKey prefers a KMS-wrapped seed, then a plain seed, then a
// secret held by Vault or AWS. Outside production it falls back to an
// ephemeral key.
func loadSigningKey(ctx context.Context, c *cfg.Cfg) (*ledger.SigningKey, error) {
	if c.SigningKeyWrapped {
		adapter, err := kms.NewAdapter(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "init kms adapter")
		}
		return kms.LoadSigningKey(ctx, adapter, true)
	}
	if v := c.SigningKey.Value(); v != "" {
		seed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(v))
		if err != nil {
			return nil, errors.Wrap(err, "LEDGER_SIGNING_KEY is not base64")
		}
		defer func() {
			for i := range seed {
				seed[i] = 0
			}
		}()
		return kms.DecodeSeed(seed)
	}
	if os.Getenv("VAULT_ADDR") != "" || os.Getenv("AWS_REGION") != "" {
		adapter, err := kms.NewAdapter(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "init kms adapter")
		}
		return kms.LoadSigningKey(ctx, adapter, false)
	}
	if c.Environment == "production" {
		return nil, errors.New("no signing key configured")
	}
	util.Warn().Msg("LEDGER_SIGNING_KEY not set, records will be signed with an ephemeral key")
	return ledger.GenerateSigningKey()
}

// keygen prints a fresh signing secret. With wrap the seed is sealed by the
// configured KMS provider.
func keygen(wrap bool) int {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	var adapter *kms.Adapter
	if wrap {
		a, err := kms.NewAdapter(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, "kms:", err)
			return 1
		}
		adapter = a
	}
	seed, secret, err := kms.NewSigningSeed(ctx, adapter)
	if err != nil {
		fmt.Fprintln(os.Stderr, "keygen:", err)
		return 1
	}
	key, err := kms.DecodeSeed(seed)
	for i := range seed {
		seed[i] = 0
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "keygen:", err)
		return 1
	}
	defer key.Wipe()
	fmt.Printf("LEDGER_SIGNING_KEY=%s\n", secret)
	if wrap {
		fmt.Println("LEDGER_SIGNING_KEY_WRAPPED=true")
	}
	fmt.Printf("# owner %s\n", key.Owner())
	return 0
}

// healthCheck probes the local server; the badger directory is locked by
// the running process so the store cannot be opened here.
func healthCheck() int {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://127.0.0.1:" + port + "/health")
	if err != nil {
		return 1
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}
