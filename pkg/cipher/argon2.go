// Package cipher implements the password-based cipher used for private pastes.
//
// Ciphertext layout (the header doubles as associated data):
//
//	version(1) | time(4) | memory(4) | threads(1) | salt(16) | nonce(24) | sealed
//
// The salt travels inside the ciphertext, so a record can always be decrypted
// from its payload alone.
package cipher

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	formatVersion     byte = 1
	SaltSize               = 16
	keySize                = chacha20poly1305.KeySize
	headerSize             = 1 + 4 + 4 + 1 + SaltSize
	maxPasswordLength      = 1024
	maxMemory              = 2 * 1024 * 1024
	maxTime                = 100
	maxThreads             = 128
)

var (
	ErrDecryptFailed    = errors.New("cipher: decryption failed")
	ErrPasswordTooLong  = errors.New("cipher: password too long")
	ErrNotStarted       = errors.New("cipher: key derivation pool not started")
	ErrShuttingDown     = errors.New("cipher: shutting down")
	ErrCiphertextFormat = errors.New("cipher: unrecognized ciphertext format")
)

type params struct {
	time    uint32
	memory  uint32
	threads uint8
}

// Argon2 derives a key from the password with Argon2id and seals with
// XChaCha20-Poly1305. Key derivation is memory hungry, so it runs on a
// bounded pool of workers started with Start.
type Argon2 struct {
	params   params
	jobQueue chan kdfJob
	quit     chan struct{}
	wg       sync.WaitGroup
	started  bool
	startMu  sync.Mutex
	stopOnce sync.Once
}

type kdfJob struct {
	password []byte
	salt     []byte
	params   params
	resp     chan []byte
}

func NewArgon2(time, memory uint32, parallelism uint8) (*Argon2, error) {
	if time == 0 || time > maxTime {
		return nil, errors.New("iterations must be between 1 and 100")
	}
	if memory < 1024 || memory > maxMemory {
		return nil, errors.New("memory must be between 1024 and 2097152 KiB")
	}
	if parallelism == 0 || parallelism > maxThreads {
		return nil, errors.New("parallelism must be between 1 and 128")
	}
	return &Argon2{
		params:   params{time: time, memory: memory, threads: parallelism},
		jobQueue: make(chan kdfJob, 1024),
		quit:     make(chan struct{}),
	}, nil
}

func (a *Argon2) Start(workers int) error {
	a.startMu.Lock()
	defer a.startMu.Unlock()
	if a.started {
		return errors.New("cipher already started")
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	a.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go a.worker()
	}
	a.started = true
	return nil
}

func (a *Argon2) Stop() {
	a.stopOnce.Do(func() {
		close(a.quit)
		a.wg.Wait()
	})
}

func (a *Argon2) worker() {
	defer a.wg.Done()
	for {
		select {
		case job := <-a.jobQueue:
			key := argon2.IDKey(job.password, job.salt, job.params.time, job.params.memory, job.params.threads, keySize)
			job.resp <- key
		case <-a.quit:
			return
		}
	}
}

func (a *Argon2) deriveKey(ctx context.Context, password string, salt []byte, p params) ([]byte, error) {
	a.startMu.Lock()
	started := a.started
	a.startMu.Unlock()
	if !started {
		return nil, ErrNotStarted
	}
	if len(password) > maxPasswordLength {
		return nil, ErrPasswordTooLong
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "derive key")
	}
	// buffered so a worker never blocks on an abandoned job
	resp := make(chan []byte, 1)
	job := kdfJob{password: []byte(password), salt: salt, params: p, resp: resp}
	select {
	case a.jobQueue <- job:
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "queue key derivation")
	case <-a.quit:
		return nil, ErrShuttingDown
	}
	select {
	case key := <-resp:
		return key, nil
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "derive key")
	case <-a.quit:
		return nil, ErrShuttingDown
	}
}

// Encrypt returns the ciphertext and the random salt embedded in it.
func (a *Argon2) Encrypt(ctx context.Context, plaintext []byte, password string) ([]byte, []byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, nil, errors.Wrap(err, "generate salt")
	}
	key, err := a.deriveKey(ctx, password, salt, a.params)
	if err != nil {
		return nil, nil, err
	}
	defer wipe(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, nil, errors.Wrap(err, "init aead")
	}
	header := encodeHeader(a.params, salt)
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, errors.Wrap(err, "generate nonce")
	}
	out := make([]byte, 0, len(header)+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, header...)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, plaintext, header)
	return out, salt, nil
}

func (a *Argon2) Decrypt(ctx context.Context, ciphertext []byte, password string) ([]byte, error) {
	p, salt, err := decodeHeader(ciphertext)
	if err != nil {
		return nil, err
	}
	body := ciphertext[headerSize:]
	if len(body) < chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, ErrCiphertextFormat
	}
	key, err := a.deriveKey(ctx, password, salt, p)
	if err != nil {
		return nil, err
	}
	defer wipe(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errors.Wrap(err, "init aead")
	}
	nonce, sealed := body[:aead.NonceSize()], body[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, ciphertext[:headerSize])
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

// SaltOf extracts the embedded salt without decrypting.
func SaltOf(ciphertext []byte) ([]byte, error) {
	_, salt, err := decodeHeader(ciphertext)
	return salt, err
}

func encodeHeader(p params, salt []byte) []byte {
	h := make([]byte, headerSize)
	h[0] = formatVersion
	binary.BigEndian.PutUint32(h[1:5], p.time)
	binary.BigEndian.PutUint32(h[5:9], p.memory)
	h[9] = p.threads
	copy(h[10:], salt)
	return h
}

func decodeHeader(ciphertext []byte) (params, []byte, error) {
	if len(ciphertext) < headerSize || ciphertext[0] != formatVersion {
		return params{}, nil, ErrCiphertextFormat
	}
	p := params{
		time:    binary.BigEndian.Uint32(ciphertext[1:5]),
		memory:  binary.BigEndian.Uint32(ciphertext[5:9]),
		threads: ciphertext[9],
	}
	// untrusted input: refuse parameters that would exhaust the host
	if p.time == 0 || p.time > maxTime || p.memory < 8*uint32(p.threads) || p.memory > maxMemory || p.threads == 0 || p.threads > maxThreads {
		return params{}, nil, ErrCiphertextFormat
	}
	salt := make([]byte, SaltSize)
	copy(salt, ciphertext[10:headerSize])
	return p, salt, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
