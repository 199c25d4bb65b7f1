// Package kms resolves secrets and unwraps key material through a chain of
// providers: Vault transit, then AWS KMS and Secrets Manager, then a local
// AES-GCM key for development.
package kms

import (
	"bytes"
	"context"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrProviderUnavailable = errors.New("kms provider unavailable")
	ErrRequiresPrimary     = errors.New("KMS_REQUIRE_PRIMARY is enabled, cannot use fallback provider")
)

const callTimeout = 10 * time.Second

// EncryptionContext is bound to a ciphertext as associated data; the same
// context must be presented to decrypt.
type EncryptionContext map[string]string

type Provider interface {
	EncryptWithContext(ctx context.Context, plaintext []byte, encContext []byte) ([]byte, error)
	DecryptWithContext(ctx context.Context, ciphertext []byte, encContext []byte) ([]byte, error)
	GetSecret(ctx context.Context, key string) (string, error)
}

type Adapter struct {
	primary        Provider
	fallback       Provider
	failClosed     bool
	requirePrimary bool
}

func NewAdapter(ctx context.Context) (*Adapter, error) {
	requirePrimary := strings.EqualFold(os.Getenv("KMS_REQUIRE_PRIMARY"), "true")
	a := &Adapter{
		requirePrimary: requirePrimary,
		failClosed:     os.Getenv("KMS_FAIL_CLOSED") != "false",
	}
	if os.Getenv("VAULT_ADDR") != "" {
		if vp, err := newVaultProvider(ctx); err == nil {
			a.primary = vp
		}
	}
	if a.primary == nil && os.Getenv("AWS_REGION") != "" {
		if ap, err := newAWSProvider(ctx); err == nil {
			a.primary = ap
		}
	}
	if a.primary == nil && !requirePrimary {
		if key := os.Getenv("KMS_LOCAL_KEY"); key != "" {
			ep, err := newEnvProvider(key)
			if err != nil {
				return nil, errors.Wrap(err, "init env provider")
			}
			a.fallback = ep
		}
	}
	if a.primary == nil && a.fallback == nil {
		if requirePrimary {
			return nil, errors.New("KMS_REQUIRE_PRIMARY=true but neither Vault nor AWS KMS is reachable")
		}
		return nil, ErrProviderUnavailable
	}
	return a, nil
}

// NewAdapterWithProviders builds an adapter over explicit providers.
func NewAdapterWithProviders(primary, fallback Provider, failClosed bool) *Adapter {
	return &Adapter{primary: primary, fallback: fallback, failClosed: failClosed}
}

func (a *Adapter) EncryptWithContext(ctx context.Context, plaintext []byte, encContext EncryptionContext) ([]byte, error) {
	aad := serializeEncryptionContext(encContext)
	return a.call(ctx, "encrypt", func(ctx context.Context, p Provider) ([]byte, error) {
		return p.EncryptWithContext(ctx, plaintext, aad)
	})
}

func (a *Adapter) DecryptWithContext(ctx context.Context, ciphertext []byte, encContext EncryptionContext) ([]byte, error) {
	aad := serializeEncryptionContext(encContext)
	return a.call(ctx, "decrypt", func(ctx context.Context, p Provider) ([]byte, error) {
		return p.DecryptWithContext(ctx, ciphertext, aad)
	})
}

func (a *Adapter) GetSecret(ctx context.Context, key string) (string, error) {
	out, err := a.call(ctx, "get secret", func(ctx context.Context, p Provider) ([]byte, error) {
		v, err := p.GetSecret(ctx, key)
		if err == nil && v == "" {
			err = errors.Errorf("secret %s is empty", key)
		}
		return []byte(v), err
	})
	return string(out), err
}

// call tries the primary provider, then the fallback unless the adapter
// is fail-closed or pinned to the primary.
func (a *Adapter) call(ctx context.Context, op string, fn func(context.Context, Provider) ([]byte, error)) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	if a.primary != nil {
		out, err := fn(ctx, a.primary)
		if err == nil {
			return out, nil
		}
		if a.requirePrimary {
			return nil, errors.Wrapf(err, "primary kms %s (KMS_REQUIRE_PRIMARY=true)", op)
		}
		if a.failClosed {
			return nil, errors.Wrapf(err, "kms %s (fail-closed)", op)
		}
	}
	if a.fallback != nil {
		return fn(ctx, a.fallback)
	}
	return nil, ErrProviderUnavailable
}

func serializeEncryptionContext(ec EncryptionContext) []byte {
	if len(ec) == 0 {
		return nil
	}
	keys := make([]string, 0, len(ec))
	for k := range ec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var buf bytes.Buffer
	for _, k := range keys {
		buf.WriteString(k)
		buf.WriteByte('=')
		buf.WriteString(ec[k])
		buf.WriteByte(';')
	}
	return buf.Bytes()
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
