package kms

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"strings"

	"permapaste/pkg/ledger"

	"github.com/pkg/errors"
)

// SigningKeySecret names the secret holding the ledger signing seed.
const SigningKeySecret = "LEDGER_SIGNING_KEY"

var signingKeyContext = EncryptionContext{"purpose": "ledger-signing-key"}

// SecretSource is what LoadSigningKey needs from an Adapter.
type SecretSource interface {
	GetSecret(ctx context.Context, key string) (string, error)
	DecryptWithContext(ctx context.Context, ciphertext []byte, encContext EncryptionContext) ([]byte, error)
}

// LoadSigningKey reads the base64 seed secret. When wrapped is set the
// secret is a KMS ciphertext bound to the signing key context.
func LoadSigningKey(ctx context.Context, src SecretSource, wrapped bool) (*ledger.SigningKey, error) {
	encoded, err := src.GetSecret(ctx, SigningKeySecret)
	if err != nil {
		return nil, errors.Wrap(err, "read signing key secret")
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, errors.Wrap(err, "signing key secret is not base64")
	}
	if !wrapped {
		return DecodeSeed(raw)
	}
	seed, err := src.DecryptWithContext(ctx, raw, signingKeyContext)
	if err != nil {
		return nil, errors.Wrap(err, "unwrap signing key")
	}
	defer wipe(seed)
	return DecodeSeed(seed)
}

// DecodeSeed builds a signing key from a raw 32-byte seed.
func DecodeSeed(seed []byte) (*ledger.SigningKey, error) {
	k, err := ledger.SigningKeyFromSeed(seed)
	return k, errors.Wrap(err, "decode signing seed")
}

// NewSigningSeed returns a fresh seed and, when a is non-nil, its wrapped
// form as the base64 value to store under SigningKeySecret.
func NewSigningSeed(ctx context.Context, a *Adapter) (seed []byte, secret string, err error) {
	seed = make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, "", errors.Wrap(err, "generate seed")
	}
	if a == nil {
		return seed, base64.StdEncoding.EncodeToString(seed), nil
	}
	ct, err := a.EncryptWithContext(ctx, seed, signingKeyContext)
	if err != nil {
		return nil, "", errors.Wrap(err, "wrap signing key")
	}
	return seed, base64.StdEncoding.EncodeToString(ct), nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
