package ledger

import (
	"crypto/ed25519"
	"crypto/rand"

	"github.com/mr-tron/base58"
	"github.com/pkg/errors"
	"golang.org/x/crypto/sha3"
)

const ownerChecksumLength = 4

// SigningKey is an opaque signing capability. The private half never leaves
// this package.
type SigningKey struct {
	priv ed25519.PrivateKey
}

func GenerateSigningKey() (*SigningKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generate signing key")
	}
	return &SigningKey{priv: priv}, nil
}

func SigningKeyFromSeed(seed []byte) (*SigningKey, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, errors.Errorf("signing seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return &SigningKey{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

func (k *SigningKey) valid() bool {
	return k != nil && len(k.priv) == ed25519.PrivateKeySize
}

func (k *SigningKey) public() ed25519.PublicKey {
	return k.priv.Public().(ed25519.PublicKey)
}

// Owner is the base58 address of the key: public key followed by a short
// sha3 checksum.
func (k *SigningKey) Owner() string {
	if !k.valid() {
		return ""
	}
	return ownerAddress(k.public())
}

// Wipe zeroes the private key; the key is unusable afterwards.
func (k *SigningKey) Wipe() {
	if k == nil {
		return
	}
	for i := range k.priv {
		k.priv[i] = 0
	}
	k.priv = nil
}

func (k *SigningKey) String() string { return "SigningKey(" + k.Owner() + ")" }

func ownerAddress(pub ed25519.PublicKey) string {
	sum := sha3.Sum256(pub)
	buf := make([]byte, 0, len(pub)+ownerChecksumLength)
	buf = append(buf, pub...)
	buf = append(buf, sum[:ownerChecksumLength]...)
	return base58.Encode(buf)
}

func parseOwner(owner string) (ed25519.PublicKey, error) {
	raw, err := base58.Decode(owner)
	if err != nil {
		return nil, errors.Wrap(err, "decode owner")
	}
	if len(raw) != ed25519.PublicKeySize+ownerChecksumLength {
		return nil, errors.New("owner has wrong length")
	}
	pub := raw[:ed25519.PublicKeySize]
	sum := sha3.Sum256(pub)
	for i := 0; i < ownerChecksumLength; i++ {
		if sum[i] != raw[ed25519.PublicKeySize+i] {
			return nil, errors.New("owner checksum mismatch")
		}
	}
	return ed25519.PublicKey(pub), nil
}
