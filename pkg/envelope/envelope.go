// Package envelope maps pastes to ledger records and back.
//
// Public pastes are written as the raw body plus descriptive tags. Private
// pastes are written as opaque ciphertext with no tags at all, so on the way
// back a record is treated as public exactly when it carries a t_format tag.
// WithExplicitType adds a t_type=E discriminator (and the salt) to encrypted
// records and lets the decoder trust t_type when present.
package envelope

import (
	"context"

	"permapaste/pkg/domain"
	"permapaste/pkg/ledger"
)

// Ledger is the record store a Codec publishes to and reads from.
type Ledger interface {
	CreateSubmission(payload []byte, key *ledger.SigningKey) (*ledger.Submission, error)
	Sign(sub *ledger.Submission, key *ledger.SigningKey) (*ledger.SignedSubmission, error)
	Post(ctx context.Context, s *ledger.SignedSubmission) (committed bool, id string, err error)
	Fetch(ctx context.Context, id string) (*ledger.Record, error)
}

// Cipher is a password based symmetric cipher.
type Cipher interface {
	Encrypt(ctx context.Context, plaintext []byte, password string) (ciphertext, salt []byte, err error)
	Decrypt(ctx context.Context, ciphertext []byte, password string) ([]byte, error)
}

// Descriptor is what gets submitted for one paste.
type Descriptor struct {
	Payload []byte
	Tags    []domain.Tag
	Salt    []byte
}

type Codec struct {
	ledger       Ledger
	cipher       Cipher
	explicitType bool
}

type Option func(*Codec)

func WithExplicitType() Option {
	return func(c *Codec) { c.explicitType = true }
}

func New(l Ledger, c Cipher, opts ...Option) *Codec {
	codec := &Codec{ledger: l, cipher: c}
	for _, opt := range opts {
		opt(codec)
	}
	return codec
}

func (c *Codec) ExplicitType() bool { return c.explicitType }
