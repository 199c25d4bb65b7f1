// Package ledger is an append-only, content-addressed record ledger.
//
// A record id is the base64url sha256 of its signature, and the signature
// covers owner, payload and tags, so an id names exactly one record.
package ledger

import (
	"context"
	"crypto/ed25519"
	"time"

	"permapaste/pkg/domain"

	"github.com/pkg/errors"
)

const DefaultMaxPayload = 10 * 1024 * 1024

var (
	ErrPayloadTooLarge  = errors.New("ledger: payload too large")
	ErrInvalidSignature = errors.New("ledger: invalid signature")
	ErrIDMismatch       = errors.New("ledger: id does not match signature")
)

// Store persists records. Get must return domain.ErrRecordNotFound for
// unknown ids.
type Store interface {
	Append(ctx context.Context, r *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	Exists(ctx context.Context, id string) (bool, error)
}

type Client struct {
	store      Store
	maxPayload int
	now        func() time.Time
}

func NewClient(store Store, maxPayload int) *Client {
	if store == nil {
		panic("ledger: nil store")
	}
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Client{store: store, maxPayload: maxPayload, now: time.Now}
}

func (c *Client) CreateSubmission(payload []byte, key *SigningKey) (*Submission, error) {
	if !key.valid() {
		return nil, domain.ErrInvalidSigningKey
	}
	if len(payload) > c.maxPayload {
		return nil, ErrPayloadTooLarge
	}
	data := make([]byte, len(payload))
	copy(data, payload)
	return &Submission{payload: data, owner: key.Owner()}, nil
}

func (c *Client) Sign(sub *Submission, key *SigningKey) (*SignedSubmission, error) {
	if !key.valid() {
		return nil, domain.ErrInvalidSigningKey
	}
	if sub == nil {
		return nil, errors.New("ledger: nil submission")
	}
	owner := key.Owner()
	if sub.owner != "" && sub.owner != owner {
		return nil, errors.Wrap(domain.ErrInvalidSigningKey, "submission created for a different owner")
	}
	tags := sub.Tags()
	sig := ed25519.Sign(key.priv, signatureData(owner, sub.payload, tags))
	return &SignedSubmission{
		ID:        recordID(sig),
		Owner:     owner,
		Payload:   sub.payload,
		Tags:      tags,
		Signature: sig,
	}, nil
}

// Post verifies and appends a signed submission. committed is false when
// the identical record was already on the ledger.
func (c *Client) Post(ctx context.Context, s *SignedSubmission) (bool, string, error) {
	if s == nil {
		return false, "", errors.New("ledger: nil submission")
	}
	if err := Verify(s.Owner, s.Payload, s.Tags, s.Signature); err != nil {
		return false, "", err
	}
	if recordID(s.Signature) != s.ID {
		return false, "", ErrIDMismatch
	}
	if len(s.Payload) > c.maxPayload {
		return false, "", ErrPayloadTooLarge
	}
	exists, err := c.store.Exists(ctx, s.ID)
	if err != nil {
		return false, "", errors.Wrap(err, "check existing record")
	}
	if exists {
		return false, s.ID, nil
	}
	rec := &Record{
		ID:        s.ID,
		Owner:     s.Owner,
		Tags:      s.Tags,
		Payload:   s.Payload,
		Signature: s.Signature,
		CreatedAt: c.now().UTC(),
	}
	if err := c.store.Append(ctx, rec); err != nil {
		return false, "", errors.Wrap(err, "append record")
	}
	return true, s.ID, nil
}

func (c *Client) Fetch(ctx context.Context, id string) (*Record, error) {
	if id == "" {
		return nil, domain.ErrRecordNotFound
	}
	rec, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Verify checks a record signature against its owner address.
func Verify(owner string, payload []byte, tags []RawTag, signature []byte) error {
	pub, err := parseOwner(owner)
	if err != nil {
		return errors.Wrap(ErrInvalidSignature, err.Error())
	}
	if !ed25519.Verify(pub, signatureData(owner, payload, tags), signature) {
		return ErrInvalidSignature
	}
	return nil
}

// TagIndex is implemented by stores that can look records up by tag.
type TagIndex interface {
	FindByTag(ctx context.Context, tag RawTag, limit int) ([]string, error)
}

var ErrSearchUnsupported = errors.New("ledger: store does not index tags")

// Search returns ids of records carrying the tag name=value, newest first.
func (c *Client) Search(ctx context.Context, name, value string, limit int) ([]string, error) {
	idx, ok := c.store.(TagIndex)
	if !ok {
		return nil, ErrSearchUnsupported
	}
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	return idx.FindByTag(ctx, EncodeTag(name, value), limit)
}
