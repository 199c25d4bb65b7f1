package envelope

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"permapaste/pkg/domain"
	"permapaste/pkg/ledger"

	"github.com/pkg/errors"
)

func (c *Codec) EncodePublic(p domain.Paste) *Descriptor {
	return &Descriptor{
		Payload: []byte(p.Body),
		Tags: []domain.Tag{
			{Name: domain.TagType.String(), Value: domain.TypePublic},
			{Name: domain.TagTitle.String(), Value: p.Title},
			{Name: domain.TagFormat.String(), Value: string(p.Format)},
			{Name: domain.TagContentType.String(), Value: domain.ContentType},
		},
	}
}

// EncodeEncrypted serializes the whole paste, privacy included, and
// encrypts it under password. An unset format seals as plaintext and an
// unset privacy as private.
func (c *Codec) EncodeEncrypted(ctx context.Context, p domain.Paste, password string) (*Descriptor, error) {
	p.Format = domain.ParseFormat(string(p.Format))
	if p.Privacy == "" {
		p.Privacy = domain.PrivacyPrivate
	}
	if !p.Privacy.Valid() {
		return nil, domain.ErrInvalidPrivacy
	}
	blob, err := json.Marshal(p)
	if err != nil {
		return nil, errors.Wrap(err, "marshal paste")
	}
	ciphertext, salt, err := c.cipher.Encrypt(ctx, blob, password)
	if err != nil {
		return nil, errors.Wrap(err, "encrypt paste")
	}
	d := &Descriptor{Payload: ciphertext, Salt: salt}
	if c.explicitType {
		d.Tags = []domain.Tag{{Name: domain.TagType.String(), Value: domain.TypeEncrypted}}
		if len(salt) > 0 {
			d.Tags = append(d.Tags, domain.Tag{
				Name:  domain.TagSalt.String(),
				Value: base64.RawURLEncoding.EncodeToString(salt),
			})
		}
	}
	return d, nil
}

func (c *Codec) Publish(ctx context.Context, p domain.Paste, key *ledger.SigningKey) (*domain.PlainContainer, error) {
	id, err := c.submit(ctx, c.EncodePublic(p), key)
	if err != nil {
		return nil, err
	}
	p.Privacy = domain.PrivacyPublic
	return &domain.PlainContainer{ID: id, Paste: p}, nil
}

func (c *Codec) PublishEncrypted(ctx context.Context, p domain.Paste, password string, key *ledger.SigningKey) (*domain.EncryptedContainer, error) {
	d, err := c.EncodeEncrypted(ctx, p, password)
	if err != nil {
		return nil, err
	}
	id, err := c.submit(ctx, d, key)
	if err != nil {
		return nil, err
	}
	ec := &domain.EncryptedContainer{ID: id, Paste: d.Payload}
	if c.explicitType {
		ec.Salt = d.Salt
	}
	return ec, nil
}

func (c *Codec) submit(ctx context.Context, d *Descriptor, key *ledger.SigningKey) (string, error) {
	sub, err := c.ledger.CreateSubmission(d.Payload, key)
	if err != nil {
		return "", errors.Wrap(err, "create submission")
	}
	for _, t := range d.Tags {
		sub.AddTag(t.Name, t.Value)
	}
	signed, err := c.ledger.Sign(sub, key)
	if err != nil {
		return "", errors.Wrap(err, "sign submission")
	}
	_, id, err := c.ledger.Post(ctx, signed)
	if err != nil {
		return "", errors.Wrap(err, "post submission")
	}
	return id, nil
}
