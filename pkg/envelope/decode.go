package envelope

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"

	"permapaste/pkg/cipher"
	"permapaste/pkg/domain"
	"permapaste/pkg/ledger"

	"github.com/pkg/errors"
)

// Decode never fails: missing or unknown metadata falls back to defaults.
func (c *Codec) Decode(rec *ledger.Record) domain.Container {
	tags := decodeTags(rec.Tags)
	if c.explicitType {
		switch v, _ := domain.Lookup(tags, domain.TagType); v {
		case domain.TypeEncrypted:
			return encryptedContainer(rec, tags)
		case domain.TypePublic:
			return plainContainer(rec, tags)
		}
	}
	if _, ok := domain.Lookup(tags, domain.TagFormat); ok {
		return plainContainer(rec, tags)
	}
	return encryptedContainer(rec, tags)
}

// Open fetches a record and decodes it.
func (c *Codec) Open(ctx context.Context, id string) (domain.Container, error) {
	rec, err := c.ledger.Fetch(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "fetch record")
	}
	return c.Decode(rec), nil
}

// Decrypt turns an encrypted container back into a plain one. A wrong
// password or a malformed document is domain.ErrDecryptionFailed; a stopped
// cipher pool is domain.ErrUnavailable.
func (c *Codec) Decrypt(ctx context.Context, ec *domain.EncryptedContainer, password string) (*domain.PlainContainer, error) {
	if ec == nil {
		return nil, errors.New("nil container")
	}
	plaintext, err := c.cipher.Decrypt(ctx, ec.Paste, password)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errors.Wrap(ctxErr, "decrypt paste")
		}
		if errors.Is(err, cipher.ErrShuttingDown) || errors.Is(err, cipher.ErrNotStarted) {
			return nil, errors.Wrap(domain.ErrUnavailable, err.Error())
		}
		return nil, errors.Wrap(domain.ErrDecryptionFailed, err.Error())
	}
	p, err := parseSealedPaste(plaintext)
	if err != nil {
		return nil, errors.Wrap(domain.ErrDecryptionFailed, "malformed paste: "+err.Error())
	}
	return &domain.PlainContainer{ID: ec.ID, Paste: p}, nil
}

// sealedPaste requires every key to be present in the decrypted document.
type sealedPaste struct {
	Title   *string         `json:"pasteTitle"`
	Body    *string         `json:"pasteText"`
	Format  *domain.Format  `json:"pasteFormat"`
	Privacy *domain.Privacy `json:"pastePrivacy"`
}

func parseSealedPaste(data []byte) (domain.Paste, error) {
	var sp sealedPaste
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&sp); err != nil {
		return domain.Paste{}, err
	}
	if dec.More() {
		return domain.Paste{}, errors.New("trailing data")
	}
	if sp.Title == nil || sp.Body == nil || sp.Format == nil || sp.Privacy == nil {
		return domain.Paste{}, errors.New("missing field")
	}
	if *sp.Format != domain.FormatMarkdown && *sp.Format != domain.FormatPlaintext {
		return domain.Paste{}, errors.Errorf("unknown format %q", *sp.Format)
	}
	if !sp.Privacy.Valid() {
		return domain.Paste{}, errors.Errorf("unknown privacy %q", *sp.Privacy)
	}
	return domain.Paste{Title: *sp.Title, Body: *sp.Body, Format: *sp.Format, Privacy: *sp.Privacy}, nil
}

func decodeTags(raw []ledger.RawTag) []domain.Tag {
	tags := make([]domain.Tag, 0, len(raw))
	for _, r := range raw {
		name, value, err := r.Decode()
		if err != nil {
			continue
		}
		tags = append(tags, domain.Tag{Name: name, Value: value})
	}
	return tags
}

func plainContainer(rec *ledger.Record, tags []domain.Tag) *domain.PlainContainer {
	format, _ := domain.Lookup(tags, domain.TagFormat)
	title, _ := domain.Lookup(tags, domain.TagTitle)
	return &domain.PlainContainer{
		ID: rec.ID,
		Paste: domain.Paste{
			Title:   title,
			Body:    string(rec.Data()),
			Format:  domain.ParseFormat(format),
			Privacy: domain.PrivacyPublic,
		},
	}
}

func encryptedContainer(rec *ledger.Record, tags []domain.Tag) *domain.EncryptedContainer {
	// records may be shared with the cache; the container gets its own bytes
	ec := &domain.EncryptedContainer{ID: rec.ID, Paste: append([]byte(nil), rec.Data()...)}
	if s, ok := domain.Lookup(tags, domain.TagSalt); ok {
		if salt, err := base64.RawURLEncoding.DecodeString(s); err == nil {
			ec.Salt = salt
		}
	}
	return ec
}
