package domain

import (
	"encoding/json"
)

type Format string

const (
	FormatMarkdown  Format = "markdown"
	FormatPlaintext Format = "plaintext"
)

// ParseFormat is lenient: anything other than "markdown" is plaintext.
func ParseFormat(s string) Format {
	if s == string(FormatMarkdown) {
		return FormatMarkdown
	}
	return FormatPlaintext
}

type Privacy string

const (
	PrivacyPublic  Privacy = "public"
	PrivacyPrivate Privacy = "private"
)

func (p Privacy) Valid() bool {
	return p == PrivacyPublic || p == PrivacyPrivate
}

type Paste struct {
	Title   string  `json:"pasteTitle"`
	Body    string  `json:"pasteText"`
	Format  Format  `json:"pasteFormat"`
	Privacy Privacy `json:"pastePrivacy"`
}

// Container is either a *PlainContainer or an *EncryptedContainer.
type Container interface {
	RecordID() string
	IsEncrypted() bool
	container()
}

type PlainContainer struct {
	ID    string
	Paste Paste
}

func (c *PlainContainer) RecordID() string  { return c.ID }
func (c *PlainContainer) IsEncrypted() bool { return false }
func (c *PlainContainer) container()        {}

func (c *PlainContainer) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Encrypted bool   `json:"encrypted"`
		ID        string `json:"id"`
		Paste     Paste  `json:"paste"`
	}{false, c.ID, c.Paste})
}

type EncryptedContainer struct {
	ID    string
	Paste []byte
	// Salt is only known when the record carried a t_salt tag.
	Salt []byte
}

func (c *EncryptedContainer) RecordID() string  { return c.ID }
func (c *EncryptedContainer) IsEncrypted() bool { return true }
func (c *EncryptedContainer) container()        {}

func (c *EncryptedContainer) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Encrypted bool   `json:"encrypted"`
		ID        string `json:"id"`
		Paste     []byte `json:"paste"`
		Salt      []byte `json:"salt,omitempty"`
	}{true, c.ID, c.Paste, c.Salt})
}
