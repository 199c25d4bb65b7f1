package ledger

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"time"
)

// RawTag is a metadata tag as it travels on the ledger: both halves are
// unpadded base64url.
type RawTag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func EncodeTag(name, value string) RawTag {
	return RawTag{
		Name:  base64.RawURLEncoding.EncodeToString([]byte(name)),
		Value: base64.RawURLEncoding.EncodeToString([]byte(value)),
	}
}

// Decode reverses EncodeTag.
func (t RawTag) Decode() (string, string, error) {
	name, err := base64.RawURLEncoding.DecodeString(t.Name)
	if err != nil {
		return "", "", err
	}
	value, err := base64.RawURLEncoding.DecodeString(t.Value)
	if err != nil {
		return "", "", err
	}
	return string(name), string(value), nil
}

// Submission is an unsigned record under construction.
type Submission struct {
	payload []byte
	tags    []RawTag
	owner   string
}

// AddTag appends a tag. Call order is preserved on the ledger.
func (s *Submission) AddTag(name, value string) {
	s.tags = append(s.tags, EncodeTag(name, value))
}

func (s *Submission) Tags() []RawTag {
	out := make([]RawTag, len(s.tags))
	copy(out, s.tags)
	return out
}

type SignedSubmission struct {
	ID        string
	Owner     string
	Payload   []byte
	Tags      []RawTag
	Signature []byte
}

// Record is an entry read back from the ledger.
type Record struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	Tags      []RawTag  `json:"tags"`
	Payload   []byte    `json:"payload"`
	Signature []byte    `json:"signature"`
	CreatedAt time.Time `json:"created_at"`
}

// Data returns the raw payload bytes.
func (r *Record) Data() []byte {
	return r.Payload
}

func recordID(signature []byte) string {
	sum := sha256.Sum256(signature)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// signatureData length-prefixes every field so no two distinct submissions
// share a message.
func signatureData(owner string, payload []byte, tags []RawTag) []byte {
	h := sha256.New()
	writeField := func(b []byte) {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(b)))
		h.Write(n[:])
		h.Write(b)
	}
	writeField([]byte(owner))
	writeField(payload)
	var count [8]byte
	binary.BigEndian.PutUint64(count[:], uint64(len(tags)))
	h.Write(count[:])
	for _, t := range tags {
		writeField([]byte(t.Name))
		writeField([]byte(t.Value))
	}
	return h.Sum(nil)
}

// ValidID reports whether id has the shape of a record id.
func ValidID(id string) bool {
	if len(id) != base64.RawURLEncoding.EncodedLen(sha256.Size) {
		return false
	}
	_, err := base64.RawURLEncoding.DecodeString(id)
	return err == nil
}
