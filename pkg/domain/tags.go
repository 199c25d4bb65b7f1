package domain

type TagKey string

const (
	TagType        TagKey = "t_type"
	TagFormat      TagKey = "t_format"
	TagSalt        TagKey = "t_salt"
	TagTitle       TagKey = "Title"
	TagContentType TagKey = "Content-Type"
)

const (
	TypePublic    = "P"
	TypeEncrypted = "E"
	ContentType   = "text/plain"
)

var allTagKeys = []TagKey{TagType, TagFormat, TagSalt, TagTitle, TagContentType}

func AllTagKeys() []TagKey {
	out := make([]TagKey, len(allTagKeys))
	copy(out, allTagKeys)
	return out
}

func (k TagKey) Valid() bool {
	for _, known := range allTagKeys {
		if k == known {
			return true
		}
	}
	return false
}

func (k TagKey) String() string { return string(k) }

type Tag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Lookup returns the value of the first tag named key.
func Lookup(tags []Tag, key TagKey) (string, bool) {
	for _, t := range tags {
		if t.Name == string(key) {
			return t.Value, true
		}
	}
	return "", false
}
