package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ExternalID is a 64-bit source identifier that arrives as a JSON number or string.
// It is decoded without passing through float64.
type ExternalID int64

func (id *ExternalID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*id = 0
		return nil
	}
	s := string(data)
	if data[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*id = 0
			return nil
		}
	}
	// Some sources suffix the owner id (123_456); the post id is the prefix.
	if head, _, ok := strings.Cut(s, "_"); ok {
		s = head
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid external id %q: %w", s, err)
	}
	*id = ExternalID(v)
	return nil
}

func (id ExternalID) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(strconv.FormatInt(int64(id), 10))), nil
}

func (id ExternalID) Int64() int64 { return int64(id) }
