package remote

import (
	"encoding/base64"
	"fmt"

	"github.com/goccy/go-json"
)

// Cursor is the decoded form of the opaque cursor strings handed out by the stores in
// this module.
type Cursor struct {
	Path           string `json:"p"`
	Recursive      bool   `json:"r,omitempty"`
	IncludeDeleted bool   `json:"d,omitempty"`
	// Seq is the change log position the cursor has consumed up to.
	Seq int64 `json:"s"`
	// Offset is the listing position while a listing is being paged, or -1 once the cursor
	// only follows the change feed.
	Offset int `json:"o"`
}

// InListing reports whether the cursor still pages through a snapshot listing.
func (c *Cursor) InListing() bool {
	return c.Offset >= 0
}

func (c *Cursor) Options() ListOptions {
	return ListOptions{Recursive: c.Recursive, IncludeDeleted: c.IncludeDeleted}
}

func (c *Cursor) Encode() string {
	data, err := json.Marshal(c)
	if err != nil {
		// marshaling a struct of strings and numbers cannot fail
		panic(fmt.Sprintf("remote: encode cursor: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(data)
}

func DecodeCursor(s string) (*Cursor, error) {
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCursor, err)
	}
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCursor, err)
	}
	if c.Seq < 0 || c.Offset < -1 {
		return nil, fmt.Errorf("%w: position out of range", ErrInvalidCursor)
	}
	c.Path = CleanPath(c.Path)
	return &c, nil
}
