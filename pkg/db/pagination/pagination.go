package pagination

import (
	"encoding/base64"
	"encoding/json"
)

const (
	DefaultLimit = 10
	MaxLimit     = 250
)

type Pagination struct {
	Cursor string `form:"cursor" json:"cursor"`
	Limit  int    `form:"limit" json:"limit" binding:"omitempty,gte=1,lte=250"`
}

// Size clamps the requested limit into [1, MaxLimit].
func (p Pagination) Size() int {
	switch {
	case p.Limit <= 0:
		return DefaultLimit
	case p.Limit > MaxLimit:
		return MaxLimit
	}
	return p.Limit
}

// Cursor points just past the last row of a page in sequence order.
type Cursor struct {
	After int64 `json:"after"`
}

type PageInfo struct {
	NextCursor string `json:"next_cursor,omitempty"`
	HasMore    bool   `json:"has_more"`
}

func EncodeCursor(c Cursor) (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func DecodeCursor(data string) (*Cursor, error) {
	b, err := base64.RawURLEncoding.DecodeString(data)
	if err != nil {
		return nil, err
	}

	var c Cursor
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Trim cuts a page fetched with Size()+1 rows down to size and reports
// whether another page follows.
func Trim[T any](rows []*T, p Pagination, next func(*T) Cursor) ([]*T, *PageInfo) {
	size := p.Size()
	if len(rows) <= size {
		return rows, &PageInfo{}
	}

	rows = rows[:size]
	cursor, _ := EncodeCursor(next(rows[len(rows)-1]))
	return rows, &PageInfo{NextCursor: cursor, HasMore: true}
}
