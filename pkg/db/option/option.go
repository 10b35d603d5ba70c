package option

import (
	"fmt"
	"regexp"
	"strings"

	"adgate/pkg/db/pagination"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// QueryOption mutates a query before it is executed by a repository.
type QueryOption func(*gorm.DB) *gorm.DB

var identifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

type QuerySortBy struct {
	SortBy  string
	OrderBy string
	Allow   map[string]bool
}

// WithSortBy orders by SortBy (created_at when empty). Columns outside Allow are ignored.
func WithSortBy(s QuerySortBy) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		column := s.SortBy
		if column == "" {
			column = "created_at"
		}
		if !identifier.MatchString(column) {
			return db
		}
		if s.SortBy != "" && len(s.Allow) > 0 && !s.Allow[column] {
			return db
		}

		desc := strings.EqualFold(s.OrderBy, "desc")
		return db.Order(clause.OrderByColumn{Column: clause.Column{Name: column}, Desc: desc})
	}
}

func WithLimit(limit int) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		if limit <= 0 {
			return db
		}
		return db.Limit(limit)
	}
}

// ApplyPagination seeks past the cursor on an ascending integer key and
// fetches one extra row so callers can tell whether more pages follow.
func ApplyPagination(p pagination.Pagination, key string) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		if p.Cursor != "" && identifier.MatchString(key) {
			if cursor, err := pagination.DecodeCursor(p.Cursor); err == nil {
				db = db.Where(fmt.Sprintf("%s > ?", key), cursor.After)
			}
		}
		return db.Limit(p.Size() + 1)
	}
}

// LockingUpdate is a gorm scope adding SELECT ... FOR UPDATE.
func LockingUpdate(db *gorm.DB) *gorm.DB {
	if db.Dialector != nil && db.Dialector.Name() == "sqlite" {
		return db
	}
	return db.Clauses(clause.Locking{Strength: "UPDATE"})
}

func WithLockingUpdate() QueryOption {
	return LockingUpdate
}
