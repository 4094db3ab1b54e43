// Package sqlstore implements storage.Storage over database/sql. The sqlite
// and postgres backends supply a Dialect and their migrations; everything
// else, including the transactional commit and the queue lease protocol,
// is shared.
package sqlstore

import (
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// Dialect captures what differs between the supported databases.
type Dialect struct {
	Name        string
	Placeholder sq.PlaceholderFormat
	// EncodeTime converts a time into the column representation.
	EncodeTime func(time.Time) interface{}
	// RowLock is appended to selects that must block concurrent writers
	// inside a transaction ("FOR UPDATE" on postgres).
	RowLock string
	// SkipLocked is appended to the due-entry subquery so concurrent
	// processors skip rows another transaction is leasing.
	SkipLocked string
}

// timeCol scans INTEGER unix-millisecond columns (sqlite) and native
// timestamps (postgres) into a time.Time.
type timeCol struct {
	t     *time.Time
	valid bool
}

func (c *timeCol) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		c.valid = false
		return nil
	case int64:
		*c.t = time.UnixMilli(v).UTC()
	case time.Time:
		*c.t = v.UTC()
	case []byte:
		return c.parse(string(v))
	case string:
		return c.parse(v)
	default:
		return fmt.Errorf("unsupported time column type %T", src)
	}
	c.valid = true
	return nil
}

func (c *timeCol) parse(s string) error {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("parse time column: %w", err)
	}
	*c.t = t.UTC()
	c.valid = true
	return nil
}

// nullTimeCol scans into a *time.Time left nil for NULL.
type nullTimeCol struct {
	dst **time.Time
	tmp time.Time
}

func (c *nullTimeCol) Scan(src interface{}) error {
	inner := timeCol{t: &c.tmp}
	if err := inner.Scan(src); err != nil {
		return err
	}
	if inner.valid {
		t := c.tmp
		*c.dst = &t
	} else {
		*c.dst = nil
	}
	return nil
}

func (s *Store) t(t time.Time) interface{} {
	return s.dialect.EncodeTime(t.UTC())
}

func (s *Store) nt(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return s.t(*t)
}
