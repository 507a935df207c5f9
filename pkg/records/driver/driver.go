// package driver defines interfaces to be used by record store drivers.
package driver

import (
	"context"
	"errors"

	"github.com/sour-is/livelist/pkg/records/record"
)

var ErrNotFound = errors.New("record not found")

type Driver interface {
	Open(ctx context.Context, dsn string) (Driver, error)
	Collection(ctx context.Context, name string) (Collection, error)
}

// Collection is one named, ID ordered set of records.
type Collection interface {
	List(ctx context.Context, q record.Query) ([]*record.Record, error)
	Get(ctx context.Context, id string) (*record.Record, error)
	Put(ctx context.Context, r *record.Record) (*record.Record, error)
	Delete(ctx context.Context, id string) (*record.Record, error)
}

// Closer is implemented by drivers holding files open.
type Closer interface {
	Close(ctx context.Context) error
}
