package storage

import (
	"context"
	"io"
)

// Storage is the abstract object-store surface the commit engine consumes.
// PutIfAbsent must be a true atomic create-if-absent: either the object is
// claimed or it is not, with no partial visibility. List returns paths in
// ascending lexical order.
type Storage interface {
	Write(ctx context.Context, filepath string, data io.Reader) error
	PutIfAbsent(ctx context.Context, filepath string, data io.Reader) error
	Read(ctx context.Context, filepath string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Head(ctx context.Context, filepath string) (int64, error)
}
