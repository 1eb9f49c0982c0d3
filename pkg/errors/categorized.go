package errors

import (
	"go.ytsaurus.tech/library/go/core/xerrors"
)

// Category tells which side of the pipeline produced an error; it is carried
// through wrapping so the worker can log and classify failures uniformly.
type Category string

const (
	Source   = Category("source")
	Target   = Category("target")
	Catalog  = Category("catalog")
	Internal = Category("internal")
)

type Categorized interface {
	error
	Category() Category
}

type categorizedError struct {
	error
	category Category
}

func (c categorizedError) Category() Category {
	return c.category
}

func (c categorizedError) Unwrap() error {
	return c.error
}

func CategorizedErrorf(category Category, format string, args ...interface{}) error {
	return categorizedError{error: xerrors.Errorf(format, args...), category: category}
}

func GetCategory(err error) Category {
	var categorized Categorized
	if xerrors.As(err, &categorized) {
		return categorized.Category()
	}
	return Internal
}
