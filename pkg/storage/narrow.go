package storage

import (
	"fmt"
	"reflect"
)

// Narrow returns b as the capability T. A backend lacking the capability
// is a configuration error, reported as a *FatalError.
func Narrow[T any](b Backend) (T, error) {
	c, ok := b.(T)
	if !ok {
		var zero T
		name := "<nil>"
		if b != nil {
			name = b.Name()
		}
		return zero, &FatalError{Msg: fmt.Sprintf("storage backend %q does not implement %v", name, reflect.TypeFor[T]())}
	}
	return c, nil
}

// Supports reports whether b implements the capability T.
func Supports[T any](b Backend) bool {
	_, ok := b.(T)
	return ok
}
