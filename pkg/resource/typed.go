package resource

import (
	"fmt"

	"github.com/rhuss/authcore/pkg/tenancy"
)

// Lookup returns the resource under (scope, key) as a T.
func Lookup[T any](d *Distributor, scope tenancy.Scope, key Key) (T, bool) {
	v, ok := d.Get(scope, key)
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

// Obtain is the typed form of GetOrCreate.
func Obtain[T any](d *Distributor, scope tenancy.Scope, key Key, factory func() (T, error)) (T, error) {
	v, err := d.GetOrCreate(scope, key, func() (any, error) {
		return factory()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("resource %s in %s has type %T", key, scope, v)
	}
	return t, nil
}
