// Package featureflag is the boundary to the licensing layer. The core asks
// an injected Checker whether a feature is enabled for an app before running
// gated operations; how the answer is obtained is up to the host.
package featureflag

import (
	"context"
	"fmt"

	"github.com/rhuss/authcore/pkg/tenancy"
)

// Feature names a gated capability.
type Feature string

const (
	TOTP         Feature = "totp"
	MFA          Feature = "mfa"
	MultiTenancy Feature = "multi_tenancy"
)

// Checker reports whether a feature is enabled for an app.
type Checker interface {
	Enabled(ctx context.Context, app tenancy.AppIdentifier, feature Feature) (bool, error)
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc func(ctx context.Context, app tenancy.AppIdentifier, feature Feature) (bool, error)

// Enabled calls f.
func (f CheckerFunc) Enabled(ctx context.Context, app tenancy.AppIdentifier, feature Feature) (bool, error) {
	return f(ctx, app, feature)
}

// NotEnabledError is returned when a gated operation runs without its feature.
type NotEnabledError struct {
	Feature Feature
}

func (e *NotEnabledError) Error() string {
	return fmt.Sprintf("feature %q is not enabled", e.Feature)
}

// AllEnabled returns a Checker that enables every feature.
func AllEnabled() Checker {
	return CheckerFunc(func(context.Context, tenancy.AppIdentifier, Feature) (bool, error) {
		return true, nil
	})
}

// Only returns a Checker that enables exactly the given features for every app.
func Only(features ...Feature) Checker {
	set := make(map[Feature]bool, len(features))
	for _, f := range features {
		set[f] = true
	}
	return CheckerFunc(func(_ context.Context, _ tenancy.AppIdentifier, f Feature) (bool, error) {
		return set[f], nil
	})
}

// Require returns a *NotEnabledError unless feature is enabled for app.
// A nil Checker enables nothing.
func Require(ctx context.Context, c Checker, app tenancy.AppIdentifier, feature Feature) error {
	if c == nil {
		return &NotEnabledError{Feature: feature}
	}
	ok, err := c.Enabled(ctx, app, feature)
	if err != nil {
		return fmt.Errorf("checking feature %s: %w", feature, err)
	}
	if !ok {
		return &NotEnabledError{Feature: feature}
	}
	return nil
}
