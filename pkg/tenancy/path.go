package tenancy

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// appPrefix marks the app segment of a request path, e.g. /appid-shop/....
const appPrefix = "appid-"

var validID = regexp.MustCompile(`^[a-z0-9-]+$`)

// ErrInvalidPath is returned when a path carries a malformed app or tenant id.
var ErrInvalidPath = errors.New("invalid tenant path")

// ParsePath resolves the tenant addressed by a request path of the form
// [/appid-<app>][/<tenant>]<route>. A segment is treated as a tenant id only
// when the remainder does not already start with one of the given route
// roots (e.g. "/recipe"). The remaining route is returned with a leading
// slash.
func ParsePath(connectionURIDomain, path string, routeRoots ...string) (TenantIdentifier, string, error) {
	rest := "/" + strings.TrimLeft(path, "/")
	appID, tenantID := "", ""

	if seg, tail := splitFirst(rest); strings.HasPrefix(seg, appPrefix) {
		appID = strings.TrimPrefix(seg, appPrefix)
		if !validID.MatchString(appID) {
			return TenantIdentifier{}, "", fmt.Errorf("%w: app id %q", ErrInvalidPath, appID)
		}
		rest = tail
	}

	if !hasRoot(rest, routeRoots) {
		seg, tail := splitFirst(rest)
		if seg != "" {
			if !validID.MatchString(seg) {
				return TenantIdentifier{}, "", fmt.Errorf("%w: tenant id %q", ErrInvalidPath, seg)
			}
			tenantID = seg
			rest = tail
		}
	}

	return NewTenant(connectionURIDomain, appID, tenantID), rest, nil
}

// splitFirst splits "/a/b/c" into "a" and "/b/c".
func splitFirst(path string) (string, string) {
	trimmed := strings.TrimPrefix(path, "/")
	seg, tail, found := strings.Cut(trimmed, "/")
	if !found {
		return seg, "/"
	}
	return seg, "/" + tail
}

func hasRoot(path string, roots []string) bool {
	for _, root := range roots {
		if path == root || strings.HasPrefix(path, root+"/") {
			return true
		}
	}
	return false
}
