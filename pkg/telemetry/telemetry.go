// Package telemetry provisions the anonymous installation ID reported by
// usage telemetry. Nothing is sent from here; the ID is only stored.
package telemetry

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/rhuss/authcore/pkg/storage"
	"github.com/rhuss/authcore/pkg/tenancy"
)

// IDKey is the key-value name the ID is stored under.
const IDKey = "telemetryId"

// GetOrCreateID returns the app's telemetry ID, creating it on first use.
// Concurrent first callers all observe the same ID.
func GetOrCreateID(ctx context.Context, store storage.KeyValueStorage, app tenancy.AppIdentifier) (string, error) {
	tenant := app.PublicTenant()
	info, err := storage.GetOrInsert(ctx,
		func(ctx context.Context) (storage.KeyValueInfo, error) {
			return store.GetKeyValue(ctx, tenant, IDKey)
		},
		func(ctx context.Context) error {
			return store.InsertKeyValue(ctx, tenant, IDKey, storage.KeyValueInfo{
				Value:     uuid.NewString(),
				CreatedAt: time.Now(),
			})
		},
	)
	if err != nil {
		return "", err
	}
	return info.Value, nil
}
