package telemetry

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/rhuss/authcore/pkg/config"
	"github.com/rhuss/authcore/pkg/storage"
	"github.com/rhuss/authcore/pkg/storage/memory"
	"github.com/rhuss/authcore/pkg/storage/sqlite"
	"github.com/rhuss/authcore/pkg/tenancy"
)

func open(t *testing.T, b storage.Backend) storage.KeyValueStorage {
	t.Helper()
	b.Construct("test", true)
	if err := b.LoadConfig(config.Defaults().Storage); err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if err := b.InitStorage(context.Background()); err != nil {
		t.Fatalf("InitStorage: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	kv, err := storage.Narrow[storage.KeyValueStorage](b)
	if err != nil {
		t.Fatalf("Narrow: %v", err)
	}
	return kv
}

func TestGetOrCreateID(t *testing.T) {
	for name, b := range map[string]storage.Backend{"sqlite": sqlite.New(), "memory": memory.New()} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			kv := open(t, b)
			app := tenancy.BaseTenant.App()

			const n = 8
			ids := make([]string, n)
			errs := make([]error, n)
			var wg sync.WaitGroup
			for i := range n {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ids[i], errs[i] = GetOrCreateID(ctx, kv, app)
				}()
			}
			wg.Wait()

			for i := range n {
				if errs[i] != nil {
					t.Fatalf("caller %d: %v", i, errs[i])
				}
				if ids[i] != ids[0] {
					t.Errorf("caller %d got %q, want %q", i, ids[i], ids[0])
				}
			}
			if _, err := uuid.Parse(ids[0]); err != nil {
				t.Errorf("ID %q is not a UUID: %v", ids[0], err)
			}

			stored, err := kv.GetKeyValue(ctx, app.PublicTenant(), IDKey)
			if err != nil {
				t.Fatalf("GetKeyValue: %v", err)
			}
			if stored.Value != ids[0] {
				t.Errorf("stored = %q, want %q", stored.Value, ids[0])
			}
		})
	}
}

func TestGetOrCreateID_UnknownApp(t *testing.T) {
	kv := open(t, sqlite.New())

	_, err := GetOrCreateID(context.Background(), kv, tenancy.NewApp("", "missing"))
	if err == nil {
		t.Error("expected error for an app without a tenant")
	}
}
