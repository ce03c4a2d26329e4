package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rhuss/authcore/pkg/config"
	"github.com/rhuss/authcore/pkg/storage"
	"github.com/rhuss/authcore/pkg/storage/storagetest"
	"github.com/rhuss/authcore/pkg/tenancy"
)

func newTestStore(t *testing.T, path string) *Store {
	t.Helper()
	s := New().(*Store)
	s.Construct("test", true)
	cfg := config.Defaults().Storage
	cfg.Embedded.Path = path
	if err := s.LoadConfig(cfg); err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if err := s.InitStorage(context.Background()); err != nil {
		t.Fatalf("InitStorage: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Backend { return newTestStore(t, "") })
}

func TestConformanceFile(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		return newTestStore(t, filepath.Join(t.TempDir(), "authcore.db"))
	})
}

func TestInitStorageIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "authcore.db")
	s := newTestStore(t, path)
	if err := s.InitStorage(context.Background()); err != nil {
		t.Fatalf("second InitStorage: %v", err)
	}
	_ = s.Close()

	// Reopening applies no migration twice and keeps data.
	reopened := newTestStore(t, path)
	exists, err := reopened.TenantExists(context.Background(), tenancy.BaseTenant)
	if err != nil || !exists {
		t.Errorf("TenantExists(base) = %v, %v; want true", exists, err)
	}
}

func TestConnectionPoolID(t *testing.T) {
	mem := New().(*Store)
	file := New().(*Store)
	cfg := config.Defaults().Storage
	_ = mem.LoadConfig(cfg)
	cfg.Embedded.Path = "/var/lib/authcore.db"
	_ = file.LoadConfig(cfg)

	if mem.ConnectionPoolID() == file.ConnectionPoolID() {
		t.Errorf("pool ids equal: %q", mem.ConnectionPoolID())
	}
	if got, want := file.ConnectionPoolID(), "sqlite|/var/lib/authcore.db"; got != want {
		t.Errorf("ConnectionPoolID() = %q, want %q", got, want)
	}
	if !mem.CanBeUsed(config.StorageConfig{}) {
		t.Error("CanBeUsed() = false, want true")
	}
}

func TestNotConfigured(t *testing.T) {
	s := New().(*Store)
	if _, err := s.GetKeyValue(context.Background(), tenancy.BaseTenant, "k"); !errors.Is(err, storage.ErrNotConfigured) {
		t.Errorf("GetKeyValue before InitStorage error = %v, want ErrNotConfigured", err)
	}
}

func TestForeignTransaction(t *testing.T) {
	s := newTestStore(t, "")
	foreign := storage.NewTx("other", struct{}{})
	if _, err := s.GetDevicesTx(context.Background(), foreign, tenancy.BaseApp, "u"); err == nil {
		t.Error("GetDevicesTx accepted a transaction of another backend")
	}
}

func TestUpSection(t *testing.T) {
	got := upSection("-- +migrate Up\nCREATE TABLE a (x INT);\n-- +migrate Down\nDROP TABLE a;\n")
	if want := "\nCREATE TABLE a (x INT);\n"; got != want {
		t.Errorf("upSection() = %q, want %q", got, want)
	}
}

func TestConstraintName(t *testing.T) {
	if got := constraintName("UNIQUE constraint failed: apps.app_id (1555)"); got != "apps.app_id" {
		t.Errorf("constraintName() = %q, want %q", got, "apps.app_id")
	}
}
