package cron

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/rhuss/authcore/pkg/config"
	"github.com/rhuss/authcore/pkg/observability"
	"github.com/rhuss/authcore/pkg/resource"
	"github.com/rhuss/authcore/pkg/signingkeys"
	"github.com/rhuss/authcore/pkg/storage"
	"github.com/rhuss/authcore/pkg/storage/memory"
	"github.com/rhuss/authcore/pkg/storage/sqlite"
	"github.com/rhuss/authcore/pkg/tenancy"
)

type countingTask struct {
	name     string
	interval time.Duration
	delay    time.Duration
	err      error
	runs     atomic.Int32
	targets  atomic.Int32
}

func (t *countingTask) Name() string                { return t.name }
func (t *countingTask) Interval() time.Duration     { return t.interval }
func (t *countingTask) InitialDelay() time.Duration { return t.delay }

func (t *countingTask) Run(_ context.Context, targets []tenancy.TenantIdentifier) error {
	t.runs.Add(1)
	t.targets.Store(int32(len(targets)))
	return t.err
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func twoTenants() []tenancy.TenantIdentifier {
	return []tenancy.TenantIdentifier{tenancy.BaseTenant, tenancy.NewTenant("", "app1", "t1")}
}

func TestScheduler_RunsOnInterval(t *testing.T) {
	task := &countingTask{name: "tick", interval: 10 * time.Millisecond}
	s := New(twoTenants)
	s.Add(task)
	s.Start(context.Background())

	waitFor(t, func() bool { return task.runs.Load() >= 3 })
	s.Stop()

	if got := task.targets.Load(); got != 2 {
		t.Errorf("targets = %d, want 2", got)
	}
	stopped := task.runs.Load()
	time.Sleep(30 * time.Millisecond)
	if got := task.runs.Load(); got != stopped {
		t.Errorf("runs after Stop = %d, want %d", got, stopped)
	}
}

func TestScheduler_ErrorsDoNotStopLoop(t *testing.T) {
	task := &countingTask{name: "failing", interval: 10 * time.Millisecond, err: errors.New("boom")}
	before := testutil.ToFloat64(observability.CronRunsTotal.WithLabelValues("failing", "error"))

	s := New(twoTenants)
	s.Add(task)
	s.Start(context.Background())
	waitFor(t, func() bool { return task.runs.Load() >= 3 })
	s.Stop()

	if delta := testutil.ToFloat64(observability.CronRunsTotal.WithLabelValues("failing", "error")) - before; delta < 3 {
		t.Errorf("error runs counted = %v, want >= 3", delta)
	}
}

func TestScheduler_InitialDelay(t *testing.T) {
	task := &countingTask{name: "delayed", interval: time.Millisecond, delay: time.Hour}
	s := New(twoTenants)
	s.Add(task)
	s.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	s.Stop()

	if got := task.runs.Load(); got != 0 {
		t.Errorf("runs = %d before the initial delay, want 0", got)
	}
}

func TestScheduler_AddWhileRunning(t *testing.T) {
	s := New(twoTenants)
	s.Start(context.Background())
	defer s.Stop()

	task := &countingTask{name: "late", interval: time.Hour}
	s.Add(task)
	waitFor(t, func() bool { return task.runs.Load() == 1 })

	if len(s.Tasks()) != 1 {
		t.Errorf("len(Tasks) = %d, want 1", len(s.Tasks()))
	}
}

func TestScheduler_StopIdempotent(t *testing.T) {
	s := New(twoTenants)
	s.Stop()
	s.Start(context.Background())
	s.Start(context.Background())
	s.Stop()
	s.Stop()
}

func TestFor(t *testing.T) {
	dist := resource.New()
	s1, err := For(dist, twoTenants)
	if err != nil {
		t.Fatalf("For: %v", err)
	}
	s2, _ := For(dist, twoTenants)
	if s1 != s2 {
		t.Error("For should return the same scheduler")
	}
}

func openBackend(t *testing.T, b storage.Backend) storage.Backend {
	t.Helper()
	b.Construct("test", true)
	if err := b.LoadConfig(config.Defaults().Storage); err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if err := b.InitStorage(context.Background()); err != nil {
		t.Fatalf("InitStorage: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestDeleteExpiredTOTPCodes(t *testing.T) {
	ctx := context.Background()
	sql := openBackend(t, sqlite.New())
	nosql := openBackend(t, memory.New())
	other := tenancy.NewTenant("", "nosql", "")

	store, _ := storage.Narrow[storage.TOTPStorage](sql)
	app := tenancy.BaseTenant.App()
	if err := store.CreateDevice(ctx, app, storage.TOTPDevice{UserID: "u", DeviceName: "d", Secret: "S", Period: 30, Skew: 1}); err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}
	now := time.Now().Truncate(time.Millisecond)
	err := store.StartTransaction(ctx, func(ctx context.Context, tx *storage.Tx) error {
		for i, expires := range []time.Time{now.Add(-time.Minute), now.Add(-time.Second), now.Add(time.Hour)} {
			code := storage.TOTPUsedCode{UserID: "u", Code: "123456", ExpiresAt: expires, CreatedAt: now.Add(time.Duration(i-10) * time.Minute)}
			if err := store.InsertUsedCodeTx(ctx, tx, tenancy.BaseTenant, code); err != nil {
				return err
			}
		}
		return store.CommitTransaction(ctx, tx)
	})
	if err != nil {
		t.Fatalf("inserting codes: %v", err)
	}

	task := &DeleteExpiredTOTPCodes{
		Storage: func(tenant tenancy.TenantIdentifier) (storage.Backend, error) {
			if tenant == other {
				return nosql, nil
			}
			return sql, nil
		},
		Every: time.Hour,
		Now:   func() time.Time { return now },
	}
	if err := task.Run(ctx, []tenancy.TenantIdentifier{tenancy.BaseTenant, other}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	remaining, err := storage.InTransaction(ctx, store, func(ctx context.Context, tx *storage.Tx) ([]storage.TOTPUsedCode, error) {
		return store.GetAllUsedCodesDescOrderTx(ctx, tx, tenancy.BaseTenant, "u")
	})
	if err != nil {
		t.Fatalf("GetAllUsedCodesDescOrderTx: %v", err)
	}
	if len(remaining) != 1 {
		t.Errorf("remaining codes = %d, want 1", len(remaining))
	}
}

func TestDeleteExpiredTOTPCodes_StorageError(t *testing.T) {
	task := &DeleteExpiredTOTPCodes{
		Storage: func(tenancy.TenantIdentifier) (storage.Backend, error) {
			return nil, errors.New("no handle")
		},
	}
	if err := task.Run(context.Background(), twoTenants()); err == nil {
		t.Error("expected joined error")
	}
}

func TestCleanupSigningKeys(t *testing.T) {
	ctx := context.Background()
	b := openBackend(t, memory.New())
	dist := resource.New()

	start := time.Now()
	now := start
	opts := signingkeys.Options{
		Storage: b,
		KeyBits: 1024,
		Now:     func() time.Time { return now },
	}
	m, err := signingkeys.For(dist, tenancy.BaseTenant.App(), opts)
	if err != nil {
		t.Fatalf("For: %v", err)
	}
	if _, err := m.GetOrCreateLatest(ctx); err != nil {
		t.Fatalf("GetOrCreateLatest: %v", err)
	}

	lifetime := config.Defaults().Core.AccessTokenSigningKeyUpdateInterval + config.Defaults().Core.AccessTokenValidity
	now = start.Add(lifetime + time.Second)

	calls := 0
	task := &CleanupSigningKeys{
		Managers: func(app tenancy.AppIdentifier) (*signingkeys.Manager, error) {
			calls++
			if app.AppID == "orphan" {
				return nil, fmt.Errorf("storage for %s: %w", app, storage.ErrTenantOrAppNotFound)
			}
			return signingkeys.For(dist, app, opts)
		},
	}
	// Two tenants of the same app clean up once. An app without a loaded
	// public tenant is skipped.
	targets := []tenancy.TenantIdentifier{tenancy.BaseTenant, tenancy.BaseTenant.App().Tenant("t1"), tenancy.NewTenant("", "orphan", "t1")}
	if err := task.Run(ctx, targets); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 2 {
		t.Errorf("manager lookups = %d, want 2", calls)
	}

	keys, err := b.(storage.SigningKeyNoSQLStorage).GetAccessTokenSigningKeys(ctx, tenancy.BaseTenant.App())
	if err != nil {
		t.Fatalf("GetAccessTokenSigningKeys: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("keys = %d after cleanup, want 0", len(keys))
	}
}
