// Package storagetest is a conformance suite for storage backends. Each
// backend package runs it from its own tests:
//
//	func TestConformance(t *testing.T) {
//		storagetest.Run(t, func(t *testing.T) storage.Backend { return newTestStore(t) })
//	}
//
// Subtests are skipped when the backend lacks the capability they exercise.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rhuss/authcore/pkg/storage"
	"github.com/rhuss/authcore/pkg/tenancy"
)

// NewBackend returns an initialized backend with the base tenant present.
// Cleanup is the caller's responsibility (t.Cleanup).
type NewBackend func(t *testing.T) storage.Backend

// Run runs every conformance test against backends created by newBackend.
func Run(t *testing.T, newBackend NewBackend) {
	t.Run("KeyValue", func(t *testing.T) { testKeyValue(t, newBackend(t)) })
	t.Run("Tenants", func(t *testing.T) { testTenants(t, newBackend(t)) })
	t.Run("TransactionAtomicity", func(t *testing.T) { testAtomicity(t, newBackend(t)) })
	t.Run("TransactionContextLifetime", func(t *testing.T) { testTxLifetime(t, newBackend(t)) })
	t.Run("TransactionDeadline", func(t *testing.T) { testDeadline(t, newBackend(t)) })
	t.Run("SigningKeys", func(t *testing.T) { testSigningKeys(t, newBackend(t)) })
	t.Run("SigningKeysCAS", func(t *testing.T) { testSigningKeysCAS(t, newBackend(t)) })
	t.Run("TOTPDevices", func(t *testing.T) { testTOTPDevices(t, newBackend(t)) })
	t.Run("TOTPUsedCodes", func(t *testing.T) { testTOTPUsedCodes(t, newBackend(t)) })
}

func capability[T any](t *testing.T, b storage.Backend) T {
	t.Helper()
	c, err := storage.Narrow[T](b)
	if err != nil {
		t.Skipf("backend %s: %v", b.Name(), err)
	}
	return c
}

var (
	base  = tenancy.BaseTenant
	other = tenancy.NewTenant("", "app1", "t1")
)

// ms truncates to the millisecond precision every backend stores.
func ms(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

func testKeyValue(t *testing.T, b storage.Backend) {
	kv := capability[storage.KeyValueStorage](t, b)
	ctx := context.Background()

	if _, err := kv.GetKeyValue(ctx, base, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("GetKeyValue(missing) error = %v, want ErrNotFound", err)
	}

	created := ms(time.Now())
	if err := kv.SetKeyValue(ctx, base, "k", storage.KeyValueInfo{Value: "v1", CreatedAt: created}); err != nil {
		t.Fatalf("SetKeyValue: %v", err)
	}
	got, err := kv.GetKeyValue(ctx, base, "k")
	if err != nil {
		t.Fatalf("GetKeyValue: %v", err)
	}
	if got.Value != "v1" || !got.CreatedAt.Equal(created) {
		t.Errorf("GetKeyValue = %+v, want value v1 created at %v", got, created)
	}

	if err := kv.SetKeyValue(ctx, base, "k", storage.KeyValueInfo{Value: "v2", CreatedAt: created}); err != nil {
		t.Fatalf("SetKeyValue(overwrite): %v", err)
	}
	if got, _ := kv.GetKeyValue(ctx, base, "k"); got.Value != "v2" {
		t.Errorf("Value after overwrite = %q, want %q", got.Value, "v2")
	}

	err = kv.InsertKeyValue(ctx, base, "k", storage.KeyValueInfo{Value: "v3"})
	var dup *storage.DuplicateKeyError
	if !errors.As(err, &dup) {
		t.Errorf("InsertKeyValue(existing) error = %v, want *DuplicateKeyError", err)
	}
	if storage.Classify(err) != storage.KindConflict {
		t.Errorf("Classify(duplicate) = %v, want conflict", storage.Classify(err))
	}

	if err := kv.SetKeyValue(ctx, tenancy.NewTenant("", "nope", "nope"), "k", storage.KeyValueInfo{Value: "v"}); !errors.Is(err, storage.ErrTenantOrAppNotFound) {
		t.Errorf("SetKeyValue(unknown tenant) error = %v, want ErrTenantOrAppNotFound", err)
	}

	if err := kv.DeleteKeyValue(ctx, base, "k"); err != nil {
		t.Fatalf("DeleteKeyValue: %v", err)
	}
	if _, err := kv.GetKeyValue(ctx, base, "k"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetKeyValue after delete error = %v, want ErrNotFound", err)
	}
}

func testTenants(t *testing.T, b storage.Backend) {
	mt := capability[storage.MultitenancyStorage](t, b)
	ctx := context.Background()

	exists, err := mt.TenantExists(ctx, base)
	if err != nil || !exists {
		t.Fatalf("TenantExists(base) = %v, %v; want true", exists, err)
	}

	created, err := mt.CreateTenant(ctx, other)
	if err != nil || !created {
		t.Fatalf("CreateTenant = %v, %v; want true", created, err)
	}
	created, err = mt.CreateTenant(ctx, other)
	if err != nil || created {
		t.Errorf("CreateTenant(again) = %v, %v; want false", created, err)
	}

	tenants, err := mt.ListTenants(ctx, "")
	if err != nil {
		t.Fatalf("ListTenants: %v", err)
	}
	if !containsTenant(tenants, base) || !containsTenant(tenants, other) {
		t.Errorf("ListTenants = %v, want base and %v", tenants, other)
	}

	if kv, ok := b.(storage.KeyValueStorage); ok {
		if err := kv.SetKeyValue(ctx, other, "k", storage.KeyValueInfo{Value: "v"}); err != nil {
			t.Fatalf("SetKeyValue(other): %v", err)
		}
	}

	deleted, err := mt.DeleteTenant(ctx, other)
	if err != nil || !deleted {
		t.Fatalf("DeleteTenant = %v, %v; want true", deleted, err)
	}
	if exists, _ := mt.TenantExists(ctx, other); exists {
		t.Error("tenant exists after DeleteTenant")
	}
	if kv, ok := b.(storage.KeyValueStorage); ok {
		if _, err := kv.GetKeyValue(ctx, other, "k"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("GetKeyValue after DeleteTenant error = %v, want ErrNotFound", err)
		}
	}

	if _, err := mt.CreateTenant(ctx, other); err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}
	deleted, err = mt.DeleteApp(ctx, other.App())
	if err != nil || !deleted {
		t.Fatalf("DeleteApp = %v, %v; want true", deleted, err)
	}
	if exists, _ := mt.TenantExists(ctx, other); exists {
		t.Error("tenant exists after DeleteApp")
	}
}

func containsTenant(list []tenancy.TenantIdentifier, want tenancy.TenantIdentifier) bool {
	for _, t := range list {
		if t == want {
			return true
		}
	}
	return false
}

func testAtomicity(t *testing.T, b storage.Backend) {
	kv := capability[storage.KeyValueTxStorage](t, b)
	ctx := context.Background()
	errBoom := errors.New("boom")

	err := kv.StartTransaction(ctx, func(ctx context.Context, tx *storage.Tx) error {
		if err := kv.SetKeyValueTx(ctx, tx, base, "failed", storage.KeyValueInfo{Value: "v"}); err != nil {
			return err
		}
		return errBoom
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("StartTransaction error = %v, want boom", err)
	}
	var logic *storage.TransactionLogicError
	if !errors.As(err, &logic) {
		t.Errorf("StartTransaction error = %T, want *TransactionLogicError", err)
	}
	if _, err := kv.GetKeyValue(ctx, base, "failed"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("write of failed transaction visible: err = %v", err)
	}

	err = kv.StartTransaction(ctx, func(ctx context.Context, tx *storage.Tx) error {
		return kv.SetKeyValueTx(ctx, tx, base, "uncommitted", storage.KeyValueInfo{Value: "v"})
	})
	if err != nil {
		t.Fatalf("StartTransaction: %v", err)
	}
	if _, err := kv.GetKeyValue(ctx, base, "uncommitted"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("uncommitted write visible: err = %v", err)
	}

	err = kv.StartTransaction(ctx, func(ctx context.Context, tx *storage.Tx) error {
		if err := kv.SetKeyValueTx(ctx, tx, base, "committed", storage.KeyValueInfo{Value: "v"}); err != nil {
			return err
		}
		return kv.CommitTransaction(ctx, tx)
	})
	if err != nil {
		t.Fatalf("StartTransaction: %v", err)
	}
	if got, err := kv.GetKeyValue(ctx, base, "committed"); err != nil || got.Value != "v" {
		t.Errorf("GetKeyValue(committed) = %+v, %v; want v", got, err)
	}
}

func testTxLifetime(t *testing.T, b storage.Backend) {
	kv := capability[storage.KeyValueTxStorage](t, b)
	ctx := context.Background()

	var escaped *storage.Tx
	if err := kv.StartTransaction(ctx, func(ctx context.Context, tx *storage.Tx) error {
		escaped = tx
		return nil
	}); err != nil {
		t.Fatalf("StartTransaction: %v", err)
	}
	if _, err := kv.GetKeyValueTx(ctx, escaped, base, "k"); !errors.Is(err, storage.ErrTransactionClosed) {
		t.Errorf("use after callback error = %v, want ErrTransactionClosed", err)
	}

	err := kv.StartTransaction(ctx, func(ctx context.Context, tx *storage.Tx) error {
		if err := kv.CommitTransaction(ctx, tx); err != nil {
			return err
		}
		_, err := kv.GetKeyValueTx(ctx, tx, base, "k")
		return err
	})
	if !errors.Is(err, storage.ErrTransactionCommitted) {
		t.Errorf("use after commit error = %v, want ErrTransactionCommitted", err)
	}
}

func testDeadline(t *testing.T, b storage.Backend) {
	kv := capability[storage.KeyValueTxStorage](t, b)

	ctx, cancel := context.WithCancel(context.Background())
	err := kv.StartTransaction(ctx, func(ctx context.Context, tx *storage.Tx) error {
		if err := kv.SetKeyValueTx(ctx, tx, base, "late", storage.KeyValueInfo{Value: "v"}); err != nil {
			return err
		}
		cancel()
		return kv.CommitTransaction(ctx, tx)
	})
	cancel()
	if err == nil {
		t.Fatal("StartTransaction succeeded after cancellation")
	}
	if got := storage.Classify(err); got != storage.KindTransient {
		t.Errorf("Classify(%v) = %v, want transient", err, got)
	}
	if _, err := kv.GetKeyValue(context.Background(), base, "late"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("write of cancelled transaction visible: err = %v", err)
	}
}

func testSigningKeys(t *testing.T, b storage.Backend) {
	sk := capability[storage.SigningKeyStorage](t, b)
	ctx := context.Background()
	app := base.App()
	older := ms(time.Now().Add(-time.Hour))
	newer := ms(time.Now())

	add := func(key storage.KeyValueInfo) error {
		return sk.StartTransaction(ctx, func(ctx context.Context, tx *storage.Tx) error {
			if err := sk.AddAccessTokenSigningKeyTx(ctx, tx, app, key); err != nil {
				return err
			}
			return sk.CommitTransaction(ctx, tx)
		})
	}
	if err := add(storage.KeyValueInfo{Value: "old", CreatedAt: older}); err != nil {
		t.Fatalf("adding old key: %v", err)
	}
	if err := add(storage.KeyValueInfo{Value: "new", CreatedAt: newer}); err != nil {
		t.Fatalf("adding new key: %v", err)
	}
	err := add(storage.KeyValueInfo{Value: "dup", CreatedAt: newer})
	if storage.Classify(err) != storage.KindConflict {
		t.Errorf("adding duplicate key error = %v, want conflict", err)
	}

	var keys []storage.KeyValueInfo
	if err := sk.StartTransaction(ctx, func(ctx context.Context, tx *storage.Tx) error {
		var err error
		keys, err = sk.GetAccessTokenSigningKeysTx(ctx, tx, app)
		return err
	}); err != nil {
		t.Fatalf("GetAccessTokenSigningKeysTx: %v", err)
	}
	if len(keys) != 2 || keys[0].Value != "new" || keys[1].Value != "old" {
		t.Fatalf("keys = %+v, want [new old]", keys)
	}

	if err := sk.RemoveAccessTokenSigningKeysBefore(ctx, app, newer); err != nil {
		t.Fatalf("RemoveAccessTokenSigningKeysBefore: %v", err)
	}
	keys, err = storage.InTransaction(ctx, sk, func(ctx context.Context, tx *storage.Tx) ([]storage.KeyValueInfo, error) {
		return sk.GetAccessTokenSigningKeysTx(ctx, tx, app)
	})
	if err != nil {
		t.Fatalf("GetAccessTokenSigningKeysTx: %v", err)
	}
	if len(keys) != 1 || keys[0].Value != "new" {
		t.Errorf("keys after cleanup = %+v, want [new]", keys)
	}
}

func testSigningKeysCAS(t *testing.T, b storage.Backend) {
	sk := capability[storage.SigningKeyNoSQLStorage](t, b)
	ctx := context.Background()
	app := base.App()
	first := ms(time.Now().Add(-time.Minute))
	second := ms(time.Now())

	added, err := sk.AddAccessTokenSigningKeyIfLatest(ctx, app, storage.KeyValueInfo{Value: "a", CreatedAt: first}, time.Time{})
	if err != nil || !added {
		t.Fatalf("first add = %v, %v; want true", added, err)
	}
	added, err = sk.AddAccessTokenSigningKeyIfLatest(ctx, app, storage.KeyValueInfo{Value: "b", CreatedAt: second}, time.Time{})
	if err != nil || added {
		t.Errorf("stale add = %v, %v; want false", added, err)
	}
	added, err = sk.AddAccessTokenSigningKeyIfLatest(ctx, app, storage.KeyValueInfo{Value: "b", CreatedAt: second}, first)
	if err != nil || !added {
		t.Errorf("add on latest = %v, %v; want true", added, err)
	}

	keys, err := sk.GetAccessTokenSigningKeys(ctx, app)
	if err != nil {
		t.Fatalf("GetAccessTokenSigningKeys: %v", err)
	}
	if len(keys) != 2 || keys[0].Value != "b" {
		t.Errorf("keys = %+v, want b first", keys)
	}
}

func testTOTPDevices(t *testing.T, b storage.Backend) {
	ts := capability[storage.TOTPStorage](t, b)
	ctx := context.Background()
	app := base.App()

	device := storage.TOTPDevice{
		UserID: "user1", DeviceName: "phone", Secret: "JBSWY3DPEHPK3PXP",
		Period: 30, Skew: 1, CreatedAt: ms(time.Now()),
	}
	if err := ts.CreateDevice(ctx, app, device); err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}
	if err := ts.CreateDevice(ctx, app, device); !errors.Is(err, storage.ErrDeviceAlreadyExists) {
		t.Errorf("CreateDevice(duplicate) error = %v, want ErrDeviceAlreadyExists", err)
	}
	if err := ts.CreateDevice(ctx, tenancy.NewApp("", "nope"), device); !errors.Is(err, storage.ErrTenantOrAppNotFound) {
		t.Errorf("CreateDevice(unknown app) error = %v, want ErrTenantOrAppNotFound", err)
	}

	devices, err := ts.GetDevices(ctx, app, "user1")
	if err != nil {
		t.Fatalf("GetDevices: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("len(devices) = %d, want 1", len(devices))
	}
	got := devices[0]
	if got.Secret != device.Secret || got.Period != 30 || got.Skew != 1 || got.Verified {
		t.Errorf("device = %+v, want %+v", got, device)
	}
	if !got.CreatedAt.Equal(device.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, device.CreatedAt)
	}

	if err := ts.MarkDeviceAsVerified(ctx, app, "user1", "phone"); err != nil {
		t.Fatalf("MarkDeviceAsVerified: %v", err)
	}
	if err := ts.MarkDeviceAsVerified(ctx, app, "user1", "tablet"); !errors.Is(err, storage.ErrUnknownDevice) {
		t.Errorf("MarkDeviceAsVerified(unknown) error = %v, want ErrUnknownDevice", err)
	}

	if err := ts.CreateDevice(ctx, app, storage.TOTPDevice{UserID: "user1", DeviceName: "tablet", Secret: "s", Period: 30}); err != nil {
		t.Fatalf("CreateDevice(tablet): %v", err)
	}
	if err := ts.UpdateDeviceName(ctx, app, "user1", "tablet", "phone"); !errors.Is(err, storage.ErrDeviceAlreadyExists) {
		t.Errorf("UpdateDeviceName(taken) error = %v, want ErrDeviceAlreadyExists", err)
	}
	if err := ts.UpdateDeviceName(ctx, app, "user1", "laptop", "pc"); !errors.Is(err, storage.ErrUnknownDevice) {
		t.Errorf("UpdateDeviceName(unknown) error = %v, want ErrUnknownDevice", err)
	}
	if err := ts.UpdateDeviceName(ctx, app, "user1", "tablet", "ipad"); err != nil {
		t.Fatalf("UpdateDeviceName: %v", err)
	}

	err = ts.StartTransaction(ctx, func(ctx context.Context, tx *storage.Tx) error {
		d, err := ts.GetDeviceByNameTx(ctx, tx, app, "user1", "phone")
		if err != nil {
			return err
		}
		if !d.Verified {
			t.Error("phone not verified")
		}
		if _, err := ts.GetDeviceByNameTx(ctx, tx, app, "user1", "tablet"); !errors.Is(err, storage.ErrUnknownDevice) {
			t.Errorf("GetDeviceByNameTx(renamed) error = %v, want ErrUnknownDevice", err)
		}
		deleted, err := ts.DeleteDeviceTx(ctx, tx, app, "user1", "ipad")
		if err != nil || !deleted {
			t.Errorf("DeleteDeviceTx = %v, %v; want true", deleted, err)
		}
		deleted, err = ts.DeleteDeviceTx(ctx, tx, app, "user1", "ipad")
		if err != nil || deleted {
			t.Errorf("DeleteDeviceTx(again) = %v, %v; want false", deleted, err)
		}
		return ts.CommitTransaction(ctx, tx)
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}

	err = ts.StartTransaction(ctx, func(ctx context.Context, tx *storage.Tx) error {
		if err := ts.RemoveUserTx(ctx, tx, app, "user1"); err != nil {
			return err
		}
		return ts.CommitTransaction(ctx, tx)
	})
	if err != nil {
		t.Fatalf("RemoveUserTx: %v", err)
	}
	devices, err = ts.GetDevices(ctx, app, "user1")
	if err != nil || len(devices) != 0 {
		t.Errorf("GetDevices after RemoveUserTx = %v, %v; want none", devices, err)
	}
}

func testTOTPUsedCodes(t *testing.T, b storage.Backend) {
	ts := capability[storage.TOTPStorage](t, b)
	ctx := context.Background()
	app := base.App()
	now := ms(time.Now())

	insert := func(code storage.TOTPUsedCode) error {
		return ts.StartTransaction(ctx, func(ctx context.Context, tx *storage.Tx) error {
			if err := ts.InsertUsedCodeTx(ctx, tx, base, code); err != nil {
				return err
			}
			return ts.CommitTransaction(ctx, tx)
		})
	}

	if err := insert(storage.TOTPUsedCode{UserID: "ghost", Code: "123456", CreatedAt: now, ExpiresAt: now}); !errors.Is(err, storage.ErrUnknownTOTPUser) {
		t.Errorf("InsertUsedCodeTx(unknown user) error = %v, want ErrUnknownTOTPUser", err)
	}

	if err := ts.CreateDevice(ctx, app, storage.TOTPDevice{UserID: "user2", DeviceName: "d", Secret: "s", Period: 30}); err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}
	for i, valid := range []bool{true, false, false} {
		created := now.Add(time.Duration(i) * time.Second)
		code := storage.TOTPUsedCode{
			UserID: "user2", Code: fmt.Sprintf("%06d", i), IsValid: valid,
			CreatedAt: created, ExpiresAt: created.Add(time.Duration(i) * time.Minute),
		}
		if err := insert(code); err != nil {
			t.Fatalf("InsertUsedCodeTx(%d): %v", i, err)
		}
	}

	err := insert(storage.TOTPUsedCode{UserID: "user2", Code: "999999", CreatedAt: now, ExpiresAt: now})
	if storage.Classify(err) != storage.KindConflict {
		t.Errorf("InsertUsedCodeTx(same created time) error = %v, want conflict", err)
	}

	codes, err := storage.InTransaction(ctx, ts, func(ctx context.Context, tx *storage.Tx) ([]storage.TOTPUsedCode, error) {
		return ts.GetAllUsedCodesDescOrderTx(ctx, tx, base, "user2")
	})
	if err != nil {
		t.Fatalf("GetAllUsedCodesDescOrderTx: %v", err)
	}
	if len(codes) != 3 {
		t.Fatalf("len(codes) = %d, want 3", len(codes))
	}
	for i := 1; i < len(codes); i++ {
		if !codes[i-1].CreatedAt.After(codes[i].CreatedAt) {
			t.Errorf("codes not in descending order: %v before %v", codes[i-1].CreatedAt, codes[i].CreatedAt)
		}
	}
	if codes[0].IsValid || !codes[2].IsValid {
		t.Errorf("validity = [%v %v %v], want [false false true]", codes[0].IsValid, codes[1].IsValid, codes[2].IsValid)
	}

	// Code 0 expires at now, code 1 at now+1m+1s, code 2 at now+2m+2s.
	removed, err := ts.RemoveExpiredCodes(ctx, base, now.Add(90*time.Second))
	if err != nil {
		t.Fatalf("RemoveExpiredCodes: %v", err)
	}
	if removed != 2 {
		t.Errorf("RemoveExpiredCodes removed %d, want 2", removed)
	}
}
