package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/rhuss/authcore/pkg/config"
	"github.com/rhuss/authcore/pkg/observability"
)

// fakeStore is a Transactional whose transactions always succeed unless
// the callback fails.
type fakeStore struct {
	attempts int
	commits  int
	lastTx   *Tx
}

func (f *fakeStore) Name() string { return "fake" }

func (f *fakeStore) StartTransaction(ctx context.Context, fn TxFunc) error {
	tx := NewTx("fake", f)
	defer tx.Close()
	f.attempts++
	f.lastTx = tx
	return CallbackError(fn(ctx, tx))
}

func (f *fakeStore) CommitTransaction(_ context.Context, tx *Tx) error {
	if _, err := tx.Handle(); err != nil {
		return err
	}
	tx.MarkCommitted()
	f.commits++
	return nil
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, KindNone},
		{"duplicate", &DuplicateKeyError{Constraint: "pk"}, KindConflict},
		{"wrapped duplicate", fmt.Errorf("insert: %w", &DuplicateKeyError{}), KindConflict},
		{"retry sentinel", ErrRetry, KindConflict},
		{"query", &QueryError{Op: "select", Err: errors.New("io")}, KindTransient},
		{"deadline", context.DeadlineExceeded, KindTransient},
		{"fatal", &FatalError{Msg: "two plugins"}, KindFatal},
		{"business", ErrUnknownDevice, KindBusiness},
		{"logic", &TransactionLogicError{Err: ErrUnknownDevice}, KindBusiness},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestCallbackError(t *testing.T) {
	err := CallbackError(ErrUnknownDevice)
	var logic *TransactionLogicError
	if !errors.As(err, &logic) {
		t.Fatalf("business error should be wrapped, got %T", err)
	}
	if !errors.Is(err, ErrUnknownDevice) {
		t.Error("wrapped error should unwrap to the business error")
	}

	if err := CallbackError(context.Canceled); Classify(err) != KindTransient {
		t.Errorf("context error kind = %v, want transient", Classify(err))
	}
	var query *QueryError
	if err := CallbackError(context.Canceled); !errors.As(err, &query) {
		t.Errorf("context error should become *QueryError, got %T", err)
	}

	dup := &DuplicateKeyError{}
	if err := CallbackError(dup); err != dup {
		t.Errorf("conflict should pass through unchanged, got %v", err)
	}
}

func TestRetryReRunsConflicts(t *testing.T) {
	s := &fakeStore{}
	before := testutil.ToFloat64(observability.TransactionRetriesTotal.WithLabelValues("fake"))

	failures := 3
	got, err := Retry(context.Background(), s, func(ctx context.Context, tx *Tx) (string, error) {
		if failures > 0 {
			failures--
			return "", &DuplicateKeyError{Constraint: "pk"}
		}
		if err := s.CommitTransaction(ctx, tx); err != nil {
			return "", err
		}
		return "done", nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if got != "done" {
		t.Errorf("result = %q, want done", got)
	}
	if s.attempts != 4 {
		t.Errorf("attempts = %d, want 4", s.attempts)
	}
	if delta := testutil.ToFloat64(observability.TransactionRetriesTotal.WithLabelValues("fake")) - before; delta != 3 {
		t.Errorf("retry counter delta = %v, want 3", delta)
	}
}

func TestRetryDoesNotRetryBusinessErrors(t *testing.T) {
	s := &fakeStore{}
	_, err := Retry(context.Background(), s, func(ctx context.Context, tx *Tx) (int, error) {
		return 0, ErrUnknownDevice
	})
	if !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("err = %v, want ErrUnknownDevice", err)
	}
	if s.attempts != 1 {
		t.Errorf("attempts = %d, want 1", s.attempts)
	}
	if Classify(err) != KindBusiness {
		t.Errorf("kind = %v, want business", Classify(err))
	}
}

func TestRetryGivesUp(t *testing.T) {
	s := &fakeStore{}
	_, err := Retry(context.Background(), s, func(ctx context.Context, tx *Tx) (int, error) {
		return 0, ErrRetry
	})
	if Classify(err) != KindTransient {
		t.Fatalf("kind = %v, want transient after exhausting retries", Classify(err))
	}
	if s.attempts != MaxRetries {
		t.Errorf("attempts = %d, want %d", s.attempts, MaxRetries)
	}
}

func TestRetryGivesUp_DuplicateKeyDoesNotLeak(t *testing.T) {
	inner := &fakeStore{}
	outer := &fakeStore{}
	_, err := Retry(context.Background(), outer, func(ctx context.Context, tx *Tx) (int, error) {
		return Retry(ctx, inner, func(ctx context.Context, tx *Tx) (int, error) {
			return 0, &DuplicateKeyError{Constraint: "x"}
		})
	})
	if Classify(err) != KindTransient {
		t.Fatalf("kind = %v, want transient", Classify(err))
	}
	var dup *DuplicateKeyError
	if errors.As(err, &dup) {
		t.Errorf("err = %v still unwraps to *DuplicateKeyError", err)
	}
	if outer.attempts != 1 {
		t.Errorf("outer attempts = %d, want 1", outer.attempts)
	}
	if inner.attempts != MaxRetries {
		t.Errorf("inner attempts = %d, want %d", inner.attempts, MaxRetries)
	}
}

func TestRetryStopsOnCancel(t *testing.T) {
	s := &fakeStore{}
	ctx, cancel := context.WithCancel(context.Background())
	_, err := Retry(ctx, s, func(ctx context.Context, tx *Tx) (int, error) {
		cancel()
		return 0, ErrRetry
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestGetOrCreate(t *testing.T) {
	s := &fakeStore{}
	var stored string
	raced := false

	read := func(ctx context.Context, tx *Tx) (string, bool, error) {
		return stored, stored != "", nil
	}
	create := func(ctx context.Context, tx *Tx) (string, error) {
		if !raced {
			// A concurrent caller inserts first.
			raced = true
			stored = "theirs"
			return "", &DuplicateKeyError{}
		}
		stored = "ours"
		return stored, nil
	}

	got, err := GetOrCreate(context.Background(), s, read, create)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if got != "theirs" {
		t.Errorf("got %q, want the row created by the race winner", got)
	}
}

func TestGetOrInsert(t *testing.T) {
	stored := ""
	get := func(context.Context) (string, error) {
		if stored == "" {
			return "", ErrNotFound
		}
		return stored, nil
	}
	insert := func(context.Context) error {
		stored = "winner"
		return &DuplicateKeyError{}
	}

	got, err := GetOrInsert(context.Background(), get, insert)
	if err != nil {
		t.Fatalf("GetOrInsert: %v", err)
	}
	if got != "winner" {
		t.Errorf("got %q, want winner", got)
	}
}

func TestTxInvalidAfterClose(t *testing.T) {
	s := &fakeStore{}
	_ = s.StartTransaction(context.Background(), func(ctx context.Context, tx *Tx) error { return nil })

	if _, err := s.lastTx.Handle(); !errors.Is(err, ErrTransactionClosed) {
		t.Errorf("Handle() after callback = %v, want ErrTransactionClosed", err)
	}
	if err := s.CommitTransaction(context.Background(), s.lastTx); !errors.Is(err, ErrTransactionClosed) {
		t.Errorf("commit after callback = %v, want ErrTransactionClosed", err)
	}
}

func TestTxInvalidAfterCommit(t *testing.T) {
	tx := NewTx("fake", 1)
	tx.MarkCommitted()
	if _, err := tx.Handle(); !errors.Is(err, ErrTransactionCommitted) {
		t.Errorf("Handle() after commit = %v, want ErrTransactionCommitted", err)
	}
}

type plainBackend struct{}

func (plainBackend) Name() string { return "plain" }
func (plainBackend) Type() Type { return TypeNoSQL1 }
func (plainBackend) Construct(string, bool) {}
func (plainBackend) LoadConfig(config.StorageConfig) error { return nil }
func (plainBackend) CanBeUsed(config.StorageConfig) bool { return true }
func (plainBackend) ConnectionPoolID() string { return "" }
func (plainBackend) UserPoolID() string { return "" }
func (plainBackend) InitStorage(context.Context) error { return nil }
func (plainBackend) InitFileLogging(string, string) error { return nil }
func (plainBackend) StopLogging() {}
func (plainBackend) IsReady(context.Context) error { return nil }
func (plainBackend) Close() error { return nil }

func TestNarrowMissingCapabilityIsFatal(t *testing.T) {
	_, err := Narrow[TOTPStorage](plainBackend{})
	var fatal *FatalError
	if !errors.As(err, &fatal) {
		t.Fatalf("err = %v, want *FatalError", err)
	}
	if !strings.Contains(err.Error(), "plain") {
		t.Errorf("error %q should name the backend", err)
	}
	if Supports[TOTPStorage](plainBackend{}) {
		t.Error("Supports should be false")
	}
	if _, err := Narrow[Backend](plainBackend{}); err != nil {
		t.Errorf("Narrow to Backend: %v", err)
	}
}

func TestRegistryDiscover(t *testing.T) {
	r := NewRegistry()
	factory := func() Backend { return plainBackend{} }
	if err := r.Register("postgres", factory); err != nil {
		t.Fatal(err)
	}
	if err := r.Register("mysql", factory); err != nil {
		t.Fatal(err)
	}
	if err := r.Register("postgres", factory); !errors.Is(err, ErrDuplicateBackend) {
		t.Errorf("duplicate Register = %v, want ErrDuplicateBackend", err)
	}

	dir := t.TempDir()
	if found, err := r.Discover(filepath.Join(dir, "missing")); err != nil || len(found) != 0 {
		t.Errorf("missing dir: found=%v err=%v, want none", found, err)
	}

	for _, name := range []string{"postgres", "README.md"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o600); err != nil {
			t.Fatal(err)
		}
	}
	found, err := r.Discover(dir)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(found) != 1 || found[0] != "postgres" {
		t.Errorf("found = %v, want [postgres]", found)
	}

	if err := os.Mkdir(filepath.Join(dir, "mysql"), 0o700); err != nil {
		t.Fatal(err)
	}
	found, _ = r.Discover(dir)
	if len(found) != 2 {
		t.Errorf("found = %v, want two plugins", found)
	}
}

func TestFileLogging(t *testing.T) {
	dir := t.TempDir()
	infoPath := filepath.Join(dir, "info.log")
	errorPath := filepath.Join(dir, "error.log")

	var l FileLogging
	l.SetLogContext(false, "backend", "test")
	if err := l.InitFileLogging(infoPath, errorPath); err != nil {
		t.Fatalf("InitFileLogging: %v", err)
	}
	l.Logger().Info("started")
	l.Logger().Error("failed")
	l.StopLogging()

	info, _ := os.ReadFile(infoPath)
	errs, _ := os.ReadFile(errorPath)
	if !strings.Contains(string(info), "started") || strings.Contains(string(info), "failed") {
		t.Errorf("info log = %q", info)
	}
	if !strings.Contains(string(errs), "failed") || !strings.Contains(string(errs), `"backend":"test"`) {
		t.Errorf("error log = %q", errs)
	}
}
