package resource

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rhuss/authcore/pkg/tenancy"
)

type counter struct {
	n atomic.Int64
}

func TestGetOrCreateConcurrentFirstAccess(t *testing.T) {
	d := New()
	scope := tenancy.NewTenant("", "app", "t1").Scope()

	var calls atomic.Int32
	factory := func() (any, error) {
		calls.Add(1)
		time.Sleep(10 * time.Millisecond)
		return &counter{}, nil
	}

	const workers = 50
	results := make([]any, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := d.GetOrCreate(scope, "counter", factory)
			if err != nil {
				t.Errorf("GetOrCreate: %v", err)
				return
			}
			results[i] = v
		}(i)
	}
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("factory called %d times, want 1", got)
	}
	for i := 1; i < workers; i++ {
		if results[i] != results[0] {
			t.Fatalf("worker %d observed a different instance", i)
		}
	}
}

func TestGetOrCreateErrorNotCached(t *testing.T) {
	d := New()
	scope := tenancy.ProcessScope()
	boom := errors.New("connection refused")

	_, err := d.GetOrCreate(scope, "db", func() (any, error) { return nil, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if _, ok := d.Get(scope, "db"); ok {
		t.Fatal("failed construction must not be registered")
	}

	v, err := d.GetOrCreate(scope, "db", func() (any, error) { return "ok", nil })
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if v != "ok" {
		t.Errorf("v = %v, want ok", v)
	}
}

func TestSetIsIdempotent(t *testing.T) {
	d := New()
	scope := tenancy.ProcessScope()

	first := &counter{}
	if got := d.Set(scope, "c", first); got != first {
		t.Fatal("first Set should store the value")
	}
	if got := d.Set(scope, "c", &counter{}); got != first {
		t.Error("second Set should return the existing value")
	}
}

func TestRemoveCreatesFreshInstance(t *testing.T) {
	d := New()
	scope := tenancy.NewApp("", "app").Scope()
	factory := func() (any, error) { return &counter{}, nil }

	a, _ := d.GetOrCreate(scope, "c", factory)
	again, _ := d.GetOrCreate(scope, "c", factory)
	if a != again {
		t.Fatal("repeated lookups should observe the same object")
	}

	if !d.Remove(scope, "c") {
		t.Fatal("Remove should report the entry as present")
	}
	b, _ := d.GetOrCreate(scope, "c", factory)
	if a == b {
		t.Error("GetOrCreate after removal should construct a fresh instance")
	}
}

func TestRemoveScopeRemovesNestedTenants(t *testing.T) {
	d := New()
	app := tenancy.NewApp("", "app")
	other := tenancy.NewApp("", "other")

	d.Set(app.Scope(), "k", 1)
	d.Set(app.Tenant("t1").Scope(), "k", 2)
	d.Set(app.Tenant("t2").Scope(), "k", 3)
	d.Set(other.Tenant("t1").Scope(), "k", 4)
	d.Set(tenancy.ProcessScope(), "k", 5)

	if n := d.RemoveScope(app.Scope()); n != 3 {
		t.Errorf("removed %d, want 3", n)
	}
	if _, ok := d.Get(other.Tenant("t1").Scope(), "k"); !ok {
		t.Error("other app's tenant should survive")
	}
	if _, ok := d.Get(tenancy.ProcessScope(), "k"); !ok {
		t.Error("process resource should survive")
	}

	if n := d.RemoveScope(tenancy.ProcessScope()); n != 2 {
		t.Errorf("process removal removed %d, want 2", n)
	}
	if d.Len() != 0 {
		t.Errorf("Len() = %d, want 0", d.Len())
	}
}

func TestRemovalDuringConstructionIsNotUndone(t *testing.T) {
	app := tenancy.NewApp("", "app")
	tests := []struct {
		name   string
		remove func(d *Distributor, scope tenancy.Scope)
	}{
		{"remove", func(d *Distributor, scope tenancy.Scope) { d.Remove(scope, "c") }},
		{"remove app scope", func(d *Distributor, _ tenancy.Scope) { d.RemoveScope(app.Scope()) }},
		{"clear", func(d *Distributor, _ tenancy.Scope) { d.Clear() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := New()
			scope := app.Tenant("t1").Scope()
			started := make(chan struct{})
			release := make(chan struct{})
			created := &counter{}

			done := make(chan any)
			go func() {
				v, err := d.GetOrCreate(scope, "c", func() (any, error) {
					close(started)
					<-release
					return created, nil
				})
				if err != nil {
					t.Errorf("GetOrCreate: %v", err)
				}
				done <- v
			}()

			<-started
			tt.remove(d, scope)
			close(release)
			if v := <-done; v != created {
				t.Errorf("GetOrCreate = %v, want the constructed value", v)
			}
			if _, ok := d.Get(scope, "c"); ok {
				t.Error("entry removed during construction should stay removed")
			}

			v, _ := d.GetOrCreate(scope, "c", func() (any, error) { return &counter{}, nil })
			if v == created {
				t.Error("later GetOrCreate should construct a fresh instance")
			}
			if _, ok := d.Get(scope, "c"); !ok {
				t.Error("later GetOrCreate should store its instance")
			}
		})
	}
}

func TestWithKeyAndReplaceKey(t *testing.T) {
	d := New()
	t1 := tenancy.NewTenant("", "", "t1").Scope()
	t2 := tenancy.NewTenant("", "", "t2").Scope()
	d.Set(t1, "storage", "a")
	d.Set(t2, "storage", "b")
	d.Set(t1, "other", "x")

	snap := d.WithKey("storage")
	if len(snap) != 2 || snap[t1] != "a" || snap[t2] != "b" {
		t.Errorf("WithKey = %v", snap)
	}

	prev := d.ReplaceKey("storage", map[tenancy.Scope]any{t1: "c"})
	if len(prev) != 2 {
		t.Errorf("displaced %d, want 2", len(prev))
	}
	if v, _ := d.Get(t1, "storage"); v != "c" {
		t.Errorf("t1 storage = %v, want c", v)
	}
	if _, ok := d.Get(t2, "storage"); ok {
		t.Error("t2 storage should be gone after replace")
	}
	if v, _ := d.Get(t1, "other"); v != "x" {
		t.Error("unrelated key should be untouched")
	}
}

func TestTypedHelpers(t *testing.T) {
	d := New()
	scope := tenancy.ProcessScope()

	c, err := Obtain(d, scope, "c", func() (*counter, error) { return &counter{}, nil })
	if err != nil {
		t.Fatalf("Obtain: %v", err)
	}
	c.n.Add(2)

	got, ok := Lookup[*counter](d, scope, "c")
	if !ok || got.n.Load() != 2 {
		t.Errorf("Lookup = %v, %v", got, ok)
	}

	if _, err := Obtain(d, scope, "c", func() (string, error) { return "", nil }); err == nil {
		t.Error("expected type mismatch error")
	}
}
