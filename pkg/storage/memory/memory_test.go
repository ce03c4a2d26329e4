package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rhuss/authcore/pkg/storage"
	"github.com/rhuss/authcore/pkg/storage/storagetest"
	"github.com/rhuss/authcore/pkg/tenancy"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New().(*Store)
	s.Construct("test", true)
	if err := s.InitStorage(context.Background()); err != nil {
		t.Fatalf("InitStorage: %v", err)
	}
	return s
}

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Backend { return newTestStore(t) })
}

func TestRegistered(t *testing.T) {
	if _, ok := storage.DefaultRegistry.Factory(Name); !ok {
		t.Errorf("backend %q not registered", Name)
	}
}

func TestNoTOTPCapability(t *testing.T) {
	_, err := storage.Narrow[storage.TOTPStorage](newTestStore(t))
	var fatal *storage.FatalError
	if !errors.As(err, &fatal) {
		t.Errorf("Narrow[TOTPStorage] error = %v, want *FatalError", err)
	}
	if storage.Supports[storage.Transactional](newTestStore(t)) {
		t.Error("memory backend reports transactions")
	}
}

func TestCASExactlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	created := time.Now()

	var wg sync.WaitGroup
	results := make([]bool, 20)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := storage.KeyValueInfo{Value: "k", CreatedAt: created.Add(time.Duration(i) * time.Millisecond)}
			added, err := s.AddAccessTokenSigningKeyIfLatest(ctx, tenancy.BaseApp, key, time.Time{})
			if err != nil {
				t.Errorf("AddAccessTokenSigningKeyIfLatest: %v", err)
			}
			results[i] = added
		}()
	}
	wg.Wait()

	wins := 0
	for _, added := range results {
		if added {
			wins++
		}
	}
	if wins != 1 {
		t.Errorf("wins = %d, want 1", wins)
	}
	keys, _ := s.GetAccessTokenSigningKeys(ctx, tenancy.BaseApp)
	if len(keys) != 1 {
		t.Errorf("len(keys) = %d, want 1", len(keys))
	}
}

func TestDomainIgnored(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	withDomain := tenancy.NewTenant("example.com", "", "")

	if err := s.SetKeyValue(ctx, withDomain, "k", storage.KeyValueInfo{Value: "v"}); err != nil {
		t.Fatalf("SetKeyValue: %v", err)
	}
	got, err := s.GetKeyValue(ctx, tenancy.BaseTenant, "k")
	if err != nil || got.Value != "v" {
		t.Errorf("GetKeyValue = %+v, %v; want v", got, err)
	}
}

func TestClosed(t *testing.T) {
	s := newTestStore(t)
	_ = s.Close()
	err := s.IsReady(context.Background())
	if storage.Classify(err) != storage.KindTransient {
		t.Errorf("IsReady after Close error = %v, want transient", err)
	}
}
