package signingkeys

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"github.com/rhuss/authcore/pkg/config"
	"github.com/rhuss/authcore/pkg/resource"
	"github.com/rhuss/authcore/pkg/storage"
	"github.com/rhuss/authcore/pkg/storage/memory"
	"github.com/rhuss/authcore/pkg/storage/sqlite"
	"github.com/rhuss/authcore/pkg/tenancy"
)

const testBits = 1024

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newBackend(t *testing.T, b storage.Backend) storage.Backend {
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

var backends = map[string]func() storage.Backend{
	"sqlite": sqlite.New,
	"memory": memory.New,
}

func newManager(t *testing.T, b storage.Backend, clk *clock) *Manager {
	t.Helper()
	m, err := New(tenancy.BaseTenant.App(), Options{
		Storage: b,
		Config: func() config.CoreConfig {
			return config.CoreConfig{
				AccessTokenValidity:                 time.Hour,
				AccessTokenSigningKeyUpdateInterval: 24 * time.Hour,
			}
		},
		Now:     clk.Now,
		KeyBits: testBits,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func TestGetOrCreateLatest_Rotation(t *testing.T) {
	for name, factory := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clk := newClock()
			m := newManager(t, newBackend(t, factory()), clk)

			first, err := m.GetOrCreateLatest(ctx)
			if err != nil {
				t.Fatalf("GetOrCreateLatest: %v", err)
			}
			again, err := m.GetOrCreateLatest(ctx)
			if err != nil {
				t.Fatalf("GetOrCreateLatest again: %v", err)
			}
			if again.ID != first.ID {
				t.Errorf("second call returned %s, want cached %s", again.ID, first.ID)
			}

			clk.Advance(24 * time.Hour)
			second, err := m.GetOrCreateLatest(ctx)
			if err != nil {
				t.Fatalf("GetOrCreateLatest after interval: %v", err)
			}
			if second.ID == first.ID {
				t.Fatal("expected a new key after the update interval")
			}

			keys, err := m.AllKeys(ctx)
			if err != nil {
				t.Fatalf("AllKeys: %v", err)
			}
			if len(keys) != 2 || keys[0].ID != second.ID {
				t.Fatalf("AllKeys = %d keys, want 2 newest first", len(keys))
			}

			// Past update interval plus validity the first key is gone.
			clk.Advance(time.Hour + time.Second)
			keys, _ = m.AllKeys(ctx)
			if len(keys) != 1 || keys[0].ID != second.ID {
				t.Errorf("AllKeys after expiry = %d keys, want only %s", len(keys), second.ID)
			}

			if err := m.Cleanup(ctx); err != nil {
				t.Fatalf("Cleanup: %v", err)
			}
			if _, err := m.refresh(ctx); err != nil {
				t.Fatalf("refresh: %v", err)
			}
			if len(m.keys) != 1 {
				t.Errorf("stored keys after cleanup = %d, want 1", len(m.keys))
			}
		})
	}
}

func TestGetOrCreateLatest_ExactlyOnce(t *testing.T) {
	for name, factory := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clk := newClock()
			b := newBackend(t, factory())

			// Separate managers stand in for separate processes.
			const n = 10
			managers := make([]*Manager, n)
			for i := range managers {
				managers[i] = newManager(t, b, clk)
			}

			ids := make([]string, n)
			errs := make([]error, n)
			var wg sync.WaitGroup
			for i := range n {
				wg.Add(1)
				go func() {
					defer wg.Done()
					k, err := managers[i].GetOrCreateLatest(ctx)
					ids[i], errs[i] = k.ID, err
				}()
			}
			wg.Wait()

			for i := range n {
				if errs[i] != nil {
					t.Fatalf("caller %d: %v", i, errs[i])
				}
				if ids[i] != ids[0] {
					t.Errorf("caller %d got key %s, want %s", i, ids[i], ids[0])
				}
			}
			keys, err := managers[0].refresh(ctx)
			if err != nil {
				t.Fatalf("refresh: %v", err)
			}
			if len(keys) != 1 {
				t.Errorf("persisted keys = %d, want 1", len(keys))
			}
		})
	}
}

func TestSignVerify(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	m := newManager(t, newBackend(t, sqlite.New()), clk)

	token, err := m.Sign(ctx, jwtlib.MapClaims{
		"sub": "user1",
		"exp": clk.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	claims, err := m.Verify(ctx, token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims["sub"] != "user1" {
		t.Errorf("sub = %v, want user1", claims["sub"])
	}

	t.Run("tampered", func(t *testing.T) {
		parts := strings.Split(token, ".")
		parts[1] = parts[1] + "x"
		if _, err := m.Verify(ctx, strings.Join(parts, ".")); err == nil {
			t.Error("expected error for tampered token")
		}
	})

	t.Run("unknown kid", func(t *testing.T) {
		other := newManager(t, newBackend(t, sqlite.New()), clk)
		foreign, err := other.Sign(ctx, jwtlib.MapClaims{"sub": "user1"})
		if err != nil {
			t.Fatalf("Sign: %v", err)
		}
		if _, err := m.Verify(ctx, foreign); err == nil {
			t.Error("expected error for a key of another app")
		}
	})

	t.Run("expired", func(t *testing.T) {
		clk.Advance(2 * time.Hour)
		if _, err := m.Verify(ctx, token); err == nil {
			t.Error("expected error for expired token")
		}
	})
}

func TestJWKS(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, newBackend(t, memory.New()), newClock())

	key, err := m.GetOrCreateLatest(ctx)
	if err != nil {
		t.Fatalf("GetOrCreateLatest: %v", err)
	}
	set, err := m.JWKS(ctx)
	if err != nil {
		t.Fatalf("JWKS: %v", err)
	}
	if len(set.Keys) != 1 {
		t.Fatalf("len(keys) = %d, want 1", len(set.Keys))
	}
	jwk := set.Keys[0]
	if jwk.Kid != key.ID || jwk.Alg != Algorithm || jwk.Use != "sig" {
		t.Errorf("jwk = %+v", jwk)
	}

	pub, err := ParsePublicKey(jwk)
	if err != nil {
		t.Fatalf("ParsePublicKey: %v", err)
	}
	if !pub.Equal(key.Public()) {
		t.Error("parsed public key does not match")
	}
}

func TestEncodeDecode(t *testing.T) {
	k, err := generateKey(testBits, time.Now())
	if err != nil {
		t.Fatalf("generateKey: %v", err)
	}
	info, err := encodeKey(k)
	if err != nil {
		t.Fatalf("encodeKey: %v", err)
	}
	got, err := decodeKey(info)
	if err != nil {
		t.Fatalf("decodeKey: %v", err)
	}
	if got.ID != k.ID || !got.Private.Equal(k.Private) {
		t.Error("decoded key differs")
	}

	if _, err := decodeKey(storage.KeyValueInfo{Value: `{"kid":"x","private_key":"junk"}`}); err == nil {
		t.Error("expected error for missing PEM block")
	}
}

func TestFor(t *testing.T) {
	dist := resource.New()
	b := newBackend(t, memory.New())
	app := tenancy.NewApp("", "app1")

	m1, err := For(dist, app, Options{Storage: b, KeyBits: testBits})
	if err != nil {
		t.Fatalf("For: %v", err)
	}
	m2, err := For(dist, app, Options{Storage: b, KeyBits: testBits})
	if err != nil {
		t.Fatalf("For again: %v", err)
	}
	if m1 != m2 {
		t.Error("For should return the distributor's instance")
	}
	if m1.App() != app {
		t.Errorf("App() = %v, want %v", m1.App(), app)
	}
}

type bareBackend struct{ storage.Backend }

func (bareBackend) Name() string { return "bare" }

func TestNew_UnsupportedBackend(t *testing.T) {
	_, err := New(tenancy.BaseTenant.App(), Options{Storage: bareBackend{}})
	if storage.Classify(err) != storage.KindFatal {
		t.Errorf("err = %v, want fatal", err)
	}
}
