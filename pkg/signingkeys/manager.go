package signingkeys

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rhuss/authcore/pkg/config"
	"github.com/rhuss/authcore/pkg/debug"
	"github.com/rhuss/authcore/pkg/observability"
	"github.com/rhuss/authcore/pkg/resource"
	"github.com/rhuss/authcore/pkg/storage"
	"github.com/rhuss/authcore/pkg/tenancy"
)

// ResourceKey is the distributor key of the per-app Manager.
const ResourceKey resource.Key = "signingkeys.manager"

// DefaultKeyBits is the RSA modulus size of new keys.
const DefaultKeyBits = 2048

// Options configures a Manager.
type Options struct {
	// Storage is the backend of the app's public tenant. It must implement
	// storage.SigningKeyStorage or storage.SigningKeyNoSQLStorage.
	Storage storage.Backend

	// Config returns the settings of the app's public tenant.
	Config func() config.CoreConfig

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time

	// KeyBits defaults to DefaultKeyBits.
	KeyBits int
}

// Manager provisions and caches the signing keys of one app.
type Manager struct {
	app   tenancy.AppIdentifier
	sql   storage.SigningKeyStorage
	nosql storage.SigningKeyNoSQLStorage
	cfg   func() config.CoreConfig
	now   func() time.Time
	bits  int

	mu   sync.RWMutex
	keys []Key // newest first
}

// For returns the app's Manager from the distributor, creating it on
// first use.
func For(dist *resource.Distributor, app tenancy.AppIdentifier, opts Options) (*Manager, error) {
	return resource.Obtain(dist, app.Scope(), ResourceKey, func() (*Manager, error) {
		return New(app, opts)
	})
}

// New creates a Manager for app. The backend's capability is checked here.
func New(app tenancy.AppIdentifier, opts Options) (*Manager, error) {
	m := &Manager{
		app:  app,
		cfg:  opts.Config,
		now:  opts.Now,
		bits: opts.KeyBits,
	}
	switch s := opts.Storage.(type) {
	case storage.SigningKeyStorage:
		m.sql = s
	case storage.SigningKeyNoSQLStorage:
		m.nosql = s
	default:
		_, err := storage.Narrow[storage.SigningKeyStorage](opts.Storage)
		return nil, err
	}
	if m.cfg == nil {
		defaults := config.Defaults().Core
		m.cfg = func() config.CoreConfig { return defaults }
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.bits == 0 {
		m.bits = DefaultKeyBits
	}
	return m, nil
}

// App returns the app the Manager serves.
func (m *Manager) App() tenancy.AppIdentifier { return m.app }

// GetOrCreateLatest returns the newest key, creating one if there is none
// or the newest is older than the update interval.
func (m *Manager) GetOrCreateLatest(ctx context.Context) (Key, error) {
	now := m.now()
	interval := m.cfg().AccessTokenSigningKeyUpdateInterval

	m.mu.RLock()
	if len(m.keys) > 0 && now.Sub(m.keys[0].CreatedAt) < interval {
		k := m.keys[0]
		m.mu.RUnlock()
		return k, nil
	}
	m.mu.RUnlock()

	var (
		key     Key
		created bool
		err     error
	)
	if m.sql != nil {
		key, created, err = m.getOrCreateSQL(ctx, now, interval)
	} else {
		key, created, err = m.getOrCreateNoSQL(ctx, now, interval)
	}
	if err != nil {
		return Key{}, err
	}
	if created {
		observability.SigningKeysCreatedTotal.Inc()
		slog.Info("access token signing key created", "app", m.app.String(), "kid", key.ID)
	}

	if _, err := m.refresh(ctx); err != nil {
		return Key{}, err
	}
	return key, nil
}

func (m *Manager) getOrCreateSQL(ctx context.Context, now time.Time, interval time.Duration) (Key, bool, error) {
	var (
		fresh   *Key
		created bool
	)
	key, err := storage.GetOrCreate(ctx, m.sql,
		func(ctx context.Context, tx *storage.Tx) (Key, bool, error) {
			created = false
			infos, err := m.sql.GetAccessTokenSigningKeysTx(ctx, tx, m.app)
			if err != nil {
				return Key{}, false, err
			}
			if len(infos) == 0 || now.Sub(infos[0].CreatedAt) >= interval {
				return Key{}, false, nil
			}
			k, err := decodeKey(infos[0])
			return k, err == nil, err
		},
		func(ctx context.Context, tx *storage.Tx) (Key, error) {
			// Retried attempts reuse the key generated first.
			if fresh == nil {
				k, err := generateKey(m.bits, now)
				if err != nil {
					return Key{}, err
				}
				fresh = &k
			}
			info, err := encodeKey(*fresh)
			if err != nil {
				return Key{}, err
			}
			if err := m.sql.AddAccessTokenSigningKeyTx(ctx, tx, m.app, info); err != nil {
				return Key{}, err
			}
			created = true
			return *fresh, nil
		},
	)
	if err != nil {
		return Key{}, false, err
	}
	return key, created, nil
}

func (m *Manager) getOrCreateNoSQL(ctx context.Context, now time.Time, interval time.Duration) (Key, bool, error) {
	var fresh *Key
	for attempt := 1; attempt <= storage.MaxRetries; attempt++ {
		infos, err := m.nosql.GetAccessTokenSigningKeys(ctx, m.app)
		if err != nil {
			return Key{}, false, err
		}
		var last time.Time
		if len(infos) > 0 {
			if now.Sub(infos[0].CreatedAt) < interval {
				k, err := decodeKey(infos[0])
				return k, false, err
			}
			last = infos[0].CreatedAt
		}

		if fresh == nil {
			k, err := generateKey(m.bits, now)
			if err != nil {
				return Key{}, false, err
			}
			fresh = &k
		}
		info, err := encodeKey(*fresh)
		if err != nil {
			return Key{}, false, err
		}
		added, err := m.nosql.AddAccessTokenSigningKeyIfLatest(ctx, m.app, info, last)
		if err != nil {
			return Key{}, false, err
		}
		if added {
			return *fresh, true, nil
		}
		debug.Log("signingkeys", "lost key race, retrying", "app", m.app, "attempt", attempt)
	}
	return Key{}, false, &storage.QueryError{Op: "add signing key", Err: fmt.Errorf("giving up after %d attempts", storage.MaxRetries)}
}

// AllKeys returns the keys that still verify tokens, newest first.
func (m *Manager) AllKeys(ctx context.Context) ([]Key, error) {
	if _, err := m.GetOrCreateLatest(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.valid(m.now()), nil
}

// JWKS returns the public verification keys.
func (m *Manager) JWKS(ctx context.Context) (JSONWebKeySet, error) {
	keys, err := m.AllKeys(ctx)
	if err != nil {
		return JSONWebKeySet{}, err
	}
	set := JSONWebKeySet{Keys: make([]JSONWebKey, 0, len(keys))}
	for _, k := range keys {
		set.Keys = append(set.Keys, toJWK(k))
	}
	return set, nil
}

// Cleanup deletes keys that can no longer verify any token.
func (m *Manager) Cleanup(ctx context.Context) error {
	cutoff := m.now().Add(-m.lifetime())
	var err error
	if m.sql != nil {
		err = m.sql.RemoveAccessTokenSigningKeysBefore(ctx, m.app, cutoff)
	} else {
		err = m.nosql.RemoveAccessTokenSigningKeysBefore(ctx, m.app, cutoff)
	}
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.keys = m.valid(m.now())
	m.mu.Unlock()
	return nil
}

// refresh reloads the cached key list from storage.
func (m *Manager) refresh(ctx context.Context) ([]Key, error) {
	var (
		infos []storage.KeyValueInfo
		err   error
	)
	if m.sql != nil {
		infos, err = storage.InTransaction(ctx, m.sql, func(ctx context.Context, tx *storage.Tx) ([]storage.KeyValueInfo, error) {
			return m.sql.GetAccessTokenSigningKeysTx(ctx, tx, m.app)
		})
	} else {
		infos, err = m.nosql.GetAccessTokenSigningKeys(ctx, m.app)
	}
	if err != nil {
		return nil, err
	}

	keys := make([]Key, 0, len(infos))
	for _, info := range infos {
		k, err := decodeKey(info)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}

	m.mu.Lock()
	m.keys = keys
	m.mu.Unlock()
	return keys, nil
}

// lookup returns the cached key with the given ID, reloading once if it is
// not cached.
func (m *Manager) lookup(ctx context.Context, kid string) (Key, error) {
	now := m.now()
	m.mu.RLock()
	for _, k := range m.valid(now) {
		if k.ID == kid {
			m.mu.RUnlock()
			return k, nil
		}
	}
	m.mu.RUnlock()

	if _, err := m.refresh(ctx); err != nil {
		return Key{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, k := range m.valid(now) {
		if k.ID == kid {
			return k, nil
		}
	}
	return Key{}, fmt.Errorf("signing key %q not found", kid)
}

// valid filters the cache to unexpired keys. Must be called with mu held.
func (m *Manager) valid(now time.Time) []Key {
	lifetime := m.lifetime()
	out := make([]Key, 0, len(m.keys))
	for _, k := range m.keys {
		if now.Sub(k.CreatedAt) < lifetime {
			out = append(out, k)
		}
	}
	return out
}

func (m *Manager) lifetime() time.Duration {
	cfg := m.cfg()
	return cfg.AccessTokenSigningKeyUpdateInterval + cfg.AccessTokenValidity
}
