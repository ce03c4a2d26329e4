// Package memory provides a map-backed NOSQL_1 storage backend for tests
// and throwaway deployments. Data is lost when the process exits.
//
// The backend has no transactions. Signing keys are provisioned through a
// compare-and-set primitive instead, and it does not implement the TOTP
// capability.
package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rhuss/authcore/pkg/config"
	"github.com/rhuss/authcore/pkg/storage"
	"github.com/rhuss/authcore/pkg/tenancy"
)

// Name is the backend name in the plugin registry.
const Name = "memory"

func init() {
	storage.MustRegister(Name, New)
}

type kvKey struct {
	tenant tenancy.TenantIdentifier
	name   string
}

// Store is the in-memory backend. Identifiers are stored without their
// connection-uri-domain, like the relational backends do.
type Store struct {
	storage.FileLogging

	processID string

	mu      sync.RWMutex
	tenants map[tenancy.TenantIdentifier]time.Time
	values  map[kvKey]storage.KeyValueInfo
	keys    map[string][]storage.KeyValueInfo // by app id, newest first
	closed  bool
}

// Compile-time interface checks.
var (
	_ storage.Backend                = (*Store)(nil)
	_ storage.KeyValueStorage        = (*Store)(nil)
	_ storage.SigningKeyNoSQLStorage = (*Store)(nil)
	_ storage.MultitenancyStorage    = (*Store)(nil)
)

// New returns an empty in-memory backend.
func New() storage.Backend {
	return &Store{
		tenants: make(map[tenancy.TenantIdentifier]time.Time),
		values:  make(map[kvKey]storage.KeyValueInfo),
		keys:    make(map[string][]storage.KeyValueInfo),
	}
}

func (s *Store) Name() string { return Name }

func (s *Store) Type() storage.Type { return storage.TypeNoSQL1 }

func (s *Store) Construct(processID string, silent bool) {
	s.processID = processID
	s.SetLogContext(silent, "backend", Name, "process_id", processID)
}

func (s *Store) LoadConfig(config.StorageConfig) error { return nil }

func (s *Store) CanBeUsed(config.StorageConfig) bool { return true }

// ConnectionPoolID is unique per process, so all tenants share one store.
func (s *Store) ConnectionPoolID() string { return Name + "|" + s.processID }

func (s *Store) UserPoolID() string { return s.ConnectionPoolID() }

// InitStorage creates the base tenant.
func (s *Store) InitStorage(ctx context.Context) error {
	_, err := s.CreateTenant(ctx, tenancy.BaseTenant)
	return err
}

func (s *Store) IsReady(ctx context.Context) error {
	return s.check(ctx)
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return storage.NewQueryError("memory", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return storage.NewQueryError("memory", storage.ErrNotConfigured)
	}
	return nil
}

func (s *Store) GetKeyValue(ctx context.Context, tenant tenancy.TenantIdentifier, key string) (storage.KeyValueInfo, error) {
	if err := s.check(ctx); err != nil {
		return storage.KeyValueInfo{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.values[kvKey{strip(tenant), key}]
	if !ok {
		return storage.KeyValueInfo{}, storage.ErrNotFound
	}
	return info, nil
}

func (s *Store) SetKeyValue(ctx context.Context, tenant tenancy.TenantIdentifier, key string, info storage.KeyValueInfo) error {
	return s.putKeyValue(ctx, tenant, key, info, true)
}

func (s *Store) InsertKeyValue(ctx context.Context, tenant tenancy.TenantIdentifier, key string, info storage.KeyValueInfo) error {
	return s.putKeyValue(ctx, tenant, key, info, false)
}

func (s *Store) putKeyValue(ctx context.Context, tenant tenancy.TenantIdentifier, key string, info storage.KeyValueInfo, overwrite bool) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	tenant = strip(tenant)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[tenant]; !ok {
		return storage.ErrTenantOrAppNotFound
	}
	k := kvKey{tenant, key}
	if _, exists := s.values[k]; exists && !overwrite {
		return &storage.DuplicateKeyError{Constraint: "key_value." + key}
	}
	if info.CreatedAt.IsZero() {
		info.CreatedAt = time.Now()
	}
	s.values[k] = info
	return nil
}

func (s *Store) DeleteKeyValue(ctx context.Context, tenant tenancy.TenantIdentifier, key string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, kvKey{strip(tenant), key})
	return nil
}

func (s *Store) GetAccessTokenSigningKeys(ctx context.Context, app tenancy.AppIdentifier) ([]storage.KeyValueInfo, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.keys[app.AppID]), nil
}

// AddAccessTokenSigningKeyIfLatest appends key when the newest stored key
// was created at lastCreated.
func (s *Store) AddAccessTokenSigningKeyIfLatest(ctx context.Context, app tenancy.AppIdentifier, key storage.KeyValueInfo, lastCreated time.Time) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.appExists(app.AppID) {
		return false, storage.ErrTenantOrAppNotFound
	}
	current := s.keys[app.AppID]
	var newest time.Time
	if len(current) > 0 {
		newest = current[0].CreatedAt
	}
	if !newest.Equal(lastCreated) {
		return false, nil
	}
	for _, k := range current {
		if k.CreatedAt.Equal(key.CreatedAt) {
			return false, nil
		}
	}
	s.keys[app.AppID] = append([]storage.KeyValueInfo{key}, current...)
	return true, nil
}

func (s *Store) RemoveAccessTokenSigningKeysBefore(ctx context.Context, app tenancy.AppIdentifier, before time.Time) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[app.AppID] = slices.DeleteFunc(s.keys[app.AppID], func(k storage.KeyValueInfo) bool {
		return k.CreatedAt.Before(before)
	})
	return nil
}

func (s *Store) CreateTenant(ctx context.Context, tenant tenancy.TenantIdentifier) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}
	tenant = strip(tenant)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[tenant]; ok {
		return false, nil
	}
	s.tenants[tenant] = time.Now()
	return true, nil
}

func (s *Store) DeleteTenant(ctx context.Context, tenant tenancy.TenantIdentifier) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}
	tenant = strip(tenant)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[tenant]; !ok {
		return false, nil
	}
	delete(s.tenants, tenant)
	for k := range s.values {
		if k.tenant == tenant {
			delete(s.values, k)
		}
	}
	return true, nil
}

func (s *Store) DeleteApp(ctx context.Context, app tenancy.AppIdentifier) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := false
	for t := range s.tenants {
		if t.AppID == app.AppID {
			delete(s.tenants, t)
			deleted = true
		}
	}
	for k := range s.values {
		if k.tenant.AppID == app.AppID {
			delete(s.values, k)
		}
	}
	delete(s.keys, app.AppID)
	return deleted, nil
}

func (s *Store) TenantExists(ctx context.Context, tenant tenancy.TenantIdentifier) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tenants[strip(tenant)]
	return ok, nil
}

func (s *Store) ListTenants(ctx context.Context, connectionURIDomain string) ([]tenancy.TenantIdentifier, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]tenancy.TenantIdentifier, 0, len(s.tenants))
	for t := range s.tenants {
		out = append(out, tenancy.NewTenant(connectionURIDomain, t.AppID, t.TenantID))
	}
	slices.SortFunc(out, func(a, b tenancy.TenantIdentifier) int {
		return cmp.Or(cmp.Compare(a.AppID, b.AppID), cmp.Compare(a.TenantID, b.TenantID))
	})
	return out, nil
}

func (s *Store) appExists(appID string) bool {
	for t := range s.tenants {
		if t.AppID == appID {
			return true
		}
	}
	return false
}

func strip(t tenancy.TenantIdentifier) tenancy.TenantIdentifier {
	return tenancy.TenantIdentifier{AppID: t.AppID, TenantID: t.TenantID}
}
