package storage

import (
	"context"
	"time"

	"github.com/rhuss/authcore/pkg/tenancy"
)

// KeyValueInfo is a stored value with its creation time.
type KeyValueInfo struct {
	Value     string
	CreatedAt time.Time
}

// KeyValueStorage stores small tenant-scoped named values.
type KeyValueStorage interface {
	// GetKeyValue returns ErrNotFound if key is absent.
	GetKeyValue(ctx context.Context, tenant tenancy.TenantIdentifier, key string) (KeyValueInfo, error)

	// SetKeyValue inserts or overwrites key.
	SetKeyValue(ctx context.Context, tenant tenancy.TenantIdentifier, key string, info KeyValueInfo) error

	// InsertKeyValue inserts key, failing with *DuplicateKeyError if present.
	InsertKeyValue(ctx context.Context, tenant tenancy.TenantIdentifier, key string, info KeyValueInfo) error

	DeleteKeyValue(ctx context.Context, tenant tenancy.TenantIdentifier, key string) error
}

// KeyValueTxStorage adds transactional key-value operations.
type KeyValueTxStorage interface {
	KeyValueStorage
	Transactional

	GetKeyValueTx(ctx context.Context, tx *Tx, tenant tenancy.TenantIdentifier, key string) (KeyValueInfo, error)
	SetKeyValueTx(ctx context.Context, tx *Tx, tenant tenancy.TenantIdentifier, key string, info KeyValueInfo) error
}

// SigningKeyStorage stores access-token signing keys per app, for SQL
// backends.
type SigningKeyStorage interface {
	Transactional

	// GetAccessTokenSigningKeysTx returns the keys newest first and locks
	// the app's key set until the transaction ends.
	GetAccessTokenSigningKeysTx(ctx context.Context, tx *Tx, app tenancy.AppIdentifier) ([]KeyValueInfo, error)

	// AddAccessTokenSigningKeyTx fails with *DuplicateKeyError if a key with
	// the same creation time exists.
	AddAccessTokenSigningKeyTx(ctx context.Context, tx *Tx, app tenancy.AppIdentifier, key KeyValueInfo) error

	RemoveAccessTokenSigningKeysBefore(ctx context.Context, app tenancy.AppIdentifier, before time.Time) error
}

// SigningKeyNoSQLStorage stores access-token signing keys for backends
// without transactions.
type SigningKeyNoSQLStorage interface {
	// GetAccessTokenSigningKeys returns the keys newest first.
	GetAccessTokenSigningKeys(ctx context.Context, app tenancy.AppIdentifier) ([]KeyValueInfo, error)

	// AddAccessTokenSigningKeyIfLatest adds key only if the newest stored
	// key was created at lastCreated (the zero time meaning "no keys").
	// It reports whether the key was added.
	AddAccessTokenSigningKeyIfLatest(ctx context.Context, app tenancy.AppIdentifier, key KeyValueInfo, lastCreated time.Time) (bool, error)

	RemoveAccessTokenSigningKeysBefore(ctx context.Context, app tenancy.AppIdentifier, before time.Time) error
}

// TOTPDevice is a registered TOTP generator of a user. Devices are
// app-scoped; period is in seconds.
type TOTPDevice struct {
	UserID     string
	DeviceName string
	Secret     string
	Period     int
	Skew       int
	Verified   bool
	CreatedAt  time.Time
}

// TOTPUsedCode is one verification attempt in the used-code log.
type TOTPUsedCode struct {
	UserID    string
	Code      string
	IsValid   bool
	ExpiresAt time.Time
	CreatedAt time.Time
}

// TOTPStorage is the storage required by the TOTP recipe.
type TOTPStorage interface {
	Transactional

	// CreateDevice fails with ErrDeviceAlreadyExists or ErrTenantOrAppNotFound.
	CreateDevice(ctx context.Context, app tenancy.AppIdentifier, device TOTPDevice) error
	CreateDeviceTx(ctx context.Context, tx *Tx, app tenancy.AppIdentifier, device TOTPDevice) error

	// GetDeviceByNameTx fails with ErrUnknownDevice.
	GetDeviceByNameTx(ctx context.Context, tx *Tx, app tenancy.AppIdentifier, userID, deviceName string) (TOTPDevice, error)

	GetDevices(ctx context.Context, app tenancy.AppIdentifier, userID string) ([]TOTPDevice, error)
	GetDevicesTx(ctx context.Context, tx *Tx, app tenancy.AppIdentifier, userID string) ([]TOTPDevice, error)

	// DeleteDeviceTx reports whether a device was deleted.
	DeleteDeviceTx(ctx context.Context, tx *Tx, app tenancy.AppIdentifier, userID, deviceName string) (bool, error)

	// RemoveUserTx deletes the user with its devices and used codes.
	RemoveUserTx(ctx context.Context, tx *Tx, app tenancy.AppIdentifier, userID string) error

	// MarkDeviceAsVerified fails with ErrUnknownDevice.
	MarkDeviceAsVerified(ctx context.Context, app tenancy.AppIdentifier, userID, deviceName string) error

	// UpdateDeviceName fails with ErrUnknownDevice or ErrDeviceAlreadyExists.
	UpdateDeviceName(ctx context.Context, app tenancy.AppIdentifier, userID, oldName, newName string) error

	// InsertUsedCodeTx fails with *DuplicateKeyError on a creation time
	// collision, ErrUnknownTOTPUser or ErrTenantOrAppNotFound.
	InsertUsedCodeTx(ctx context.Context, tx *Tx, tenant tenancy.TenantIdentifier, code TOTPUsedCode) error

	// GetAllUsedCodesDescOrderTx returns every used code of the user, newest
	// first, and locks the user's rows until the transaction ends.
	GetAllUsedCodesDescOrderTx(ctx context.Context, tx *Tx, tenant tenancy.TenantIdentifier, userID string) ([]TOTPUsedCode, error)

	// RemoveExpiredCodes deletes used codes that expired before the given time.
	RemoveExpiredCodes(ctx context.Context, tenant tenancy.TenantIdentifier, before time.Time) (int64, error)
}

// MultitenancyStorage manages the tenants a backend serves.
type MultitenancyStorage interface {
	// CreateTenant creates the tenant (and its app) if missing. It reports
	// whether anything was created.
	CreateTenant(ctx context.Context, tenant tenancy.TenantIdentifier) (bool, error)

	DeleteTenant(ctx context.Context, tenant tenancy.TenantIdentifier) (bool, error)
	DeleteApp(ctx context.Context, app tenancy.AppIdentifier) (bool, error)
	TenantExists(ctx context.Context, tenant tenancy.TenantIdentifier) (bool, error)

	// ListTenants returns every stored tenant. The connection-uri-domain is
	// not persisted, so identifiers carry the domain given.
	ListTenants(ctx context.Context, connectionURIDomain string) ([]tenancy.TenantIdentifier, error)
}
