package totp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/pquerna/otp/totp"
	"go.opentelemetry.io/otel"

	"github.com/rhuss/authcore/pkg/config"
	"github.com/rhuss/authcore/pkg/debug"
	"github.com/rhuss/authcore/pkg/featureflag"
	"github.com/rhuss/authcore/pkg/storage"
	"github.com/rhuss/authcore/pkg/tenancy"
)

// Device is a registered TOTP generator.
type Device = storage.TOTPDevice

const (
	// DefaultPeriod is the code lifetime in seconds used when none is given.
	DefaultPeriod = 30
	// DefaultSkew is the number of neighbouring periods accepted.
	DefaultSkew = 1

	issuer     = "authcore"
	secretSize = 20
	maxCodeLen = 8
)

var tracer = otel.Tracer("github.com/rhuss/authcore/pkg/totp")

// Options configures a Service.
type Options struct {
	// Storage resolves the backend serving a tenant.
	Storage func(tenant tenancy.TenantIdentifier) (storage.Backend, error)

	// Config resolves the recipe settings in effect for a tenant.
	Config func(tenant tenancy.TenantIdentifier) config.CoreConfig

	// Features gates device registration and code verification.
	Features featureflag.Checker

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// Service runs the TOTP recipe against the tenant-resolved storage.
type Service struct {
	resolve  func(tenant tenancy.TenantIdentifier) (storage.Backend, error)
	cfg      func(tenant tenancy.TenantIdentifier) config.CoreConfig
	features featureflag.Checker
	now      func() time.Time
}

// New creates a Service. Storage is required.
func New(opts Options) (*Service, error) {
	if opts.Storage == nil {
		return nil, fmt.Errorf("totp: storage resolver must not be nil")
	}
	s := &Service{
		resolve:  opts.Storage,
		cfg:      opts.Config,
		features: opts.Features,
		now:      opts.Now,
	}
	if s.cfg == nil {
		defaults := config.Defaults().Core
		s.cfg = func(tenancy.TenantIdentifier) config.CoreConfig { return defaults }
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

func (s *Service) storage(tenant tenancy.TenantIdentifier) (storage.TOTPStorage, error) {
	b, err := s.resolve(tenant)
	if err != nil {
		return nil, err
	}
	return storage.Narrow[storage.TOTPStorage](b)
}

// RegisterDevice creates an unverified device with a fresh secret. An
// unverified device of the same name is replaced. An empty name picks the
// first free "TOTP Device N".
func (s *Service) RegisterDevice(ctx context.Context, tenant tenancy.TenantIdentifier, userID, deviceName string, skew, period int) (Device, error) {
	if err := validate(Device{UserID: userID, Period: period, Skew: skew}); err != nil {
		return Device{}, err
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: userID,
		SecretSize:  secretSize,
	})
	if err != nil {
		return Device{}, fmt.Errorf("generating totp secret: %w", err)
	}
	return s.createDevice(ctx, tenant, Device{
		UserID:     userID,
		DeviceName: deviceName,
		Secret:     key.Secret(),
		Period:     period,
		Skew:       skew,
		CreatedAt:  s.now(),
	})
}

// ImportDevice stores a device with a caller-provided base32 secret, for
// migrating users from another system. Imported devices are verified.
func (s *Service) ImportDevice(ctx context.Context, tenant tenancy.TenantIdentifier, userID, deviceName, secret string, skew, period int) (Device, error) {
	if secret == "" {
		return Device{}, fmt.Errorf("%w: secret is required", ErrInvalidParameter)
	}
	if _, err := totp.GenerateCode(secret, s.now()); err != nil {
		return Device{}, fmt.Errorf("%w: secret is not valid base32", ErrInvalidParameter)
	}
	return s.createDevice(ctx, tenant, Device{
		UserID:     userID,
		DeviceName: deviceName,
		Secret:     secret,
		Period:     period,
		Skew:       skew,
		Verified:   true,
		CreatedAt:  s.now(),
	})
}

func (s *Service) createDevice(ctx context.Context, tenant tenancy.TenantIdentifier, d Device) (Device, error) {
	if err := validate(d); err != nil {
		return Device{}, err
	}
	app := tenant.App()
	if err := featureflag.Require(ctx, s.features, app, featureflag.TOTP); err != nil {
		return Device{}, err
	}
	store, err := s.storage(tenant)
	if err != nil {
		return Device{}, err
	}

	if d.DeviceName != "" {
		return s.putDevice(ctx, store, app, d)
	}

	devices, err := store.GetDevices(ctx, app, d.UserID)
	if err != nil {
		return Device{}, err
	}
	n := 0
	for _, existing := range devices {
		if existing.Verified {
			n++
		}
	}
	for ; ; n++ {
		named := d
		named.DeviceName = "TOTP Device " + strconv.Itoa(n)
		created, err := s.putDevice(ctx, store, app, named)
		if !errors.Is(err, ErrDeviceAlreadyExists) {
			return created, err
		}
	}
}

// putDevice creates d, replacing an unverified device of the same name.
func (s *Service) putDevice(ctx context.Context, store storage.TOTPStorage, app tenancy.AppIdentifier, d Device) (Device, error) {
	created, err := storage.Retry(ctx, store, func(ctx context.Context, tx *storage.Tx) (Device, error) {
		existing, err := store.GetDeviceByNameTx(ctx, tx, app, d.UserID, d.DeviceName)
		switch {
		case errors.Is(err, ErrUnknownDevice):
		case err != nil:
			return Device{}, err
		case existing.Verified:
			return Device{}, ErrDeviceAlreadyExists
		default:
			if _, err := store.DeleteDeviceTx(ctx, tx, app, d.UserID, d.DeviceName); err != nil {
				return Device{}, err
			}
		}
		if err := store.CreateDeviceTx(ctx, tx, app, d); err != nil {
			return Device{}, err
		}
		if err := store.CommitTransaction(ctx, tx); err != nil {
			return Device{}, err
		}
		return d, nil
	})
	if err != nil {
		return Device{}, unwrapLogic(err)
	}
	debug.Log("totp", "device created", "app", app, "user", d.UserID, "device", d.DeviceName, "verified", d.Verified)
	return created, nil
}

// VerifyDevice checks code against an unverified device and marks it
// verified on success. It returns false, without checking the code, if the
// device is already verified.
func (s *Service) VerifyDevice(ctx context.Context, tenant tenancy.TenantIdentifier, userID, deviceName, code string) (bool, error) {
	store, err := s.storage(tenant)
	if err != nil {
		return false, err
	}
	app := tenant.App()

	devices, err := store.GetDevices(ctx, app, userID)
	if err != nil {
		return false, err
	}
	var device *Device
	for i := range devices {
		if devices[i].DeviceName == deviceName {
			device = &devices[i]
			break
		}
	}
	if device == nil {
		return false, ErrUnknownDevice
	}
	if device.Verified {
		return false, nil
	}

	// A device removed concurrently takes the user record with it.
	if err := s.checkAndStoreCode(ctx, store, tenant, userID, []Device{*device}, code); err != nil {
		if errors.Is(err, ErrUnknownUser) {
			return false, ErrUnknownDevice
		}
		return false, err
	}

	if err := store.MarkDeviceAsVerified(ctx, app, userID, deviceName); err != nil {
		return false, err
	}
	slog.Info("totp device verified", "app", app.String(), "user", userID, "device", deviceName)
	return true, nil
}

// VerifyCode checks code against the user's verified devices.
func (s *Service) VerifyCode(ctx context.Context, tenant tenancy.TenantIdentifier, userID, code string) error {
	if err := featureflag.Require(ctx, s.features, tenant.App(), featureflag.TOTP); err != nil {
		return err
	}
	store, err := s.storage(tenant)
	if err != nil {
		return err
	}

	devices, err := store.GetDevices(ctx, tenant.App(), userID)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		return ErrUnknownUser
	}
	var verified []Device
	for _, d := range devices {
		if d.Verified {
			verified = append(verified, d)
		}
	}
	return s.checkAndStoreCode(ctx, store, tenant, userID, verified, code)
}

// UpdateDeviceName renames a device.
func (s *Service) UpdateDeviceName(ctx context.Context, tenant tenancy.TenantIdentifier, userID, oldName, newName string) error {
	if newName == "" {
		return fmt.Errorf("%w: device name is required", ErrInvalidParameter)
	}
	store, err := s.storage(tenant)
	if err != nil {
		return err
	}
	return store.UpdateDeviceName(ctx, tenant.App(), userID, oldName, newName)
}

// ListDevices returns the user's devices, oldest first. A user without
// devices has an empty list.
func (s *Service) ListDevices(ctx context.Context, tenant tenancy.TenantIdentifier, userID string) ([]Device, error) {
	store, err := s.storage(tenant)
	if err != nil {
		return nil, err
	}
	return store.GetDevices(ctx, tenant.App(), userID)
}

// RemoveDevice deletes a device. Removing the last device removes the user
// together with its used codes.
func (s *Service) RemoveDevice(ctx context.Context, tenant tenancy.TenantIdentifier, userID, deviceName string) error {
	store, err := s.storage(tenant)
	if err != nil {
		return err
	}
	app := tenant.App()

	removedUser, err := storage.Retry(ctx, store, func(ctx context.Context, tx *storage.Tx) (bool, error) {
		deleted, err := store.DeleteDeviceTx(ctx, tx, app, userID, deviceName)
		if err != nil {
			return false, err
		}
		if !deleted {
			return false, ErrUnknownDevice
		}
		remaining, err := store.GetDevicesTx(ctx, tx, app, userID)
		if err != nil {
			return false, err
		}
		if len(remaining) == 0 {
			if err := store.RemoveUserTx(ctx, tx, app, userID); err != nil {
				return false, err
			}
		}
		return len(remaining) == 0, store.CommitTransaction(ctx, tx)
	})
	if err != nil {
		return unwrapLogic(err)
	}
	debug.Log("totp", "device removed", "app", app, "user", userID, "device", deviceName, "user_removed", removedUser)
	return nil
}

// RemoveExpiredCodes deletes the tenant's used codes that expired before
// the given time.
func (s *Service) RemoveExpiredCodes(ctx context.Context, tenant tenancy.TenantIdentifier, before time.Time) (int64, error) {
	store, err := s.storage(tenant)
	if err != nil {
		return 0, err
	}
	return store.RemoveExpiredCodes(ctx, tenant, before)
}

func validate(d Device) error {
	switch {
	case d.UserID == "":
		return fmt.Errorf("%w: user id is required", ErrInvalidParameter)
	case d.Period <= 0:
		return fmt.Errorf("%w: period must be positive", ErrInvalidParameter)
	case d.Skew < 0:
		return fmt.Errorf("%w: skew must not be negative", ErrInvalidParameter)
	}
	return nil
}
