package totp

import (
	"context"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rhuss/authcore/pkg/debug"
	"github.com/rhuss/authcore/pkg/observability"
	"github.com/rhuss/authcore/pkg/storage"
	"github.com/rhuss/authcore/pkg/tenancy"
)

// checkAndStoreCode verifies code against devices and appends the attempt
// to the user's used-code log, all in one transaction. A locked-out user
// gets a *LimitReachedError and nothing is recorded. An invalid code is
// recorded and then reported as *InvalidCodeError.
func (s *Service) checkAndStoreCode(ctx context.Context, store storage.TOTPStorage, tenant tenancy.TenantIdentifier, userID string, devices []Device, code string) error {
	ctx, span := tracer.Start(ctx, "totp.check", trace.WithAttributes(
		attribute.String("tenant", tenant.String()),
		attribute.Int("totp.devices", len(devices)),
	))
	defer span.End()

	cfg := s.cfg(tenant)
	maxAttempts := cfg.TOTPMaxAttempts
	cooldown := cfg.TOTPRateLimitCooldown

	_, err := storage.Retry(ctx, store, func(ctx context.Context, tx *storage.Tx) (struct{}, error) {
		var none struct{}

		// Expired rows are kept in the window; dropping them would let a
		// lockout lapse early or lock users out spuriously.
		used, err := store.GetAllUsedCodesDescOrderTx(ctx, tx, tenant, userID)
		if err != nil {
			return none, err
		}

		now := s.now()
		attempts := recentInvalid(used, maxAttempts, cooldown)
		if attempts > 0 && attempts == maxAttempts {
			if elapsed := now.Sub(used[0].CreatedAt); elapsed < cooldown {
				return none, &LimitReachedError{
					RetryAfter:      cooldown - elapsed,
					CurrentAttempts: attempts,
					MaxAttempts:     maxAttempts,
				}
			}
			attempts = 0
		}

		if len(code) > maxCodeLen {
			return none, &InvalidCodeError{CurrentAttempts: attempts + 1, MaxAttempts: maxAttempts}
		}

		matched := matchDevice(devices, code, now)
		valid := matched != nil && !replayed(used, code, now)

		expiry := maxExpiry(devices)
		if matched != nil {
			expiry = codeLifetime(*matched)
		}

		err = store.InsertUsedCodeTx(ctx, tx, tenant, storage.TOTPUsedCode{
			UserID:    userID,
			Code:      code,
			IsValid:   valid,
			ExpiresAt: now.Add(expiry),
			CreatedAt: now,
		})
		if err != nil {
			return none, err
		}
		if err := store.CommitTransaction(ctx, tx); err != nil {
			return none, err
		}

		if !valid {
			return none, &InvalidCodeError{CurrentAttempts: attempts + 1, MaxAttempts: maxAttempts}
		}
		return none, nil
	})
	err = unwrapLogic(err)

	outcome := StatusOf(err)
	if outcome == "" {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	observability.TOTPVerificationsTotal.WithLabelValues(outcome).Inc()
	span.SetAttributes(attribute.String("totp.outcome", outcome))
	debug.Log("totp", "code checked", "tenant", tenant, "user", userID, "outcome", outcome)
	return err
}

// recentInvalid counts the invalid attempts at the head of the log, among
// the latest n, that fall within cooldown of the newest one.
func recentInvalid(used []storage.TOTPUsedCode, n int, cooldown time.Duration) int {
	if len(used) > n {
		used = used[:n]
	}
	count := 0
	for _, c := range used {
		if c.IsValid {
			break
		}
		if !c.CreatedAt.After(used[0].CreatedAt.Add(-cooldown)) {
			break
		}
		count++
	}
	return count
}

// matchDevice returns the first device that generates code within its skew
// window around now.
func matchDevice(devices []Device, code string, now time.Time) *Device {
	for i := range devices {
		if checkCode(devices[i], code, now) {
			return &devices[i]
		}
	}
	return nil
}

func checkCode(d Device, code string, now time.Time) bool {
	period := time.Duration(d.Period) * time.Second
	opts := totp.ValidateOpts{
		Period:    uint(d.Period),
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}
	for i := -d.Skew; i <= d.Skew; i++ {
		want, err := totp.GenerateCodeCustom(d.Secret, now.Add(time.Duration(i)*period), opts)
		if err != nil {
			return false
		}
		if want == code {
			return true
		}
	}
	return false
}

// replayed reports whether code was already accepted and is still fresh.
func replayed(used []storage.TOTPUsedCode, code string, now time.Time) bool {
	for _, c := range used {
		if c.IsValid && c.Code == code && c.ExpiresAt.After(now) {
			return true
		}
	}
	return false
}

// codeLifetime is how long an accepted code of d stays replayable.
func codeLifetime(d Device) time.Duration {
	return time.Duration(d.Period*(2*d.Skew+1)) * time.Second
}

func maxExpiry(devices []Device) time.Duration {
	var longest time.Duration
	for _, d := range devices {
		longest = max(longest, codeLifetime(d))
	}
	return longest
}
