// Package totp implements the TOTP recipe: device registration and
// verification, code checks with a sliding-window lockout, and replay
// protection. All state lives in the used-code log of a TOTP-capable
// storage backend; the rate limiter is recomputed from it on every attempt.
package totp
