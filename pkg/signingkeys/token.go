package signingkeys

import (
	"context"
	"fmt"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// Sign issues a token for claims, signed with the newest key. The key ID is
// carried in the kid header.
func (m *Manager) Sign(ctx context.Context, claims jwtlib.Claims) (string, error) {
	key, err := m.GetOrCreateLatest(ctx)
	if err != nil {
		return "", err
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodRS256, claims)
	token.Header["kid"] = key.ID

	signed, err := token.SignedString(key.Private)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verify checks the token signature against the app's valid keys and
// returns its claims. Expiry and not-before are checked against the
// Manager's clock.
func (m *Manager) Verify(ctx context.Context, token string, opts ...jwtlib.ParserOption) (jwtlib.MapClaims, error) {
	parsed, err := jwtlib.Parse(token, func(token *jwtlib.Token) (any, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, fmt.Errorf("token missing kid header")
		}
		key, err := m.lookup(ctx, kid)
		if err != nil {
			return nil, err
		}
		return key.Public(), nil
	}, append([]jwtlib.ParserOption{
		jwtlib.WithValidMethods([]string{Algorithm}),
		jwtlib.WithTimeFunc(m.now),
	}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := parsed.Claims.(jwtlib.MapClaims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}
