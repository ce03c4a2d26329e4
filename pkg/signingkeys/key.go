package signingkeys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/rhuss/authcore/pkg/storage"
)

// Algorithm is the JWS algorithm every key signs with.
const Algorithm = "RS256"

// Key is one access-token signing key.
type Key struct {
	ID        string
	CreatedAt time.Time
	Private   *rsa.PrivateKey
}

// Public returns the verification half of the key.
func (k Key) Public() *rsa.PublicKey {
	return &k.Private.PublicKey
}

// storedKey is the persisted form in KeyValueInfo.Value.
type storedKey struct {
	ID         string `json:"kid"`
	Algorithm  string `json:"alg"`
	PrivateKey string `json:"private_key"`
}

func generateKey(bits int, now time.Time) (Key, error) {
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return Key{}, fmt.Errorf("generating RSA key: %w", err)
	}
	return Key{
		ID:        uuid.NewString(),
		CreatedAt: now.Truncate(time.Millisecond),
		Private:   priv,
	}, nil
}

func encodeKey(k Key) (storage.KeyValueInfo, error) {
	der, err := x509.MarshalPKCS8PrivateKey(k.Private)
	if err != nil {
		return storage.KeyValueInfo{}, fmt.Errorf("encoding key %s: %w", k.ID, err)
	}
	value, err := json.Marshal(storedKey{
		ID:         k.ID,
		Algorithm:  Algorithm,
		PrivateKey: string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})),
	})
	if err != nil {
		return storage.KeyValueInfo{}, err
	}
	return storage.KeyValueInfo{Value: string(value), CreatedAt: k.CreatedAt}, nil
}

func decodeKey(info storage.KeyValueInfo) (Key, error) {
	var sk storedKey
	if err := json.Unmarshal([]byte(info.Value), &sk); err != nil {
		return Key{}, fmt.Errorf("decoding signing key: %w", err)
	}
	block, _ := pem.Decode([]byte(sk.PrivateKey))
	if block == nil {
		return Key{}, fmt.Errorf("decoding signing key %s: no PEM block", sk.ID)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return Key{}, fmt.Errorf("decoding signing key %s: %w", sk.ID, err)
	}
	priv, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return Key{}, fmt.Errorf("signing key %s is %T, want RSA", sk.ID, parsed)
	}
	return Key{ID: sk.ID, CreatedAt: info.CreatedAt, Private: priv}, nil
}

// JSONWebKeySet is the public form of the verification keys.
type JSONWebKeySet struct {
	Keys []JSONWebKey `json:"keys"`
}

// JSONWebKey is one RSA public key.
type JSONWebKey struct {
	Kty string `json:"kty"` // Key type, always "RSA"
	Kid string `json:"kid"` // Key ID
	Use string `json:"use"` // Key use, always "sig"
	Alg string `json:"alg"`
	N   string `json:"n"` // RSA modulus (base64url-encoded)
	E   string `json:"e"` // RSA public exponent (base64url-encoded)
}

func toJWK(k Key) JSONWebKey {
	pub := k.Public()
	return JSONWebKey{
		Kty: "RSA",
		Kid: k.ID,
		Use: "sig",
		Alg: Algorithm,
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

// ParsePublicKey constructs an *rsa.PublicKey from a JWK.
func ParsePublicKey(jwk JSONWebKey) (*rsa.PublicKey, error) {
	if jwk.Kty != "RSA" {
		return nil, fmt.Errorf("unsupported key type %q", jwk.Kty)
	}
	nBytes, err := base64.RawURLEncoding.DecodeString(jwk.N)
	if err != nil {
		return nil, fmt.Errorf("decoding modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(jwk.E)
	if err != nil {
		return nil, fmt.Errorf("decoding exponent: %w", err)
	}

	n := new(big.Int).SetBytes(nBytes)
	e := new(big.Int).SetBytes(eBytes)
	if !e.IsInt64() {
		return nil, fmt.Errorf("RSA exponent too large")
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}
