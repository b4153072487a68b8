package database

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strconv"
	"time"

	"github.com/cuixiaotu/lbdm/internal/config"
)

// ErrMissingEphemeralKey is returned when rotating credentials are selected
// but no derivation key is configured.
var ErrMissingEphemeralKey = errors.New("database: rotating credentials require an ephemeral key")

// ErrInvalidEphemeralTTL is returned when rotating credentials are selected
// with a non-positive lifetime.
var ErrInvalidEphemeralTTL = errors.New("database: rotating credentials require a positive TTL")

// EphemeralCredential is a short-lived username/password pair derived from a
// login name and a timestamp. It is never persisted.
type EphemeralCredential struct {
	Username string
	Password string
	IssuedAt time.Time
}

// credentials are what the pool authenticates with.
type credentials struct {
	user     string
	password string
	rotating bool
	issuedAt time.Time
}

// UsesEphemeralCredentials reports whether cfg selects rotating credentials:
// the password is the user name plus the configured suffix and the port is
// the configured sentinel port. Both must match exactly.
func UsesEphemeralCredentials(cfg config.DatabaseConfig) bool {
	if cfg.EphemeralSuffix == "" || cfg.User == "" {
		return false
	}
	return cfg.Password == cfg.User+cfg.EphemeralSuffix && cfg.Port == cfg.EphemeralPort
}

// DeriveEphemeral computes the credential for login at issuedAt.
//
//	Username = base64(xor(login + "|" + unixSeconds, key))
//	Password = hex(hmac_sha256(secret, Username))
func DeriveEphemeral(login, key, secret string, issuedAt time.Time) EphemeralCredential {
	plain := []byte(login + "|" + strconv.FormatInt(issuedAt.Unix(), 10))
	keyBytes := []byte(key)

	mixed := make([]byte, len(plain))
	copy(mixed, plain)
	if len(keyBytes) > 0 {
		for i := range mixed {
			mixed[i] ^= keyBytes[i%len(keyBytes)]
		}
	}
	username := base64.StdEncoding.EncodeToString(mixed)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(username))

	return EphemeralCredential{
		Username: username,
		Password: hex.EncodeToString(mac.Sum(nil)),
		IssuedAt: issuedAt,
	}
}

// resolveCredentials picks verbatim or derived credentials for cfg.
func resolveCredentials(cfg config.DatabaseConfig, now time.Time) (credentials, error) {
	if !UsesEphemeralCredentials(cfg) {
		return credentials{user: cfg.User, password: cfg.Password}, nil
	}
	if cfg.EphemeralKey == "" {
		return credentials{}, ErrMissingEphemeralKey
	}
	if cfg.EphemeralTTL <= 0 {
		return credentials{}, ErrInvalidEphemeralTTL
	}

	secret := cfg.EphemeralSecret
	if secret == "" {
		secret = cfg.EphemeralKey
	}
	cred := DeriveEphemeral(cfg.User, cfg.EphemeralKey, secret, now)
	return credentials{
		user:     cred.Username,
		password: cred.Password,
		rotating: true,
		issuedAt: cred.IssuedAt,
	}, nil
}

// expired reports whether rotating credentials are older than ttl.
// Static credentials never expire.
func (c credentials) expired(now time.Time, ttl time.Duration) bool {
	if !c.rotating {
		return false
	}
	return now.Sub(c.issuedAt) > ttl
}
