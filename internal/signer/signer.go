// Package signer provides the keyed-integrity and signature primitives
// behind both activation paths: an unkeyed checksum for binding offline
// request fields, an HMAC-SHA256 pair for approvals where both sides of
// the check live in the same trust domain, and an RSA-SHA256 pair for
// response codes that must be verifiable by clients that never talk to
// the server again.
//
// Verification failures of every kind collapse into the single
// errors.ErrVerificationFailed outcome; the distinguishing detail is
// logged server-side so the verifier cannot be used as an oracle.
package signer

import (
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"

	"golang.org/x/crypto/scrypt"

	apperrors "github.com/keyfortio/keyfort/internal/errors"
)

// hwidSalt is the fixed application salt for deriving the hardware-hash
// key from the configured secret. Changing it invalidates every stored
// hwid hash.
var hwidSalt = []byte("keyfort-hwid-v1")

// scrypt cost parameters, matching the interactive-use recommendation.
const (
	scryptN      = 32768
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
)

// Signer holds the process-wide keys. It is immutable after construction
// and safe for concurrent use.
type Signer struct {
	secret     []byte
	hwidKey    []byte
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	logger     *slog.Logger
}

// New creates a Signer from a shared secret and an RSA key pair. The
// secret is used as raw bytes for HMAC operations; exactly this one
// representation is authoritative for the v1 code formats. privateKey may
// be nil for verify-only (client-side) signers.
func New(secret string, privateKey *rsa.PrivateKey, publicKey *rsa.PublicKey, logger *slog.Logger) (*Signer, error) {
	if secret == "" {
		return nil, fmt.Errorf("signer secret must not be empty")
	}
	if publicKey == nil {
		if privateKey == nil {
			return nil, fmt.Errorf("signer requires at least a public key")
		}
		publicKey = &privateKey.PublicKey
	}
	if logger == nil {
		logger = slog.Default()
	}

	hwidKey, err := scrypt.Key([]byte(secret), hwidSalt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("failed to derive hwid hash key: %w", err)
	}

	return &Signer{
		secret:     []byte(secret),
		hwidKey:    hwidKey,
		privateKey: privateKey,
		publicKey:  publicKey,
		logger:     logger.With(slog.String("component", "signer")),
	}, nil
}

// NewVerifier creates a verify-only Signer around a distributed public
// key. Clients use it to validate response codes fully offline; HMAC and
// hwid-hash operations are unavailable on a verifier.
func NewVerifier(publicKey *rsa.PublicKey, logger *slog.Logger) (*Signer, error) {
	if publicKey == nil {
		return nil, fmt.Errorf("verifier requires a public key")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Signer{
		publicKey: publicKey,
		logger:    logger.With(slog.String("component", "signer")),
	}, nil
}

// Checksum returns the unkeyed SHA-256 digest of data, base64 encoded.
// It detects modification of encoded request fields; it carries no
// authority of its own (the license key is checked server-side).
func Checksum(data string) string {
	sum := sha256.Sum256([]byte(data))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// HashHWID returns the keyed hash of a raw hardware identifier. This is
// the store's matching key; the raw hwid is kept for display only.
func (s *Signer) HashHWID(hwid string) string {
	mac := hmac.New(sha256.New, s.hwidKey)
	mac.Write([]byte(hwid))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignHMAC returns the HMAC-SHA256 signature of data under the shared
// secret, base64 encoded.
func (s *Signer) SignHMAC(data string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC checks an HMAC-SHA256 signature produced by SignHMAC.
// Any failure returns errors.ErrVerificationFailed.
func (s *Signer) VerifyHMAC(data, signature string) error {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		s.logger.Warn("hmac signature is not valid base64",
			slog.String("error", err.Error()),
		)
		return apperrors.ErrVerificationFailed
	}

	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(data))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		s.logger.Warn("hmac signature mismatch",
			slog.Int("data_len", len(data)),
		)
		return apperrors.ErrVerificationFailed
	}
	return nil
}

// SignRSA signs data with the RSA private key (SHA-256, PKCS#1 v1.5) and
// returns the base64 encoded signature.
func (s *Signer) SignRSA(data string) (string, error) {
	if s.privateKey == nil {
		return "", fmt.Errorf("signer has no private key")
	}
	digest := sha256.Sum256([]byte(data))
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.privateKey, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("rsa signing failed: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifyRSA checks an RSA signature produced by SignRSA against the
// public key. Any failure returns errors.ErrVerificationFailed.
func (s *Signer) VerifyRSA(data, signature string) error {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		s.logger.Warn("rsa signature is not valid base64",
			slog.String("error", err.Error()),
		)
		return apperrors.ErrVerificationFailed
	}

	digest := sha256.Sum256([]byte(data))
	if err := rsa.VerifyPKCS1v15(s.publicKey, crypto.SHA256, digest[:], sig); err != nil {
		s.logger.Warn("rsa signature verification failed",
			slog.Int("data_len", len(data)),
			slog.Int("sig_len", len(sig)),
		)
		return apperrors.ErrVerificationFailed
	}
	return nil
}

// PublicKeyPEM returns the PEM encoding of the public key, for one-time
// out-of-band distribution to clients before any offline activation.
func (s *Signer) PublicKeyPEM() (string, error) {
	return encodePublicKeyPEM(s.publicKey)
}

// CanSign reports whether this signer holds a private key.
func (s *Signer) CanSign() bool {
	return s.privateKey != nil
}

func publicKeyFingerprint(pub *rsa.PublicKey) string {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "unknown"
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:8])
}
