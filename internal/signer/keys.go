package signer

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

const (
	privateKeyFile = "private.pem"
	publicKeyFile  = "public.pem"

	rsaKeyBits = 2048
)

// KeyPair holds a loaded or generated RSA key pair. Ephemeral reports
// whether the pair was generated at startup instead of loaded from disk;
// ephemeral keys make every previously issued response code unverifiable
// and must not be silently accepted in production.
type KeyPair struct {
	Private   *rsa.PrivateKey
	Public    *rsa.PublicKey
	Ephemeral bool
}

// LoadOrGenerateKeys loads the RSA pair from dir, generating a fresh
// ephemeral pair if no private key is present. Generation is logged at
// Warn so a production deployment cannot miss it.
func LoadOrGenerateKeys(dir string, logger *slog.Logger) (*KeyPair, error) {
	if logger == nil {
		logger = slog.Default()
	}

	priv, err := loadPrivateKey(filepath.Join(dir, privateKeyFile))
	if err == nil {
		logger.Info("rsa key pair loaded",
			slog.String("dir", dir),
			slog.String("public_key_id", publicKeyFingerprint(&priv.PublicKey)),
		)
		return &KeyPair{Private: priv, Public: &priv.PublicKey}, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load private key: %w", err)
	}

	priv, genErr := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if genErr != nil {
		return nil, fmt.Errorf("failed to generate rsa key pair: %w", genErr)
	}

	logger.Warn("no rsa key pair found, generated ephemeral pair",
		slog.String("dir", dir),
		slog.String("public_key_id", publicKeyFingerprint(&priv.PublicKey)),
		slog.Bool("ephemeral_keys", true),
	)
	return &KeyPair{Private: priv, Public: &priv.PublicKey, Ephemeral: true}, nil
}

// GenerateKeys creates a fresh RSA pair and writes both PEM files to dir.
// Used by the keygen command to provision production keys.
func GenerateKeys(dir string) (*KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate rsa key pair: %w", err)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}

	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	})
	if err := os.WriteFile(filepath.Join(dir, privateKeyFile), privPEM, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write private key: %w", err)
	}

	pubPEM, err := encodePublicKeyPEM(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, publicKeyFile), []byte(pubPEM), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write public key: %w", err)
	}

	return &KeyPair{Private: priv, Public: &priv.PublicKey}, nil
}

// LoadPublicKey loads only the public half, for client-side verifiers.
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key: %w", err)
	}
	return ParsePublicKeyPEM(string(data))
}

// ParsePublicKeyPEM parses a PEM-encoded RSA public key, accepting both
// PKIX and PKCS#1 encodings.
func ParsePublicKeyPEM(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in public key data")
	}

	if pub, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is not RSA")
		}
		return rsaPub, nil
	}

	rsaPub, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return rsaPub, nil
}

func loadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in %s", path)
	}

	if priv, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return priv, nil
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return priv, nil
}

func encodePublicKeyPEM(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: der,
	})), nil
}
