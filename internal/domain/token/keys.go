package token

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

// KeyStore holds the RSA signing keys. The active kid signs new tokens; every
// key in the set can verify, so rotation keeps old tokens valid until expiry.
type KeyStore struct {
	ActiveKid string
	KeySet    jwk.Set
}

// LoadKeys reads every private-<kid>.pem file under path into a key set.
func LoadKeys(path, activeKid string) (*KeyStore, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("keys directory not accessible: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("keys path %s is not a directory", path)
	}

	files, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read keys directory: %w", err)
	}

	keySet := jwk.NewSet()
	for _, file := range files {
		if file.IsDir() {
			continue
		}

		fileName := file.Name()
		if !strings.HasPrefix(fileName, "private-") || filepath.Ext(fileName) != ".pem" {
			continue
		}

		kid := strings.TrimSuffix(strings.TrimPrefix(fileName, "private-"), ".pem")
		if kid == "" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(path, fileName))
		if err != nil {
			return nil, fmt.Errorf("failed to read key file %s: %w", fileName, err)
		}

		priv, err := parsePrivateKeyPEM(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", fileName, err)
		}

		if err := addKey(keySet, priv, "key-"+kid); err != nil {
			return nil, fmt.Errorf("failed to register %s: %w", fileName, err)
		}
	}

	return &KeyStore{ActiveKid: activeKid, KeySet: keySet}, nil
}

// NewKeyStore builds a single-key store from an in-memory private key. Used
// by tests and by dev setups that generate an ephemeral key at startup.
func NewKeyStore(priv *rsa.PrivateKey, kid string) (*KeyStore, error) {
	keySet := jwk.NewSet()
	if err := addKey(keySet, priv, "key-"+kid); err != nil {
		return nil, err
	}
	return &KeyStore{ActiveKid: kid, KeySet: keySet}, nil
}

func addKey(keySet jwk.Set, priv *rsa.PrivateKey, keyID string) error {
	jwkKey, err := jwk.Import(priv)
	if err != nil {
		return fmt.Errorf("failed to convert private key to JWK: %w", err)
	}
	if err := jwkKey.Set(jwk.KeyIDKey, keyID); err != nil {
		return fmt.Errorf("failed to set key ID: %w", err)
	}
	if err := jwkKey.Set(jwk.AlgorithmKey, jwa.RS256()); err != nil {
		return fmt.Errorf("failed to set algorithm: %w", err)
	}
	return keySet.AddKey(jwkKey)
}

func parsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	if priv, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return priv, nil
	}

	pkcs8Key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("not PKCS1 or PKCS8: %w", err)
	}
	rsaKey, ok := pkcs8Key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key is not RSA")
	}
	return rsaKey, nil
}

// GetActiveKey returns the key used to sign new tokens
func (ks *KeyStore) GetActiveKey() (jwk.Key, error) {
	activeKid := ks.ActiveKid
	if !strings.HasPrefix(activeKid, "key-") {
		activeKid = "key-" + activeKid
	}

	key, ok := ks.KeySet.LookupKeyID(activeKid)
	if !ok {
		return nil, ErrUnknownKey
	}
	return key, nil
}

// JWKS returns the public half of the key set for the JWKS endpoint
func (ks *KeyStore) JWKS() jwk.Set {
	publicSet, err := jwk.PublicSetOf(ks.KeySet)
	if err != nil {
		return jwk.NewSet()
	}
	return publicSet
}
