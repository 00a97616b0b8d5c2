package auth

import (
	"bytes"
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// IdentityKeyEnvPath overrides where the long-term identity key is kept. It
// may name a directory or the private key file itself.
const IdentityKeyEnvPath = "CIPHERLINK_IDENTITY_KEY_PATH"

const (
	defaultPrivateKeyName = "identity_private.pem"
	defaultPublicKeyName  = "identity_public.pem"
)

const minRSABits = 2048

// RSABits is the size of generated RSA identity keys.
var RSABits = 3072

// Identity is a long-term signing key and what peers know it by.
type Identity struct {
	Signer    crypto.Signer
	PublicKey crypto.PublicKey
	Algorithm string
	PeerID    string
}

func newIdentity(signer crypto.Signer) (*Identity, error) {
	pub := signer.Public()
	alg, err := Algorithm(pub)
	if err != nil {
		return nil, err
	}
	id, err := PeerID(pub)
	if err != nil {
		return nil, err
	}
	return &Identity{Signer: signer, PublicKey: pub, Algorithm: alg, PeerID: id}, nil
}

// LoadOrCreateIdentity loads the identity keypair at path, or creates an RSA
// keypair there if neither file exists. An empty path falls back to
// IdentityKeyEnvPath and then to the user config directory.
func LoadOrCreateIdentity(path string) (*Identity, error) {
	privPath, pubPath, err := IdentityKeyPaths(path)
	if err != nil {
		return nil, err
	}

	privBytes, privErr := os.ReadFile(privPath)
	pubBytes, pubErr := os.ReadFile(pubPath)

	switch {
	case privErr == nil && pubErr == nil:
		return loadIdentity(privPath, privBytes, pubPath, pubBytes)

	case errors.Is(privErr, os.ErrNotExist) && errors.Is(pubErr, os.ErrNotExist):
		return GenerateIdentity(privPath, pubPath, AlgorithmRSAPSS)

	case errors.Is(privErr, os.ErrNotExist) || errors.Is(pubErr, os.ErrNotExist):
		// Partial presence is dangerous; don't rotate silently.
		return nil, fmt.Errorf("keypair incomplete: private=%q exists=%v, public=%q exists=%v",
			privPath, privErr == nil, pubPath, pubErr == nil)

	case privErr != nil:
		return nil, privErr

	default:
		return nil, pubErr
	}
}

func loadIdentity(privPath string, privBytes []byte, pubPath string, pubBytes []byte) (*Identity, error) {
	signer, err := ParsePrivateKey(privBytes)
	if err != nil {
		return nil, fmt.Errorf("invalid private key %q: %w", privPath, err)
	}
	pub, err := ParsePublicKey(pubBytes)
	if err != nil {
		return nil, fmt.Errorf("invalid public key %q: %w", pubPath, err)
	}
	if !publicKeysEqual(signer.Public(), pub) {
		return nil, errors.New("public key does not match private key")
	}
	return newIdentity(signer)
}

// GenerateIdentity creates a new keypair and writes it as PKCS#8 and SPKI PEM.
// Existing files are never overwritten.
func GenerateIdentity(privPath, pubPath, algorithm string) (*Identity, error) {
	for _, p := range []string{privPath, pubPath} {
		if _, err := os.Stat(p); err == nil {
			return nil, fmt.Errorf("refusing to overwrite %q", p)
		}
	}

	var signer crypto.Signer
	switch algorithm {
	case AlgorithmRSAPSS, "rsa", "":
		k, err := rsa.GenerateKey(rand.Reader, RSABits)
		if err != nil {
			return nil, err
		}
		signer = k
	case AlgorithmEd25519:
		_, k, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		signer = k
	default:
		return nil, fmt.Errorf("unsupported algorithm %q", algorithm)
	}

	privPEM, err := marshalPrivateKeyPKCS8PEM(signer)
	if err != nil {
		return nil, err
	}
	pubPEM, err := MarshalPublicKeyPEM(signer.Public())
	if err != nil {
		return nil, err
	}
	if err := writeFileAtomic(privPath, privPEM, 0o600); err != nil {
		return nil, err
	}
	if err := writeFileAtomic(pubPath, pubPEM, 0o644); err != nil {
		return nil, err
	}
	return newIdentity(signer)
}

// IdentityKeyPaths resolves the private and public key file locations.
func IdentityKeyPaths(path string) (privPath string, pubPath string, _ error) {
	v := path
	if v == "" {
		v = os.Getenv(IdentityKeyEnvPath)
	}
	if v != "" {
		// If this is a directory, use default file names inside it.
		if st, err := os.Stat(v); err == nil && st.IsDir() {
			return filepath.Join(v, defaultPrivateKeyName), filepath.Join(v, defaultPublicKeyName), nil
		}

		// Otherwise treat it as the private key path, and derive the public key path
		// as a sibling filename.
		dir := filepath.Dir(v)
		base := filepath.Base(v)
		pubBase := base
		if strings.Contains(pubBase, "private") {
			pubBase = strings.Replace(pubBase, "private", "public", 1)
		} else if strings.HasSuffix(pubBase, ".pem") {
			pubBase = strings.TrimSuffix(pubBase, ".pem") + ".pub.pem"
		} else if strings.HasSuffix(pubBase, ".der") {
			pubBase = strings.TrimSuffix(pubBase, ".der") + ".pub.der"
		} else {
			pubBase = pubBase + ".pub"
		}
		return v, filepath.Join(dir, pubBase), nil
	}

	dir, err := os.UserConfigDir()
	if err != nil {
		return "", "", err
	}
	keyDir := filepath.Join(dir, "cipherlink", "keys")
	return filepath.Join(keyDir, defaultPrivateKeyName), filepath.Join(keyDir, defaultPublicKeyName), nil
}

// ParsePrivateKey reads a PKCS#8 RSA or Ed25519 private key, PEM or DER.
func ParsePrivateKey(b []byte) (crypto.Signer, error) {
	der, err := maybePEMToDER(b, "PRIVATE KEY")
	if err != nil {
		return nil, err
	}
	k, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	switch priv := k.(type) {
	case *rsa.PrivateKey:
		if priv.N.BitLen() < minRSABits {
			return nil, fmt.Errorf("rsa key too small: %d bits", priv.N.BitLen())
		}
		return priv, nil
	case ed25519.PrivateKey:
		if len(priv) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("invalid private key length %d", len(priv))
		}
		return priv, nil
	default:
		return nil, fmt.Errorf("unsupported private key type %T", k)
	}
}

// ParsePublicKey reads an SPKI RSA or Ed25519 public key, PEM or DER.
func ParsePublicKey(b []byte) (crypto.PublicKey, error) {
	der, err := maybePEMToDER(b, "PUBLIC KEY")
	if err != nil {
		return nil, err
	}
	k, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, err
	}
	if _, err := Algorithm(k); err != nil {
		return nil, err
	}
	return k, nil
}

func publicKeysEqual(a, b crypto.PublicKey) bool {
	ea, ok := a.(interface{ Equal(crypto.PublicKey) bool })
	return ok && ea.Equal(b)
}

func maybePEMToDER(b []byte, wantType string) ([]byte, error) {
	trim := bytes.TrimSpace(b)
	if len(trim) == 0 {
		return nil, errors.New("empty key")
	}
	if bytes.HasPrefix(trim, []byte("-----BEGIN")) {
		block, _ := pem.Decode(trim)
		if block == nil {
			return nil, errors.New("invalid PEM")
		}
		if wantType != "" && block.Type != wantType {
			return nil, fmt.Errorf("unexpected PEM type %q (want %q)", block.Type, wantType)
		}
		return block.Bytes, nil
	}
	return trim, nil // assume DER
}

func marshalPrivateKeyPKCS8PEM(priv crypto.Signer) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	if err := pem.Encode(&out, &pem.Block{Type: "PRIVATE KEY", Bytes: der}); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// MarshalPublicKeyPEM encodes pub as an SPKI PEM block.
func MarshalPublicKeyPEM(pub crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	if err := pem.Encode(&out, &pem.Block{Type: "PUBLIC KEY", Bytes: der}); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func writeFileAtomic(path string, contents []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, contents, perm); err != nil {
		return err
	}

	// Windows rename won't overwrite.
	_ = os.Remove(path)
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
