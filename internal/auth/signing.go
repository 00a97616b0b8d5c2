package auth

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
)

const (
	AlgorithmRSAPSS  = "rsa-pss-sha256"
	AlgorithmEd25519 = "ed25519"
)

var b64 = base64.RawURLEncoding

func b64Encode(p []byte) string {
	return b64.EncodeToString(p)
}

func b64Decode(s string) ([]byte, error) {
	return b64.DecodeString(s)
}

func randomBytes(n int) ([]byte, error) {
	if n <= 0 {
		return nil, errors.New("randomBytes: n must be > 0")
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// PeerID is the hex sha256 of the SPKI DER encoding of a public key.
func PeerID(pub crypto.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", err
	}
	return peerIDFromDER(der), nil
}

func peerIDFromDER(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// Algorithm names the signature scheme used with pub.
func Algorithm(pub crypto.PublicKey) (string, error) {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		if k.N.BitLen() < minRSABits {
			return "", fmt.Errorf("rsa key too small: %d bits", k.N.BitLen())
		}
		return AlgorithmRSAPSS, nil
	case ed25519.PublicKey:
		return AlgorithmEd25519, nil
	default:
		return "", fmt.Errorf("unsupported public key type %T", pub)
	}
}

func stringToSignV1(peerID, nonce string, issuedAtMS int64) string {
	// IMPORTANT: This must remain deterministic and must use LF only.
	return "cipherlink-identity-v1\n" +
		"peer_id=" + peerID + "\n" +
		"nonce=" + nonce + "\n" +
		"issued_at_ms=" + strconv.FormatInt(issuedAtMS, 10) + "\n"
}

var pssOptions = &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: crypto.SHA256}

func sign(signer crypto.Signer, algorithm string, msg []byte) ([]byte, error) {
	switch algorithm {
	case AlgorithmRSAPSS:
		digest := sha256.Sum256(msg)
		return signer.Sign(rand.Reader, digest[:], pssOptions)
	case AlgorithmEd25519:
		return signer.Sign(rand.Reader, msg, crypto.Hash(0))
	default:
		return nil, fmt.Errorf("unsupported algorithm %q", algorithm)
	}
}

func verifySignature(pub crypto.PublicKey, algorithm string, msg, sig []byte) error {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		if algorithm != AlgorithmRSAPSS {
			return fmt.Errorf("algorithm %q does not match rsa key", algorithm)
		}
		digest := sha256.Sum256(msg)
		return rsa.VerifyPSS(k, crypto.SHA256, digest[:], sig, pssOptions)
	case ed25519.PublicKey:
		if algorithm != AlgorithmEd25519 {
			return fmt.Errorf("algorithm %q does not match ed25519 key", algorithm)
		}
		if len(sig) != ed25519.SignatureSize || !ed25519.Verify(k, msg, sig) {
			return errors.New("ed25519 verification failed")
		}
		return nil
	default:
		return fmt.Errorf("unsupported public key type %T", pub)
	}
}
