package protocol

import (
	"sort"

	"cipherlink/internal/suite"
)

const (
	SuiteX25519ChaCha20Poly1305 = "x25519-chacha20poly1305"
	SuiteBoxSecretBox           = "box-secretbox"
)

var suites = map[string]Suite{
	SuiteX25519ChaCha20Poly1305: {
		Name:           SuiteX25519ChaCha20Poly1305,
		NewKeyExchange: func() (KeyExchange, error) { return suite.NewX25519() },
		NewCipher: func(secret []byte, role Role) (Cipher, error) {
			return suite.NewChaCha20Poly1305(secret, role == RoleInitiator)
		},
	},
	SuiteBoxSecretBox: {
		Name:           SuiteBoxSecretBox,
		NewKeyExchange: func() (KeyExchange, error) { return suite.NewBox() },
		NewCipher: func(secret []byte, role Role) (Cipher, error) {
			return suite.NewSecretBox(secret, role == RoleInitiator)
		},
	},
}

// DefaultSuite returns the suite used when none is configured.
func DefaultSuite() Suite { return suites[SuiteX25519ChaCha20Poly1305] }

// LookupSuite returns the built-in suite registered under name.
func LookupSuite(name string) (Suite, bool) {
	s, ok := suites[name]
	return s, ok
}

// SuiteNames lists the built-in suites.
func SuiteNames() []string {
	names := make([]string, 0, len(suites))
	for n := range suites {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
