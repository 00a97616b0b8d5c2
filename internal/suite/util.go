package suite

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the size of every symmetric key derived here.
const KeySize = 32

const (
	infoInitiatorToResponder = "cipherlink initiator->responder"
	infoResponderToInitiator = "cipherlink responder->initiator"
)

func zero(in []byte) {
	for i := range in {
		in[i] = 0
	}
}

func hkdf32(secret []byte, info string) ([KeySize]byte, error) {
	var out [KeySize]byte
	r := hkdf.New(sha256.New, secret, nil, []byte(info))
	if _, err := io.ReadFull(r, out[:]); err != nil {
		return [KeySize]byte{}, err
	}
	return out, nil
}

// deriveKeys expands secret into a send and a receive key for one side.
func deriveKeys(secret []byte, initiator bool) (send, recv [KeySize]byte, err error) {
	if len(secret) == 0 {
		return send, recv, ErrBadMaterial
	}
	i2r, err := hkdf32(secret, infoInitiatorToResponder)
	if err != nil {
		return send, recv, err
	}
	r2i, err := hkdf32(secret, infoResponderToInitiator)
	if err != nil {
		return send, recv, err
	}
	if initiator {
		return i2r, r2i, nil
	}
	return r2i, i2r, nil
}
