package auth

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

const identityVersion = 1

// commandHeader tags identity payloads inside the ordinary message stream.
var commandHeader = []byte{0x00, 'I', 'D', 'A'}

const (
	typeIdentityRequest  = "identity_request"
	typeIdentityResponse = "identity_response"
	typeIdentityError    = "identity_error"
)

type identityRequest struct {
	Type       string `json:"type"`
	V          int    `json:"v"`
	Nonce      string `json:"nonce"`
	IssuedAtMS int64  `json:"issued_at_ms"`
}

type identityResponse struct {
	Type       string `json:"type"`
	V          int    `json:"v"`
	Nonce      string `json:"nonce"`
	IssuedAtMS int64  `json:"issued_at_ms"`
	PeerID     string `json:"peer_id"`
	Algorithm  string `json:"algorithm"`
	PublicKey  string `json:"public_key"`
	Signature  string `json:"signature"`
}

type identityError struct {
	Type    string `json:"type"`
	V       int    `json:"v"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func mustMarshalJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, errors.New("json payload empty")
	}
	return b, nil
}

// encodeCommand marshals v behind the command header.
func encodeCommand(v any) ([]byte, error) {
	body, err := mustMarshalJSON(v)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(commandHeader)+len(body))
	out = append(out, commandHeader...)
	return append(out, body...), nil
}

// cutCommand returns the JSON body of an identity payload.
func cutCommand(payload []byte) ([]byte, bool) {
	return bytes.CutPrefix(payload, commandHeader)
}

func commandType(body []byte) (string, error) {
	var header struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(body, &header); err != nil {
		return "", err
	}
	return header.Type, nil
}

func unmarshalAndValidate[T any](payload []byte, wantType string) (T, error) {
	var zero T
	if len(payload) == 0 {
		return zero, errors.New("empty payload")
	}
	if err := json.Unmarshal(payload, &zero); err != nil {
		return zero, err
	}

	// Minimal structural validation for all messages: type + v.
	var header struct {
		Type string `json:"type"`
		V    int    `json:"v"`
	}
	if err := json.Unmarshal(payload, &header); err != nil {
		return zero, err
	}
	if header.Type != wantType {
		return zero, fmt.Errorf("unexpected identity message type %q (want %q)", header.Type, wantType)
	}
	if header.V != identityVersion {
		return zero, fmt.Errorf("unsupported identity version %d (want %d)", header.V, identityVersion)
	}

	return zero, nil
}
