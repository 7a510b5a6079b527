package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"invalidator/internal/domain"
)

// Invalidation is the domain form every transport decodes into.
type Invalidation = domain.Invalidation

// Envelope is the JSON body carried by the Kafka and RabbitMQ transports.
//
// A missing version means the version is unknown. A missing or null payload means the
// payload was dropped upstream unless EmptyPayload is set. Payloads that are not valid
// JSON travel base64-encoded in PayloadBase64.
type Envelope struct {
	ObjectName    string          `json:"object_name"`
	Version       *int64          `json:"version,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	PayloadBase64 []byte          `json:"payload_b64,omitempty"`
	EmptyPayload  bool            `json:"empty_payload,omitempty"`
}

var (
	ErrMissingObjectName = errors.New("object_name is required")
	ErrBadVersion        = errors.New("version must be positive")
)

// Decode parses body into an invalidation. Source fields are left for the transport.
func Decode(body []byte) (Invalidation, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Invalidation{}, fmt.Errorf("parse envelope: %w", err)
	}
	return env.Invalidation()
}

func (e Envelope) Invalidation() (Invalidation, error) {
	name := strings.TrimSpace(e.ObjectName)
	if name == "" {
		return Invalidation{}, ErrMissingObjectName
	}
	inv := Invalidation{ObjectName: name}
	inv.Version = domain.UnknownVersion
	if e.Version != nil && *e.Version != domain.UnknownVersion {
		if *e.Version < domain.MinNextExpectedVersion {
			return Invalidation{}, fmt.Errorf("%s: %d: %w", name, *e.Version, ErrBadVersion)
		}
		inv.Version = *e.Version
	}

	var payload []byte
	switch {
	case e.PayloadBase64 != nil:
		payload = e.PayloadBase64
	case len(e.Payload) > 0 && !bytes.Equal(e.Payload, []byte("null")):
		payload = append([]byte(nil), e.Payload...)
	}
	switch {
	case e.EmptyPayload:
		if len(payload) > 0 {
			return Invalidation{}, fmt.Errorf("%s: payload and empty_payload are exclusive", name)
		}
		inv.ExplicitEmpty = true
	case payload != nil && string(payload) == domain.EmptyPayload:
		inv.ExplicitEmpty = true
	default:
		inv.Payload = payload
	}
	return inv, nil
}

// Encode renders inv as an envelope body.
func Encode(inv Invalidation) ([]byte, error) {
	if strings.TrimSpace(inv.ObjectName) == "" {
		return nil, ErrMissingObjectName
	}
	env := Envelope{ObjectName: inv.ObjectName, EmptyPayload: inv.ExplicitEmpty}
	if inv.Version != domain.UnknownVersion {
		v := inv.Version
		env.Version = &v
	}
	if !inv.ExplicitEmpty && inv.Payload != nil {
		if isCompactJSON(inv.Payload) {
			env.Payload = json.RawMessage(inv.Payload)
		} else if len(inv.Payload) == 0 {
			env.EmptyPayload = true
		} else {
			env.PayloadBase64 = inv.Payload
		}
	}
	return json.Marshal(env)
}

// isCompactJSON reports whether p survives a trip through json.RawMessage unchanged.
func isCompactJSON(p []byte) bool {
	if len(p) == 0 || !json.Valid(p) {
		return false
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, p); err != nil {
		return false
	}
	return bytes.Equal(buf.Bytes(), p)
}
