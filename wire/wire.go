// Package wire defines the injected frame codec boundary (component C1 in
// SPEC_FULL.md). The connection runtime is framing-agnostic: it never
// interprets caller payloads itself. It hands payloads to a Codec for
// encoding and asks the Codec to classify and extract correlation IDs from
// inbound frames.
package wire

import "encoding/json"

// Category classifies an inbound frame for routing by the connection runtime.
type Category int

const (
	// CategoryReply is a frame carrying a reply to a previously submitted request.
	CategoryReply Category = iota
	// CategorySubscriptionEvent is a frame reporting a subscribe/unsubscribe outcome.
	CategorySubscriptionEvent
	// CategoryUnsolicited is a frame with no correlation ID the runtime recognizes.
	CategoryUnsolicited
	// CategoryAuthChallenge is a frame indicating an auth challenge or token expiry.
	CategoryAuthChallenge
	// CategoryServerPing is an application-level keepalive frame from the server.
	CategoryServerPing
)

// Classification is the result of inspecting one inbound frame.
type Classification struct {
	Category Category
	// ID is the correlation ID extracted from the frame, if any.
	ID uint64
	// HasID reports whether ID is meaningful (the frame carried a correlation ID).
	HasID bool
}

// Codec is the injected wire-format boundary. Implementations serialize
// caller payloads to frames and inspect inbound frames well enough for the
// runtime to route them, without ever fully understanding the application
// schema (that remains the adapter's concern, per SPEC_FULL.md §1).
type Codec interface {
	// Encode serializes a caller payload, stamping it with the given
	// correlation ID in whatever envelope field the wire format uses.
	Encode(id uint64, payload any) ([]byte, error)

	// EncodeRaw serializes a payload with no correlation ID (send_raw).
	EncodeRaw(payload any) ([]byte, error)

	// Classify inspects an inbound frame and reports its category and,
	// when present, its correlation ID.
	Classify(frame []byte) (Classification, error)

	// Unmarshal decodes a frame's payload into v.
	Unmarshal(frame []byte, v any) error
}

// envelope is the default wire envelope: a JSON-RPC-ish object carrying an
// optional "id" field used for correlation, matching the canonical target
// described in SPEC_FULL.md §1 (financial-exchange JSON-RPC APIs).
type envelope struct {
	ID     *uint64         `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Error  *json.RawMessage `json:"error,omitempty"`
}

// JSONCodec is the default Codec, encoding payloads as JSON objects with an
// "id" correlation field. No ecosystem JSON library in the retrieval pack
// targets this generic envelope shape (see DESIGN.md), so encoding/json is
// used directly here.
type JSONCodec struct{}

var _ Codec = JSONCodec{}

func (JSONCodec) Encode(id uint64, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		// Payload wasn't a JSON object; wrap it instead of failing silently.
		m = map[string]json.RawMessage{"params": raw}
	}
	idRaw, err := json.Marshal(id)
	if err != nil {
		return nil, err
	}
	m["id"] = idRaw
	return json.Marshal(m)
}

func (JSONCodec) EncodeRaw(payload any) ([]byte, error) {
	return json.Marshal(payload)
}

func (JSONCodec) Classify(frame []byte) (Classification, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Classification{}, err
	}
	if env.ID != nil {
		return Classification{Category: CategoryReply, ID: *env.ID, HasID: true}, nil
	}
	switch env.Method {
	case "subscription", "unsubscription":
		return Classification{Category: CategorySubscriptionEvent}, nil
	case "auth_challenge", "token_expired":
		return Classification{Category: CategoryAuthChallenge}, nil
	case "ping":
		return Classification{Category: CategoryServerPing}, nil
	default:
		return Classification{Category: CategoryUnsolicited}, nil
	}
}

func (JSONCodec) Unmarshal(frame []byte, v any) error {
	return json.Unmarshal(frame, v)
}
