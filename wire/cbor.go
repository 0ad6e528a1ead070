package wire

import (
	"github.com/fxamacker/cbor/v2"
)

// CBORCodec is an alternate binary Codec for deployments that negotiate a
// CBOR sub-protocol instead of JSON-RPC text frames (see DESIGN.md).
type CBORCodec struct{}

var _ Codec = CBORCodec{}

type cborEnvelope struct {
	ID     *uint64 `cbor:"id,omitempty"`
	Method string  `cbor:"method,omitempty"`
}

func (CBORCodec) Encode(id uint64, payload any) ([]byte, error) {
	raw, err := cbor.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var m map[string]cbor.RawMessage
	if err := cbor.Unmarshal(raw, &m); err != nil {
		m = map[string]cbor.RawMessage{}
	}
	idRaw, err := cbor.Marshal(id)
	if err != nil {
		return nil, err
	}
	m["id"] = idRaw
	return cbor.Marshal(m)
}

func (CBORCodec) EncodeRaw(payload any) ([]byte, error) {
	return cbor.Marshal(payload)
}

func (CBORCodec) Classify(frame []byte) (Classification, error) {
	var env cborEnvelope
	if err := cbor.Unmarshal(frame, &env); err != nil {
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

func (CBORCodec) Unmarshal(frame []byte, v any) error {
	return cbor.Unmarshal(frame, v)
}
