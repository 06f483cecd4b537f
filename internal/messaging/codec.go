package messaging

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/hylo/internal/events"
)

// Encoding selects the wire format of published payloads
type Encoding string

const (
	// EncodingJSON writes the payload as plain JSON
	EncodingJSON Encoding = "json"
	// EncodingProto writes the payload as a google.protobuf.Struct
	EncodingProto Encoding = "proto"
)

// Header keys set on every published message
const (
	HeaderKind     = "kind"
	HeaderEncoding = "encoding"
)

// Encode returns the message key and value for e. The payload carries the
// same field names in both encodings.
func Encode(e events.Event, enc Encoding) (key string, value []byte, err error) {
	payload, key, err := payloadOf(e)
	if err != nil {
		return "", nil, err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal %s payload: %w", e.Kind, err)
	}

	switch enc {
	case EncodingJSON, "":
		return key, raw, nil
	case EncodingProto:
		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err != nil {
			return "", nil, fmt.Errorf("failed to flatten %s payload: %w", e.Kind, err)
		}
		st, err := structpb.NewStruct(fields)
		if err != nil {
			return "", nil, fmt.Errorf("failed to build struct for %s: %w", e.Kind, err)
		}
		data, err := proto.Marshal(st)
		if err != nil {
			return "", nil, fmt.Errorf("failed to marshal struct for %s: %w", e.Kind, err)
		}
		return key, data, nil
	default:
		return "", nil, fmt.Errorf("unknown encoding %q", enc)
	}
}

// Decode rebuilds an event from a published value
func Decode(kind events.Kind, enc Encoding, value []byte) (events.Event, error) {
	raw := value
	if enc == EncodingProto {
		var st structpb.Struct
		if err := proto.Unmarshal(value, &st); err != nil {
			return events.Event{}, fmt.Errorf("failed to unmarshal struct: %w", err)
		}
		var err error
		if raw, err = json.Marshal(st.AsMap()); err != nil {
			return events.Event{}, fmt.Errorf("failed to expand struct: %w", err)
		}
	}

	e := events.Event{Kind: kind}
	var target any
	switch kind {
	case events.KindRunStarted, events.KindRunStopped:
		e.Run = &events.Run{}
		target = e.Run
	case events.KindTick:
		e.Tick = &events.TickReport{}
		target = e.Tick
	case events.KindSettlement:
		e.Settlement = &events.Settlement{}
		target = e.Settlement
	default:
		return events.Event{}, fmt.Errorf("unknown event kind %q", kind)
	}

	if err := json.Unmarshal(raw, target); err != nil {
		return events.Event{}, fmt.Errorf("failed to decode %s: %w", kind, err)
	}
	return e, nil
}

func payloadOf(e events.Event) (any, string, error) {
	switch e.Kind {
	case events.KindRunStarted, events.KindRunStopped:
		if e.Run != nil {
			return e.Run, e.Run.ID, nil
		}
	case events.KindTick:
		if e.Tick != nil {
			return e.Tick, e.Tick.RunID, nil
		}
	case events.KindSettlement:
		if e.Settlement != nil {
			return e.Settlement, e.Settlement.MinerID, nil
		}
	default:
		return nil, "", fmt.Errorf("unknown event kind %q", e.Kind)
	}
	return nil, "", fmt.Errorf("%s event without payload", e.Kind)
}
