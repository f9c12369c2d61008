package stream

import (
	"encoding/json"
	"errors"
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

var (
	// ErrMalformedFrame matches every DecodeError.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrUnknownEventType matches a DecodeError whose discriminator is not recognized.
	ErrUnknownEventType = errors.New("unknown event type")
)

// DecodeError reports a frame that could not be mapped to an Event.
type DecodeError struct {
	Tag string
	Err error
}

func (e *DecodeError) Error() string {
	if e.Tag == "" {
		return fmt.Sprintf("decode frame: %v", e.Err)
	}
	return fmt.Sprintf("decode %q frame: %v", e.Tag, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrMalformedFrame }

// Kind is a stable label for metrics.
func (e *DecodeError) Kind() string {
	if errors.Is(e.Err, ErrUnknownEventType) {
		return "unknown_event_type"
	}
	return "malformed_frame"
}

// Decode maps the JSON data of one frame to its Event variant using the "type"
// discriminator. Keys outside the variant's schema are kept, in order, as
// pass-through fields.
func Decode(data []byte) (Event, error) {
	fields := orderedmap.New[string, json.RawMessage]()
	if err := json.Unmarshal(data, fields); err != nil {
		return nil, &DecodeError{Err: fmt.Errorf("%w: %v", ErrMalformedFrame, err)}
	}

	var tag string
	if err := take(fields, "type", &tag, true); err != nil {
		return nil, &DecodeError{Err: err}
	}

	ev, err := decodeVariant(tag, fields)
	if err != nil {
		return nil, &DecodeError{Tag: tag, Err: err}
	}
	return ev, nil
}

func decodeVariant(tag string, fields *Fields) (Event, error) {
	switch tag {
	case TypeMessageStart:
		ev := &MessageStart{}
		if err := take(fields, "message", &ev.Message, true); err != nil {
			return nil, err
		}
		ev.Extra = leftover(fields)
		return ev, nil

	case TypeContentBlockStart:
		ev := &ContentBlockStart{}
		if err := take(fields, "index", &ev.Index, true); err != nil {
			return nil, err
		}
		if err := take(fields, "content_block", &ev.Block, true); err != nil {
			return nil, err
		}
		if !knownBlockType(ev.Block.Type) {
			return nil, fmt.Errorf("%w: content block type %q", ErrMalformedFrame, ev.Block.Type)
		}
		ev.Extra = leftover(fields)
		return ev, nil

	case TypeContentBlockDelta:
		ev := &ContentBlockDelta{}
		if err := take(fields, "index", &ev.Index, true); err != nil {
			return nil, err
		}
		var raw json.RawMessage
		if err := take(fields, "delta", &raw, true); err != nil {
			return nil, err
		}
		d, err := decodeDelta(raw)
		if err != nil {
			return nil, err
		}
		ev.Delta = d
		ev.Extra = leftover(fields)
		return ev, nil

	case TypeContentBlockStop:
		ev := &ContentBlockStop{}
		if err := take(fields, "index", &ev.Index, true); err != nil {
			return nil, err
		}
		ev.Extra = leftover(fields)
		return ev, nil

	case TypeMessageDelta:
		ev := &MessageDelta{}
		var delta struct {
			StopReason   *string `json:"stop_reason"`
			StopSequence *string `json:"stop_sequence"`
		}
		if err := take(fields, "delta", &delta, false); err != nil {
			return nil, err
		}
		if err := take(fields, "usage", &ev.Usage, false); err != nil {
			return nil, err
		}
		ev.StopReason = delta.StopReason
		ev.StopSequence = delta.StopSequence
		ev.Extra = leftover(fields)
		return ev, nil

	case TypeMessageStop:
		return &MessageStop{passthrough{Extra: leftover(fields)}}, nil

	case TypePing:
		return &Ping{passthrough{Extra: leftover(fields)}}, nil

	case TypeError:
		ev := &Error{}
		var body struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		}
		if err := take(fields, "error", &body, false); err != nil {
			return nil, err
		}
		ev.ErrorType = body.Type
		ev.Message = body.Message
		ev.Extra = leftover(fields)
		return ev, nil

	default:
		return nil, ErrUnknownEventType
	}
}

func decodeDelta(raw json.RawMessage) (Delta, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("%w: delta: %v", ErrMalformedFrame, err)
	}

	var (
		d   Delta
		err error
	)
	switch head.Type {
	case DeltaText:
		var v TextDelta
		err = json.Unmarshal(raw, &v)
		d = v
	case DeltaInputJSON:
		var v InputJSONDelta
		err = json.Unmarshal(raw, &v)
		d = v
	case DeltaCitations:
		var v CitationsDelta
		err = json.Unmarshal(raw, &v)
		if err == nil && len(v.Citation) == 0 {
			err = errors.New("missing citation")
		}
		d = v
	case DeltaThinking:
		var v ThinkingDelta
		err = json.Unmarshal(raw, &v)
		d = v
	case DeltaSignature:
		var v SignatureDelta
		err = json.Unmarshal(raw, &v)
		d = v
	default:
		return nil, fmt.Errorf("%w: delta type %q", ErrMalformedFrame, head.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedFrame, head.Type, err)
	}
	return d, nil
}

func knownBlockType(t string) bool {
	switch t {
	case BlockText, BlockToolUse, BlockServerToolUse, BlockThinking, BlockRedactedThinking:
		return true
	}
	return false
}

// take decodes fields[key] into dst and removes the key.
func take(fields *Fields, key string, dst any, required bool) error {
	raw, ok := fields.Delete(key)
	if !ok || string(raw) == "null" {
		if required {
			return fmt.Errorf("%w: missing %q", ErrMalformedFrame, key)
		}
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: field %q: %v", ErrMalformedFrame, key, err)
	}
	return nil
}

func leftover(fields *Fields) *Fields {
	if fields.Len() == 0 {
		return nil
	}
	return fields
}
