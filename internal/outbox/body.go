package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"

	"github.com/matheus3301/imsync/internal/store"
)

// IdempotencyField is the metadata key carrying the idempotency key.
const IdempotencyField = "_idempotencyKey"

// ErrInvalidBody is returned when a write body cannot be decoded into the
// shape its operation expects.
var ErrInvalidBody = errors.New("invalid write body")

// Body is the typed payload of a write operation.
type Body interface {
	opType() store.OpType
	// withIdempotencyKey returns a copy of the body carrying key.
	withIdempotencyKey(key string) Body
}

// Extra holds fields a body type does not model. They are sent unchanged.
type Extra map[string]json.RawMessage

// SendBody is the payload of message.send.
type SendBody struct {
	Content  string
	Type     string
	ParentID string
	Metadata map[string]any
	Extra    Extra
}

// EditBody is the payload of message.edit.
type EditBody struct {
	Content  string
	Metadata map[string]any
	Extra    Extra
}

// DeleteBody is the payload of message.delete. It usually has no fields.
type DeleteBody struct {
	Extra Extra
}

// ReadBody is the payload of conversation.read. It usually has no fields.
type ReadBody struct {
	Extra Extra
}

func (SendBody) opType() store.OpType   { return store.OpMessageSend }
func (EditBody) opType() store.OpType   { return store.OpMessageEdit }
func (DeleteBody) opType() store.OpType { return store.OpMessageDelete }
func (ReadBody) opType() store.OpType   { return store.OpConversationRead }

func (b SendBody) withIdempotencyKey(key string) Body {
	b.Metadata = withKey(b.Metadata, key)
	b.Extra = maps.Clone(b.Extra)
	return b
}

func (b EditBody) withIdempotencyKey(key string) Body {
	b.Metadata = withKey(b.Metadata, key)
	b.Extra = maps.Clone(b.Extra)
	return b
}

func (b DeleteBody) withIdempotencyKey(string) Body { return b }

func (b ReadBody) withIdempotencyKey(string) Body { return b }

func withKey(meta map[string]any, key string) map[string]any {
	out := make(map[string]any, len(meta)+1)
	maps.Copy(out, meta)
	out[IdempotencyField] = key
	return out
}

func (b SendBody) MarshalJSON() ([]byte, error) {
	fields := map[string]any{"content": b.Content}
	setIf(fields, "type", b.Type)
	setIf(fields, "parentId", b.ParentID)
	if len(b.Metadata) > 0 {
		fields["metadata"] = b.Metadata
	}
	return marshalFields(fields, b.Extra)
}

func (b *SendBody) UnmarshalJSON(data []byte) error {
	fields, err := splitFields(data)
	if err != nil {
		return err
	}
	if err := take(fields, "content", &b.Content); err != nil {
		return err
	}
	if err := take(fields, "type", &b.Type); err != nil {
		return err
	}
	if err := take(fields, "parentId", &b.ParentID); err != nil {
		return err
	}
	if err := take(fields, "metadata", &b.Metadata); err != nil {
		return err
	}
	b.Extra = extra(fields)
	return nil
}

func (b EditBody) MarshalJSON() ([]byte, error) {
	fields := map[string]any{"content": b.Content}
	if len(b.Metadata) > 0 {
		fields["metadata"] = b.Metadata
	}
	return marshalFields(fields, b.Extra)
}

func (b *EditBody) UnmarshalJSON(data []byte) error {
	fields, err := splitFields(data)
	if err != nil {
		return err
	}
	if err := take(fields, "content", &b.Content); err != nil {
		return err
	}
	if err := take(fields, "metadata", &b.Metadata); err != nil {
		return err
	}
	b.Extra = extra(fields)
	return nil
}

func (b DeleteBody) MarshalJSON() ([]byte, error) { return marshalFields(nil, b.Extra) }

func (b *DeleteBody) UnmarshalJSON(data []byte) error {
	fields, err := splitFields(data)
	b.Extra = extra(fields)
	return err
}

func (b ReadBody) MarshalJSON() ([]byte, error) { return marshalFields(nil, b.Extra) }

func (b *ReadBody) UnmarshalJSON(data []byte) error {
	fields, err := splitFields(data)
	b.Extra = extra(fields)
	return err
}

// DecodeBody converts whatever the caller passed as a request body into the
// typed payload of op. Accepted inputs are a Body, nil, raw JSON bytes, or
// any value that marshals to a JSON object.
func DecodeBody(op store.OpType, body any) (Body, error) {
	var typed Body
	switch b := body.(type) {
	case *SendBody:
		typed = *b
	case *EditBody:
		typed = *b
	case *DeleteBody:
		typed = *b
	case *ReadBody:
		typed = *b
	case Body:
		typed = b
	}
	if typed != nil {
		if typed.opType() != op {
			return nil, fmt.Errorf("%w: %T cannot carry %s", ErrInvalidBody, typed, op)
		}
		return typed, nil
	}
	var raw []byte
	switch v := body.(type) {
	case nil:
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidBody, err)
		}
		raw = b
	}
	if len(raw) == 0 || string(raw) == "null" {
		raw = []byte("{}")
	}

	var (
		out Body
		err error
	)
	switch op {
	case store.OpMessageSend:
		var b SendBody
		err = json.Unmarshal(raw, &b)
		out = b
	case store.OpMessageEdit:
		var b EditBody
		err = json.Unmarshal(raw, &b)
		out = b
	case store.OpMessageDelete:
		var b DeleteBody
		err = json.Unmarshal(raw, &b)
		out = b
	case store.OpConversationRead:
		var b ReadBody
		err = json.Unmarshal(raw, &b)
		out = b
	default:
		return nil, fmt.Errorf("%w: unknown operation %q", ErrInvalidBody, op)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}
	return out, nil
}

func setIf(fields map[string]any, key, value string) {
	if value != "" {
		fields[key] = value
	}
}

// marshalFields encodes known fields over extra, so a modelled field always
// wins over an unmodelled duplicate.
func marshalFields(known map[string]any, extra Extra) ([]byte, error) {
	out := make(map[string]any, len(known)+len(extra))
	for k, v := range extra {
		out[k] = v
	}
	maps.Copy(out, known)
	return json.Marshal(out)
}

func splitFields(data []byte) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func take(fields map[string]json.RawMessage, key string, dst any) error {
	raw, ok := fields[key]
	if !ok {
		return nil
	}
	delete(fields, key)
	if string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("field %s: %w", key, err)
	}
	return nil
}

func extra(fields map[string]json.RawMessage) Extra {
	if len(fields) == 0 {
		return nil
	}
	return Extra(fields)
}
