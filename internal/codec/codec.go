// internal/codec/codec.go
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/sandonleejacobs/rulestream/internal/types"
)

/*
 * Payload codec.
 *
 * Decodes record payloads into the generic document form the rule engine
 * walks (map[string]any, []any, float64, string, bool, nil) and encodes
 * transformed documents back into the record's content type.
 *
 * Supported content types:
 *   - application/json (also the default for an empty content type)
 *   - application/x-protobuf carrying a google.protobuf.Struct
 *
 * Numbers decode to float64 in both encodings so conditions compare the same
 * way regardless of wire format. Encoding is deterministic: JSON object keys
 * are emitted sorted and protobuf uses deterministic marshalling, so a replay
 * of the same record yields byte-identical output.
 */

// Decode parses payload according to contentType.
func Decode(contentType string, payload []byte) (any, error) {
	if len(payload) > types.MaxPayloadSize {
		return nil, types.ErrPayloadTooLarge
	}
	switch normalize(contentType) {
	case types.ContentTypeJSON:
		return decodeJSON(payload)
	case types.ContentTypeProtobuf:
		return decodeProtobuf(payload)
	default:
		return nil, fmt.Errorf("%w: %q", types.ErrUnsupportedContentType, contentType)
	}
}

// Encode serializes doc according to contentType.
func Encode(contentType string, doc any) ([]byte, error) {
	switch normalize(contentType) {
	case types.ContentTypeJSON:
		return json.Marshal(doc)
	case types.ContentTypeProtobuf:
		return encodeProtobuf(doc)
	default:
		return nil, fmt.Errorf("%w: %q", types.ErrUnsupportedContentType, contentType)
	}
}

// normalize strips parameters ("; charset=utf-8") and defaults to JSON.
func normalize(contentType string) string {
	ct := strings.TrimSpace(contentType)
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	ct = strings.ToLower(ct)
	switch ct {
	case "", "json", types.ContentTypeJSON:
		return types.ContentTypeJSON
	case "protobuf", "application/protobuf", types.ContentTypeProtobuf:
		return types.ContentTypeProtobuf
	default:
		return ct
	}
}

func decodeJSON(payload []byte) (any, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, fmt.Errorf("decode json: empty payload")
	}
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	return doc, nil
}

func decodeProtobuf(payload []byte) (any, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(payload, &s); err != nil {
		return nil, fmt.Errorf("decode protobuf: %w", err)
	}
	return s.AsMap(), nil
}

func encodeProtobuf(doc any) ([]byte, error) {
	m, ok := doc.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("encode protobuf: top-level value must be an object, got %T", doc)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("encode protobuf: %w", err)
	}
	out, err := proto.MarshalOptions{Deterministic: true}.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode protobuf: %w", err)
	}
	return out, nil
}
