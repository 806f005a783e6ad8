package crdtpubsub

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"collabtext/luvtext/crdtpatch"
)

// Encoder encodes a CRDT patch into a byte array using the specified format.
type Encoder interface {
	// Encode encodes a CRDT patch into a byte array.
	Encode(patch *crdtpatch.Patch) ([]byte, error)
}

// Decoder decodes a byte array into a CRDT patch using the specified format.
type Decoder interface {
	// Decode decodes a byte array into a CRDT patch.
	Decode(data []byte) (*crdtpatch.Patch, error)
}

// EncoderDecoder combines the Encoder and Decoder interfaces.
type EncoderDecoder interface {
	Encoder
	Decoder
}

// JSONEncoderDecoder implements the EncoderDecoder interface using JSON encoding.
type JSONEncoderDecoder struct{}

// Encode encodes a CRDT patch into a JSON byte array.
func (ed *JSONEncoderDecoder) Encode(patch *crdtpatch.Patch) ([]byte, error) {
	return json.Marshal(patch)
}

// Decode decodes and validates a JSON patch.
func (ed *JSONEncoderDecoder) Decode(data []byte) (*crdtpatch.Patch, error) {
	return crdtpatch.DecodePatch(data)
}

// Base64EncoderDecoder wraps another EncoderDecoder with base64 text.
type Base64EncoderDecoder struct {
	underlying EncoderDecoder
}

// NewBase64EncoderDecoder creates a Base64EncoderDecoder; nil selects JSON.
func NewBase64EncoderDecoder(underlying EncoderDecoder) *Base64EncoderDecoder {
	if underlying == nil {
		underlying = &JSONEncoderDecoder{}
	}
	return &Base64EncoderDecoder{
		underlying: underlying,
	}
}

// Encode encodes a CRDT patch into a base64 byte array.
func (ed *Base64EncoderDecoder) Encode(patch *crdtpatch.Patch) ([]byte, error) {
	data, err := ed.underlying.Encode(patch)
	if err != nil {
		return nil, err
	}
	encoded := make([]byte, base64.StdEncoding.EncodedLen(len(data)))
	base64.StdEncoding.Encode(encoded, data)
	return encoded, nil
}

// Decode decodes a base64 byte array into a CRDT patch.
func (ed *Base64EncoderDecoder) Decode(data []byte) (*crdtpatch.Patch, error) {
	decoded := make([]byte, base64.StdEncoding.DecodedLen(len(data)))
	n, err := base64.StdEncoding.Decode(decoded, data)
	if err != nil {
		return nil, err
	}
	return ed.underlying.Decode(decoded[:n])
}

// GetEncoderDecoder returns an EncoderDecoder for the specified format.
func GetEncoderDecoder(format EncodingFormat) (EncoderDecoder, error) {
	switch format {
	case EncodingFormatJSON, EncodingFormatText:
		return &JSONEncoderDecoder{}, nil
	case EncodingFormatBase64:
		return NewBase64EncoderDecoder(&JSONEncoderDecoder{}), nil
	default:
		return nil, fmt.Errorf("unsupported encoding format: %s", format)
	}
}

// DecodePayload decodes raw bytes in format back to the bytes the sender
// encoded. Base64 payloads are unwrapped; other formats pass through.
func DecodePayload(data []byte, format EncodingFormat) ([]byte, error) {
	if format != EncodingFormatBase64 {
		return data, nil
	}
	decoded := make([]byte, base64.StdEncoding.DecodedLen(len(data)))
	n, err := base64.StdEncoding.Decode(decoded, data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 payload: %w", err)
	}
	return decoded[:n], nil
}

// EncodePayload is the inverse of DecodePayload.
func EncodePayload(data []byte, format EncodingFormat) ([]byte, error) {
	switch format {
	case EncodingFormatJSON, EncodingFormatText, "":
		return data, nil
	case EncodingFormatBase64:
		encoded := make([]byte, base64.StdEncoding.EncodedLen(len(data)))
		base64.StdEncoding.Encode(encoded, data)
		return encoded, nil
	default:
		return nil, fmt.Errorf("unsupported encoding format: %s", format)
	}
}
