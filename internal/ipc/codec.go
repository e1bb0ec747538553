package ipc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// MaxMessageSize caps a single framed message. Larger frames are a fatal
// framing error that closes the connection.
const MaxMessageSize = 1 << 20

// ErrFrameTooLarge reports an oversized frame.
var ErrFrameTooLarge = errors.New("frame exceeds maximum message size")

// Encoding selects the payload serialization. The wire is self-describing
// on read: a payload starting with '{' is JSON, anything else is
// MessagePack.
type Encoding int

const (
	EncodingMsgpack Encoding = iota
	EncodingJSON
)

// WriteFrame writes a length-prefixed payload.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxMessageSize {
		return ErrFrameTooLarge
	}
	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("writing frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("writing frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed payload.
func ReadFrame(r io.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint32(prefix[:])
	if length > MaxMessageSize {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("reading frame payload: %w", err)
	}
	return payload, nil
}

// DetectEncoding inspects the first payload byte.
func DetectEncoding(payload []byte) Encoding {
	if len(payload) > 0 && payload[0] == '{' {
		return EncodingJSON
	}
	return EncodingMsgpack
}

// DecodeRequest parses a request payload in either encoding.
func DecodeRequest(payload []byte) (Request, Encoding, error) {
	var req Request
	enc := DetectEncoding(payload)
	var err error
	switch enc {
	case EncodingJSON:
		err = json.Unmarshal(payload, &req)
	default:
		err = msgpack.Unmarshal(payload, &req)
	}
	if err != nil {
		return Request{}, enc, fmt.Errorf("decoding request: %w", err)
	}
	if req.Action == "" {
		return Request{}, enc, fmt.Errorf("decoding request: missing action")
	}
	return req, enc, nil
}

// EncodeRequest serializes a request in the chosen encoding.
func EncodeRequest(req Request, enc Encoding) ([]byte, error) {
	switch enc {
	case EncodingJSON:
		return json.Marshal(req)
	default:
		return msgpack.Marshal(req)
	}
}

// DecodeResponse parses a response payload in either encoding.
func DecodeResponse(payload []byte) (Response, error) {
	var resp Response
	var err error
	switch DetectEncoding(payload) {
	case EncodingJSON:
		err = json.Unmarshal(payload, &resp)
	default:
		err = msgpack.Unmarshal(payload, &resp)
	}
	if err != nil {
		return Response{}, fmt.Errorf("decoding response: %w", err)
	}
	return resp, nil
}

// EncodeResponse serializes a response, mirroring the request's encoding so
// shell clients speaking JSON read JSON back.
func EncodeResponse(resp Response, enc Encoding) ([]byte, error) {
	switch enc {
	case EncodingJSON:
		return json.Marshal(resp)
	default:
		return msgpack.Marshal(resp)
	}
}
