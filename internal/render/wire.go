package render

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Cached result payloads carry a one-line JSON header with the image type
// followed by the raw image bytes. Error payloads are a single JSON object.
// Both formats survive a process restart and are language-neutral, unlike
// the in-memory structs they round-trip.

type imageHeader struct {
	Type ImageType `json:"type"`
}

// ErrCorruptPayload marks cached result bytes that no longer decode.
var ErrCorruptPayload = errors.New("corrupt cached payload")

// EncodeImage serializes an Image for storage as a RESULT entry payload.
func EncodeImage(img *Image) ([]byte, error) {
	header, err := json.Marshal(imageHeader{Type: img.Type})
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(header)+1+len(img.Data))
	out = append(out, header...)
	out = append(out, '\n')
	out = append(out, img.Data...)
	return out, nil
}

// DecodeImage restores an Image from a RESULT entry payload.
func DecodeImage(payload []byte) (*Image, error) {
	header, data, ok := bytes.Cut(payload, []byte{'\n'})
	if !ok {
		return nil, fmt.Errorf("%w: missing image header", ErrCorruptPayload)
	}
	var h imageHeader
	if err := json.Unmarshal(header, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
	}
	return &Image{Type: h.Type, Data: data}, nil
}

// EncodeError serializes an UpstreamError for storage as an ERROR entry
// payload.
func EncodeError(e *UpstreamError) []byte {
	out, err := json.Marshal(e)
	if err != nil {
		// The struct contains only an int and strings; this cannot happen.
		return []byte(`{"status_code":500,"msgs":["encoding failure"]}`)
	}
	return out
}

// DecodeError restores an UpstreamError from an ERROR entry payload.
func DecodeError(payload []byte) (*UpstreamError, error) {
	var e UpstreamError
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
	}
	if e.StatusCode == 0 {
		return nil, fmt.Errorf("%w: missing status code", ErrCorruptPayload)
	}
	return &e, nil
}
