package model

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
)

// Blob is an opaque binary payload. On the wire it is a JSON array of byte
// values rather than a base64 string; a base64 string is accepted on input.
type Blob []byte

func (b Blob) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("[]"), nil
	}
	var buf bytes.Buffer
	buf.Grow(len(b)*4 + 2)
	buf.WriteByte('[')
	for i, c := range b {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(strconv.Itoa(int(c)))
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

func (b *Blob) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*b = nil
		return nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return fmt.Errorf("decoding base64 blob: %w", err)
		}
		*b = raw
		return nil
	}

	var values []int
	if err := json.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("decoding byte list: %w", err)
	}
	out := make(Blob, len(values))
	for i, v := range values {
		if v < 0 || v > 255 {
			return fmt.Errorf("byte list: value %d at index %d out of range", v, i)
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}
