package node

import "bytes"

// StringKeyCodec orders keys lexicographically by their raw UTF-8 bytes
// and encodes/decodes them as-is. It is the default KeyCodec for CLI and
// test use.
type StringKeyCodec struct{}

func (StringKeyCodec) Compare(a, b string) int {
	return bytes.Compare([]byte(a), []byte(b))
}

func (StringKeyCodec) Encode(k string) []byte {
	return []byte(k)
}

func (StringKeyCodec) Decode(b []byte) (string, error) {
	return string(b), nil
}

// BytesValueCodec passes value bytes through unchanged.
type BytesValueCodec struct{}

func (BytesValueCodec) Encode(v []byte) []byte {
	return v
}

func (BytesValueCodec) Decode(b []byte) ([]byte, error) {
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// StringBytes is the Codec a plain string-keyed, []byte-valued tree uses;
// cmd/mstctl and most tests are built on it.
var StringBytes = Codec[string, []byte]{Key: StringKeyCodec{}, Value: BytesValueCodec{}}
