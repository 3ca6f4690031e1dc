package rpc

import (
	"bytes"
	"encoding/base32"
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
	"strings"

	"github.com/pkg/errors"
)

const maxPrincipalBytes = 29

var principalEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// principalObject covers the object forms a principal may arrive in.
type principalObject struct {
	Principal *string `json:"__principal__"`
	Text      *string `json:"text"`
	RawBytes  []int   `json:"bytes"`
}

// DecodePrincipal normalizes every wire form of a principal into its textual
// representation. Accepted forms: a JSON string, an array of byte values, or an
// object carrying "__principal__", "text" or "bytes".
func DecodePrincipal(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", errors.New("[DecodePrincipal] empty principal")
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", errors.Wrap(err, "[DecodePrincipal] string form")
		}
		return normalizePrincipalText(s)
	case '[':
		var values []int
		if err := json.Unmarshal(raw, &values); err != nil {
			return "", errors.Wrap(err, "[DecodePrincipal] byte array form")
		}
		b, err := toBytes(values)
		if err != nil {
			return "", err
		}
		return EncodePrincipal(b)
	case '{':
		var obj principalObject
		if err := json.Unmarshal(raw, &obj); err != nil {
			return "", errors.Wrap(err, "[DecodePrincipal] object form")
		}
		switch {
		case obj.Principal != nil:
			return normalizePrincipalText(*obj.Principal)
		case obj.Text != nil:
			return normalizePrincipalText(*obj.Text)
		case obj.RawBytes != nil:
			b, err := toBytes(obj.RawBytes)
			if err != nil {
				return "", err
			}
			return EncodePrincipal(b)
		}
		return "", errors.New("[DecodePrincipal] object carries no principal field")
	}
	return "", errors.Errorf("[DecodePrincipal] unsupported principal form %q", string(raw))
}

// EncodePrincipal renders raw principal bytes in textual form: a big-endian
// CRC32 of the bytes followed by the bytes, base32 encoded, lower-cased and
// grouped in fives separated by dashes.
func EncodePrincipal(b []byte) (string, error) {
	if len(b) > maxPrincipalBytes {
		return "", errors.Errorf("[EncodePrincipal] principal too long: %d bytes", len(b))
	}
	buf := make([]byte, 4+len(b))
	binary.BigEndian.PutUint32(buf, crc32.ChecksumIEEE(b))
	copy(buf[4:], b)

	encoded := strings.ToLower(principalEncoding.EncodeToString(buf))
	var sb strings.Builder
	for i := 0; i < len(encoded); i += 5 {
		if i > 0 {
			sb.WriteByte('-')
		}
		end := min(i+5, len(encoded))
		sb.WriteString(encoded[i:end])
	}
	return sb.String(), nil
}

// ParsePrincipal validates a textual principal and returns its raw bytes.
func ParsePrincipal(text string) ([]byte, error) {
	compact := strings.ToUpper(strings.ReplaceAll(text, "-", ""))
	buf, err := principalEncoding.DecodeString(compact)
	if err != nil {
		return nil, errors.Wrap(err, "[ParsePrincipal] base32")
	}
	if len(buf) < 4 {
		return nil, errors.New("[ParsePrincipal] principal too short")
	}
	b := buf[4:]
	if binary.BigEndian.Uint32(buf[:4]) != crc32.ChecksumIEEE(b) {
		return nil, errors.New("[ParsePrincipal] checksum mismatch")
	}
	return b, nil
}

func normalizePrincipalText(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", errors.New("[DecodePrincipal] empty principal")
	}
	b, err := ParsePrincipal(s)
	if err != nil {
		// Not a checksummed principal; the service's own identifier is kept as is.
		return s, nil
	}
	return EncodePrincipal(b)
}

func toBytes(values []int) ([]byte, error) {
	b := make([]byte, len(values))
	for i, v := range values {
		if v < 0 || v > 255 {
			return nil, errors.Errorf("[DecodePrincipal] byte %d out of range: %d", i, v)
		}
		b[i] = byte(v)
	}
	return b, nil
}
