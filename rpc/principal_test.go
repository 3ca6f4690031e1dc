package rpc_test

import (
	"encoding/json"
	"testing"

	"github.com/jrsteele09/estate-session/rpc"
	"github.com/stretchr/testify/require"
)

func TestEncodePrincipalKnownValues(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want string
	}{
		{name: "management", in: []byte{}, want: "aaaaa-aa"},
		{name: "anonymous", in: []byte{0x04}, want: "2vxsx-fae"},
		{name: "service", in: []byte{0, 0, 0, 0, 0, 0, 0, 1, 1, 1}, want: "rrkah-fqaaa-aaaaa-aaaaq-cai"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := rpc.EncodePrincipal(tt.in)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)

			back, err := rpc.ParsePrincipal(got)
			require.NoError(t, err)
			require.Equal(t, tt.in, back)
		})
	}
}

func TestDecodePrincipalWireForms(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{name: "text", raw: `"2vxsx-fae"`, want: "2vxsx-fae"},
		{name: "upper case text", raw: `"2VXSX-FAE"`, want: "2vxsx-fae"},
		{name: "opaque text", raw: `"user-42"`, want: "user-42"},
		{name: "byte array", raw: `[4]`, want: "2vxsx-fae"},
		{name: "tagged object", raw: `{"__principal__":"rrkah-fqaaa-aaaaa-aaaaq-cai"}`, want: "rrkah-fqaaa-aaaaa-aaaaq-cai"},
		{name: "text object", raw: `{"text":"aaaaa-aa"}`, want: "aaaaa-aa"},
		{name: "bytes object", raw: `{"bytes":[0,0,0,0,0,0,0,1,1,1]}`, want: "rrkah-fqaaa-aaaaa-aaaaq-cai"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := rpc.DecodePrincipal(json.RawMessage(tt.raw))
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestDecodePrincipalRejectsBadForms(t *testing.T) {
	for _, raw := range []string{``, `null`, `""`, `42`, `[256]`, `{}`, `{"other":1}`} {
		_, err := rpc.DecodePrincipal(json.RawMessage(raw))
		require.Error(t, err, raw)
	}
}

func TestParsePrincipalChecksum(t *testing.T) {
	_, err := rpc.ParsePrincipal("2vxsx-fab")
	require.Error(t, err)
}
