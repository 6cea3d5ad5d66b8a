package address

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name string
		code string
		host string
	}{
		{name: "padded", code: "CgAABQ==", host: "10.0.0.5"},
		{name: "loopback", code: "fwAAAQ==", host: "127.0.0.1"},
		{name: "unpadded", code: "CgAABQ", host: "10.0.0.5"},
		{name: "surrounding whitespace", code: "  wKgBAQ==\n", host: "192.168.1.1"},
		{name: "high bytes", code: "/////w==", host: "255.255.255.255"},
		{name: "url alphabet dash", code: "wKgB-w", host: "192.168.1.251"},
		{name: "url alphabet underscore", code: "_____w", host: "255.255.255.255"},
		{name: "standard alphabet plus", code: "wKgB+w==", host: "192.168.1.251"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, err := Decode(tt.code)
			require.NoError(t, err)
			assert.Equal(t, tt.host, addr.Host)
			assert.Equal(t, DefaultPort, addr.Port)
		})
	}
}

func TestDecode_Invalid(t *testing.T) {
	codes := []string{
		"",
		"bad-code",
		"YWJj",         // 3 bytes
		"YWJjZGU=",     // 5 bytes
		"!!!!",
		"CgAABQ==CgAA", // trailing garbage
	}

	for _, code := range codes {
		t.Run(code, func(t *testing.T) {
			_, err := Decode(code)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidCode), "got %v", err)
		})
	}
}

func TestServerAddress_URL(t *testing.T) {
	addr, err := DecodeWithPort("CgAABQ==", 9000)
	require.NoError(t, err)
	assert.Equal(t, "ws://10.0.0.5:9000", addr.URL())
	assert.Equal(t, "10.0.0.5:9000", addr.String())
}

func TestDecode_HubPort(t *testing.T) {
	addr, err := Decode("wKgB-w")
	require.NoError(t, err)
	assert.Equal(t, "ws://192.168.1.251:34531", addr.URL())
}

func TestEncode_HubFormat(t *testing.T) {
	code, err := Encode("192.168.1.251")
	require.NoError(t, err)
	assert.Equal(t, "wKgB-w", code)

	code, err = Encode("10.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, "CgAABQ", code)
}

func TestEncode_RoundTrip(t *testing.T) {
	for _, ip := range []string{"10.0.0.5", "0.0.0.0", "192.168.100.254", "192.168.1.251", "255.255.255.255"} {
		code, err := Encode(ip)
		require.NoError(t, err)

		addr, err := Decode(code)
		require.NoError(t, err)
		assert.Equal(t, ip, addr.Host)
	}

	_, err := Encode("::1")
	assert.Error(t, err)
	_, err = Encode("not-an-ip")
	assert.Error(t, err)
}
