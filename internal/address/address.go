// Package address turns the short connection code printed on a hub into the
// WebSocket endpoint the client dials.
package address

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DefaultPort is the port every hub listens on for client sessions.
const DefaultPort = 34531

var ErrInvalidCode = errors.New("invalid connection code")

// ServerAddress is a resolved hub endpoint.
type ServerAddress struct {
	Host string
	Port int
}

func (a ServerAddress) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// URL returns the WebSocket URL of the hub.
func (a ServerAddress) URL() string {
	return "ws://" + a.String()
}

// Decode resolves a connection code against DefaultPort.
func Decode(code string) (ServerAddress, error) {
	return DecodeWithPort(code, DefaultPort)
}

// DecodeWithPort resolves a connection code. The code must base64-decode to
// exactly four bytes, which are read as an IPv4 address. Hubs print codes in
// the URL-safe alphabet without padding; standard alphabet codes, padded or
// not, are accepted too.
func DecodeWithPort(code string, port int) (ServerAddress, error) {
	code = strings.TrimRight(strings.TrimSpace(code), "=")
	if code == "" {
		return ServerAddress{}, fmt.Errorf("%w: empty", ErrInvalidCode)
	}

	raw, err := base64.RawURLEncoding.DecodeString(code)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(code)
		if err != nil {
			return ServerAddress{}, fmt.Errorf("%w: %s", ErrInvalidCode, err.Error())
		}
	}
	if len(raw) != 4 {
		return ServerAddress{}, fmt.Errorf("%w: decoded to %d bytes, expected 4", ErrInvalidCode, len(raw))
	}

	parts := make([]string, 0, 4)
	for _, b := range raw {
		parts = append(parts, strconv.Itoa(int(b)))
	}
	return ServerAddress{Host: strings.Join(parts, "."), Port: port}, nil
}

// Encode builds the connection code for an IPv4 address in the form hubs
// print it.
func Encode(ip string) (string, error) {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return "", fmt.Errorf("failed to parse address %q", ip)
	}
	v4 := parsed.To4()
	if v4 == nil {
		return "", fmt.Errorf("address %q is not IPv4", ip)
	}
	return base64.RawURLEncoding.EncodeToString(v4), nil
}
