package broker

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

const (
	TransportWebSocket = "websocket"
	TransportTCP       = "tcp"
)

// ResolveURL turns the configured broker address into one paho can dial.
//
// For the websocket transport mqtts:// becomes wss://, mqtt:// becomes ws://,
// the MQTT-over-TLS port 8883 is swapped for the websocket-over-TLS port 8884
// and an empty path becomes /mqtt. For tcp the scheme becomes ssl:// or
// tcp:// and any path is dropped. An address without a scheme is treated as
// mqtts://.
func ResolveURL(raw, transport string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("broker url is empty")
	}
	if !strings.Contains(raw, "://") {
		raw = "mqtts://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid broker url %q: %w", raw, err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("invalid broker url %q: missing host", raw)
	}

	secure := false
	switch strings.ToLower(u.Scheme) {
	case "mqtts", "ssl", "tls", "wss":
		secure = true
	case "mqtt", "tcp", "ws":
	default:
		return "", fmt.Errorf("unsupported broker scheme %q", u.Scheme)
	}

	switch transport {
	case TransportWebSocket, "":
		u.Scheme = "ws"
		if secure {
			u.Scheme = "wss"
		}
		if u.Port() == "8883" {
			u.Host = net.JoinHostPort(u.Hostname(), "8884")
		}
		if u.Path == "" || u.Path == "/" {
			u.Path = "/mqtt"
		}
	case TransportTCP:
		u.Scheme = "tcp"
		if secure {
			u.Scheme = "ssl"
		}
		u.Path = ""
	default:
		return "", fmt.Errorf("unsupported broker transport %q", transport)
	}

	return u.String(), nil
}
