package ultravox

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

const DefaultConnectTimeout = 15 * time.Second

// ValidateJoinURL requires an absolute ws(s) URL with a host. http(s) join
// URLs are rewritten to their websocket scheme.
func ValidateJoinURL(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidJoinURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidJoinURL, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidJoinURL, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidJoinURL)
	}
	return u.String(), nil
}

// Dial opens the engine media socket. The handshake must finish within
// timeout.
func Dial(ctx context.Context, joinURL string, timeout time.Duration) (*websocket.Conn, error) {
	target, err := ValidateJoinURL(joinURL)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, resp, err := dialer.DialContext(dialCtx, target, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: status %d: %v", ErrEngineUnreachable, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrEngineUnreachable, err)
	}
	return conn, nil
}
