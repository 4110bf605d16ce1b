package channel

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Conn is the read side of a stream connection.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer opens state streams with gorilla/websocket.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
	Header           http.Header
}

func (d WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}
	ws, resp, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
			return nil, errors.Wrapf(err, "dial %s: status %d", url, resp.StatusCode)
		}
		return nil, errors.Wrapf(err, "dial %s", url)
	}
	return ws, nil
}

// BearerHeader builds the handshake header carrying an API token.
func BearerHeader(token string) http.Header {
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}
