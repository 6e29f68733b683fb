package sdk

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

const handshakeTimeout = 10 * time.Second

// FeedHandler consumes one packet from the live stream.
type FeedHandler func(p *Packet)

// StreamFeed subscribes to the caller's raw websocket packet feed and
// invokes onPacket for every delivery. It blocks until the context is
// cancelled, the server closes the stream, or the connection fails; a
// server-initiated normal closure returns nil.
//
// Connecting starts the caller's traffic pipeline server-side, so the
// first packets arrive within a few hundred milliseconds.
func (c *Client) StreamFeed(ctx context.Context, onPacket FeedHandler) error {
	endpoint, err := feedURL(c.config.BaseURL)
	if err != nil {
		return err
	}

	header := http.Header{}
	header.Set(AnonIDHeader, c.config.AnonID)
	if c.config.Token != "" {
		header.Set("Authorization", "Bearer "+c.config.Token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("tracel-sdk: feed dial failed (%s): %w", resp.Status, err)
		}
		return fmt.Errorf("tracel-sdk: feed dial failed: %w", err)
	}
	defer conn.Close()

	// Unblock the read loop when the caller gives up.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()

	for {
		var p Packet
		if err := conn.ReadJSON(&p); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("tracel-sdk: feed read failed: %w", err)
		}
		onPacket(&p)
	}
}

// feedURL rewrites the configured base URL to the websocket endpoint.
func feedURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("tracel-sdk: invalid base URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("tracel-sdk: invalid base URL scheme %q", u.Scheme)
	}
	u.Path = "/ws/feed"
	return u.String(), nil
}
