package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// notifyMaxMessageSize caps inbound notification frames. Notifications carry
// no payload the client needs; anything larger is a protocol error.
const notifyMaxMessageSize = 64 * 1024

// notifyReconnectDelay paces reconnection attempts after a dropped socket.
const notifyReconnectDelay = 5 * time.Second

// socketSubscriptionResponse mirrors the subscriptions/socketIo JSON.
type socketSubscriptionResponse struct {
	NotificationURL string `json:"notificationUrl"`
	ExpirationTime  string `json:"expirationDateTime"`
}

// SubscribeSocket requests a socket notification endpoint for the drive.
// The returned URL is pre-authenticated and time-limited; when it expires
// the listener resubscribes.
func (c *Client) SubscribeSocket(ctx context.Context) (string, error) {
	resp, err := c.Do(ctx, http.MethodGet, "/root/subscriptions/socketIo", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var sr socketSubscriptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return "", fmt.Errorf("graph: decoding socket subscription: %w", err)
	}

	if sr.NotificationURL == "" {
		return "", fmt.Errorf("graph: socket subscription missing notificationUrl")
	}

	return sr.NotificationURL, nil
}

// ListenSocket subscribes to the drive's notification socket and signals on
// changed for every inbound frame, reconnecting with a fixed delay until ctx
// is canceled. The signal is best-effort: if changed is full, the frame is
// dropped (a pending signal already covers it).
func (c *Client) ListenSocket(ctx context.Context, changed chan<- struct{}) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		url, err := c.SubscribeSocket(ctx)
		if err != nil {
			c.logger.Warn("socket subscription failed, retrying",
				slog.String("error", err.Error()),
			)

			if sleepErr := c.sleepFunc(ctx, notifyReconnectDelay); sleepErr != nil {
				return sleepErr
			}

			continue
		}

		if err := c.listenOnce(ctx, url, changed); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			c.logger.Debug("notification socket closed, reconnecting",
				slog.String("error", err.Error()),
			)
		}

		if sleepErr := c.sleepFunc(ctx, notifyReconnectDelay); sleepErr != nil {
			return sleepErr
		}
	}
}

// listenOnce dials the notification URL and signals until the connection
// drops or ctx is canceled.
func (c *Client) listenOnce(ctx context.Context, url string, changed chan<- struct{}) error {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient: c.httpClient,
	})
	if err != nil {
		return fmt.Errorf("graph: dialing notification socket: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	conn.SetReadLimit(notifyMaxMessageSize)

	c.logger.Debug("notification socket connected")

	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return fmt.Errorf("graph: reading notification socket: %w", err)
		}

		select {
		case changed <- struct{}{}:
		default:
		}
	}
}
