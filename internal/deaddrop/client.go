package deaddrop

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	droverErrors "github.com/harunnryd/drover/internal/errors"
	"github.com/harunnryd/drover/internal/retry"
)

// Client talks to a deaddrop server for one namespace. Delivery is
// at-least-once: sends retry through the shared policy unless the caller
// opts out, and consumers tolerate duplicates.
type Client struct {
	baseURL    string
	namespace  string
	httpClient *http.Client
	policy     retry.Policy
}

func NewClient(baseURL, namespace string, policy retry.Policy) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		namespace: namespace,
		// Long polls ride on this client; the timeout needs headroom
		// above the server's max wait.
		httpClient: &http.Client{Timeout: 90 * time.Second},
		policy:     policy,
	}
}

// Send delivers msg, retrying transport failures with backoff. With
// retryTransport false it fails on the first error and the caller decides.
func (c *Client) Send(ctx context.Context, msg Message, retryTransport bool) error {
	policy := c.policy
	if !retryTransport {
		policy = retry.NoRetry()
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return droverErrors.Internal(fmt.Sprintf("marshal message: %v", err))
	}

	return policy.Do(ctx, "deaddrop.send", func() error {
		endpoint := fmt.Sprintf("%s/api/v1/%s/messages", c.baseURL, url.PathEscape(c.namespace))
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return droverErrors.Internal(err.Error())
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return droverErrors.Transient(fmt.Sprintf("send message: %v", err))
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
			return droverErrors.FromStatus(resp.StatusCode, "send message: "+readBody(resp))
		}
		return nil
	})
}

// Poll blocks up to wait for messages on identity's inbox. A timeout
// yields an empty slice, never an error; malformed batches are logged and
// dropped so a polling loop cannot be halted by bad input.
func (c *Client) Poll(ctx context.Context, identity string, wait time.Duration) []Message {
	endpoint := fmt.Sprintf("%s/api/v1/%s/inbox/%s?wait=%.1f",
		c.baseURL, url.PathEscape(c.namespace), url.PathEscape(identity), wait.Seconds())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		slog.Error("Failed to build poll request", "identity", identity, "error", err)
		return nil
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		slog.Warn("Poll failed", "identity", identity, "error", err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		slog.Warn("Poll rejected", "identity", identity, "status", resp.StatusCode)
		return nil
	}

	var batch []Message
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		slog.Warn("Skipping malformed poll batch", "identity", identity, "error", err)
		return nil
	}

	// Unknown kinds are skipped here, not surfaced: a newer peer must not
	// be able to wedge an older consumer's loop.
	kept := batch[:0]
	for _, msg := range batch {
		if !msg.Kind.Valid() {
			slog.Warn("Skipping message with unknown type", "id", msg.ID, "type", msg.Kind)
			continue
		}
		kept = append(kept, msg)
	}
	return kept
}

// RoomHistory returns room entries after since and the log's cursor.
func (c *Client) RoomHistory(ctx context.Context, room string, since int64) ([]RoomEntry, int64, error) {
	var entries []RoomEntry
	var cursor int64

	err := c.policy.Do(ctx, "deaddrop.room", func() error {
		endpoint := fmt.Sprintf("%s/api/v1/%s/room/%s?since=%d",
			c.baseURL, url.PathEscape(c.namespace), url.PathEscape(room), since)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return droverErrors.Internal(err.Error())
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return droverErrors.Transient(fmt.Sprintf("room history: %v", err))
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return droverErrors.FromStatus(resp.StatusCode, "room history: "+readBody(resp))
		}

		var decoded struct {
			Cursor  int64       `json:"cursor"`
			Entries []RoomEntry `json:"entries"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return droverErrors.Transient(fmt.Sprintf("decode room history: %v", err))
		}
		entries = decoded.Entries
		cursor = decoded.Cursor
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return entries, cursor, nil
}

func readBody(resp *http.Response) string {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil || len(data) == 0 {
		return resp.Status
	}
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(data))
}
