// SPDX-License-Identifier: MIT

// Package lns is the outbound client for the LoRaWAN network server's
// downlink API. Calls go through a circuit breaker so a dead LNS degrades
// to fast Unavailable faults instead of piled-up timeouts.
package lns

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/spotsense/spotsense/internal/fault"
	"github.com/spotsense/spotsense/internal/log"
)

// Config holds the LNS endpoint settings.
type Config struct {
	BaseURL  string
	APIToken string
	Timeout  time.Duration
}

// QueueItem is one entry of a device's pending downlink queue on the LNS.
type QueueItem struct {
	QueueID   string `json:"queue_id"`
	Port      uint8  `json:"f_port"`
	Payload   []byte `json:"-"`
	Confirmed bool   `json:"confirmed"`
}

// Client talks to the LNS downlink API with bearer auth.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
}

// New builds the client. The breaker opens after five consecutive
// failures and probes again after 30 seconds.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	logger := log.WithComponent("lns")
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "lns",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str(log.FieldEvent, "lns.breaker_state").
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	})
	return &Client{
		baseURL: cfg.BaseURL,
		token:   cfg.APIToken,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
		logger:  logger,
	}
}

type enqueueRequest struct {
	Port      uint8  `json:"f_port"`
	Payload   string `json:"frm_payload"` // base64
	Confirmed bool   `json:"confirmed"`
}

type enqueueResponse struct {
	QueueID string `json:"queue_id"`
}

// EnqueueDownlink pushes one downlink frame onto the device's queue and
// returns the LNS queue id.
func (c *Client) EnqueueDownlink(ctx context.Context, devEUI string, port uint8, payload []byte, confirmed bool) (string, error) {
	body := enqueueRequest{
		Port:      port,
		Payload:   base64.StdEncoding.EncodeToString(payload),
		Confirmed: confirmed,
	}
	var resp enqueueResponse
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/devices/%s/queue", devEUI), body, &resp)
	if err != nil {
		return "", err
	}
	return resp.QueueID, nil
}

// FlushQueue drops every queued downlink for a device. Used when a stuck
// envelope is retried so the retry does not stack behind the stale frame.
func (c *Client) FlushQueue(ctx context.Context, devEUI string) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/devices/%s/queue", devEUI), nil, nil)
}

type listResponse struct {
	Items []struct {
		QueueID   string `json:"queue_id"`
		Port      uint8  `json:"f_port"`
		Payload   string `json:"frm_payload"`
		Confirmed bool   `json:"confirmed"`
	} `json:"items"`
}

// ListQueue returns the device's pending queue on the LNS.
func (c *Client) ListQueue(ctx context.Context, devEUI string) ([]QueueItem, error) {
	var resp listResponse
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/devices/%s/queue", devEUI), nil, &resp); err != nil {
		return nil, err
	}
	items := make([]QueueItem, 0, len(resp.Items))
	for _, it := range resp.Items {
		raw, err := base64.StdEncoding.DecodeString(it.Payload)
		if err != nil {
			return nil, fault.Wrap(fault.Internal, "lns-response", "undecodable queue payload", err)
		}
		items = append(items, QueueItem{
			QueueID:   it.QueueID,
			Port:      it.Port,
			Payload:   raw,
			Confirmed: it.Confirmed,
		})
	}
	return items, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	_, err := c.breaker.Execute(func() (any, error) {
		var reader io.Reader
		if body != nil {
			raw, err := json.Marshal(body)
			if err != nil {
				return nil, fmt.Errorf("marshal request: %w", err)
			}
			reader = bytes.NewReader(raw)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fault.Wrap(fault.Unavailable, "lns-unreachable", "lns request failed", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return nil, fault.Newf(fault.Unavailable, "lns-error", "lns returned %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return nil, fault.Newf(fault.Internal, "lns-rejected", "lns rejected request with %d", resp.StatusCode)
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return nil, fault.Wrap(fault.Internal, "lns-response", "undecodable lns response", err)
			}
		}
		return nil, nil
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return fault.Wrap(fault.Unavailable, "lns-circuit-open", "lns circuit breaker open", err)
	}
	return err
}
