// Package httpapi is the REST side channel to the intercom server,
// currently just the channel directory.
package httpapi

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/neilyboy/SoundMesh/internal/domain"
)

type Client struct {
	rc *resty.Client
}

func NewClient() *Client {
	return &Client{rc: resty.New().SetTimeout(10 * time.Second)}
}

// ListChannels fetches the server's channel directory, once per successful
// authentication.
func (c *Client) ListChannels(ctx context.Context, httpBase string) ([]domain.Channel, error) {
	var channels []domain.Channel
	resp, err := c.rc.R().
		SetContext(ctx).
		SetResult(&channels).
		Get(httpBase + "/api/v1/channels")
	if err != nil {
		return nil, fmt.Errorf("fetch channels: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetch channels: %s", resp.Status())
	}
	return channels, nil
}

// HTTPBase derives the REST origin from a signaling URL (ws→http, wss→https).
func HTTPBase(serverURL string) string {
	switch {
	case strings.HasPrefix(serverURL, "wss://"):
		return "https://" + strings.TrimPrefix(serverURL, "wss://")
	case strings.HasPrefix(serverURL, "ws://"):
		return "http://" + strings.TrimPrefix(serverURL, "ws://")
	case strings.HasPrefix(serverURL, "https://"), strings.HasPrefix(serverURL, "http://"):
		return serverURL
	default:
		return "http://" + serverURL
	}
}
