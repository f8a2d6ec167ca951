package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultRequestTimeout = 30 * time.Second

var (
	// ErrProtocolMismatch indicates the responder is an HTTP server but not a
	// transfer endpoint of this application.
	ErrProtocolMismatch = errors.New("transfer: responder is not an actual-reader instance")
	// ErrPeerUnavailable indicates the peer could not be reached or answered
	// with a non-success status.
	ErrPeerUnavailable = errors.New("transfer: peer unavailable")
)

// PeerInfo is a peer's answer to the info endpoint.
type PeerInfo struct {
	Name       string `json:"name"`
	BookCount  int64  `json:"bookCount"`
	Version    string `json:"version"`
	ServerType string `json:"serverType"`
}

// Client talks to one peer's transfer endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient builds a client for the peer at address:port.
func NewClient(address string, port int) *Client {
	return &Client{
		baseURL:    fmt.Sprintf("http://%s:%d", address, port),
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
	}
}

// Probe fetches the peer's info record and verifies it identifies itself
// with this application's type marker. Anything else answering on the port
// yields ErrProtocolMismatch rather than a usable peer.
func (c *Client) Probe(ctx context.Context) (PeerInfo, error) {
	body, err := c.get(ctx, "/info")
	if err != nil {
		return PeerInfo{}, err
	}

	var info PeerInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return PeerInfo{}, fmt.Errorf("%w: %v", ErrProtocolMismatch, err)
	}
	if info.ServerType != ServerType {
		return PeerInfo{}, fmt.Errorf("%w: server type %q", ErrProtocolMismatch, info.ServerType)
	}
	return info, nil
}

// FetchCatalog retrieves the peer's narration-ready catalog.
func (c *Client) FetchCatalog(ctx context.Context) ([]CatalogEntry, error) {
	body, err := c.get(ctx, "/books")
	if err != nil {
		return nil, err
	}

	var payload catalogPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("transfer: parse catalog: %w", err)
	}
	return payload.Books, nil
}

// FetchBundle downloads the bundle for one of the peer's books.
func (c *Client) FetchBundle(ctx context.Context, bookID string) ([]byte, error) {
	return c.get(ctx, "/book/"+bookID)
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("transfer: build request: %w", err)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPeerUnavailable, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned status %d", ErrPeerUnavailable, path, response.StatusCode)
	}

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPeerUnavailable, err)
	}
	return body, nil
}
