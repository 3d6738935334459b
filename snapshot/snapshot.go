// Package snapshot fetches the authoritative state of a presentation's parts.
// A snapshot reseeds every synchronized field on load and after any
// desynchronization.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Part is one presentation part with the server versions of its two fields.
type Part struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Text        string `json:"text"`
	NameVersion int    `json:"nameVersion"`
	TextVersion int    `json:"textVersion"`
}

// Source returns the current parts of a presentation.
type Source interface {
	Fetch(ctx context.Context, presentationID int) ([]Part, error)
}

// HTTPSource reads GET {base}/presentations/{id}/parts.
type HTTPSource struct {
	base   *url.URL
	client *http.Client
}

// NewHTTPSource builds a source against base. A nil client gets a 10s
// timeout default.
func NewHTTPSource(base string, client *http.Client) (*HTTPSource, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("snapshot: parse base url: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSource{base: u, client: client}, nil
}

func (s *HTTPSource) Fetch(ctx context.Context, presentationID int) ([]Part, error) {
	u := s.base.JoinPath("presentations", strconv.Itoa(presentationID), "parts")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("snapshot: fetch presentation %d: %w", presentationID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("snapshot: fetch presentation %d: status %d: %s", presentationID, resp.StatusCode, body)
	}
	var parts []Part
	if err := json.NewDecoder(resp.Body).Decode(&parts); err != nil {
		return nil, fmt.Errorf("snapshot: decode presentation %d: %w", presentationID, err)
	}
	return parts, nil
}
