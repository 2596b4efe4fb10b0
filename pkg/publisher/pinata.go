package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultPinataURL is the pinJSONToIPFS endpoint.
const DefaultPinataURL = "https://api.pinata.cloud/pinning/pinJSONToIPFS"

// PinataConfig configures the Pinata (IPFS pinning) backend.
// Either APIKey/SecretKey or JWT must be set.
type PinataConfig struct {
	URL       string
	APIKey    string
	SecretKey string
	JWT       string
	Timeout   time.Duration
}

// Pinata pins JSON documents to IPFS through the Pinata API.
type Pinata struct {
	cfg    PinataConfig
	client *http.Client
}

// NewPinata creates a Pinata publisher. client may be nil.
func NewPinata(cfg PinataConfig, client *http.Client) (*Pinata, error) {
	if cfg.JWT == "" && (cfg.APIKey == "" || cfg.SecretKey == "") {
		return nil, fmt.Errorf("pinata: api key and secret, or a JWT, are required")
	}
	if cfg.URL == "" {
		cfg.URL = DefaultPinataURL
	}
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Pinata{cfg: cfg, client: client}, nil
}

type pinRequest struct {
	PinataContent  json.RawMessage `json:"pinataContent"`
	PinataMetadata pinMetadata     `json:"pinataMetadata"`
}

type pinMetadata struct {
	Name string `json:"name,omitempty"`
}

type pinResponse struct {
	IpfsHash  string `json:"IpfsHash"`
	PinSize   int64  `json:"PinSize"`
	Timestamp string `json:"Timestamp"`
}

// Publish pins content and returns the IPFS hash.
func (p *Pinata) Publish(ctx context.Context, name string, content []byte) (string, error) {
	if !json.Valid(content) {
		return "", &StatusError{Backend: "pinata", StatusCode: http.StatusBadRequest, Body: "content is not valid JSON"}
	}
	body, err := json.Marshal(pinRequest{
		PinataContent:  json.RawMessage(content),
		PinataMetadata: pinMetadata{Name: name},
	})
	if err != nil {
		return "", fmt.Errorf("pinata: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("pinata: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.JWT != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.JWT)
	} else {
		req.Header.Set("pinata_api_key", p.cfg.APIKey)
		req.Header.Set("pinata_secret_api_key", p.cfg.SecretKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("pinata: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("pinata: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &StatusError{Backend: "pinata", StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(raw))}
	}

	var out pinResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("pinata: decode response: %w", err)
	}
	if out.IpfsHash == "" {
		return "", fmt.Errorf("pinata: response has no IpfsHash")
	}
	return out.IpfsHash, nil
}
