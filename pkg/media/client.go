package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ============================================
// MEDIA SERVER CLIENT
// ============================================
// REST client for the media server. The Manager only depends on the
// ServerClient and Endpoint interfaces, so tests and alternative media
// backends can swap in their own implementations.
// ============================================

// Endpoint is one media-server endpoint attached to a call. It exposes
// only the operations the platform actually uses.
type Endpoint interface {
	ID() string
	// Play asks the endpoint to play the audio file at path.
	Play(ctx context.Context, path string) error
	// StartFork streams the endpoint's raw audio to destURL.
	StartFork(ctx context.Context, destURL string) error
	// StopFork stops a running audio fork.
	StopFork(ctx context.Context) error
	// Destroy releases the endpoint.
	Destroy(ctx context.Context) error
}

// ServerClient is the connection to the media server.
type ServerClient interface {
	// Connect verifies the server is reachable.
	Connect(ctx context.Context) error
	// Attach binds a call's signaling dialog to a new media endpoint.
	// The dialog handle is opaque to the client.
	Attach(ctx context.Context, callID string, dialog any) (Endpoint, error)
}

// RESTClient talks to the media server's HTTP control API.
type RESTClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewRESTClient(baseURL, token string) *RESTClient {
	return &RESTClient{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Connect checks the server's status endpoint.
func (c *RESTClient) Connect(ctx context.Context) error {
	if c.baseURL == "" {
		return fmt.Errorf("media server URL not configured")
	}
	_, err := c.do(ctx, http.MethodGet, "/status", nil)
	return err
}

// Attach creates a media endpoint for the call. The dialog handle stays
// process-local; the server binds the endpoint by call id.
func (c *RESTClient) Attach(ctx context.Context, callID string, dialog any) (Endpoint, error) {
	body, err := c.do(ctx, http.MethodPost, "/endpoints", map[string]string{"call_id": callID})
	if err != nil {
		return nil, fmt.Errorf("failed to attach call %s: %w", callID, err)
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		return nil, fmt.Errorf("failed to decode endpoint response: %w", err)
	}
	if created.ID == "" {
		return nil, fmt.Errorf("media server returned no endpoint id")
	}
	return &restEndpoint{client: c, id: created.ID}, nil
}

func (c *RESTClient) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent {
		return nil, fmt.Errorf("media server error (%d): %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// restEndpoint drives one endpoint over the REST API.
type restEndpoint struct {
	client *RESTClient
	id     string
}

func (e *restEndpoint) ID() string { return e.id }

func (e *restEndpoint) Play(ctx context.Context, path string) error {
	_, err := e.client.do(ctx, http.MethodPost, "/endpoints/"+e.id+"/play", map[string]string{"file": path})
	return err
}

func (e *restEndpoint) StartFork(ctx context.Context, destURL string) error {
	_, err := e.client.do(ctx, http.MethodPost, "/endpoints/"+e.id+"/fork", map[string]string{"url": destURL})
	return err
}

func (e *restEndpoint) StopFork(ctx context.Context) error {
	_, err := e.client.do(ctx, http.MethodDelete, "/endpoints/"+e.id+"/fork", nil)
	return err
}

func (e *restEndpoint) Destroy(ctx context.Context) error {
	_, err := e.client.do(ctx, http.MethodDelete, "/endpoints/"+e.id, nil)
	return err
}
