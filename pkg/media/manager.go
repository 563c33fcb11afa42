// Package media owns the media-server side of a call: attaching a
// signaling dialog to a media endpoint, playing rendered speech on it,
// and forking the endpoint's raw audio to a recognition stream.
package media

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrDisabled     = errors.New("media server disabled")
	ErrNoAttachment = errors.New("no active media attachment for call")
)

const (
	connectTimeout = 5 * time.Second
	// playbackCleanupDelay is how long a rendered speech file is kept on
	// disk after playback was started.
	playbackCleanupDelay = 5 * time.Second
)

// MediaAttachment binds one call to one media endpoint.
type MediaAttachment struct {
	CallID   string
	Endpoint Endpoint
	// Dialog is the opaque signaling-dialog handle the endpoint is bound
	// to. The manager never inspects it.
	Dialog    any
	CreatedAt time.Time

	mu      sync.Mutex
	active  bool
	forkURL string
}

// Active reports whether the attachment is still bound to its endpoint.
func (a *MediaAttachment) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

func (a *MediaAttachment) deactivate() {
	a.mu.Lock()
	a.active = false
	a.mu.Unlock()
}

// ForkURL returns the destination of the running audio fork, or "".
func (a *MediaAttachment) ForkURL() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.forkURL
}

// ManagerConfig carries the media manager settings.
type ManagerConfig struct {
	// Disabled skips media-server connectivity entirely.
	Disabled bool
}

// Manager owns the media-server connection and the per-call attachments.
type Manager struct {
	cfg    ManagerConfig
	client ServerClient

	mu          sync.RWMutex
	attachments map[string]*MediaAttachment // call id -> attachment
	byEndpoint  map[string]string           // endpoint id -> call id

	connected atomic.Bool
}

func NewManager(cfg ManagerConfig, client ServerClient) *Manager {
	return &Manager{
		cfg:         cfg,
		client:      client,
		attachments: make(map[string]*MediaAttachment),
		byEndpoint:  make(map[string]string),
	}
}

// Start attempts the media-server connection in the background and
// returns immediately. A failure leaves the manager degraded; the next
// ConnectCaller retries.
func (m *Manager) Start() {
	if m.cfg.Disabled {
		log.Printf("[Media] Media server disabled by configuration")
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()
		if err := m.ensureConnected(ctx); err != nil {
			log.Printf("[Media] Connection failed, continuing in degraded mode: %v", err)
		}
	}()
}

func (m *Manager) ensureConnected(ctx context.Context) error {
	if m.connected.Load() {
		return nil
	}
	if err := m.client.Connect(ctx); err != nil {
		return err
	}
	m.connected.Store(true)
	log.Printf("[Media] Connected to media server")
	return nil
}

// ConnectCaller attaches a call's signaling dialog to a new media
// endpoint.
func (m *Manager) ConnectCaller(ctx context.Context, callID string, dialog any) (*MediaAttachment, error) {
	if m.cfg.Disabled {
		return nil, ErrDisabled
	}
	if err := m.ensureConnected(ctx); err != nil {
		return nil, fmt.Errorf("media server unreachable: %w", err)
	}

	endpoint, err := m.client.Attach(ctx, callID, dialog)
	if err != nil {
		return nil, err
	}

	attachment := &MediaAttachment{
		CallID:    callID,
		Endpoint:  endpoint,
		Dialog:    dialog,
		CreatedAt: time.Now(),
		active:    true,
	}
	m.mu.Lock()
	m.attachments[callID] = attachment
	m.byEndpoint[endpoint.ID()] = callID
	m.mu.Unlock()

	log.Printf("[Media] Call %s attached to endpoint %s", callID, endpoint.ID())
	return attachment, nil
}

func (m *Manager) attachment(callID string) (*MediaAttachment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.attachments[callID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoAttachment, callID)
	}
	return a, nil
}

// PlayAudio writes the rendered speech buffer to a temporary file, asks
// the endpoint to play it, and deletes the file after a fixed delay once
// playback should have completed.
func (m *Manager) PlayAudio(ctx context.Context, callID string, audio []byte) error {
	a, err := m.attachment(callID)
	if err != nil {
		return err
	}

	f, err := os.CreateTemp("", "speech-*.ulaw")
	if err != nil {
		return fmt.Errorf("failed to create speech file: %w", err)
	}
	path := f.Name()
	if _, err := f.Write(audio); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("failed to write speech file: %w", err)
	}
	f.Close()

	if err := a.Endpoint.Play(ctx, path); err != nil {
		os.Remove(path)
		return fmt.Errorf("playback failed for call %s: %w", callID, err)
	}

	time.AfterFunc(playbackCleanupDelay, func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Printf("[Media] Failed to remove %s: %v", path, err)
		}
	})
	return nil
}

// StartAudioFork streams the attachment's raw audio to destURL.
func (m *Manager) StartAudioFork(ctx context.Context, callID, destURL string) error {
	a, err := m.attachment(callID)
	if err != nil {
		return err
	}
	if err := a.Endpoint.StartFork(ctx, destURL); err != nil {
		return fmt.Errorf("failed to start audio fork for call %s: %w", callID, err)
	}
	a.mu.Lock()
	a.forkURL = destURL
	a.mu.Unlock()
	log.Printf("[Media] Forking audio of call %s to %s", callID, destURL)
	return nil
}

// StopAudioFork stops a running audio fork.
func (m *Manager) StopAudioFork(ctx context.Context, callID string) error {
	a, err := m.attachment(callID)
	if err != nil {
		return err
	}
	if err := a.Endpoint.StopFork(ctx); err != nil {
		return fmt.Errorf("failed to stop audio fork for call %s: %w", callID, err)
	}
	a.mu.Lock()
	a.forkURL = ""
	a.mu.Unlock()
	return nil
}

// Detach destroys the call's endpoint and removes the attachment.
func (m *Manager) Detach(ctx context.Context, callID string) error {
	a, err := m.attachment(callID)
	if err != nil {
		return err
	}
	m.remove(callID, a.Endpoint.ID())
	if err := a.Endpoint.Destroy(ctx); err != nil {
		return fmt.Errorf("failed to destroy endpoint for call %s: %w", callID, err)
	}
	log.Printf("[Media] Call %s detached", callID)
	return nil
}

// EndpointDestroyed handles the media server reporting an endpoint gone.
// The attachment is removed even though no explicit stop was called.
func (m *Manager) EndpointDestroyed(endpointID string) {
	m.mu.RLock()
	callID, ok := m.byEndpoint[endpointID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	m.remove(callID, endpointID)
	log.Printf("[Media] Endpoint %s destroyed by server, call %s detached", endpointID, callID)
}

func (m *Manager) remove(callID, endpointID string) {
	m.mu.Lock()
	a := m.attachments[callID]
	delete(m.attachments, callID)
	delete(m.byEndpoint, endpointID)
	m.mu.Unlock()
	if a != nil {
		a.deactivate()
	}
}

// ActiveAttachments returns the number of attached calls.
func (m *Manager) ActiveAttachments() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.attachments)
}
