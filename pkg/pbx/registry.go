// Package pbx is the PBX-channel variant of the signaling registry. It
// speaks to Asterisk through ARI: channels entering the Stasis
// application become tracked ChannelInfo records, and the registry
// exposes the channel, bridge, and external-media operations the call
// router and bridge orchestrator need.
package pbx

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/CyCoreSystems/ari/v6"
	"github.com/CyCoreSystems/ari/v6/client/native"
	"github.com/google/uuid"

	"github.com/velarcom/voicebridge/pkg/events"
)

var (
	ErrNotConnected    = errors.New("PBX not connected")
	ErrChannelNotFound = errors.New("channel not found")
	ErrBridgeNotFound  = errors.New("bridge not found")
)

// connectTimeout bounds the background connection attempt.
const connectTimeout = 5 * time.Second

// EventType labels a channel lifecycle event.
type EventType string

const (
	EventStart EventType = "start"
	EventEnd   EventType = "end"
)

// ChannelEvent is published when a channel enters or leaves the
// controlled application.
type ChannelEvent struct {
	Type    EventType
	Channel *ChannelInfo
}

// ChannelInfo is the registry's record of one PBX channel.
type ChannelInfo struct {
	ID        string
	Name      string
	State     string
	CallerNum string
	CalleeNum string
	// DialplanContext is the dialplan context the channel entered the
	// application from, when the PBX reports one.
	DialplanContext string
	CreatedAt       time.Time
}

// Config carries the ARI connection settings.
type Config struct {
	// URL is the ARI REST endpoint, e.g. "http://pbx:8088/ari".
	URL string
	// WebsocketURL is the ARI event socket, e.g. "ws://pbx:8088/ari/events".
	WebsocketURL string
	Username     string
	Password     string
	// Application is the Stasis application name channels are routed to.
	Application string
}

// ExternalMediaConfig describes the media leg requested from the PBX.
type ExternalMediaConfig struct {
	// ExternalHost is the host:port the PBX streams RTP to and from.
	ExternalHost string
	// Format is the audio format, e.g. "ulaw" or "slin16".
	Format string
	// Encapsulation defaults to "rtp".
	Encapsulation string
	// Transport defaults to "udp".
	Transport string
}

// Registry tracks channels of one Stasis application.
type Registry struct {
	cfg    Config
	stream *events.Stream[ChannelEvent]

	mu       sync.RWMutex
	client   ari.Client
	channels map[string]*ChannelInfo
	handles  map[string]*ari.ChannelHandle
	bridges  map[string]*ari.BridgeHandle
	// mediaIDs holds channel ids we created for external media, so their
	// StasisStart is not mistaken for a new call.
	mediaIDs map[string]bool

	cancel context.CancelFunc
}

func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:      cfg,
		stream:   events.NewStream[ChannelEvent]("pbx"),
		channels: make(map[string]*ChannelInfo),
		handles:  make(map[string]*ari.ChannelHandle),
		bridges:  make(map[string]*ari.BridgeHandle),
		mediaIDs: make(map[string]bool),
	}
}

// Events returns the channel lifecycle stream. Subscribe before Connect
// so no early event is missed.
func (r *Registry) Events() *events.Stream[ChannelEvent] {
	return r.stream
}

// Start attempts the ARI connection in the background and returns
// immediately. A failure leaves the registry degraded: every operation
// fails with ErrNotConnected until a later Connect succeeds.
func (r *Registry) Start() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()
		if err := r.Connect(ctx); err != nil {
			log.Printf("[PBX] Connection failed, continuing in degraded mode: %v", err)
		}
	}()
}

// Connect dials ARI and starts consuming Stasis events. The underlying
// dial has no context support, so it runs on its own goroutine and a
// late success after ctx expires is closed again.
func (r *Registry) Connect(ctx context.Context) error {
	r.mu.Lock()
	if r.client != nil {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	log.Printf("[PBX] Connecting to ARI at %s (app %s)", r.cfg.URL, r.cfg.Application)
	type dialResult struct {
		client ari.Client
		err    error
	}
	done := make(chan dialResult, 1)
	go func() {
		client, err := native.Connect(&native.Options{
			Application:  r.cfg.Application,
			Username:     r.cfg.Username,
			Password:     r.cfg.Password,
			URL:          r.cfg.URL,
			WebsocketURL: r.cfg.WebsocketURL,
		})
		done <- dialResult{client: client, err: err}
	}()

	var client ari.Client
	select {
	case <-ctx.Done():
		go func() {
			if res := <-done; res.err == nil {
				res.client.Close()
			}
		}()
		return fmt.Errorf("failed to connect to ARI: %w", ctx.Err())
	case res := <-done:
		if res.err != nil {
			return fmt.Errorf("failed to connect to ARI: %w", res.err)
		}
		client = res.client
	}

	runCtx, cancel := context.WithCancel(context.Background())

	r.mu.Lock()
	r.client = client
	r.cancel = cancel
	r.mu.Unlock()

	start := client.Bus().Subscribe(nil, "StasisStart")
	end := client.Bus().Subscribe(nil, "StasisEnd")
	destroyed := client.Bus().Subscribe(nil, "ChannelDestroyed")
	go r.run(runCtx, start, end, destroyed)

	log.Printf("[PBX] Connected")
	return nil
}

// Connected reports whether the ARI client is up.
func (r *Registry) Connected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.client != nil
}

// Close tears down the event loop and the ARI client.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	client := r.client
	r.client = nil
	r.mu.Unlock()

	if client != nil {
		client.Close()
	}
	r.stream.Close()
}

func (r *Registry) run(ctx context.Context, start, end, destroyed ari.Subscription) {
	defer start.Cancel()
	defer end.Cancel()
	defer destroyed.Cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-start.Events():
			if !ok {
				return
			}
			if v, ok := e.(*ari.StasisStart); ok {
				r.onStasisStart(v)
			}
		case e, ok := <-end.Events():
			if !ok {
				return
			}
			if v, ok := e.(*ari.StasisEnd); ok {
				r.onChannelGone(v.Channel.ID, "left application")
			}
		case e, ok := <-destroyed.Events():
			if !ok {
				return
			}
			if v, ok := e.(*ari.ChannelDestroyed); ok {
				r.onChannelGone(v.Channel.ID, "destroyed")
			}
		}
	}
}

func (r *Registry) onStasisStart(v *ari.StasisStart) {
	id := v.Channel.ID

	r.mu.Lock()
	if r.mediaIDs[id] || strings.HasPrefix(v.Channel.Name, "UnicastRTP") {
		// Our own external-media leg entering the application.
		r.handles[id] = r.client.Channel().Get(v.Key(ari.ChannelKey, id))
		r.mu.Unlock()
		return
	}
	info := newChannelInfo(v)
	r.channels[id] = info
	r.handles[id] = r.client.Channel().Get(v.Key(ari.ChannelKey, id))
	r.mu.Unlock()

	log.Printf("[PBX] Channel %s (%s) entered: %s -> %s", id, info.Name, info.CallerNum, info.CalleeNum)
	r.stream.Publish(ChannelEvent{Type: EventStart, Channel: info})
}

// newChannelInfo builds the registry record from a StasisStart event.
// The callee falls back to the dialplan extension when the connected
// number is absent.
func newChannelInfo(v *ari.StasisStart) *ChannelInfo {
	callee := ""
	if v.Channel.Connected != nil {
		callee = v.Channel.Connected.Number
	}
	dialplanExten, dialplanContext := "", ""
	if v.Channel.Dialplan != nil {
		dialplanExten = v.Channel.Dialplan.Exten
		dialplanContext = v.Channel.Dialplan.Context
	}
	if callee == "" {
		callee = dialplanExten
	}
	callerNum := ""
	if v.Channel.Caller != nil {
		callerNum = v.Channel.Caller.Number
	}
	return &ChannelInfo{
		ID:              v.Channel.ID,
		Name:            v.Channel.Name,
		State:           v.Channel.State,
		CallerNum:       strings.TrimPrefix(callerNum, "+"),
		CalleeNum:       strings.TrimPrefix(callee, "+"),
		DialplanContext: dialplanContext,
		CreatedAt:       time.Now(),
	}
}

func (r *Registry) onChannelGone(id, reason string) {
	r.mu.Lock()
	info, tracked := r.channels[id]
	delete(r.channels, id)
	delete(r.handles, id)
	delete(r.mediaIDs, id)
	r.mu.Unlock()

	if !tracked {
		return
	}
	log.Printf("[PBX] Channel %s %s", id, reason)
	r.stream.Publish(ChannelEvent{Type: EventEnd, Channel: info})
}

func (r *Registry) handle(id string) (*ari.ChannelHandle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.client == nil {
		return nil, ErrNotConnected
	}
	h, ok := r.handles[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, id)
	}
	return h, nil
}

// GetChannel looks up a tracked channel by id.
func (r *Registry) GetChannel(id string) (*ChannelInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.channels[id]
	return c, ok
}

// AnswerChannel answers a ringing channel.
func (r *Registry) AnswerChannel(id string) error {
	h, err := r.handle(id)
	if err != nil {
		return err
	}
	if err := h.Answer(); err != nil {
		return fmt.Errorf("failed to answer channel %s: %w", id, err)
	}
	return nil
}

// HangupChannel hangs up a channel.
func (r *Registry) HangupChannel(id string) error {
	h, err := r.handle(id)
	if err != nil {
		return err
	}
	if err := h.Hangup(); err != nil {
		return fmt.Errorf("failed to hang up channel %s: %w", id, err)
	}
	return nil
}

// CreateExternalMedia asks the PBX for a channel that streams its audio
// to and from cfg.ExternalHost. Returns the new channel's id.
func (r *Registry) CreateExternalMedia(cfg ExternalMediaConfig) (string, error) {
	r.mu.RLock()
	client := r.client
	r.mu.RUnlock()
	if client == nil {
		return "", ErrNotConnected
	}

	if cfg.Format == "" {
		cfg.Format = "ulaw"
	}
	if cfg.Encapsulation == "" {
		cfg.Encapsulation = "rtp"
	}
	if cfg.Transport == "" {
		cfg.Transport = "udp"
	}

	id := uuid.NewString()
	r.mu.Lock()
	r.mediaIDs[id] = true
	r.mu.Unlock()

	key := ari.NewKey(ari.ChannelKey, id)
	h, err := client.Channel().ExternalMedia(key, ari.ExternalMediaOptions{
		ChannelID:     id,
		App:           r.cfg.Application,
		ExternalHost:  cfg.ExternalHost,
		Format:        cfg.Format,
		Encapsulation: cfg.Encapsulation,
		Transport:     cfg.Transport,
	})
	if err != nil {
		r.mu.Lock()
		delete(r.mediaIDs, id)
		r.mu.Unlock()
		return "", fmt.Errorf("failed to create external media channel: %w", err)
	}

	r.mu.Lock()
	r.handles[h.ID()] = h
	r.mu.Unlock()

	log.Printf("[PBX] External media channel %s -> %s (%s)", h.ID(), cfg.ExternalHost, cfg.Format)
	return h.ID(), nil
}

// CreateBridge creates a bridge of the given type ("mixing" is the one
// used for joining a caller to an external media leg).
func (r *Registry) CreateBridge(btype string) (string, error) {
	r.mu.RLock()
	client := r.client
	r.mu.RUnlock()
	if client == nil {
		return "", ErrNotConnected
	}
	if btype == "" {
		btype = "mixing"
	}

	id := uuid.NewString()
	key := ari.NewKey(ari.BridgeKey, id)
	bh, err := client.Bridge().Create(key, btype, id)
	if err != nil {
		return "", fmt.Errorf("failed to create %s bridge: %w", btype, err)
	}

	r.mu.Lock()
	r.bridges[id] = bh
	r.mu.Unlock()

	log.Printf("[PBX] Bridge %s created (%s)", id, btype)
	return id, nil
}

func (r *Registry) bridge(id string) (*ari.BridgeHandle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.client == nil {
		return nil, ErrNotConnected
	}
	bh, ok := r.bridges[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBridgeNotFound, id)
	}
	return bh, nil
}

// AddChannelToBridge joins a channel into a bridge.
func (r *Registry) AddChannelToBridge(bridgeID, channelID string) error {
	bh, err := r.bridge(bridgeID)
	if err != nil {
		return err
	}
	if err := bh.AddChannel(channelID); err != nil {
		return fmt.Errorf("failed to add channel %s to bridge %s: %w", channelID, bridgeID, err)
	}
	return nil
}

// RemoveChannelFromBridge takes a channel out of a bridge.
func (r *Registry) RemoveChannelFromBridge(bridgeID, channelID string) error {
	bh, err := r.bridge(bridgeID)
	if err != nil {
		return err
	}
	if err := bh.RemoveChannel(channelID); err != nil {
		return fmt.Errorf("failed to remove channel %s from bridge %s: %w", channelID, bridgeID, err)
	}
	return nil
}

// DestroyBridge deletes a bridge.
func (r *Registry) DestroyBridge(bridgeID string) error {
	bh, err := r.bridge(bridgeID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.bridges, bridgeID)
	r.mu.Unlock()
	if err := bh.Delete(); err != nil {
		return fmt.Errorf("failed to destroy bridge %s: %w", bridgeID, err)
	}
	return nil
}
