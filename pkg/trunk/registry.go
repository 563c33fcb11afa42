package trunk

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/velarcom/voicebridge/pkg/events"
)

// ============================================
// SIP TRUNK REGISTRY
// ============================================
// Owns the authoritative state of every call on the trunk: places and
// accepts calls, answers and hangs them up, and fans out lifecycle
// events. Startup never blocks on trunk reachability; the connection is
// probed in the background and retried lazily on the next call.
// ============================================

var (
	ErrNotConnected = errors.New("trunk not connected")
	ErrCallNotFound = errors.New("call not found")
	ErrNoDialog     = errors.New("call has no active dialog")
	ErrMaxCalls     = errors.New("maximum concurrent calls reached")
)

const connectTimeout = 5 * time.Second

// EventType labels a session lifecycle event.
type EventType string

const (
	EventIncoming  EventType = "incoming"
	EventConnected EventType = "connected"
	EventFailed    EventType = "failed"
	EventEnded     EventType = "ended"
)

// SessionEvent is published on every call lifecycle change.
type SessionEvent struct {
	Type    EventType
	Session *CallSession
}

// Config carries the trunk registry settings.
type Config struct {
	// Server is the trunk's SIP endpoint as host or host:port.
	Server     string
	Username   string
	Password   string
	FromNumber string
	// ListenAddr is the local SIP listen address, e.g. "0.0.0.0:5060".
	ListenAddr string
	// ExternalIP is advertised in SDP for the RTP legs.
	ExternalIP string
	MaxCalls   int
}

// Registry is the SIP-trunk variant of the signaling channel registry.
type Registry struct {
	cfg    Config
	stream *events.Stream[SessionEvent]

	mu       sync.RWMutex
	sessions map[string]*CallSession
	bySIPID  map[string]string // SIP Call-ID -> session ID

	connMu    sync.Mutex
	connected atomic.Bool
	ua        *sipgo.UserAgent
	client    *sipgo.Client
	server    *sipgo.Server
	dialogCli *sipgo.DialogClientCache
	dialogSrv *sipgo.DialogServerCache
}

func NewRegistry(cfg Config) *Registry {
	if cfg.MaxCalls <= 0 {
		cfg.MaxCalls = 10
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "0.0.0.0:5060"
	}
	return &Registry{
		cfg:      cfg,
		stream:   events.NewStream[SessionEvent]("trunk"),
		sessions: make(map[string]*CallSession),
		bySIPID:  make(map[string]string),
	}
}

// Events returns the registry's lifecycle event stream. Subscribe before
// calling Start so no early event is missed.
func (r *Registry) Events() *events.Stream[SessionEvent] {
	return r.stream
}

// Start kicks off the background connection attempt and returns
// immediately. A failed attempt leaves the registry degraded; the next
// call retries.
func (r *Registry) Start() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()
		if err := r.connect(ctx); err != nil {
			log.Printf("[Trunk] Connection failed, continuing in degraded mode: %v", err)
		}
	}()
}

// Connected reports whether the trunk is currently reachable.
func (r *Registry) Connected() bool {
	return r.connected.Load()
}

// ActiveCalls returns the number of sessions currently tracked.
func (r *Registry) ActiveCalls() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// GetSession looks up a session by id.
func (r *Registry) GetSession(id string) (*CallSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) connect(ctx context.Context) error {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	if r.connected.Load() {
		return nil
	}

	if r.ua == nil {
		ua, err := sipgo.NewUA()
		if err != nil {
			return fmt.Errorf("failed to create user agent: %w", err)
		}
		client, err := sipgo.NewClient(ua)
		if err != nil {
			ua.Close()
			return fmt.Errorf("failed to create SIP client: %w", err)
		}
		server, err := sipgo.NewServer(ua)
		if err != nil {
			ua.Close()
			return fmt.Errorf("failed to create SIP server: %w", err)
		}

		contact := sip.ContactHeader{
			Address: sip.Uri{User: r.cfg.FromNumber, Host: r.cfg.ExternalIP, Port: r.listenPort()},
		}
		r.ua = ua
		r.client = client
		r.server = server
		r.dialogCli = sipgo.NewDialogClientCache(client, contact)
		r.dialogSrv = sipgo.NewDialogServerCache(client, contact)

		server.OnInvite(r.onInvite)
		server.OnAck(r.onAck)
		server.OnBye(r.onBye)
		server.OnCancel(r.onCancel)

		go func() {
			if err := server.ListenAndServe(context.Background(), "udp", r.cfg.ListenAddr); err != nil {
				log.Printf("[Trunk] SIP listener stopped: %v", err)
				r.connected.Store(false)
			}
		}()
	}

	if err := r.probe(ctx); err != nil {
		return err
	}

	r.connected.Store(true)
	log.Printf("[Trunk] Connected to %s", r.cfg.Server)
	return nil
}

// probe sends OPTIONS to the trunk to verify reachability.
func (r *Registry) probe(ctx context.Context) error {
	host, port := r.serverHostPort()
	req := sip.NewRequest(sip.OPTIONS, sip.Uri{Host: host, Port: port})

	tx, err := r.client.TransactionRequest(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to reach trunk: %w", err)
	}
	defer tx.Terminate()

	select {
	case <-ctx.Done():
		return fmt.Errorf("trunk probe timed out: %w", ctx.Err())
	case <-tx.Responses():
		return nil
	}
}

func (r *Registry) ensureConnected(ctx context.Context) error {
	if r.connected.Load() {
		return nil
	}
	if err := r.connect(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

// MakeCall places an outbound call to number. Both numbers are reduced
// to canonical 11-digit form. The session starts in ringing and moves to
// ongoing when the remote side answers.
func (r *Registry) MakeCall(ctx context.Context, number, fromNumber string) (*CallSession, error) {
	if err := r.ensureConnected(ctx); err != nil {
		return nil, err
	}
	if r.ActiveCalls() >= r.cfg.MaxCalls {
		return nil, ErrMaxCalls
	}

	callee := FormatNumber(number)
	caller := r.cfg.FromNumber
	if fromNumber != "" {
		caller = FormatNumber(fromNumber)
	}

	session := &CallSession{
		ID:        uuid.NewString(),
		Direction: DirectionOutbound,
		CallerNum: caller,
		CalleeNum: callee,
		CreatedAt: time.Now(),
		state:     StateRinging,
	}
	r.mu.Lock()
	r.sessions[session.ID] = session
	r.mu.Unlock()

	log.Printf("[Trunk] Calling %s from %s (session %s)", callee, caller, session.ID)

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		r.failSession(session)
		return nil, fmt.Errorf("failed to bind RTP socket: %w", err)
	}
	rtpPort := conn.LocalAddr().(*net.UDPAddr).Port

	offer, err := buildSDP(r.cfg.ExternalIP, rtpPort)
	if err != nil {
		conn.Close()
		r.failSession(session)
		return nil, fmt.Errorf("failed to build SDP offer: %w", err)
	}

	host, port := r.serverHostPort()
	recipient := sip.Uri{User: callee, Host: host, Port: port}

	dlg, err := r.dialogCli.Invite(ctx, recipient, offer, sip.NewHeader("Content-Type", "application/sdp"))
	if err != nil {
		conn.Close()
		r.failSession(session)
		return nil, fmt.Errorf("INVITE failed: %w", err)
	}

	if err := dlg.WaitAnswer(ctx, sipgo.AnswerOptions{
		Username: r.cfg.Username,
		Password: r.cfg.Password,
	}); err != nil {
		conn.Close()
		r.failSession(session)
		return nil, fmt.Errorf("call to %s not answered: %w", callee, err)
	}

	remote, err := remoteMediaAddr(dlg.InviteResponse.Body())
	if err != nil {
		_ = dlg.Bye(ctx)
		conn.Close()
		r.failSession(session)
		return nil, fmt.Errorf("bad SDP answer: %w", err)
	}

	if err := dlg.Ack(ctx); err != nil {
		conn.Close()
		r.failSession(session)
		return nil, fmt.Errorf("ACK failed: %w", err)
	}

	session.setDialog(&outboundDialog{
		client:  r.client,
		session: dlg,
		conn:    conn,
		remote:  remote,
	})
	if err := session.transition(StateOngoing); err != nil {
		// Remote hangup raced the answer.
		conn.Close()
		return nil, err
	}

	r.mu.Lock()
	r.bySIPID[dlg.InviteRequest.CallID().Value()] = session.ID
	r.mu.Unlock()

	log.Printf("[Trunk] Call %s answered", session.ID)
	r.stream.Publish(SessionEvent{Type: EventConnected, Session: session})
	return session, nil
}

// Answer accepts a ringing inbound call.
func (r *Registry) Answer(ctx context.Context, id string) error {
	session, ok := r.GetSession(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrCallNotFound, id)
	}
	dialog := session.Dialog()
	if dialog == nil {
		return fmt.Errorf("%w: %s", ErrNoDialog, id)
	}
	if err := dialog.Answer(ctx); err != nil {
		return err
	}
	if err := session.transition(StateOngoing); err != nil {
		return err
	}
	log.Printf("[Trunk] Call %s answered", id)
	r.stream.Publish(SessionEvent{Type: EventConnected, Session: session})
	return nil
}

// HangupCall terminates a call locally and runs session-end.
func (r *Registry) HangupCall(ctx context.Context, id string) error {
	session, ok := r.GetSession(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrCallNotFound, id)
	}
	if dialog := session.Dialog(); dialog != nil {
		if err := dialog.Hangup(ctx); err != nil {
			log.Printf("[Trunk] Hangup of %s reported: %v", id, err)
		}
	}
	r.endSession(id, StateCompleted)
	return nil
}

// SendDTMF transmits digits on an active call as INFO messages.
func (r *Registry) SendDTMF(ctx context.Context, id, digits string) error {
	session, ok := r.GetSession(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrCallNotFound, id)
	}
	dialog := session.Dialog()
	if dialog == nil {
		return fmt.Errorf("%w: %s", ErrNoDialog, id)
	}
	return dialog.SendDTMF(ctx, digits)
}

// Close hangs up every active call and shuts down the SIP stack.
func (r *Registry) Close() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	for _, id := range ids {
		if err := r.HangupCall(ctx, id); err != nil {
			log.Printf("[Trunk] Failed to hang up %s on shutdown: %v", id, err)
		}
	}

	r.connMu.Lock()
	defer r.connMu.Unlock()
	r.connected.Store(false)
	if r.server != nil {
		r.server.Close()
	}
	if r.ua != nil {
		r.ua.Close()
	}
	r.stream.Close()
}

// ------------------------------------------------
// Session end
// ------------------------------------------------

// endSession finalizes a session and removes it. Safe to call more than
// once for the same id; the second call is a no-op.
func (r *Registry) endSession(id string, final CallState) {
	r.mu.Lock()
	session, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, id)
	for sipID, sid := range r.bySIPID {
		if sid == id {
			delete(r.bySIPID, sipID)
		}
	}
	r.mu.Unlock()

	if err := session.transition(final); err != nil {
		log.Printf("[Trunk] Session %s end: %v", id, err)
	}
	log.Printf("[Trunk] Call %s ended as %s (duration %s)", id, session.State(), session.Duration())
	r.stream.Publish(SessionEvent{Type: EventEnded, Session: session})
}

// failSession marks a session failed and removes it.
func (r *Registry) failSession(session *CallSession) {
	r.mu.Lock()
	delete(r.sessions, session.ID)
	r.mu.Unlock()
	if err := session.transition(StateFailed); err != nil {
		log.Printf("[Trunk] Session %s fail: %v", session.ID, err)
	}
	r.stream.Publish(SessionEvent{Type: EventFailed, Session: session})
}

// ------------------------------------------------
// Inbound SIP handlers
// ------------------------------------------------

func (r *Registry) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	caller := FormatNumber(req.From().Address.User)
	callee := FormatNumber(req.To().Address.User)
	sipID := req.CallID().Value()
	log.Printf("[Trunk] Incoming call from %s to %s", caller, callee)

	if r.ActiveCalls() >= r.cfg.MaxCalls {
		resp := sip.NewResponseFromRequest(req, sip.StatusBusyHere, "Busy Here", nil)
		if err := tx.Respond(resp); err != nil {
			log.Printf("[Trunk] Failed to reject call: %v", err)
		}
		return
	}

	dlg, err := r.dialogSrv.ReadInvite(req, tx)
	if err != nil {
		log.Printf("[Trunk] Failed to read INVITE: %v", err)
		return
	}

	remote, err := remoteMediaAddr(req.Body())
	if err != nil {
		log.Printf("[Trunk] Rejecting call with bad SDP: %v", err)
		_ = dlg.Respond(sip.StatusNotAcceptableHere, "Not Acceptable Here", nil)
		return
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		log.Printf("[Trunk] Failed to bind RTP socket: %v", err)
		_ = dlg.Respond(sip.StatusInternalServerError, "Internal Server Error", nil)
		return
	}
	rtpPort := conn.LocalAddr().(*net.UDPAddr).Port

	answer, err := buildSDP(r.cfg.ExternalIP, rtpPort)
	if err != nil {
		log.Printf("[Trunk] Failed to build SDP answer: %v", err)
		conn.Close()
		_ = dlg.Respond(sip.StatusInternalServerError, "Internal Server Error", nil)
		return
	}

	session := &CallSession{
		ID:        uuid.NewString(),
		Direction: DirectionInbound,
		CallerNum: caller,
		CalleeNum: callee,
		CreatedAt: time.Now(),
		state:     StateRinging,
	}
	session.setDialog(&inboundDialog{
		client:    r.client,
		session:   dlg,
		conn:      conn,
		remote:    remote,
		sdpAnswer: answer,
	})

	r.mu.Lock()
	r.sessions[session.ID] = session
	r.bySIPID[sipID] = session.ID
	r.mu.Unlock()

	if err := dlg.Respond(sip.StatusRinging, "Ringing", nil); err != nil {
		log.Printf("[Trunk] Failed to send ringing: %v", err)
	}

	r.stream.Publish(SessionEvent{Type: EventIncoming, Session: session})
}

func (r *Registry) onAck(req *sip.Request, tx sip.ServerTransaction) {
	r.dialogSrv.ReadAck(req, tx)
}

func (r *Registry) onBye(req *sip.Request, tx sip.ServerTransaction) {
	sipID := req.CallID().Value()

	r.dialogSrv.ReadBye(req, tx)
	r.dialogCli.ReadBye(req, tx)

	r.mu.RLock()
	id, ok := r.bySIPID[sipID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	log.Printf("[Trunk] Remote hangup for call %s", id)
	r.endSession(id, StateCompleted)
}

func (r *Registry) onCancel(req *sip.Request, tx sip.ServerTransaction) {
	sipID := req.CallID().Value()
	resp := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	if err := tx.Respond(resp); err != nil {
		log.Printf("[Trunk] Failed to respond to CANCEL: %v", err)
	}

	r.mu.RLock()
	id, ok := r.bySIPID[sipID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	log.Printf("[Trunk] Call %s canceled before answer", id)
	r.endSession(id, StateFailed)
}

// ------------------------------------------------
// Address helpers
// ------------------------------------------------

func (r *Registry) serverHostPort() (string, int) {
	host, portStr, err := net.SplitHostPort(r.cfg.Server)
	if err != nil {
		return r.cfg.Server, 5060
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, 5060
	}
	return host, port
}

func (r *Registry) listenPort() int {
	_, portStr, err := net.SplitHostPort(r.cfg.ListenAddr)
	if err != nil {
		return 5060
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 5060
	}
	return port
}
