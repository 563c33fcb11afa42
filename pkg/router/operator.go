package router

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ============================================
// HUMAN OPERATOR CHANNEL
// ============================================
// Websocket hub for connected human operators. Operators register with
// an id, receive incoming-call broadcasts, and drive accepted calls
// through explicit start/end/audio/DTMF messages.
// ============================================

const (
	opWriteWait  = 10 * time.Second
	opPongWait   = 60 * time.Second
	opPingPeriod = (opPongWait * 9) / 10

	opSendQueue      = 64
	maxOperatorFrame = 1 << 20
)

// operatorMessage is the wire format in both directions.
type operatorMessage struct {
	Type       string `json:"type"`
	OperatorID string `json:"operator_id,omitempty"`
	CallID     string `json:"call_id,omitempty"`
	Number     string `json:"number,omitempty"`
	Digits     string `json:"digits,omitempty"`
	// Audio is a base64 mu-law chunk on audio:stream messages.
	Audio     string `json:"audio,omitempty"`
	Status    string `json:"status,omitempty"`
	StartedAt string `json:"started_at,omitempty"`
	Error     string `json:"error,omitempty"`
}

// OperatorActions is what the hub needs from the router.
type OperatorActions interface {
	// OperatorStartCall accepts the incoming call callID, or places an
	// outbound call to number when callID is empty. Returns the id of
	// the call the operator now owns.
	OperatorStartCall(ctx context.Context, operatorID, callID, number string) (string, error)
	OperatorEndCall(ctx context.Context, operatorID, callID string) error
	// OperatorAudio delivers one mu-law chunk spoken by the operator.
	OperatorAudio(operatorID, callID string, chunk []byte)
	OperatorDTMF(ctx context.Context, callID, digits string) error
	// OperatorGone reports that a registered operator disconnected.
	OperatorGone(operatorID string)
}

// OperatorHub tracks connected operator sessions.
type OperatorHub struct {
	actions OperatorActions

	upgrader websocket.Upgrader

	mu        sync.RWMutex
	operators map[string]*operatorSession
}

func NewOperatorHub(actions OperatorActions) *OperatorHub {
	return &OperatorHub{
		actions: actions,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		operators: make(map[string]*operatorSession),
	}
}

// HandleWS upgrades an operator connection. The session stays anonymous
// until the client sends a register message.
func (h *OperatorHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[OperatorHub] Upgrade failed: %v", err)
		return
	}

	s := &operatorSession{
		hub:  h,
		conn: conn,
		send: make(chan operatorMessage, opSendQueue),
		done: make(chan struct{}),
	}
	go s.writePump()
	go s.readPump()
}

func (h *OperatorHub) register(id string, s *operatorSession) {
	h.mu.Lock()
	prev := h.operators[id]
	h.operators[id] = s
	h.mu.Unlock()

	if prev != nil && prev != s {
		prev.close()
	}
	log.Printf("[OperatorHub] Operator %s registered", id)
}

func (h *OperatorHub) unregister(id string, s *operatorSession) {
	h.mu.Lock()
	current, ok := h.operators[id]
	if ok && current == s {
		delete(h.operators, id)
	} else {
		ok = false
	}
	h.mu.Unlock()

	if ok {
		log.Printf("[OperatorHub] Operator %s disconnected", id)
		h.actions.OperatorGone(id)
	}
}

// OperatorCount returns the number of registered operators.
func (h *OperatorHub) OperatorCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.operators)
}

// NotifyIncoming broadcasts an incoming-call notification to every
// registered operator.
func (h *OperatorHub) NotifyIncoming(callID, number string, startedAt time.Time) {
	h.broadcast(operatorMessage{
		Type:      "call:incoming",
		CallID:    callID,
		Number:    number,
		StartedAt: startedAt.Format(time.RFC3339),
	})
}

// NotifyStatus broadcasts a call status change.
func (h *OperatorHub) NotifyStatus(callID, status string) {
	h.broadcast(operatorMessage{
		Type:   "call:status",
		CallID: callID,
		Status: status,
	})
}

func (h *OperatorHub) broadcast(msg operatorMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, s := range h.operators {
		if !s.enqueue(msg) {
			log.Printf("[OperatorHub] Dropping message to slow operator %s", id)
		}
	}
}

// ------------------------------------------------
// Operator session
// ------------------------------------------------

type operatorSession struct {
	hub  *OperatorHub
	conn *websocket.Conn
	send chan operatorMessage

	mu         sync.Mutex
	operatorID string

	done      chan struct{}
	closeOnce sync.Once
}

func (s *operatorSession) id() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.operatorID
}

func (s *operatorSession) enqueue(msg operatorMessage) bool {
	select {
	case s.send <- msg:
		return true
	case <-s.done:
		return false
	default:
		return false
	}
}

func (s *operatorSession) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

func (s *operatorSession) readPump() {
	defer func() {
		if id := s.id(); id != "" {
			s.hub.unregister(id, s)
		}
		s.close()
	}()

	s.conn.SetReadLimit(maxOperatorFrame)
	s.conn.SetReadDeadline(time.Now().Add(opPongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(opPongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[OperatorHub] Read error: %v", err)
			}
			return
		}

		var msg operatorMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("[OperatorHub] Malformed message: %v", err)
			continue
		}
		s.dispatch(msg)
	}
}

func (s *operatorSession) dispatch(msg operatorMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch msg.Type {
	case "register":
		if msg.OperatorID == "" {
			s.enqueue(operatorMessage{Type: "error", Error: "operator_id required"})
			return
		}
		s.mu.Lock()
		s.operatorID = msg.OperatorID
		s.mu.Unlock()
		s.hub.register(msg.OperatorID, s)
		s.enqueue(operatorMessage{Type: "registered", OperatorID: msg.OperatorID})

	case "call:start":
		id := s.id()
		if id == "" {
			s.enqueue(operatorMessage{Type: "error", Error: "not registered"})
			return
		}
		callID, err := s.hub.actions.OperatorStartCall(ctx, id, msg.CallID, msg.Number)
		if err != nil {
			s.enqueue(operatorMessage{Type: "error", CallID: msg.CallID, Error: err.Error()})
			return
		}
		s.enqueue(operatorMessage{Type: "call:started", CallID: callID})

	case "call:end":
		id := s.id()
		if id == "" {
			return
		}
		if err := s.hub.actions.OperatorEndCall(ctx, id, msg.CallID); err != nil {
			s.enqueue(operatorMessage{Type: "error", CallID: msg.CallID, Error: err.Error()})
		}

	case "audio:stream":
		id := s.id()
		if id == "" {
			return
		}
		chunk, err := base64.StdEncoding.DecodeString(msg.Audio)
		if err != nil {
			log.Printf("[OperatorHub] Bad audio chunk from %s: %v", id, err)
			return
		}
		s.hub.actions.OperatorAudio(id, msg.CallID, chunk)

	case "call:dtmf":
		if s.id() == "" {
			return
		}
		if err := s.hub.actions.OperatorDTMF(ctx, msg.CallID, msg.Digits); err != nil {
			s.enqueue(operatorMessage{Type: "error", CallID: msg.CallID, Error: err.Error()})
		}

	default:
		log.Printf("[OperatorHub] Unknown message type %q", msg.Type)
	}
}

func (s *operatorSession) writePump() {
	ticker := time.NewTicker(opPingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case msg := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(opWriteWait))
			if err := s.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(opWriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}
