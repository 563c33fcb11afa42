package router

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/velarcom/voicebridge/pkg/bridge"
	"github.com/velarcom/voicebridge/pkg/events"
	"github.com/velarcom/voicebridge/pkg/pbx"
	"github.com/velarcom/voicebridge/pkg/realtime"
	"github.com/velarcom/voicebridge/pkg/trunk"
)

// ============================================
// CALL ROUTER
// ============================================
// Subscribes to both signaling registries and decides, per call, between
// a realtime AI bridge, the degraded turn-based conversation, and the
// human operator channel. Owns the active-bridge set and drives
// conversation persistence at call end.
// ============================================

var (
	ErrCallNotOwned = errors.New("call not owned by this operator")
	ErrNoSignaling  = errors.New("no signaling registry configured")
	ErrUnknownCall  = errors.New("unknown call")
)

// Bound on the operator-side recording kept in memory per call.
const maxOperatorRecording = 10 << 20

// TrunkControl is the slice of the SIP registry the router uses.
// *trunk.Registry satisfies it.
type TrunkControl interface {
	Events() *events.Stream[trunk.SessionEvent]
	MakeCall(ctx context.Context, number, fromNumber string) (*trunk.CallSession, error)
	Answer(ctx context.Context, id string) error
	HangupCall(ctx context.Context, id string) error
	SendDTMF(ctx context.Context, id, digits string) error
	GetSession(id string) (*trunk.CallSession, bool)
}

// PBXSource is the slice of the ARI registry the router uses.
// *pbx.Registry satisfies it.
type PBXSource interface {
	bridge.PBXControl
	Events() *events.Stream[pbx.ChannelEvent]
	AnswerChannel(id string) error
}

// ActiveBridge is a started orchestrator the router can stop.
type ActiveBridge interface {
	Start() error
	Stop()
}

// Config wires the router's registries and collaborators. Trunk, PBX,
// Media, Storage, Analyzer, and the degraded-path collaborators are all
// optional; the router skips the paths they would serve.
type Config struct {
	Trunk TrunkControl
	PBX   PBXSource
	Media MediaControl

	Agents         AgentDirectory
	KnowledgeBases KnowledgeBases
	Conversations  ConversationStore
	Storage        ObjectStorage
	Analyzer       Analyzer

	Transcriber Transcriber
	TextAgent   TextAgent
	Synthesizer Synthesizer

	// Realtime carries the endpoint fields (URL, APIKey, Model) shared
	// by every AI session; per-agent fields are filled per call.
	Realtime realtime.SessionConfig
	// ExternalIP is the address the PBX streams external media to.
	ExternalIP string

	// Factories, replaceable in tests.
	NewTrunkBridge func(cfg bridge.Config, dialog trunk.Dialog) ActiveBridge
	NewAriBridge   func(cfg bridge.Config, pbxc bridge.PBXControl, externalIP string) ActiveBridge
}

type callSource int

const (
	sourceTrunk callSource = iota
	sourcePBX
)

// callContext is the router's per-call record.
type callContext struct {
	id        string
	source    callSource
	direction string
	callerNum string
	calleeNum string
	agentName string
	startedAt time.Time

	conversationID string

	// operator owning the call, empty for AI-handled calls
	operatorID string

	recMu     sync.Mutex
	recording []byte
}

func (c *callContext) appendRecording(chunk []byte) {
	c.recMu.Lock()
	defer c.recMu.Unlock()
	if len(c.recording)+len(chunk) > maxOperatorRecording {
		return
	}
	c.recording = append(c.recording, chunk...)
}

func (c *callContext) takeRecording() []byte {
	c.recMu.Lock()
	defer c.recMu.Unlock()
	rec := c.recording
	c.recording = nil
	return rec
}

// Router is the call routing core.
type Router struct {
	cfg Config
	hub *OperatorHub

	mu        sync.RWMutex
	calls     map[string]*callContext
	bridges   map[string]ActiveBridge
	turns     map[string]*TurnConversation
	operators map[string]string // operator id -> owned call id

	trunkSub *events.Subscription[trunk.SessionEvent]
	pbxSub   *events.Subscription[pbx.ChannelEvent]

	closeOnce sync.Once
}

func New(cfg Config) *Router {
	if cfg.NewTrunkBridge == nil {
		cfg.NewTrunkBridge = func(bcfg bridge.Config, dialog trunk.Dialog) ActiveBridge {
			return bridge.NewTrunkBridge(bcfg, dialog)
		}
	}
	if cfg.NewAriBridge == nil {
		cfg.NewAriBridge = func(bcfg bridge.Config, pbxc bridge.PBXControl, externalIP string) ActiveBridge {
			return bridge.NewAriBridge(bcfg, pbxc, externalIP)
		}
	}
	r := &Router{
		cfg:       cfg,
		calls:     make(map[string]*callContext),
		bridges:   make(map[string]ActiveBridge),
		turns:     make(map[string]*TurnConversation),
		operators: make(map[string]string),
	}
	r.hub = NewOperatorHub(r)
	return r
}

// Operators returns the operator websocket hub for mounting on an HTTP mux.
func (r *Router) Operators() *OperatorHub {
	return r.hub
}

// Start subscribes to the configured registries and begins routing.
func (r *Router) Start() {
	if r.cfg.Trunk != nil {
		r.trunkSub = r.cfg.Trunk.Events().SubscribeBuffered(events.DefaultBuffer)
		go r.trunkLoop()
	}
	if r.cfg.PBX != nil {
		r.pbxSub = r.cfg.PBX.Events().SubscribeBuffered(events.DefaultBuffer)
		go r.pbxLoop()
	}
	log.Printf("[Router] Started (trunk=%v, pbx=%v)", r.cfg.Trunk != nil, r.cfg.PBX != nil)
}

// Close stops event processing and tears down every active call path.
func (r *Router) Close() {
	r.closeOnce.Do(func() {
		if r.trunkSub != nil {
			r.trunkSub.Cancel()
		}
		if r.pbxSub != nil {
			r.pbxSub.Cancel()
		}

		r.mu.Lock()
		bridges := make([]ActiveBridge, 0, len(r.bridges))
		for _, b := range r.bridges {
			bridges = append(bridges, b)
		}
		turns := make([]*TurnConversation, 0, len(r.turns))
		for _, t := range r.turns {
			turns = append(turns, t)
		}
		r.mu.Unlock()

		for _, b := range bridges {
			b.Stop()
		}
		for _, t := range turns {
			t.Stop()
		}
	})
}

// ------------------------------------------------
// Registry event loops
// ------------------------------------------------

func (r *Router) trunkLoop() {
	for ev := range r.trunkSub.Events() {
		switch ev.Type {
		case trunk.EventIncoming:
			s := ev.Session
			go r.handleNewCall(&callContext{
				id:        s.ID,
				source:    sourceTrunk,
				direction: string(s.Direction),
				callerNum: s.CallerNum,
				calleeNum: s.CalleeNum,
				startedAt: time.Now(),
			})
		case trunk.EventConnected:
			r.hub.NotifyStatus(ev.Session.ID, "connected")
		case trunk.EventFailed, trunk.EventEnded:
			go r.handleCallEnd(ev.Session.ID)
		}
	}
}

func (r *Router) pbxLoop() {
	for ev := range r.pbxSub.Events() {
		switch ev.Type {
		case pbx.EventStart:
			ch := ev.Channel
			go r.handleNewCall(&callContext{
				id:        ch.ID,
				source:    sourcePBX,
				direction: string(trunk.DirectionInbound),
				callerNum: ch.CallerNum,
				calleeNum: ch.CalleeNum,
				startedAt: time.Now(),
			})
		case pbx.EventEnd:
			go r.handleCallEnd(ev.Channel.ID)
		}
	}
}

// ------------------------------------------------
// Call routing
// ------------------------------------------------

// ourNumber picks the number that identifies our side of the call: the
// callee for inbound calls, the caller for outbound ones.
func (c *callContext) ourNumber() string {
	if c.direction == string(trunk.DirectionOutbound) {
		return c.callerNum
	}
	return c.calleeNum
}

func (r *Router) handleNewCall(call *callContext) {
	r.mu.Lock()
	if _, exists := r.calls[call.id]; exists {
		r.mu.Unlock()
		return
	}
	r.calls[call.id] = call
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var agent *Agent
	if r.cfg.Agents != nil {
		var err error
		agent, err = r.cfg.Agents.FindByNumber(ctx, call.ourNumber())
		if err != nil {
			log.Printf("[Router] %s: agent lookup failed: %v", call.id, err)
		}
	}

	if agent == nil {
		log.Printf("[Router] %s: no agent for %s, broadcasting to operators", call.id, call.ourNumber())
		r.hub.NotifyIncoming(call.id, call.callerNum, call.startedAt)
		return
	}

	call.agentName = agent.Name
	r.persistStart(ctx, call)

	if err := r.answer(ctx, call); err != nil {
		log.Printf("[Router] %s: answer failed: %v", call.id, err)
		r.hub.NotifyIncoming(call.id, call.callerNum, call.startedAt)
		return
	}

	err := r.startBridge(ctx, call, agent)
	if err == nil {
		r.hub.NotifyStatus(call.id, "ai:realtime")
		return
	}
	log.Printf("[Router] %s: realtime bridge failed, trying degraded path: %v", call.id, err)

	err = r.startTurnConversation(ctx, call, agent)
	if err == nil {
		r.hub.NotifyStatus(call.id, "ai:degraded")
		return
	}
	log.Printf("[Router] %s: degraded path failed, handing to operators: %v", call.id, err)

	r.hub.NotifyIncoming(call.id, call.callerNum, call.startedAt)
}

func (r *Router) answer(ctx context.Context, call *callContext) error {
	if call.direction == string(trunk.DirectionOutbound) {
		return nil
	}
	switch call.source {
	case sourcePBX:
		return r.cfg.PBX.AnswerChannel(call.id)
	default:
		return r.cfg.Trunk.Answer(ctx, call.id)
	}
}

// startBridge builds and starts the realtime orchestrator for the call.
func (r *Router) startBridge(ctx context.Context, call *callContext, agent *Agent) error {
	bcfg := bridge.Config{
		CallID:  call.id,
		Session: r.sessionConfig(ctx, call, agent),
		OnOutcome: func(o bridge.Outcome) {
			r.persistBridgeOutcome(call, o)
		},
	}

	var b ActiveBridge
	switch call.source {
	case sourcePBX:
		b = r.cfg.NewAriBridge(bcfg, r.cfg.PBX, r.cfg.ExternalIP)
	default:
		session, ok := r.cfg.Trunk.GetSession(call.id)
		if !ok {
			return ErrUnknownCall
		}
		b = r.cfg.NewTrunkBridge(bcfg, session.Dialog())
	}

	if err := b.Start(); err != nil {
		return err
	}

	r.mu.Lock()
	r.bridges[call.id] = b
	r.mu.Unlock()
	return nil
}

// sessionConfig renders the per-call AI session settings from the agent.
func (r *Router) sessionConfig(ctx context.Context, call *callContext, agent *Agent) realtime.SessionConfig {
	cfg := r.cfg.Realtime
	cfg.Voice = agent.Voice
	cfg.Temperature = agent.Temperature
	cfg.Language = agent.Language
	cfg.Direction = call.direction
	cfg.BaseInstructions = agent.SystemPrompt
	cfg.InboundGreeting = agent.InboundGreeting
	cfg.OutboundGreeting = agent.OutboundGreeting
	cfg.SpeakingRate = agent.SpeakingRate
	cfg.Pitch = agent.Pitch

	if agent.KnowledgeBaseID != "" && r.cfg.KnowledgeBases != nil {
		kb, err := r.cfg.KnowledgeBases.GetByID(ctx, agent.KnowledgeBaseID)
		if err != nil {
			log.Printf("[Router] %s: knowledge base %s unavailable: %v", call.id, agent.KnowledgeBaseID, err)
		} else if kb != nil {
			cfg.KnowledgeBase = renderKnowledgeBase(kb)
		}
	}
	return cfg
}

func renderKnowledgeBase(kb *KnowledgeBase) string {
	var sb strings.Builder
	sb.WriteString(kb.Name)
	if kb.Description != "" {
		sb.WriteString("\n")
		sb.WriteString(kb.Description)
	}
	for _, doc := range kb.Documents {
		sb.WriteString("\n\n")
		sb.WriteString(doc)
	}
	return sb.String()
}

// dialogFor returns the call's signaling-dialog handle. PBX channels
// have no trunk dialog; their media leg is negotiated by the controller.
func (r *Router) dialogFor(call *callContext) any {
	if call.source != sourceTrunk || r.cfg.Trunk == nil {
		return nil
	}
	if s, ok := r.cfg.Trunk.GetSession(call.id); ok {
		return s.Dialog()
	}
	return nil
}

// startTurnConversation starts the degraded path for the call.
func (r *Router) startTurnConversation(ctx context.Context, call *callContext, agent *Agent) error {
	if r.cfg.Media == nil || r.cfg.Transcriber == nil || r.cfg.TextAgent == nil || r.cfg.Synthesizer == nil {
		return errors.New("degraded conversation path not configured")
	}

	tc := NewTurnConversation(call.id, r.dialogFor(call), agent, r.cfg.Media,
		r.cfg.Transcriber, r.cfg.TextAgent, r.cfg.Synthesizer,
		func(o TurnOutcome) { r.persistTurnOutcome(call, o) })

	if err := tc.Start(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	r.turns[call.id] = tc
	r.mu.Unlock()
	return nil
}

// PlaceCall places an outbound AI-handled call from one of our numbers.
// The agent bound to fromNumber drives the conversation.
func (r *Router) PlaceCall(ctx context.Context, number, fromNumber string) (string, error) {
	if r.cfg.Trunk == nil {
		return "", ErrNoSignaling
	}
	if r.cfg.Agents == nil {
		return "", errors.New("no agent directory configured")
	}

	agent, err := r.cfg.Agents.FindByNumber(ctx, trunk.FormatNumber(fromNumber))
	if err != nil {
		return "", fmt.Errorf("agent lookup failed: %w", err)
	}
	if agent == nil {
		return "", fmt.Errorf("no agent bound to %s", fromNumber)
	}

	session, err := r.cfg.Trunk.MakeCall(ctx, number, fromNumber)
	if err != nil {
		return "", err
	}

	call := &callContext{
		id:        session.ID,
		source:    sourceTrunk,
		direction: string(session.Direction),
		callerNum: session.CallerNum,
		calleeNum: session.CalleeNum,
		agentName: agent.Name,
		startedAt: time.Now(),
	}
	r.mu.Lock()
	r.calls[session.ID] = call
	r.mu.Unlock()

	r.persistStart(ctx, call)

	if err := r.startBridge(ctx, call, agent); err != nil {
		log.Printf("[Router] %s: realtime bridge failed on outbound call: %v", call.id, err)
		if terr := r.startTurnConversation(ctx, call, agent); terr != nil {
			hctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			herr := r.hangup(hctx, call)
			cancel()
			if herr != nil {
				log.Printf("[Router] %s: hangup after failed start: %v", call.id, herr)
			}
			return "", fmt.Errorf("no conversation path available: %w", err)
		}
	}
	return session.ID, nil
}

// ------------------------------------------------
// Call end
// ------------------------------------------------

func (r *Router) handleCallEnd(callID string) {
	r.mu.Lock()
	call := r.calls[callID]
	delete(r.calls, callID)
	b := r.bridges[callID]
	delete(r.bridges, callID)
	tc := r.turns[callID]
	delete(r.turns, callID)
	operatorOwned := call != nil && call.operatorID != ""
	if operatorOwned {
		if owned, ok := r.operators[call.operatorID]; ok && owned == callID {
			delete(r.operators, call.operatorID)
		}
	}
	r.mu.Unlock()

	if call == nil {
		return
	}

	switch {
	case b != nil:
		// The outcome handler persists the conversation.
		b.Stop()
	case tc != nil:
		tc.Stop()
	case operatorOwned:
		r.persistOperatorCall(call)
	}

	r.hub.NotifyStatus(callID, "ended")
	log.Printf("[Router] %s: call ended", callID)
}

// ------------------------------------------------
// Persistence
// ------------------------------------------------

func (r *Router) persistStart(ctx context.Context, call *callContext) {
	if r.cfg.Conversations == nil {
		return
	}
	id, err := r.cfg.Conversations.Create(ctx, &Conversation{
		CallID:    call.id,
		AgentName: call.agentName,
		Direction: call.direction,
		CallerNum: call.callerNum,
		CalleeNum: call.calleeNum,
		StartedAt: call.startedAt,
	})
	if err != nil {
		log.Printf("[Router] %s: failed to create conversation record: %v", call.id, err)
		return
	}
	r.mu.Lock()
	call.conversationID = id
	r.mu.Unlock()
}

func (r *Router) persistBridgeOutcome(call *callContext, o bridge.Outcome) {
	transcript := renderTranscript(o.Transcript)
	r.persistEnd(call, o.EndedAt, o.Duration, transcript, o.CallerAudio)
}

func (r *Router) persistTurnOutcome(call *callContext, o TurnOutcome) {
	var sb strings.Builder
	for _, t := range o.Turns {
		fmt.Fprintf(&sb, "%s: %s\n", t.Role, t.Text)
	}
	r.persistEnd(call, o.EndedAt, o.Duration, sb.String(), nil)
}

func (r *Router) persistOperatorCall(call *callContext) {
	recording := call.takeRecording()
	endedAt := time.Now()

	transcript := ""
	if len(recording) > 0 && r.cfg.Transcriber != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		text, err := r.cfg.Transcriber.TranscribeRecording(ctx, recording)
		cancel()
		if err != nil {
			log.Printf("[Router] %s: recording transcription failed: %v", call.id, err)
		} else {
			transcript = text
		}
	}

	r.persistEnd(call, endedAt, endedAt.Sub(call.startedAt), transcript, recording)
}

// persistEnd uploads the recording, analyzes the transcript, and writes
// the terminal conversation update. Each collaborator failure is logged
// and the remaining steps still run.
func (r *Router) persistEnd(call *callContext, endedAt time.Time, duration time.Duration, transcript string, recording []byte) {
	r.mu.RLock()
	conversationID := call.conversationID
	r.mu.RUnlock()
	if r.cfg.Conversations == nil || conversationID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	update := ConversationUpdate{
		Status:     "completed",
		EndedAt:    endedAt,
		Duration:   duration,
		Transcript: transcript,
	}

	if len(recording) > 0 && r.cfg.Storage != nil {
		name := fmt.Sprintf("recordings/%s.ulaw", call.id)
		url, err := r.cfg.Storage.Upload(ctx, recording, name, "audio/basic")
		if err != nil {
			log.Printf("[Router] %s: recording upload failed: %v", call.id, err)
		} else {
			update.AudioURL = url
		}
	}

	if transcript != "" && r.cfg.Analyzer != nil {
		analysis, err := r.cfg.Analyzer.Analyze(ctx, transcript)
		if err != nil {
			log.Printf("[Router] %s: transcript analysis failed: %v", call.id, err)
		} else {
			update.Analysis = analysis
		}
	}

	if err := r.cfg.Conversations.Update(ctx, conversationID, update); err != nil {
		log.Printf("[Router] %s: failed to persist conversation: %v", call.id, err)
	}
}

func renderTranscript(segments []bridge.TranscriptSegment) string {
	var sb strings.Builder
	for _, seg := range segments {
		fmt.Fprintf(&sb, "%s: %s\n", seg.Role, seg.Text)
	}
	return sb.String()
}

// ------------------------------------------------
// Operator actions
// ------------------------------------------------

// OperatorStartCall lets an operator accept the incoming call callID or,
// when callID is empty, place an outbound call to number.
func (r *Router) OperatorStartCall(ctx context.Context, operatorID, callID, number string) (string, error) {
	if callID != "" {
		return callID, r.operatorAccept(ctx, operatorID, callID)
	}
	return r.operatorDial(ctx, operatorID, number)
}

func (r *Router) operatorAccept(ctx context.Context, operatorID, callID string) error {
	r.mu.Lock()
	call := r.calls[callID]
	if call == nil {
		r.mu.Unlock()
		return ErrUnknownCall
	}
	call.operatorID = operatorID
	r.operators[operatorID] = callID
	hasConversation := call.conversationID != ""
	r.mu.Unlock()

	if err := r.answer(ctx, call); err != nil {
		return fmt.Errorf("failed to answer call: %w", err)
	}
	// A call that already went through the agent path has its
	// conversation record; accepting must not create a second one.
	if !hasConversation {
		r.persistStart(ctx, call)
	}

	if r.cfg.Media != nil {
		if _, err := r.cfg.Media.ConnectCaller(ctx, callID, r.dialogFor(call)); err != nil {
			log.Printf("[Router] %s: media attach for operator failed: %v", callID, err)
		}
	}

	r.hub.NotifyStatus(callID, "operator:accepted")
	return nil
}

func (r *Router) operatorDial(ctx context.Context, operatorID, number string) (string, error) {
	if r.cfg.Trunk == nil {
		return "", ErrNoSignaling
	}
	session, err := r.cfg.Trunk.MakeCall(ctx, number, "")
	if err != nil {
		return "", err
	}

	call := &callContext{
		id:         session.ID,
		source:     sourceTrunk,
		direction:  string(session.Direction),
		callerNum:  session.CallerNum,
		calleeNum:  session.CalleeNum,
		startedAt:  time.Now(),
		operatorID: operatorID,
	}
	r.mu.Lock()
	r.calls[session.ID] = call
	r.operators[operatorID] = session.ID
	r.mu.Unlock()

	r.persistStart(ctx, call)
	return session.ID, nil
}

func (r *Router) OperatorEndCall(ctx context.Context, operatorID, callID string) error {
	r.mu.RLock()
	owned := r.operators[operatorID]
	call := r.calls[callID]
	r.mu.RUnlock()
	if call == nil {
		return ErrUnknownCall
	}
	if owned != callID {
		return ErrCallNotOwned
	}
	return r.hangup(ctx, call)
}

// OperatorAudio records one operator voice chunk and plays it on the call.
func (r *Router) OperatorAudio(operatorID, callID string, chunk []byte) {
	r.mu.RLock()
	call := r.calls[callID]
	owned := call != nil && call.operatorID == operatorID
	r.mu.RUnlock()
	if !owned {
		return
	}

	call.appendRecording(chunk)

	if r.cfg.Media != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.cfg.Media.PlayAudio(ctx, callID, chunk); err != nil {
			log.Printf("[Router] %s: operator audio playback failed: %v", callID, err)
		}
	}
}

func (r *Router) OperatorDTMF(ctx context.Context, callID, digits string) error {
	r.mu.RLock()
	call := r.calls[callID]
	r.mu.RUnlock()
	if call == nil {
		return ErrUnknownCall
	}
	if call.source == sourcePBX {
		return errors.New("DTMF not supported on PBX channels")
	}
	return r.cfg.Trunk.SendDTMF(ctx, callID, digits)
}

// OperatorGone hangs up the call owned by a disconnected operator.
func (r *Router) OperatorGone(operatorID string) {
	r.mu.RLock()
	callID, ok := r.operators[operatorID]
	var call *callContext
	if ok {
		call = r.calls[callID]
	}
	r.mu.RUnlock()
	if call == nil {
		return
	}

	log.Printf("[Router] Operator %s disconnected with active call %s, hanging up", operatorID, callID)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.hangup(ctx, call); err != nil {
		log.Printf("[Router] %s: hangup after operator disconnect failed: %v", callID, err)
	}
}

func (r *Router) hangup(ctx context.Context, call *callContext) error {
	switch call.source {
	case sourcePBX:
		return r.cfg.PBX.HangupChannel(call.id)
	default:
		return r.cfg.Trunk.HangupCall(ctx, call.id)
	}
}
