package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"voxrelay/internal/core/domain"
	"voxrelay/internal/core/ports"
	"voxrelay/internal/infrastructure/monitoring"
	"voxrelay/pkg/config"
	"voxrelay/pkg/tracing"
	"voxrelay/pkg/validation"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // origin policy is enforced by upstream middleware
	},
}

// WebSocketServer is the relay endpoint: one instance accepts every
// connection, classifies each inbound event and routes it to the registry
// or the call coordinator, and owns all outbound fan-out.
type WebSocketServer struct {
	registry ports.Registry
	calls    ports.CallCoordinator
	metrics  *monitoring.PrometheusCollector

	clients map[domain.ClientID]*client
	mu      sync.RWMutex

	pingInterval   time.Duration
	pongTimeout    time.Duration
	writeTimeout   time.Duration
	sendBufferSize int
	maxMessageSize int64
	msgRate        rate.Limit
	msgBurst       int

	logger *zap.SugaredLogger
}

// client is one live connection. The send channel decouples fan-out from
// slow readers: writes that would block are dropped, never queued forever.
type client struct {
	id   domain.ClientID
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	limiter *rate.Limiter // nil when message rate limiting is disabled

	closeOnce sync.Once
}

func NewWebSocketServer(registry ports.Registry, calls ports.CallCoordinator, metrics *monitoring.PrometheusCollector, cfg *config.Config, logger *zap.SugaredLogger) *WebSocketServer {
	s := &WebSocketServer{
		registry:       registry,
		calls:          calls,
		metrics:        metrics,
		clients:        make(map[domain.ClientID]*client),
		pingInterval:   cfg.WebSocket.PingInterval,
		pongTimeout:    cfg.WebSocket.PongTimeout,
		writeTimeout:   cfg.WebSocket.WriteTimeout,
		sendBufferSize: cfg.WebSocket.SendBufferSize,
		maxMessageSize: cfg.WebSocket.MaxMessageSize,
		logger:         logger,
	}
	if cfg.RateLimiting.Enabled {
		s.msgRate = rate.Limit(cfg.RateLimiting.WebSocket.MessagesPerSecond)
		s.msgBurst = cfg.RateLimiting.WebSocket.Burst
	}
	return s
}

// HandleConnection upgrades the HTTP request and runs the connection's read
// loop until the transport closes.
func (s *WebSocketServer) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		id:   domain.ClientID(uuid.New().String()),
		conn: conn,
		send: make(chan []byte, s.sendBufferSize),
		done: make(chan struct{}),
	}
	if s.msgRate > 0 {
		c.limiter = rate.NewLimiter(s.msgRate, s.msgBurst)
	}

	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	s.metrics.ClientConnected()
	s.logger.Infow("client connected", "client_id", c.id, "remote_addr", r.RemoteAddr)

	go s.writePump(c)
	s.readLoop(c)
}

func (s *WebSocketServer) readLoop(c *client) {
	defer s.disconnect(c)

	c.conn.SetReadLimit(s.maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Infow("read error", "client_id", c.id, "error", err)
			}
			return
		}

		if c.limiter != nil && !c.limiter.Allow() {
			s.metrics.EventDropped()
			s.logger.Warnw("message rate limit exceeded, dropping event", "client_id", c.id)
			continue
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.metrics.EventDropped()
			s.logger.Warnw("malformed event frame dropped", "client_id", c.id, "error", err)
			continue
		}

		s.dispatch(c, env)
	}
}

func (s *WebSocketServer) writePump(c *client) {
	ticker := time.NewTicker(s.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Infow("write failed", "client_id", c.id, "error", err)
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dispatch routes one inbound event. Every malformed or unknown event is
// dropped with a diagnostic log; nothing a client sends can take the relay
// down or terminate another client's connection.
func (s *WebSocketServer) dispatch(c *client, env Envelope) {
	ctx, span := tracing.TraceRelayEvent(context.Background(), env.Type, string(c.id))
	defer span.End()

	switch env.Type {
	case EventJoin:
		s.handleJoin(ctx, c, env.Payload)
	case EventSendMessage:
		s.handleChat(ctx, c, env.Payload)
	case EventCallUser:
		s.handleCallUser(ctx, c, env.Payload)
	case EventOffer:
		s.handleSignal(ctx, c, env.Payload, domain.SignalOffer, EventOffer)
	case EventAnswer:
		s.handleSignal(ctx, c, env.Payload, domain.SignalAnswer, EventAnswer)
	case EventICECandidate:
		s.handleSignal(ctx, c, env.Payload, domain.SignalCandidate, EventICECandidate)
	case EventAcceptCall:
		s.handleAccept(ctx, c, env.Payload)
	case EventRejectCall:
		s.handleReject(ctx, c, env.Payload)
	case EventEndCall:
		s.handleEnd(ctx, c)
	default:
		s.metrics.EventDropped()
		s.logger.Warnw("unknown event type dropped", "client_id", c.id, "type", env.Type)
	}
}

func (s *WebSocketServer) handleJoin(ctx context.Context, c *client, raw json.RawMessage) {
	var payload JoinPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		s.dropMalformed(ctx, c, EventJoin, err)
		return
	}

	if _, already := s.registry.Lookup(c.id); already {
		s.metrics.EventDropped()
		s.logger.Warnw("join from already registered connection dropped", "client_id", c.id)
		return
	}

	identity, roster, err := s.registry.Register(ctx, c.id, payload.Name)
	if err != nil {
		code := CodeNameInvalid
		if err == domain.ErrNameTaken {
			code = CodeNameTaken
		}
		s.sendTo(c.id, outbound{Type: EventJoinError, Payload: JoinErrorPayload{Code: code, Reason: err.Error()}})
		return
	}

	s.logger.Infow("user joined", "client_id", c.id, "name", identity.Name, "online", len(roster))
	s.metrics.SetIdentitiesOnline(len(roster))

	s.sendTo(c.id, outbound{Type: EventJoinSuccess, Payload: JoinSuccessPayload{Name: identity.Name, Roster: roster}})
	s.broadcast(outbound{Type: EventUserJoined, Payload: PresencePayload{Name: identity.Name, Roster: roster}}, c.id)
}

func (s *WebSocketServer) handleChat(ctx context.Context, c *client, raw json.RawMessage) {
	identity, ok := s.registry.Lookup(c.id)
	if !ok {
		s.metrics.EventDropped()
		s.logger.Warnw("chat from unregistered connection dropped", "client_id", c.id)
		return
	}

	var payload ChatPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		s.dropMalformed(ctx, c, EventSendMessage, err)
		return
	}

	text, err := validation.ValidateChatText(payload.Text)
	if err != nil {
		s.metrics.EventDropped()
		s.logger.Debugw("invalid chat message dropped", "client_id", c.id, "error", err)
		return
	}

	s.metrics.ChatMessageBroadcast()
	// Chat deliberately echoes back to the sender as well: clients rely on
	// seeing their own message come back for ordering.
	s.broadcast(outbound{Type: EventReceiveMessage, Payload: ChatBroadcastPayload{
		Sender: identity.Name,
		Text:   text,
		SentAt: time.Now().UTC(),
	}}, "")
}

func (s *WebSocketServer) handleCallUser(ctx context.Context, c *client, raw json.RawMessage) {
	identity, ok := s.registry.Lookup(c.id)
	if !ok {
		s.metrics.EventDropped()
		s.logger.Warnw("call from unregistered connection dropped", "client_id", c.id)
		return
	}

	var payload CallUserPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		s.dropMalformed(ctx, c, EventCallUser, err)
		return
	}

	session, err := s.calls.StartCall(ctx, identity.Name, payload.Target)
	if err != nil {
		tracing.RecordError(ctx, err)
		s.sendCallError(c.id, err)
		return
	}

	s.metrics.SetCallsActive(s.calls.ActiveCount())

	targetID, ok := s.registry.Resolve(session.Responder)
	if !ok {
		// Target vanished between the busy check and the notify; tear the
		// session back down as if the target hung up.
		s.calls.End(ctx, identity.Name)
		s.metrics.SetCallsActive(s.calls.ActiveCount())
		s.sendCallError(c.id, domain.ErrTargetNotFound)
		return
	}

	s.sendTo(targetID, outbound{Type: EventIncomingCall, Payload: IncomingCallPayload{
		CallerID:   c.id,
		CallerName: identity.Name,
	}})
}

func (s *WebSocketServer) handleSignal(ctx context.Context, c *client, raw json.RawMessage, kind domain.SignalKind, eventType string) {
	identity, ok := s.registry.Lookup(c.id)
	if !ok {
		s.metrics.EventDropped()
		s.logger.Warnw("signal from unregistered connection dropped", "client_id", c.id, "kind", kind)
		return
	}

	var payload SignalPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		s.dropMalformed(ctx, c, eventType, err)
		return
	}

	session, becameActive, err := s.calls.RecordSignal(ctx, identity.Name, kind)
	if err != nil {
		tracing.RecordError(ctx, err)
		s.sendCallError(c.id, err)
		return
	}

	peer := session.Peer(identity.Name)
	if payload.Target != "" && payload.Target != peer {
		// Client-claimed target outside the active session: the session
		// record wins, closing the impersonation gap.
		s.logger.Warnw("client-supplied signal target overridden",
			"client_id", c.id, "claimed", payload.Target, "session_peer", peer)
	}

	if becameActive {
		s.metrics.RecordCallSetup(time.Since(session.CreatedAt))
	}
	s.metrics.SignalRelayed(string(kind))

	peerID, ok := s.registry.Resolve(peer)
	if !ok {
		return // peer disconnect races the relay; its cleanup notifies us
	}
	s.sendTo(peerID, outbound{Type: eventType, Payload: RelayedSignalPayload{
		Data:   payload.Data,
		Caller: c.id,
		From:   identity.Name,
	}})
}

func (s *WebSocketServer) handleAccept(ctx context.Context, c *client, raw json.RawMessage) {
	identity, ok := s.registry.Lookup(c.id)
	if !ok {
		s.metrics.EventDropped()
		s.logger.Warnw("accept from unregistered connection dropped", "client_id", c.id)
		return
	}

	var payload AcceptCallPayload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			s.dropMalformed(ctx, c, EventAcceptCall, err)
			return
		}
	}

	session, err := s.calls.Accept(ctx, identity.Name)
	if err != nil {
		tracing.RecordError(ctx, err)
		s.sendCallError(c.id, err)
		return
	}

	if initiatorID, ok := s.registry.Resolve(session.Initiator); ok {
		s.sendTo(initiatorID, outbound{Type: EventCallAccepted, Payload: CallEventPayload{By: identity.Name}})
	}
}

func (s *WebSocketServer) handleReject(ctx context.Context, c *client, raw json.RawMessage) {
	identity, ok := s.registry.Lookup(c.id)
	if !ok {
		s.metrics.EventDropped()
		s.logger.Warnw("reject from unregistered connection dropped", "client_id", c.id)
		return
	}

	var payload RejectCallPayload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			s.dropMalformed(ctx, c, EventRejectCall, err)
			return
		}
	}

	session, err := s.calls.Reject(ctx, identity.Name)
	if err != nil {
		tracing.RecordError(ctx, err)
		s.sendCallError(c.id, err)
		return
	}

	s.metrics.RecordCallOutcome("rejected")
	s.metrics.SetCallsActive(s.calls.ActiveCount())

	if initiatorID, ok := s.registry.Resolve(session.Initiator); ok {
		s.sendTo(initiatorID, outbound{Type: EventCallRejected, Payload: CallEventPayload{By: identity.Name}})
	}
}

func (s *WebSocketServer) handleEnd(ctx context.Context, c *client) {
	identity, ok := s.registry.Lookup(c.id)
	if !ok {
		s.metrics.EventDropped()
		s.logger.Warnw("end from unregistered connection dropped", "client_id", c.id)
		return
	}

	// Ending with no session is a no-op so that both parties hanging up at
	// once stays harmless.
	session, ended := s.calls.End(ctx, identity.Name)
	if !ended {
		return
	}

	s.recordCallEnd(session)

	if peerID, ok := s.registry.Resolve(session.Peer(identity.Name)); ok {
		s.sendTo(peerID, outbound{Type: EventCallEnded, Payload: CallEventPayload{By: identity.Name}})
	}
}

// disconnect tears one connection down in a fixed order: end any call the
// identity is part of, unregister, then broadcast the departure with the
// already-updated roster. Peers never observe a stale roster during an
// in-flight call teardown.
func (s *WebSocketServer) disconnect(c *client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()

	ctx := context.Background()

	if identity, registered := s.registry.Lookup(c.id); registered {
		if session, ended := s.calls.End(ctx, identity.Name); ended {
			s.recordCallEnd(session)
			if peerID, ok := s.registry.Resolve(session.Peer(identity.Name)); ok {
				s.sendTo(peerID, outbound{Type: EventCallEnded, Payload: CallEventPayload{By: identity.Name}})
			}
		}

		s.registry.Unregister(ctx, c.id)
		roster := s.registry.Snapshot()
		s.metrics.SetIdentitiesOnline(len(roster))
		s.broadcast(outbound{Type: EventUserLeft, Payload: PresencePayload{Name: identity.Name, Roster: roster}}, c.id)

		s.logger.Infow("user left", "client_id", c.id, "name", identity.Name, "online", len(roster))
	}

	// The send channel stays open so racing broadcasts cannot panic; the
	// writePump exits through done instead.
	c.closeOnce.Do(func() { close(c.done) })
	s.metrics.ClientDisconnected()
	s.logger.Infow("client disconnected", "client_id", c.id)
}

func (s *WebSocketServer) recordCallEnd(session *domain.CallSession) {
	if session.StartedAt.IsZero() {
		s.metrics.RecordCallOutcome("abandoned")
	} else {
		s.metrics.RecordCallOutcome("completed")
		s.metrics.RecordCallDuration(session.Duration())
	}
	s.metrics.SetCallsActive(s.calls.ActiveCount())
}

func (s *WebSocketServer) dropMalformed(ctx context.Context, c *client, eventType string, err error) {
	tracing.RecordError(ctx, err)
	s.metrics.EventDropped()
	s.logger.Warnw("malformed payload dropped", "client_id", c.id, "type", eventType, "error", err)
}

func (s *WebSocketServer) sendCallError(clientID domain.ClientID, err error) {
	s.sendTo(clientID, outbound{Type: EventCallError, Payload: CallErrorPayload{
		Code:   callErrorCode(err),
		Reason: err.Error(),
	}})
}

// sendTo is best-effort delivery to one connection. A missing client (race
// with disconnect) or a full send buffer is a silent drop, never an error
// surfaced to the caller.
func (s *WebSocketServer) sendTo(clientID domain.ClientID, msg outbound) {
	s.mu.RLock()
	c, ok := s.clients[clientID]
	s.mu.RUnlock()
	if !ok {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Errorw("failed to marshal outbound event", "type", msg.Type, "error", err)
		return
	}

	select {
	case c.send <- data:
	default:
		s.logger.Warnw("send buffer full, dropping event", "client_id", clientID, "type", msg.Type)
	}
}

// broadcast fans msg out to every registered connection except exclude.
// Connections that never joined do not receive broadcasts.
func (s *WebSocketServer) broadcast(msg outbound, exclude domain.ClientID) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Errorw("failed to marshal broadcast event", "type", msg.Type, "error", err)
		return
	}

	for _, identity := range s.registry.Snapshot() {
		if identity.ClientID == exclude {
			continue
		}

		s.mu.RLock()
		c, ok := s.clients[identity.ClientID]
		s.mu.RUnlock()
		if !ok {
			continue
		}

		select {
		case c.send <- data:
		default:
			s.logger.Warnw("send buffer full, dropping broadcast", "client_id", identity.ClientID, "type", msg.Type)
		}
	}
}

// ConnectionCount reports the number of open WebSocket connections,
// registered or not.
func (s *WebSocketServer) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// CloseAll closes every live connection, used during shutdown.
func (s *WebSocketServer) CloseAll() {
	s.mu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	for _, c := range clients {
		c.conn.Close()
	}
}
