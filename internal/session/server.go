package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clawbernetes/clawbernetes-sub007/internal/escrow"
	"github.com/clawbernetes/clawbernetes-sub007/internal/ids"
	"github.com/clawbernetes/clawbernetes-sub007/internal/manager"
	"github.com/clawbernetes/clawbernetes-sub007/internal/marketplace"
	"github.com/clawbernetes/clawbernetes-sub007/internal/middleware"
	"github.com/clawbernetes/clawbernetes-sub007/internal/registry"
	"github.com/clawbernetes/clawbernetes-sub007/internal/secrets"
	"github.com/clawbernetes/clawbernetes-sub007/internal/workload"
)

const (
	pongWait    = 60 * time.Second
	pingPeriod  = 30 * time.Second
	writeWait   = 10 * time.Second
	sendBufSize = 64
)

// Config tunes the WebSocket listener.
type Config struct {
	Env                  string
	AllowedOrigins       []string
	MaxFrameBytes        int64
	ProtocolVersion      int
	HeartbeatIntervalSec int
	MetricsIntervalSec   int
}

// Server is the gateway's single WebSocket endpoint, multiplexing node
// agent and operator CLI connections on the same upgrade handler. The
// first frame on a connection determines which protocol it speaks:
// register_node selects the node-agent path, anything else is treated
// as an operator CLI connection.
type Server struct {
	cfg      Config
	registry *registry.Registry
	mgr      Manager
	book     Book
	escrows  Escrows
	secrets  Secrets
	upgrader websocket.Upgrader
	limiter  *middleware.RateLimiter

	mu       sync.Mutex
	sessions map[ids.NodeID]*nodeConn
}

// Manager is the subset of manager.Manager the session layer calls into.
type Manager interface {
	Submit(spec workload.Spec) (workload.View, error)
	Cancel(ctx context.Context, id ids.WorkloadID) error
	Get(id ids.WorkloadID) (workload.View, bool)
	List() []workload.View
	Logs(id ids.WorkloadID, tail int, stderrOnly bool) ([]string, error)
	OnNodeUpdate(id ids.WorkloadID, newState workload.State, message string, ts time.Time) error
	AppendLogs(id ids.WorkloadID, lines []string, isStderr bool) error
	RequestSchedulerTick(ctx context.Context)
}

var _ Manager = (*manager.Manager)(nil)

// Book is the subset of marketplace.Book the CLI protocol dispatches
// buyer-driven matching operations to (§4.4, `molt` subcommands).
type Book interface {
	PostOffer(node ids.NodeID, gpus uint32, pricePerHr uint64, ttl time.Duration) marketplace.CapacityOffer
	PostOrder(requester string, gpus uint32, maxPricePerHr uint64, ttl time.Duration) marketplace.JobOrder
	FindMatches(orderID ids.OrderID) ([]marketplace.Match, error)
	Accept(orderID ids.OrderID, offerID ids.OfferID) (*marketplace.Match, error)
	CancelOffer(id ids.OfferID) error
	CancelOrder(id ids.OrderID) error
	ListOffers() []marketplace.CapacityOffer
	ListOrders() []marketplace.JobOrder
}

var _ Book = (*marketplace.Book)(nil)

// Escrows is the subset of escrow.Engine the CLI protocol dispatches
// fund-custody operations to (§4.4).
type Escrows interface {
	Open(order ids.OrderID, offer ids.OfferID, node ids.NodeID, amountCts uint64, expiresAt time.Time) escrow.Account
	Fund(id ids.EscrowID) error
	Release(id ids.EscrowID) error
	Refund(id ids.EscrowID, reason string) error
	Dispute(id ids.EscrowID, reason string) error
	Get(id ids.EscrowID) (escrow.Account, bool)
	List() []escrow.Account
}

var _ Escrows = (*escrow.Engine)(nil)

// Secrets is the subset of secrets.Store the CLI protocol dispatches
// secret-management operations to (§4.5, `secret` subcommands).
type Secrets interface {
	Put(name string, ciphertext []byte, owner ids.NodeID, allowed []ids.WorkloadID) secrets.Record
	Get(id ids.SecretID, requester ids.WorkloadID) ([]byte, error)
	Rotate(id ids.SecretID, ciphertext []byte, actor string) error
	Revoke(id ids.SecretID, actor string) error
	List() []secrets.View
}

var _ Secrets = (*secrets.Store)(nil)

// NewServer builds a Server bound to a node registry. The workload
// manager is wired in afterward via SetManager, since manager.New itself
// needs this Server as its Dispatcher — see cmd/gateway for the
// construction order that breaks the cycle.
func NewServer(cfg Config, reg *registry.Registry, limiter *middleware.RateLimiter) *Server {
	s := &Server{
		cfg:      cfg,
		registry: reg,
		limiter:  limiter,
		sessions: make(map[ids.NodeID]*nodeConn),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin(),
	}
	return s
}

// SetManager wires the workload manager in after construction, breaking
// the Server<->Manager<->Dispatcher construction cycle.
func (s *Server) SetManager(mgr Manager) { s.mgr = mgr }

// SetMarketplace wires the marketplace order book into the CLI protocol.
func (s *Server) SetMarketplace(book Book) { s.book = book }

// SetEscrows wires the escrow engine into the CLI protocol.
func (s *Server) SetEscrows(e Escrows) { s.escrows = e }

// SetSecrets wires the secret store into the CLI protocol.
func (s *Server) SetSecrets(st Secrets) { s.secrets = st }

func (s *Server) checkOrigin() func(r *http.Request) bool {
	if s.cfg.Env == "production" && len(s.cfg.AllowedOrigins) > 0 && s.cfg.AllowedOrigins[0] != "*" {
		allowed := make(map[string]bool, len(s.cfg.AllowedOrigins))
		for _, o := range s.cfg.AllowedOrigins {
			allowed[strings.TrimSpace(o)] = true
		}
		return func(r *http.Request) bool {
			ok := allowed[r.Header.Get("Origin")]
			if !ok {
				slog.Warn("websocket: rejected connection from disallowed origin", "origin", r.Header.Get("Origin"))
			}
			return ok
		}
	}
	return func(r *http.Request) bool { return true }
}

// ServeHTTP upgrades the request and starts the connection's read/write
// pumps. The connection's role (node agent vs. operator CLI) is decided
// by its first frame, not by the URL path.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}
	if s.cfg.MaxFrameBytes > 0 {
		conn.SetReadLimit(s.cfg.MaxFrameBytes)
	}

	c := &peerConn{
		conn:      conn,
		send:      make(chan Envelope, sendBufSize),
		done:      make(chan struct{}),
		remoteKey: r.RemoteAddr,
	}
	go c.writePump()
	s.readLoop(c)
}

// readLoop owns the connection until it closes or its first frame is
// invalid; the loop then hands off to either the node-agent or the
// operator-CLI per-frame dispatcher for the lifetime of the connection.
func (s *Server) readLoop(c *peerConn) {
	conn := c.conn
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	var nc *nodeConn
	defer func() {
		close(c.done)
		conn.Close()
		if nc != nil {
			s.onNodeDisconnect(nc)
		}
	}()

	for {
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Debug("websocket read error", "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			c.trySend(errEnvelope("", ProtocolError{Code: "binary_frame_rejected", Message: "only text frames are accepted"}))
			continue
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.trySend(errEnvelope("", ProtocolError{Code: "malformed_frame", Message: err.Error()}))
			continue
		}
		if env.Version != 0 && env.Version != s.cfg.ProtocolVersion {
			c.trySend(errEnvelope(env.ID, ProtocolError{Code: "version_mismatch", Message: "unsupported protocol version"}))
			return
		}

		if nc == nil {
			if env.Type != KindRegisterNode {
				// not a node agent: treat the whole connection as operator CLI.
				s.handleCLIFrame(c, env)
				s.cliLoop(c)
				return
			}
			nc, err = s.handleRegister(c, env)
			if err != nil {
				c.trySend(errEnvelope(env.ID, ProtocolError{Code: "registration_failed", Message: err.Error()}))
				return
			}
			continue
		}

		s.handleNodeFrame(nc, env)
	}
}

// cliLoop continues reading frames for a connection already identified
// as an operator CLI (its first frame was not register_node).
func (s *Server) cliLoop(c *peerConn) {
	conn := c.conn
	for {
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			c.trySend(errEnvelope("", ProtocolError{Code: "binary_frame_rejected", Message: "only text frames are accepted"}))
			continue
		}
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.trySend(errEnvelope("", ProtocolError{Code: "malformed_frame", Message: err.Error()}))
			continue
		}
		s.handleCLIFrame(c, env)
	}
}

// peerConn wraps one websocket.Conn with a bounded outbound channel so
// a slow or wedged peer applies backpressure without blocking the
// gateway's own goroutines: writes never block, trySend queues on this
// channel and drops the oldest queued frame when it is full.
type peerConn struct {
	conn      *websocket.Conn
	send      chan Envelope
	done      chan struct{}
	remoteKey string
}

func (c *peerConn) trySend(env Envelope) {
	select {
	case c.send <- env:
	default:
		// buffer full: drop the oldest queued frame rather than block the
		// caller, per the bounded-channel backpressure policy.
		select {
		case <-c.send:
		default:
		}
		select {
		case c.send <- env:
		default:
		}
	}
}

func (c *peerConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case env, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			b, err := json.Marshal(env)
			if err != nil {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// nodeConn adapts a peerConn to registry.SessionHandle, plus the node
// identity learned at registration.
type nodeConn struct {
	id   ids.NodeID
	peer *peerConn
}

func (n *nodeConn) Send(v interface{}) error {
	env, ok := v.(Envelope)
	if !ok {
		return &ProtocolError{Code: "internal", Message: "Send called with non-Envelope value"}
	}
	n.peer.trySend(env)
	return nil
}

func (n *nodeConn) Closed() bool {
	select {
	case <-n.peer.done:
		return true
	default:
		return false
	}
}

func (s *Server) handleRegister(c *peerConn, env Envelope) (*nodeConn, error) {
	var p RegisterNodePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, err
	}
	nodeID, err := ids.ParseNodeID(p.NodeID)
	if err != nil {
		nodeID = ids.NewNodeID()
	}

	nc := &nodeConn{id: nodeID, peer: c}
	if _, err := s.registry.Register(nodeID, p.Name, p.Capabilities, nc); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.sessions[nodeID] = nc
	s.mu.Unlock()

	reply := RegisteredPayload{
		NodeID:               nodeID.String(),
		HeartbeatIntervalSec: s.cfg.HeartbeatIntervalSec,
		MetricsIntervalSec:   s.cfg.MetricsIntervalSec,
		ProtocolVersion:      s.cfg.ProtocolVersion,
	}
	b, _ := json.Marshal(reply)
	c.trySend(Envelope{Type: KindRegistered, ID: env.ID, Payload: b})

	slog.Info("node registered", "node", nodeID, "name", p.Name, "gpus", p.Capabilities.GPUCount())
	s.mgr.RequestSchedulerTick(context.Background())
	return nc, nil
}

// onNodeDisconnect fires when a connection's read loop exits. Because a
// node may have already re-registered on a new connection by the time
// this runs (e.g. a fast reconnect racing the old socket's teardown),
// it only tears down the registry/session-map entry if nc is still the
// current session for its node ID — otherwise it would incorrectly mark
// a live replacement session Offline.
func (s *Server) onNodeDisconnect(nc *nodeConn) {
	s.mu.Lock()
	current, ok := s.sessions[nc.id]
	if !ok || current != nc {
		s.mu.Unlock()
		return
	}
	delete(s.sessions, nc.id)
	s.mu.Unlock()

	s.registry.OnSessionClosed(nc.id)
	slog.Info("node session closed", "node", nc.id)
}

func (s *Server) handleNodeFrame(nc *nodeConn, env Envelope) {
	switch env.Type {
	case KindHeartbeat:
		var p HeartbeatPayload
		if err := json.Unmarshal(env.Payload, &p); err == nil {
			ts := p.Timestamp
			if ts.IsZero() {
				ts = time.Now()
			}
			s.registry.OnHeartbeat(nc.id, ts)
		}
	case KindRefreshCaps:
		var p RefreshCapabilitiesPayload
		if err := json.Unmarshal(env.Payload, &p); err == nil {
			if err := s.registry.RefreshCapabilities(nc.id, p.Capabilities); err != nil {
				slog.Warn("refresh_capabilities failed", "node", nc.id, "error", err)
			}
			s.mgr.RequestSchedulerTick(context.Background())
		}
	case KindWorkloadUpdate:
		var p WorkloadUpdatePayload
		if err := json.Unmarshal(env.Payload, &p); err == nil {
			wid, err := ids.ParseWorkloadID(p.WorkloadID)
			if err != nil {
				return
			}
			ts := p.Timestamp
			if ts.IsZero() {
				ts = time.Now()
			}
			if err := s.mgr.OnNodeUpdate(wid, p.State, p.Message, ts); err != nil {
				slog.Warn("workload_update rejected", "workload", wid, "node", nc.id, "error", err)
			}
		}
	case KindWorkloadLog:
		var p WorkloadLogPayload
		if err := json.Unmarshal(env.Payload, &p); err == nil {
			wid, err := ids.ParseWorkloadID(p.WorkloadID)
			if err != nil {
				return
			}
			s.mgr.AppendLogs(wid, p.Lines, p.Stderr)
		}
	default:
		nc.peer.trySend(errEnvelope(env.ID, ProtocolError{Code: "unexpected_frame", Message: "unexpected frame type from node agent: " + string(env.Type)}))
	}
}

func (s *Server) handleCLIFrame(c *peerConn, env Envelope) {
	if s.limiter != nil && !s.limiter.Allow(c.remoteKey) {
		c.trySend(errEnvelope(env.ID, ProtocolError{Code: "rate_limited", Message: "too many requests, slow down"}))
		return
	}

	switch env.Type {
	case KindSubmitWorkload:
		var p SubmitWorkloadPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.trySend(errEnvelope(env.ID, ProtocolError{Code: "malformed_payload", Message: err.Error()}))
			return
		}
		v, err := s.mgr.Submit(p.Spec)
		if err != nil {
			c.trySend(errEnvelope(env.ID, ProtocolError{Code: "invalid_spec", Message: err.Error()}))
			return
		}
		c.trySend(ackEnvelope(env.ID, v))

	case KindCancelWorkload:
		var p CancelWorkloadPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.trySend(errEnvelope(env.ID, ProtocolError{Code: "malformed_payload", Message: err.Error()}))
			return
		}
		wid, err := ids.ParseWorkloadID(p.WorkloadID)
		if err != nil {
			c.trySend(errEnvelope(env.ID, ProtocolError{Code: "malformed_payload", Message: err.Error()}))
			return
		}
		if err := s.mgr.Cancel(context.Background(), wid); err != nil {
			c.trySend(errEnvelope(env.ID, ProtocolError{Code: "cancel_failed", Message: err.Error()}))
			return
		}
		c.trySend(ackEnvelope(env.ID, nil))

	case KindListNodes:
		c.trySend(ackEnvelope(env.ID, s.registry.List()))

	case KindListWorkloads:
		c.trySend(ackEnvelope(env.ID, s.mgr.List()))

	case KindSetDraining:
		var p SetDrainingPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.trySend(errEnvelope(env.ID, ProtocolError{Code: "malformed_payload", Message: err.Error()}))
			return
		}
		nodeID, err := ids.ParseNodeID(p.NodeID)
		if err != nil {
			c.trySend(errEnvelope(env.ID, ProtocolError{Code: "malformed_payload", Message: err.Error()}))
			return
		}
		if err := s.registry.SetDraining(nodeID, p.Draining); err != nil {
			c.trySend(errEnvelope(env.ID, ProtocolError{Code: "set_draining_failed", Message: err.Error()}))
			return
		}
		c.trySend(ackEnvelope(env.ID, nil))

	case KindGetLogs:
		var p GetLogsPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.trySend(errEnvelope(env.ID, ProtocolError{Code: "malformed_payload", Message: err.Error()}))
			return
		}
		wid, err := ids.ParseWorkloadID(p.WorkloadID)
		if err != nil {
			c.trySend(errEnvelope(env.ID, ProtocolError{Code: "malformed_payload", Message: err.Error()}))
			return
		}
		lines, err := s.mgr.Logs(wid, p.Tail, p.StderrOnly)
		if err != nil {
			c.trySend(errEnvelope(env.ID, ProtocolError{Code: "get_logs_failed", Message: err.Error()}))
			return
		}
		c.trySend(ackEnvelope(env.ID, lines))

	case KindPostOffer:
		var p PostOfferPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.trySend(errEnvelope(env.ID, ProtocolError{Code: "malformed_payload", Message: err.Error()}))
			return
		}
		nodeID, err := ids.ParseNodeID(p.NodeID)
		if err != nil {
			c.trySend(errEnvelope(env.ID, ProtocolError{Code: "malformed_payload", Message: err.Error()}))
			return
		}
		ttl := time.Duration(p.TTLSeconds) * time.Second
		if ttl <= 0 {
			ttl = DefaultOfferTTL
		}
		c.trySend(ackEnvelope(env.ID, s.book.PostOffer(nodeID, p.GPUCount, p.PricePerHr, ttl)))

	case KindPostOrder:
		var p PostOrderPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.trySend(errEnvelope(env.ID, ProtocolError{Code: "malformed_payload", Message: err.Error()}))
			return
		}
		ttl := time.Duration(p.TTLSeconds) * time.Second
		if ttl <= 0 {
			ttl = DefaultOrderTTL
		}
		c.trySend(ackEnvelope(env.ID, s.book.PostOrder(p.Requester, p.GPUCount, p.MaxPricePerHr, ttl)))

	case KindFindMatches:
		var p FindMatchesPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.trySend(errEnvelope(env.ID, ProtocolError{Code: "malformed_payload", Message: err.Error()}))
			return
		}
		orderID, err := ids.ParseOrderID(p.OrderID)
		if err != nil {
			c.trySend(errEnvelope(env.ID, ProtocolError{Code: "malformed_payload", Message: err.Error()}))
			return
		}
		matches, err := s.book.FindMatches(orderID)
		if err != nil {
			c.trySend(errEnvelope(env.ID, ProtocolError{Code: "find_matches_failed", Message: err.Error()}))
			return
		}
		c.trySend(ackEnvelope(env.ID, matches))

	case KindAcceptMatch:
		var p AcceptMatchPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.trySend(errEnvelope(env.ID, ProtocolError{Code: "malformed_payload", Message: err.Error()}))
			return
		}
		orderID, err := ids.ParseOrderID(p.OrderID)
		if err != nil {
			c.trySend(errEnvelope(env.ID, ProtocolError{Code: "malformed_payload", Message: err.Error()}))
			return
		}
		offerID, err := ids.ParseOfferID(p.OfferID)
		if err != nil {
			c.trySend(errEnvelope(env.ID, ProtocolError{Code: "malformed_payload", Message: err.Error()}))
			return
		}
		match, err := s.book.Accept(orderID, offerID)
		if err != nil {
			c.trySend(errEnvelope(env.ID, ProtocolError{Code: "accept_failed", Message: err.Error()}))
			return
		}
		c.trySend(ackEnvelope(env.ID, match))

	case KindCancelOffer:
		var p CancelOfferPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.trySend(errEnvelope(env.ID, ProtocolError{Code: "malformed_payload", Message: err.Error()}))
			return
		}
		offerID, err := ids.ParseOfferID(p.OfferID)
		if err != nil {
			c.trySend(errEnvelope(env.ID, ProtocolError{Code: "malformed_payload", Message: err.Error()}))
			return
		}
		if err := s.book.CancelOffer(offerID); err != nil {
			c.trySend(errEnvelope(env.ID, ProtocolError{Code: "cancel_offer_failed", Message: err.Error()}))
			return
		}
		c.trySend(ackEnvelope(env.ID, nil))

	case KindCancelOrder:
		var p CancelOrderPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.trySend(errEnvelope(env.ID, ProtocolError{Code: "malformed_payload", Message: err.Error()}))
			return
		}
		orderID, err := ids.ParseOrderID(p.OrderID)
		if err != nil {
			c.trySend(errEnvelope(env.ID, ProtocolError{Code: "malformed_payload", Message: err.Error()}))
			return
		}
		if err := s.book.CancelOrder(orderID); err != nil {
			c.trySend(errEnvelope(env.ID, ProtocolError{Code: "cancel_order_failed", Message: err.Error()}))
			return
		}
		c.trySend(ackEnvelope(env.ID, nil))

	case KindListOffers:
		c.trySend(ackEnvelope(env.ID, s.book.ListOffers()))

	case KindListOrders:
		c.trySend(ackEnvelope(env.ID, s.book.ListOrders()))

	case KindEscrowOpen:
		var p EscrowOpenPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.trySend(errEnvelope(env.ID, ProtocolError{Code: "malformed_payload", Message: err.Error()}))
			return
		}
		orderID, err := ids.ParseOrderID(p.OrderID)
		if err != nil {
			c.trySend(errEnvelope(env.ID, ProtocolError{Code: "malformed_payload", Message: err.Error()}))
			return
		}
		offerID, err := ids.ParseOfferID(p.OfferID)
		if err != nil {
			c.trySend(errEnvelope(env.ID, ProtocolError{Code: "malformed_payload", Message: err.Error()}))
			return
		}
		nodeID, err := ids.ParseNodeID(p.NodeID)
		if err != nil {
			c.trySend(errEnvelope(env.ID, ProtocolError{Code: "malformed_payload", Message: err.Error()}))
			return
		}
		c.trySend(ackEnvelope(env.ID, s.escrows.Open(orderID, offerID, nodeID, p.AmountCts, p.ExpiresAt)))

	case KindEscrowFund:
		id, err := s.parseEscrowID(c, env)
		if err != nil {
			return
		}
		if err := s.escrows.Fund(id); err != nil {
			c.trySend(errEnvelope(env.ID, ProtocolError{Code: "escrow_fund_failed", Message: err.Error()}))
			return
		}
		c.trySend(ackEnvelope(env.ID, nil))

	case KindEscrowRelease:
		id, err := s.parseEscrowID(c, env)
		if err != nil {
			return
		}
		if err := s.escrows.Release(id); err != nil {
			c.trySend(errEnvelope(env.ID, ProtocolError{Code: "escrow_release_failed", Message: err.Error()}))
			return
		}
		c.trySend(ackEnvelope(env.ID, nil))

	case KindEscrowRefund:
		var p EscrowReasonPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.trySend(errEnvelope(env.ID, ProtocolError{Code: "malformed_payload", Message: err.Error()}))
			return
		}
		id, err := ids.ParseEscrowID(p.EscrowID)
		if err != nil {
			c.trySend(errEnvelope(env.ID, ProtocolError{Code: "malformed_payload", Message: err.Error()}))
			return
		}
		if err := s.escrows.Refund(id, p.Reason); err != nil {
			c.trySend(errEnvelope(env.ID, ProtocolError{Code: "escrow_refund_failed", Message: err.Error()}))
			return
		}
		c.trySend(ackEnvelope(env.ID, nil))

	case KindEscrowDispute:
		var p EscrowReasonPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.trySend(errEnvelope(env.ID, ProtocolError{Code: "malformed_payload", Message: err.Error()}))
			return
		}
		id, err := ids.ParseEscrowID(p.EscrowID)
		if err != nil {
			c.trySend(errEnvelope(env.ID, ProtocolError{Code: "malformed_payload", Message: err.Error()}))
			return
		}
		if err := s.escrows.Dispute(id, p.Reason); err != nil {
			c.trySend(errEnvelope(env.ID, ProtocolError{Code: "escrow_dispute_failed", Message: err.Error()}))
			return
		}
		c.trySend(ackEnvelope(env.ID, nil))

	case KindEscrowGet:
		id, err := s.parseEscrowID(c, env)
		if err != nil {
			return
		}
		a, ok := s.escrows.Get(id)
		if !ok {
			c.trySend(errEnvelope(env.ID, ProtocolError{Code: "escrow_not_found", Message: "unknown escrow"}))
			return
		}
		c.trySend(ackEnvelope(env.ID, a))

	case KindListEscrows:
		c.trySend(ackEnvelope(env.ID, s.escrows.List()))

	case KindSecretPut:
		var p SecretPutPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.trySend(errEnvelope(env.ID, ProtocolError{Code: "malformed_payload", Message: err.Error()}))
			return
		}
		owner, err := ids.ParseNodeID(p.OwnerNode)
		if err != nil {
			c.trySend(errEnvelope(env.ID, ProtocolError{Code: "malformed_payload", Message: err.Error()}))
			return
		}
		allowed := make([]ids.WorkloadID, 0, len(p.AllowedIDs))
		for _, raw := range p.AllowedIDs {
			wid, err := ids.ParseWorkloadID(raw)
			if err != nil {
				c.trySend(errEnvelope(env.ID, ProtocolError{Code: "malformed_payload", Message: err.Error()}))
				return
			}
			allowed = append(allowed, wid)
		}
		r := s.secrets.Put(p.Name, p.Ciphertext, owner, allowed)
		c.trySend(ackEnvelope(env.ID, secrets.View{ID: r.ID, Name: r.Name, OwnerNode: r.OwnerNode, CreatedAt: r.CreatedAt}))

	case KindSecretGet:
		var p SecretGetPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.trySend(errEnvelope(env.ID, ProtocolError{Code: "malformed_payload", Message: err.Error()}))
			return
		}
		secretID, err := ids.ParseSecretID(p.SecretID)
		if err != nil {
			c.trySend(errEnvelope(env.ID, ProtocolError{Code: "malformed_payload", Message: err.Error()}))
			return
		}
		requester, err := ids.ParseWorkloadID(p.RequesterID)
		if err != nil {
			c.trySend(errEnvelope(env.ID, ProtocolError{Code: "malformed_payload", Message: err.Error()}))
			return
		}
		ciphertext, err := s.secrets.Get(secretID, requester)
		if err != nil {
			c.trySend(errEnvelope(env.ID, ProtocolError{Code: "secret_get_failed", Message: err.Error()}))
			return
		}
		c.trySend(ackEnvelope(env.ID, ciphertext))

	case KindSecretRotate:
		var p SecretRotatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.trySend(errEnvelope(env.ID, ProtocolError{Code: "malformed_payload", Message: err.Error()}))
			return
		}
		secretID, err := ids.ParseSecretID(p.SecretID)
		if err != nil {
			c.trySend(errEnvelope(env.ID, ProtocolError{Code: "malformed_payload", Message: err.Error()}))
			return
		}
		if err := s.secrets.Rotate(secretID, p.Ciphertext, c.remoteKey); err != nil {
			c.trySend(errEnvelope(env.ID, ProtocolError{Code: "secret_rotate_failed", Message: err.Error()}))
			return
		}
		c.trySend(ackEnvelope(env.ID, nil))

	case KindSecretDelete:
		var p SecretDeletePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.trySend(errEnvelope(env.ID, ProtocolError{Code: "malformed_payload", Message: err.Error()}))
			return
		}
		secretID, err := ids.ParseSecretID(p.SecretID)
		if err != nil {
			c.trySend(errEnvelope(env.ID, ProtocolError{Code: "malformed_payload", Message: err.Error()}))
			return
		}
		if err := s.secrets.Revoke(secretID, c.remoteKey); err != nil {
			c.trySend(errEnvelope(env.ID, ProtocolError{Code: "secret_delete_failed", Message: err.Error()}))
			return
		}
		c.trySend(ackEnvelope(env.ID, nil))

	case KindSecretList:
		c.trySend(ackEnvelope(env.ID, s.secrets.List()))

	default:
		c.trySend(errEnvelope(env.ID, ProtocolError{Code: "unexpected_frame", Message: "unexpected frame type from operator CLI: " + string(env.Type)}))
	}
}

// parseEscrowID decodes the common {escrow_id} payload shared by several
// escrow CLI operations, sending a protocol error and returning a
// non-nil error if decoding fails.
func (s *Server) parseEscrowID(c *peerConn, env Envelope) (ids.EscrowID, error) {
	var p EscrowIDPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		c.trySend(errEnvelope(env.ID, ProtocolError{Code: "malformed_payload", Message: err.Error()}))
		return ids.EscrowID{}, err
	}
	id, err := ids.ParseEscrowID(p.EscrowID)
	if err != nil {
		c.trySend(errEnvelope(env.ID, ProtocolError{Code: "malformed_payload", Message: err.Error()}))
		return ids.EscrowID{}, err
	}
	return id, nil
}

// StartWorkload implements manager.Dispatcher by sending a
// start_workload frame to the node's live session.
func (s *Server) StartWorkload(ctx context.Context, node ids.NodeID, w ids.WorkloadID, spec workload.Spec) error {
	sender, ok := s.registry.Sender(node)
	if !ok {
		return os.ErrClosed
	}
	b, _ := json.Marshal(StartWorkloadPayload{WorkloadID: w.String(), Spec: spec})
	return sender.Send(Envelope{Type: KindStartWorkload, Payload: b})
}

// StopWorkload implements manager.Dispatcher by sending a
// stop_workload frame to the node's live session.
func (s *Server) StopWorkload(ctx context.Context, node ids.NodeID, w ids.WorkloadID, gracePeriodSec int) error {
	sender, ok := s.registry.Sender(node)
	if !ok {
		return os.ErrClosed
	}
	b, _ := json.Marshal(StopWorkloadPayload{WorkloadID: w.String(), GracePeriodSec: gracePeriodSec})
	return sender.Send(Envelope{Type: KindStopWorkload, Payload: b})
}
