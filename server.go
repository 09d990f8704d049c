package main

import (
	"context"
	"encoding/hex"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/AlpacaTunnel/alpaca-proxy/pkg/account"
	"github.com/AlpacaTunnel/alpaca-proxy/pkg/ctrlmsg"
	"github.com/AlpacaTunnel/alpaca-proxy/pkg/ledger"
	"github.com/AlpacaTunnel/alpaca-proxy/pkg/mux"
	"github.com/AlpacaTunnel/alpaca-proxy/pkg/transport"
)

// outboundConnectTimeout bounds how long the server waits to open a target
// TCP connection on behalf of a REQUEST, per spec.md §4.7/§5.
const outboundConnectTimeout = 10 * time.Second

// pumpChunkSize is the maximum number of bytes read per pump iteration, in
// both directions, per spec.md §4.6/§4.7.
const pumpChunkSize = 8192

// ServerProxy accepts WebSocket sessions, advertises pricing, verifies the
// client's signature, and for each TYPE_REQUEST opens an outbound TCP
// connection spliced to the multiplexed stream (C8).
type ServerProxy struct {
	store         *ledger.Store
	pricing       *Pricing
	serverAccount string

	// coin is empty when pricing is disabled for this deployment; account
	// verification is then skipped entirely (account_verified starts true,
	// per spec.md §4.7) and the configured prices are never advertised.
	coin              string
	priceKiloRequests decimal.Decimal
	priceGigabytes    decimal.Decimal

	username string
	password string

	metrics *Metrics
	logger  Logger
}

// NewServerProxy wires a ServerProxy. An empty coin disables the
// cryptocurrency metering layer entirely.
func NewServerProxy(store *ledger.Store, pricing *Pricing, serverAccount, coin string, priceKiloRequests, priceGigabytes decimal.Decimal, username, password string, metrics *Metrics, logger Logger) *ServerProxy {
	return &ServerProxy{
		store:             store,
		pricing:           pricing,
		serverAccount:     serverAccount,
		coin:              coin,
		priceKiloRequests: priceKiloRequests,
		priceGigabytes:    priceGigabytes,
		username:          username,
		password:          password,
		metrics:           metrics,
		logger:            logger.NewSystem("server-proxy"),
	}
}

// HandleConnection is the http.HandlerFunc that upgrades one inbound
// connection to a WebSocket session and runs it until it ends. Per
// spec.md §9's redesign note, any handler error simply closes the
// session — no second handshake response is ever attempted.
func (p *ServerProxy) HandleConnection(w http.ResponseWriter, r *http.Request) {
	if p.username != "" || p.password != "" {
		user, pass, ok := r.BasicAuth()
		if !ok || user != p.username || pass != p.password {
			w.Header().Set("WWW-Authenticate", `Basic realm="alpaca-proxy"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	ws, err := transport.Upgrade(w, r, p.logger)
	if err != nil {
		p.logger.Error("failed to upgrade connection", "error", err)
		return
	}

	if p.metrics != nil {
		p.metrics.SessionsTotal.Inc()
		p.metrics.SessionsActive.Inc()
		defer p.metrics.SessionsActive.Dec()
	}

	sessionID := uuid.NewString()
	sess := &serverSession{
		proxy:    p,
		ws:       ws,
		mux:      mux.New(mux.RoleServer),
		outbound: make(map[uint32]net.Conn),
		verified: p.coin == "",
		logger:   p.logger.With("session_id", sessionID),
	}
	defer sess.closeAllOutbound()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go ws.RunHeartbeat(ctx)

	sess.run(ctx)
}

// serverSession holds the per-connection state a single WebSocket carries:
// the mux live set, the bound client account (once verified), and the map
// of live outbound sockets. Touched only by this session's own goroutines
// (spec.md §5), so outboundMu is belt-and-suspenders, not a hot path.
type serverSession struct {
	proxy *ServerProxy
	ws    *transport.Session
	mux   *mux.Multiplexer

	outboundMu sync.Mutex
	outbound   map[uint32]net.Conn

	verified      bool
	clientAccount string

	logger Logger
}

func (s *serverSession) run(ctx context.Context) {
	if s.proxy.coin != "" {
		charge := ctrlmsg.NewCharge(s.proxy.coin, s.proxy.serverAccount,
			s.proxy.priceKiloRequests.String(), s.proxy.priceGigabytes.String())
		if err := s.sendCtrl(charge); err != nil {
			s.logger.Error("failed to send charge message", "error", err)
			return
		}
	}

	for {
		kind, data, err := s.ws.Recv()
		if err != nil {
			s.logger.Debug("session ended", "error", err)
			return
		}

		switch kind {
		case transport.FrameText:
			s.handleText(data)
		case transport.FrameBinary:
			s.handleBinary(data)
		}
	}
}

func (s *serverSession) sendCtrl(m ctrlmsg.Message) error {
	data, err := ctrlmsg.Encode(m)
	if err != nil {
		return err
	}
	return s.ws.Send(transport.FrameText, data)
}

func (s *serverSession) handleText(data []byte) {
	msg, err := ctrlmsg.Decode(data)
	if err != nil {
		s.logger.Warn("closing session on malformed control message", "error", err)
		s.ws.Close()
		return
	}

	switch msg.MsgType {
	case ctrlmsg.MsgTypeSignature:
		s.handleSignature(msg)
	case ctrlmsg.MsgTypeRequest:
		s.handleRequest(msg)
	}
}

// handleSignature verifies the SIGNATURE message's Ed25519 signature
// against the claimed client_account, and on success records the account
// as a client in the ledger and pushes its current balance.
func (s *serverSession) handleSignature(msg ctrlmsg.Message) {
	pub, err := account.Decode(msg.ClientAccount)
	if err != nil {
		s.logger.Warn("invalid client_account in signature message", "account", msg.ClientAccount, "error", err)
		return
	}

	sig, err := hex.DecodeString(msg.Signature)
	if err != nil || !account.Verify(pub, []byte(msg.TimestampedMsg), sig) {
		s.logger.Warn("signature verification failed", "account", msg.ClientAccount)
		return
	}

	if err := s.proxy.store.UpdateAccount(msg.ClientAccount, ledger.RoleClient, ""); err != nil {
		s.logger.Error("failed to upsert client account", "account", msg.ClientAccount, "error", err)
		return
	}
	totalPay, err := s.proxy.store.RecomputeTotalPay([]string{s.proxy.serverAccount}, msg.ClientAccount)
	if err != nil {
		s.logger.Error("failed to recompute total_pay", "account", msg.ClientAccount, "error", err)
		return
	}
	if err := s.proxy.store.SetTotalPay(msg.ClientAccount, totalPay); err != nil {
		s.logger.Error("failed to persist total_pay", "account", msg.ClientAccount, "error", err)
		return
	}

	s.clientAccount = msg.ClientAccount
	s.verified = true
	s.logger.Info("client account verified", "account", msg.ClientAccount)

	s.pushBalance()
}

// handleRequest implements spec.md §4.7 step 2 REQUEST handling, including
// the debit-then-gate ordering decided in DESIGN.md: the request debit
// always lands first, then the post-debit balance decides whether the
// connection proceeds.
func (s *serverSession) handleRequest(msg ctrlmsg.Message) {
	streamID := msg.StreamID

	if !s.mux.MarkLive(streamID) {
		s.logger.Warn("dropping duplicate stream_id", "stream_id", streamID)
		return
	}

	if !s.verified {
		s.respond(streamID, false, ctrlmsg.ReasonAccountNotVerified)
		s.mux.DelStream(streamID)
		s.recordOutcome("unverified")
		return
	}

	if s.clientAccount != "" {
		if err := s.proxy.store.IncreaseTotalRequests(s.clientAccount, 1); err != nil {
			s.logger.Error("failed to record request", "error", err)
		}
		rawPerRequest := s.proxy.pricing.RawPerRequest()
		if err := s.proxy.store.IncreaseTotalSpend(s.clientAccount, rawPerRequest); err != nil {
			s.logger.Error("failed to debit request", "error", err)
		}
		if s.proxy.metrics != nil {
			s.proxy.metrics.BillingDebits.WithLabelValues("request").Inc()
		}

		balance, err := s.proxy.store.GetBillBalance(s.clientAccount)
		if err != nil {
			s.logger.Error("failed to read balance, denying service", "error", err)
			s.respond(streamID, false, ctrlmsg.ReasonNegativeBalance)
			s.mux.DelStream(streamID)
			s.recordOutcome("ledger_error")
			return
		}
		if balance.IsNegative() {
			s.respond(streamID, false, ctrlmsg.ReasonNegativeBalance)
			s.mux.DelStream(streamID)
			s.recordOutcome("negative_balance")
			if s.proxy.metrics != nil {
				s.proxy.metrics.NegativeBalance.Inc()
			}
			return
		}
	}

	conn, err := net.DialTimeout("tcp", net.JoinHostPort(msg.DstAddr, strconv.Itoa(int(msg.DstPort))), outboundConnectTimeout)
	if err != nil {
		s.logger.Warn("outbound connect failed", "addr", msg.DstAddr, "port", msg.DstPort, "error", err)
		s.respond(streamID, false, "")
		s.mux.DelStream(streamID)
		s.recordOutcome("connect_failed")
		s.maybePushBalance()
		return
	}

	s.outboundMu.Lock()
	s.outbound[streamID] = conn
	s.outboundMu.Unlock()

	s.respond(streamID, true, "")
	s.recordOutcome("ok")
	if s.proxy.metrics != nil {
		s.proxy.metrics.StreamsTotal.Inc()
		s.proxy.metrics.StreamsActive.Inc()
	}

	go s.pumpOutboundToWS(streamID, conn)

	s.maybePushBalance()
}

func (s *serverSession) recordOutcome(outcome string) {
	if s.proxy.metrics != nil {
		s.proxy.metrics.RequestsTotal.WithLabelValues(outcome).Inc()
	}
}

// maybePushBalance implements the warn-threshold push (spec.md §4.7 step 3,
// GLOSSARY "Warn threshold"): only evaluated after a REQUEST-caused debit,
// never on every byte debit.
func (s *serverSession) maybePushBalance() {
	if s.clientAccount == "" {
		return
	}
	balance, err := s.proxy.store.GetBillBalance(s.clientAccount)
	if err != nil {
		s.logger.Error("failed to read balance for warn-threshold check", "error", err)
		return
	}
	if balance.LessThan(s.proxy.pricing.WarnThreshold()) {
		s.pushBalance()
	}
}

func (s *serverSession) pushBalance() {
	bill, err := s.proxy.store.GetBill(s.clientAccount)
	if err != nil {
		s.logger.Error("failed to load bill for balance push", "error", err)
		return
	}
	balance := ctrlmsg.NewBalance(
		bill.Balance.String(),
		bill.TotalPay.String(),
		bill.TotalSpend.String(),
		strconv.FormatUint(bill.TotalRequests, 10),
		strconv.FormatUint(bill.TotalBytes, 10),
	)
	if err := s.sendCtrl(balance); err != nil {
		s.logger.Error("failed to push balance", "error", err)
		return
	}
	if s.proxy.metrics != nil {
		s.proxy.metrics.BalancePushes.Inc()
	}
}

func (s *serverSession) respond(streamID uint32, result bool, reason string) {
	resp := ctrlmsg.NewResponse(streamID, result, reason)
	if err := s.sendCtrl(resp); err != nil {
		s.logger.Error("failed to send response", "stream_id", streamID, "error", err)
	}
}

// handleBinary decodes one BINARY mux frame and, for bytes flowing into
// this session (client -> target), debits bytes and writes to the target
// socket; an empty payload is the half-close marker.
func (s *serverSession) handleBinary(frame []byte) {
	streamID, payload, err := mux.Decode(frame)
	if err != nil {
		s.logger.Warn("dropping malformed mux frame", "error", err)
		return
	}

	s.outboundMu.Lock()
	conn, ok := s.outbound[streamID]
	s.outboundMu.Unlock()
	if !ok {
		s.logger.Debug("dropping frame for unknown stream_id", "stream_id", streamID)
		return
	}

	if s.proxy.metrics != nil {
		s.proxy.metrics.BytesForwarded.WithLabelValues("client_to_target").Add(float64(len(payload)))
	}
	payload = s.debitBytes(len(payload), payload)

	if len(payload) > 0 {
		if _, err := conn.Write(payload); err != nil {
			s.logger.Debug("outbound write failed", "stream_id", streamID, "error", err)
			s.closeOutbound(streamID)
			return
		}
		return
	}

	s.closeOutbound(streamID)
}

// debitBytes applies the per-byte charge for n bytes and returns payload
// unchanged, unless the post-debit balance has gone negative, in which case
// it returns an empty slice to force a half-close (spec.md §4.7 step 2).
func (s *serverSession) debitBytes(n int, payload []byte) []byte {
	if s.clientAccount == "" || n == 0 {
		return payload
	}

	if err := s.proxy.store.IncreaseTotalBytes(s.clientAccount, uint64(n)); err != nil {
		s.logger.Error("failed to record bytes", "error", err)
	}
	rawPerByte := s.proxy.pricing.RawPerByte()
	spend := rawPerByte.Mul(decimal.NewFromInt(int64(n)))
	if err := s.proxy.store.IncreaseTotalSpend(s.clientAccount, spend); err != nil {
		s.logger.Error("failed to debit bytes", "error", err)
	}
	if s.proxy.metrics != nil {
		s.proxy.metrics.BillingDebits.WithLabelValues("byte").Inc()
	}

	balance, err := s.proxy.store.GetBillBalance(s.clientAccount)
	if err != nil {
		s.logger.Error("failed to read balance after byte debit", "error", err)
		return payload
	}
	if balance.IsNegative() {
		return nil
	}
	return payload
}

// pumpOutboundToWS reads from the target socket and forwards chunks as
// BINARY mux frames, debiting bytes the same way as the inbound direction,
// until EOF (which is forwarded as the empty-payload half-close marker).
func (s *serverSession) pumpOutboundToWS(streamID uint32, conn net.Conn) {
	defer func() {
		s.outboundMu.Lock()
		delete(s.outbound, streamID)
		s.outboundMu.Unlock()
		s.mux.DelStream(streamID)
		if s.proxy.metrics != nil {
			s.proxy.metrics.StreamsActive.Dec()
		}
	}()

	buf := make([]byte, pumpChunkSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			payload := s.debitBytes(n, buf[:n])
			if s.proxy.metrics != nil {
				s.proxy.metrics.BytesForwarded.WithLabelValues("target_to_client").Add(float64(n))
			}

			frame := mux.Encode(streamID, payload)
			if sendErr := s.ws.Send(transport.FrameBinary, frame); sendErr != nil {
				return
			}
			if len(payload) == 0 {
				// debitBytes forced a half-close (negative balance); the
				// empty frame just sent already is the EOF marker.
				return
			}
		}
		if err != nil {
			break
		}
	}

	_ = s.ws.Send(transport.FrameBinary, mux.Encode(streamID, nil))
}

func (s *serverSession) closeOutbound(streamID uint32) {
	s.outboundMu.Lock()
	conn, ok := s.outbound[streamID]
	delete(s.outbound, streamID)
	s.outboundMu.Unlock()
	if ok {
		_ = conn.Close()
	}
	s.mux.DelStream(streamID)
}

func (s *serverSession) closeAllOutbound() {
	s.outboundMu.Lock()
	conns := make([]net.Conn, 0, len(s.outbound))
	for id, conn := range s.outbound {
		conns = append(conns, conn)
		delete(s.outbound, id)
	}
	s.outboundMu.Unlock()
	for _, conn := range conns {
		_ = conn.Close()
	}
}
