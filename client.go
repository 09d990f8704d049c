package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AlpacaTunnel/alpaca-proxy/pkg/account"
	"github.com/AlpacaTunnel/alpaca-proxy/pkg/ctrlmsg"
	"github.com/AlpacaTunnel/alpaca-proxy/pkg/mux"
	"github.com/AlpacaTunnel/alpaca-proxy/pkg/socks5"
	"github.com/AlpacaTunnel/alpaca-proxy/pkg/transport"
)

// requestTimeout bounds how long a local SOCKS5 client waits for the
// server's RESPONSE before this proxy reports connection failure locally.
const requestTimeout = 15 * time.Second

// socks5ReadBufSize is how much is read per socket call while accumulating
// a SOCKS5 greeting or request.
const socks5ReadBufSize = 512

// ClientProxy is the local SOCKS5 front end (C7): it accepts local TCP
// connections, speaks SOCKS5 to them, and multiplexes each over one
// reconnecting WebSocket session to the server, signing a SIGNATURE in
// response to CHARGE when a nano seed is configured.
type ClientProxy struct {
	dialCfg transport.DialConfig
	key     *account.Key // nil when the operator did not configure a nano seed

	metrics *Metrics
	logger  Logger

	sessionMu sync.RWMutex
	session   *clientSession
}

// NewClientProxy wires a ClientProxy. key may be nil, meaning this client
// cannot respond to a CHARGE and can only use unmetered servers.
func NewClientProxy(dialCfg transport.DialConfig, key *account.Key, metrics *Metrics, logger Logger) *ClientProxy {
	return &ClientProxy{
		dialCfg: dialCfg,
		key:     key,
		metrics: metrics,
		logger:  logger.NewSystem("client-proxy"),
	}
}

// Run drives the reconnection supervisor until ctx is cancelled or a
// reconnect gives up after exhausting its dial attempts.
func (p *ClientProxy) Run(ctx context.Context) error {
	sup := transport.NewSupervisor(p.dialCfg)
	return sup.Run(ctx, p.handleSession, p.onDisconnect)
}

func (p *ClientProxy) handleSession(ctx context.Context, ws *transport.Session) {
	sessionID := uuid.NewString()
	cs := &clientSession{
		proxy:      p,
		ws:         ws,
		mux:        mux.New(mux.RoleClient),
		pending:    make(map[uint32]chan ctrlmsg.Message),
		localConns: make(map[uint32]net.Conn),
		logger:     p.logger.With("session_id", sessionID),
	}

	p.sessionMu.Lock()
	p.session = cs
	p.sessionMu.Unlock()

	if p.metrics != nil {
		p.metrics.SessionsTotal.Inc()
		p.metrics.SessionsActive.Inc()
		defer p.metrics.SessionsActive.Dec()
	}

	cs.run(ctx)
}

// onDisconnect aborts every stream owned by the dead session: pending
// REQUESTs fail locally and every locally-held socket is closed, since
// streams are never resumed across a reconnect (spec.md §4.4).
func (p *ClientProxy) onDisconnect() {
	p.sessionMu.Lock()
	cs := p.session
	p.session = nil
	p.sessionMu.Unlock()

	if cs != nil {
		cs.abortAll()
	}
}

func (p *ClientProxy) currentSession() *clientSession {
	p.sessionMu.RLock()
	defer p.sessionMu.RUnlock()
	return p.session
}

// ListenAndServe runs the local SOCKS5 accept loop until ctx is cancelled
// or the listener fails.
func (p *ClientProxy) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("client: failed to listen on %s: %w", addr, err)
	}
	p.logger.Info("socks5 listener started", "addr", addr)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("client: accept failed: %w", err)
		}
		go p.handleLocalConn(ctx, conn)
	}
}

func (p *ClientProxy) handleLocalConn(ctx context.Context, conn net.Conn) {
	parser := &socks5.Parser{}

	if _, err := readSocks5(conn, parser.ReceiveGreeting); err != nil {
		p.logger.Debug("socks5 greeting failed", "error", err)
		_ = conn.Close()
		return
	}
	if _, err := conn.Write(socks5.SendGreeting()); err != nil {
		_ = conn.Close()
		return
	}

	if _, err := readSocks5(conn, parser.ReceiveRequest); err != nil {
		p.logger.Debug("socks5 request failed", "error", err)
		_ = conn.Close()
		return
	}

	cs := p.currentSession()
	if cs == nil {
		_, _ = conn.Write(socks5.SendFailedResponse(socks5.ErrGeneric))
		_ = conn.Close()
		return
	}

	streamID := cs.mux.NewStream()
	respCh := make(chan ctrlmsg.Message, 1)
	cs.registerPending(streamID, respCh)
	defer cs.unregisterPending(streamID)

	req := ctrlmsg.NewRequest(streamID, parser.AddressType, parser.DstAddr, parser.DstPort)
	if err := cs.sendCtrl(req); err != nil {
		_, _ = conn.Write(socks5.SendFailedResponse(socks5.ErrGeneric))
		_ = conn.Close()
		return
	}

	select {
	case resp, ok := <-respCh:
		if !ok || resp.Result == nil || !*resp.Result {
			reason := ""
			if resp.Reason != nil {
				reason = *resp.Reason
			}
			p.logger.Debug("request refused", "stream_id", streamID, "reason", reason)
			_, _ = conn.Write(socks5.SendFailedResponse(socks5.ErrGeneric))
			_ = conn.Close()
			return
		}
	case <-time.After(requestTimeout):
		_, _ = conn.Write(socks5.SendFailedResponse(socks5.ErrGeneric))
		_ = conn.Close()
		return
	case <-ctx.Done():
		_ = conn.Close()
		return
	}

	if _, err := conn.Write(socks5.SendSuccessResponse()); err != nil {
		_ = conn.Close()
		cs.removeLocalConn(streamID)
		return
	}

	cs.registerLocalConn(streamID, conn)
	if p.metrics != nil {
		p.metrics.StreamsTotal.Inc()
		p.metrics.StreamsActive.Inc()
		defer p.metrics.StreamsActive.Dec()
	}

	cs.pumpLocalToWS(streamID, conn)
}

// readSocks5 repeatedly calls step with the accumulated buffer, reading
// more bytes from conn whenever it reports NeedMore, until Done or error.
func readSocks5(conn net.Conn, step func([]byte) (socks5.Status, error)) ([]byte, error) {
	buf := make([]byte, 0, socks5ReadBufSize)
	tmp := make([]byte, socks5ReadBufSize)
	for {
		status, err := step(buf)
		if err != nil {
			return buf, err
		}
		if status == socks5.Done {
			return buf, nil
		}
		n, err := conn.Read(tmp)
		if err != nil {
			return buf, fmt.Errorf("client: socks5 read failed: %w", err)
		}
		buf = append(buf, tmp[:n]...)
	}
}

// clientSession holds the per-WebSocket-connection state: the mux live set,
// pending REQUESTs awaiting a RESPONSE, and the local sockets each live
// stream is spliced to.
type clientSession struct {
	proxy *ClientProxy
	ws    *transport.Session
	mux   *mux.Multiplexer

	pendingMu sync.Mutex
	pending   map[uint32]chan ctrlmsg.Message

	localMu    sync.Mutex
	localConns map[uint32]net.Conn

	logger Logger
}

func (cs *clientSession) run(ctx context.Context) {
	for {
		kind, data, err := cs.ws.Recv()
		if err != nil {
			cs.logger.Debug("session ended", "error", err)
			return
		}

		switch kind {
		case transport.FrameText:
			cs.handleText(data)
		case transport.FrameBinary:
			cs.handleBinary(data)
		}
	}
}

func (cs *clientSession) sendCtrl(m ctrlmsg.Message) error {
	data, err := ctrlmsg.Encode(m)
	if err != nil {
		return err
	}
	return cs.ws.Send(transport.FrameText, data)
}

func (cs *clientSession) handleText(data []byte) {
	msg, err := ctrlmsg.Decode(data)
	if err != nil {
		cs.logger.Warn("closing session on malformed control message", "error", err)
		cs.ws.Close()
		return
	}

	switch msg.MsgType {
	case ctrlmsg.MsgTypeCharge:
		cs.handleCharge(msg)
	case ctrlmsg.MsgTypeResponse:
		cs.resolvePending(msg)
	case ctrlmsg.MsgTypeBalance:
		cs.logger.Info("balance update",
			"balance", msg.Balance, "total_pay", msg.TotalPay, "total_spend", msg.TotalSpend,
			"total_requests", msg.TotalRequests, "total_bytes", msg.TotalBytes)
	}
}

// handleCharge responds to a CHARGE by proving ownership of the configured
// account: sign a fresh timestamped nonce and send it back as SIGNATURE.
// If no nano seed is configured, the session stays unverified and every
// REQUEST on it will be refused by the server.
func (cs *clientSession) handleCharge(msg ctrlmsg.Message) {
	if cs.proxy.key == nil {
		cs.logger.Warn("server requires payment but no nano seed is configured", "coin", msg.Coin)
		return
	}

	clientAccount := cs.proxy.key.Account()
	timestampedMsg := fmt.Sprintf("%d-message-to-sign", time.Now().Unix())
	sig := hex.EncodeToString(account.Sign(cs.proxy.key.Private, []byte(timestampedMsg)))

	sigMsg := ctrlmsg.NewSignature(clientAccount, timestampedMsg, sig)
	if err := cs.sendCtrl(sigMsg); err != nil {
		cs.logger.Error("failed to send signature", "error", err)
	}
}

func (cs *clientSession) registerPending(streamID uint32, ch chan ctrlmsg.Message) {
	cs.pendingMu.Lock()
	defer cs.pendingMu.Unlock()
	cs.pending[streamID] = ch
}

func (cs *clientSession) unregisterPending(streamID uint32) {
	cs.pendingMu.Lock()
	defer cs.pendingMu.Unlock()
	delete(cs.pending, streamID)
}

func (cs *clientSession) resolvePending(msg ctrlmsg.Message) {
	cs.pendingMu.Lock()
	ch, ok := cs.pending[msg.StreamID]
	cs.pendingMu.Unlock()
	if !ok {
		cs.logger.Debug("dropping response for unknown stream_id", "stream_id", msg.StreamID)
		return
	}
	ch <- msg
}

func (cs *clientSession) registerLocalConn(streamID uint32, conn net.Conn) {
	cs.localMu.Lock()
	defer cs.localMu.Unlock()
	cs.localConns[streamID] = conn
}

func (cs *clientSession) removeLocalConn(streamID uint32) {
	cs.localMu.Lock()
	conn, ok := cs.localConns[streamID]
	delete(cs.localConns, streamID)
	cs.localMu.Unlock()
	if ok {
		_ = conn.Close()
	}
	cs.mux.DelStream(streamID)
}

// handleBinary decodes one mux frame arriving from the server and forwards
// it to the local socket that stream belongs to; an empty payload is the
// half-close marker.
func (cs *clientSession) handleBinary(frame []byte) {
	streamID, payload, err := mux.Decode(frame)
	if err != nil {
		cs.logger.Warn("dropping malformed mux frame", "error", err)
		return
	}

	cs.localMu.Lock()
	conn, ok := cs.localConns[streamID]
	cs.localMu.Unlock()
	if !ok {
		cs.logger.Debug("dropping frame for unknown stream_id", "stream_id", streamID)
		return
	}

	if len(payload) == 0 {
		cs.removeLocalConn(streamID)
		return
	}

	if _, err := conn.Write(payload); err != nil {
		cs.logger.Debug("local write failed", "stream_id", streamID, "error", err)
		cs.removeLocalConn(streamID)
	}
}

// pumpLocalToWS reads from the local socket and forwards chunks as BINARY
// mux frames until EOF, then sends the half-close marker.
func (cs *clientSession) pumpLocalToWS(streamID uint32, conn net.Conn) {
	defer cs.removeLocalConn(streamID)

	buf := make([]byte, pumpChunkSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			frame := mux.Encode(streamID, buf[:n])
			if sendErr := cs.ws.Send(transport.FrameBinary, frame); sendErr != nil {
				return
			}
		}
		if err != nil {
			break
		}
	}

	_ = cs.ws.Send(transport.FrameBinary, mux.Encode(streamID, nil))
}

// abortAll closes every locally-held socket and fails every pending REQUEST,
// used when the owning WebSocket session has died.
func (cs *clientSession) abortAll() {
	cs.localMu.Lock()
	conns := make([]net.Conn, 0, len(cs.localConns))
	for id, conn := range cs.localConns {
		conns = append(conns, conn)
		delete(cs.localConns, id)
	}
	cs.localMu.Unlock()
	for _, conn := range conns {
		_ = conn.Close()
	}

	cs.pendingMu.Lock()
	chans := make([]chan ctrlmsg.Message, 0, len(cs.pending))
	for id, ch := range cs.pending {
		chans = append(chans, ch)
		delete(cs.pending, id)
	}
	cs.pendingMu.Unlock()
	for _, ch := range chans {
		close(ch)
	}
}
