package mssql

import (
	"context"
	"encoding/binary"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// connState is the Request/Response Engine's state machine.
type connState int32

const (
	connIdle connState = iota
	connWriting
	connAwaitingHeader
	connAwaitingTokens
	connCancelling
	connClosed
)

func (s connState) String() string {
	switch s {
	case connIdle:
		return "idle"
	case connWriting:
		return "writing"
	case connAwaitingHeader:
		return "awaiting_header"
	case connAwaitingTokens:
		return "awaiting_tokens"
	case connCancelling:
		return "cancelling"
	case connClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection is one TDS session: a socket, its framer/decoder, and the
// session state (database, collation, transaction descriptor) that
// ENVCHANGE events mutate over the connection's lifetime.
type Connection struct {
	cfg *Config
	log optionalLogger

	mu sync.Mutex
	state connState

	netConn net.Conn
	buf *tdsBuffer
	wtr *tdsWriter

	packetSize int
	tdsVersion uint32

	database string
	collation collation
	txDescriptor uint64
	activitySeq uint32
	activityID uuid.UUID

	// dirty marks a connection that was handed back to the pool without
	// a clean terminal DONE: the next outbound message stamps
	// RESETCONNECTION. sessionReady tracks whether the session-defaults
	// SET batch has ever been sent.
	dirty bool
	sessionReady bool

	retry *RetryPolicy

	closed int32
}

// Dial opens a TCP (optionally TLS-upgraded) connection to cfg's host
// and performs the full handshake state machine: PRELOGIN, optional
// in-band TLS upgrade, LOGIN7, and absorption of the LOGINACK/
// ENVCHANGE/FEATUREEXTACK/DONE sequence that completes it.
// A routing ENVCHANGE transparently redirects to the advertised
// target and restarts the handshake there ("Routing").
func Dial(ctx context.Context, cfg *Config) (*Connection, error) {
	const maxRedirects = 3
	host, port := cfg.Host, cfg.Port
	for attempt := 0; ; attempt++ {
		c, redirect, err := dialOnce(ctx, cfg, host, port)
		if err != nil {
			return nil, err
		}
		if redirect == nil {
			return c, nil
		}
		c.Close()
		if attempt >= maxRedirects {
			return nil, newProtocolError("too many routing redirects (last target %s:%d)", redirect.Host, redirect.Port)
		}
		host, port = redirect.Host, int(redirect.Port)
	}
}

func dialOnce(ctx context.Context, cfg *Config, host string, port int) (*Connection, *RoutingInfo, error) {
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, nil, newTimeoutError("connect", err)
	}

	loginCtx := ctx
	var cancel context.CancelFunc
	if cfg.LoginTimeout > 0 {
		loginCtx, cancel = context.WithTimeout(ctx, cfg.LoginTimeout)
		defer cancel()
	}

	netConn, serverName := raw, host

	// PRELOGIN
	preloginWtr := newTdsWriter(netConn, defaultPacketSize)
	opts := buildPreloginOptions(cfg.TLS.Mode, cfg.Instance, false)
	if err := preloginWtr.sendMessage(PacketPreLogin, encodePrelogin(opts)); err != nil {
		raw.Close()
		return nil, nil, newTimeoutError("login", err)
	}

	preloginBuf := newTdsBuffer(netConn, defaultPacketSize)
	pktType, err := preloginBuf.BeginRead()
	if err != nil {
		raw.Close()
		return nil, nil, err
	}
	if pktType != PacketPreLogin {
		raw.Close()
		return nil, nil, newProtocolError("unexpected packet type %v in PRELOGIN reply", pktType)
	}
	respPayload := preloginBuf.rbuf[preloginBuf.rpos:]
	respOpts, err := parsePreloginResponse(respPayload)
	if err != nil {
		raw.Close()
		return nil, nil, err
	}

	serverEnc := encryptOff
	if b, ok := respOpts[preloginEncryption]; ok && len(b) == 1 {
		serverEnc = b[0]
	}
	useTLS, err := negotiatedEncryption(cfg.TLS.Mode, serverEnc)
	if err != nil {
		raw.Close()
		return nil, nil, err
	}

	if useTLS {
		tlsCfg, err := cfg.TLS.build(serverName)
		if err != nil {
			raw.Close()
			return nil, nil, err
		}
		upgraded, err := upgradeToTLS(loginCtx, netConn, tlsCfg, cfg.TLS.Mode)
		if err != nil {
			raw.Close()
			return nil, nil, err
		}
		netConn = upgraded
	}

	c := &Connection{
		cfg: cfg,
		log: cfg.Logger,
		netConn: netConn,
		buf: newTdsBuffer(netConn, int(cfg.PacketSize)),
		wtr: newTdsWriter(netConn, int(cfg.PacketSize)),
		packetSize: int(cfg.PacketSize),
		tdsVersion: tdsVersion,
		database: cfg.Database,
		retry: newRetryPolicy(cfg.Retry),
		activityID: uuid.New(),
	}
	if c.log == nil {
		c.log = noopLogger{}
	}

	fields := loginFields{
		HostName: hostnameOf(),
		UserName: cfg.User,
		Password: cfg.Password,
		AppName: cfg.AppName,
		ServerName: serverName,
		CtlIntName: "go-mssql",
		Language: "",
		Database: cfg.Database,
		ClientPID: uint32(processID()),
		PacketSize: cfg.PacketSize,
		ClientLCID: 0x00000409,
		UseIntegratedSecurity: cfg.Auth == AuthIntegrated,
		WantColumnEncryption: cfg.ColumnEncryption.Enabled,
	}
	if cfg.Auth == AuthFederatedAAD && cfg.TokenProvider != nil {
		tok, err := cfg.TokenProvider()
		if err != nil {
			netConn.Close()
			return nil, nil, newAuthenticationFailedError("fetching federated auth token", err)
		}
		fields.FedAuthToken = []byte(tok)
	}

	if err := c.wtr.sendMessage(PacketLogin7, buildLogin7(fields)); err != nil {
		netConn.Close()
		return nil, nil, newTimeoutError("login", err)
	}

	ch := make(chan interface{}, 16)
	go decodeTokenStream(c.buf, &cfg.ColumnEncryption, ch)

	var loginErr *Error
	var routing *RoutingInfo
loginLoop:
	for {
		select {
		case <-loginCtx.Done():
			netConn.Close()
			return nil, nil, newTimeoutError("login", loginCtx.Err())
		case ev, ok := <-ch:
			if !ok {
				break loginLoop
			}
			switch v := ev.(type) {
			case error:
				netConn.Close()
				return nil, nil, newAuthenticationFailedError("login failed", v)
			case LoginAckEvent:
				c.tdsVersion = v.TDSVersion
			case EnvChangeEvent:
				c.applyEnvChange(v)
				if v.Type == envRouting && v.RoutingInfo != nil {
					routing = v.RoutingInfo
				}
			case ServerMessageEvent:
				if v.Message.IsError() {
					msg := v.Message
					loginErr = &msg
				}
			case DoneEvent:
				if !v.MoreResults() {
					break loginLoop
				}
			}
		}
	}
	if loginErr != nil {
		netConn.Close()
		return nil, nil, newAuthenticationFailedError(loginErr.Message, *loginErr)
	}
	if routing != nil {
		return c, routing, nil
	}

	c.state = connIdle
	if err := c.ensureSessionDefaults(loginCtx); err != nil {
		netConn.Close()
		return nil, nil, err
	}
	return c, nil, nil
}

func (c *Connection) applyEnvChange(ev EnvChangeEvent) {
	switch ev.Type {
	case envTypDatabase:
		c.database = ev.NewValue
	case envTypPacketSize:
		if n, err := strconv.Atoi(ev.NewValue); err == nil {
			c.packetSize = n
			c.buf.ResizeBuffer(n)
			c.wtr.packetSize = n
		}
	case envSQLCollation:
		if len(ev.NewBytes) >= 5 {
			c.collation = collation{
				LcidAndFlags: uint32(ev.NewBytes[0]) | uint32(ev.NewBytes[1])<<8 | uint32(ev.NewBytes[2])<<16 | uint32(ev.NewBytes[3])<<24,
				SortID: ev.NewBytes[4],
			}
		}
	case envTypBeginTran, envPromoteTran:
		if len(ev.NewBytes) == 8 {
			c.txDescriptor = binary.LittleEndian.Uint64(ev.NewBytes)
		}
	case envTypCommitTran, envTypRollbackTran:
		c.txDescriptor = 0
	case envResetConnAck:
		c.dirty = false
	}
}

// ensureSessionDefaults sends the configured SET-statement batch once
// per connection, at the end of Dial ("Session defaults"). sessionReady
// is never cleared, so a later RESETCONNECTION does not cause the batch
// to be sent again.
func (c *Connection) ensureSessionDefaults(ctx context.Context) error {
	if c.sessionReady {
		return nil
	}
	stmts := c.cfg.Session.Statements()
	if len(stmts) == 0 {
		c.sessionReady = true
		return nil
	}
	sql := ""
	for i, s := range stmts {
		if i > 0 {
			sql += "; "
		}
		sql += s
	}
	events, err := c.SendBatch(ctx, sql)
	if err != nil {
		return err
	}
	for range events {
		// drain; session-default batches are not expected to error.
	}
	c.sessionReady = true
	return nil
}

// nextActivitySeq returns a per-request sequence number for the
// synthesized ALL_HEADERS activity-ID header.
func (c *Connection) nextActivitySeq() uint32 {
	return atomic.AddUint32(&c.activitySeq, 1)
}

// beginRequest transitions Idle -> Writing, rejecting concurrent use of
// the single in-flight request slot: the engine is a single-writer,
// single-reader rendezvous, and parallel use is a programming error.
func (c *Connection) beginRequest() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == connClosed {
		return newConnectionClosedError(nil)
	}
	if c.state != connIdle {
		return newProtocolError("connection busy: state is %v, expected idle", c.state)
	}
	c.state = connWriting
	return nil
}

func (c *Connection) setState(s connState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// sendFramed writes payload as a message of type t, stamping the
// RESETCONNECTION status bit on the first packet when the connection
// is dirty from a prior lease. Pre-7.1 servers never negotiate far
// enough to reach this client (it always announces 7.4), but the
// sp_reset_connection fallback below covers a routed/legacy server
// that downgrades it.
func (c *Connection) sendFramed(t PacketType, payload []byte) error {
	if c.tdsVersion < 0x71000001 && c.dirty {
		return c.sendSpResetConnectionFallback(t, payload)
	}
	packets := c.wtr.framer.Encode(t, payload, c.wtr.packetSize)
	if c.dirty && len(packets) > 0 {
		packets[0][1] |= statusResetConnection
	}
	for _, pkt := range packets {
		if _, err := c.netConn.Write(pkt); err != nil {
			return err
		}
	}
	c.dirty = false
	return nil
}

// sendSpResetConnectionFallback is the pre-7.1 technique: issue
// sp_reset_connection as its own RPC before the caller's message,
// since the RESETCONNECTION packet-status bit has no effect on a
// server that never negotiated 7.1+.
func (c *Connection) sendSpResetConnectionFallback(t PacketType, payload []byte) error {
	hdrs := allHeaders(c.txDescriptor, 1, c.activityID, c.nextActivitySeq())
	name := str2ucs2("sp_reset_connection")
	body := append([]byte{byte(len(name) / 2), byte(len(name) / 2 >> 8)}, name...)
	body = append(body, 0, 0) // option flags
	rpcPayload := append(append([]byte{}, hdrs...), body...)
	if err := c.wtr.sendMessage(PacketRPC, rpcPayload); err != nil {
		return err
	}
	c.dirty = false
	return c.wtr.sendMessage(t, payload)
}

// SendBatch issues a SQLBATCH message and returns the fully-drained
// event sequence once the terminal DONE arrives.
func (c *Connection) SendBatch(ctx context.Context, sql string) ([]Event, error) {
	ch, err := c.StreamBatch(ctx, sql)
	if err != nil {
		return nil, err
	}
	var events []Event
	var srvErr *Error
	for ev := range ch {
		switch v := ev.(type) {
		case error:
			return events, v
		case ServerMessageEvent:
			if v.Message.IsError() && (srvErr == nil || v.Message.Class > srvErr.Class) {
				m := v.Message
				srvErr = &m
			}
			events = append(events, v)
		case Event:
			events = append(events, v)
		}
	}
	if srvErr != nil {
		return events, newServerError(*srvErr)
	}
	return events, nil
}

// StreamBatch is SendBatch's lazy form: the returned channel delivers
// events as they are decoded, closing when the request is fully
// drained. Cancelling ctx sends ATTENTION and drains the attention-ack.
func (c *Connection) StreamBatch(ctx context.Context, sql string) (<-chan interface{}, error) {
	hdrs := allHeaders(c.txDescriptor, 1, c.activityID, c.nextActivitySeq())
	payload := encodeSQLBatch(hdrs, sql)
	return c.send(ctx, PacketSQLBatch, payload)
}

// SendRPC issues an RPC message for a named or well-known procedure
// with its parameter list.
func (c *Connection) SendRPC(ctx context.Context, procName string, procID uint16, options uint16, params []Param) (<-chan interface{}, error) {
	hdrs := allHeaders(c.txDescriptor, 1, c.activityID, c.nextActivitySeq())
	var body []byte
	if procName != "" {
		name := str2ucs2(procName)
		body = append(body, byte(len(name)/2), byte(len(name)/2>>8))
		body = append(body, name...)
	} else {
		body = append(body, 0xff, 0xff)
		body = append(body, byte(procID), byte(procID>>8))
	}
	body = append(body, byte(options), byte(options>>8))
	for _, p := range params {
		body = append(body, encodeRPCParam(p)...)
	}
	payload := append(append([]byte{}, hdrs...), body...)
	return c.send(ctx, PacketRPC, payload)
}

// SendBulkLoad frames an already-formatted COLMETADATA+rows payload as
// a BULK_LOAD message; row formatting itself stays out of scope.
func (c *Connection) SendBulkLoad(ctx context.Context, formattedPayload []byte) (<-chan interface{}, error) {
	return c.send(ctx, PacketBulkLoad, formattedPayload)
}

func (c *Connection) send(ctx context.Context, t PacketType, payload []byte) (<-chan interface{}, error) {
	if err := c.beginRequest(); err != nil {
		return nil, err
	}
	if err := c.sendFramed(t, payload); err != nil {
		c.setState(connClosed)
		return nil, newConnectionClosedError(err)
	}
	c.setState(connAwaitingTokens)

	raw := make(chan interface{}, 32)
	go decodeTokenStream(c.buf, &c.cfg.ColumnEncryption, raw)

	out := make(chan interface{}, 32)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				c.cancelInFlight(raw)
				out <- newCancelledError()
				c.setState(connIdle)
				return
			case ev, ok := <-raw:
				if !ok {
					c.setState(connIdle)
					return
				}
				if envEv, ok := ev.(EnvChangeEvent); ok {
					c.applyEnvChange(envEv)
				}
				out <- ev
			}
		}
	}()
	return out, nil
}

// SendAttention cancels the current request: an ATTENTION packet,
// followed by draining tokens until a DONE with the attention-ack bit
// arrives ("ATTENTION").
func (c *Connection) SendAttention(ctx context.Context) error {
	c.setState(connCancelling)
	hdr := packetHeader{Type: PacketAttention, Status: statusEOM, Length: packetHeaderSize, PacketID: 1}
	if _, err := c.netConn.Write(hdr.marshal()); err != nil {
		return err
	}
	ch := make(chan interface{}, 32)
	go decodeTokenStream(c.buf, &c.cfg.ColumnEncryption, ch)
	if !drainForAttentionAck(ctx, ch) {
		c.setState(connClosed)
		return newProtocolError("attention not acknowledged before drain budget exceeded")
	}
	c.setState(connIdle)
	return nil
}

func (c *Connection) cancelInFlight(raw <-chan interface{}) {
	hdr := packetHeader{Type: PacketAttention, Status: statusEOM, Length: packetHeaderSize, PacketID: 1}
	c.netConn.Write(hdr.marshal())
	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	drainForAttentionAck(drainCtx, raw)
}

// MarkDirty flags the connection so the next outbound message stamps
// RESETCONNECTION, used by the pool when a lease ends mid-stream
// without a clean terminal DONE.
func (c *Connection) MarkDirty() { c.dirty = true }

// Database is the current database as tracked by the most recent
// ENVCHANGE.
func (c *Connection) Database() string { return c.database }

// TransactionDescriptor is the current 8-byte transaction descriptor,
// zero outside a transaction ("Transaction tracking").
func (c *Connection) TransactionDescriptor() uint64 { return c.txDescriptor }

// Close sends nothing further and tears down the socket, transitioning
// the connection to Closed.
func (c *Connection) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	c.setState(connClosed)
	return c.netConn.Close()
}

// Healthy reports whether the connection is usable for a new request.
func (c *Connection) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state != connClosed
}

func hostnameOf() string {
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "localhost"
}

func processID() int32 { return int32(os.Getpid()) }
