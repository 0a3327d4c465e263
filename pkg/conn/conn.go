// Package conn implements the client connection state machine for the TDS
// wire protocol: one socket, an optional TLS tunnel, a packet
// framer, a token parser, and an authentication strategy, carried through
// the PRELOGIN/LOGIN7 handshake to Idle and back through the
// execute/cancel/reset lifecycle a pooled connection goes through.
package conn

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/tdscatalog/mssqlclient/pkg/errors"
	"github.com/tdscatalog/mssqlclient/pkg/log"
	"github.com/tdscatalog/mssqlclient/pkg/tds"
)

// State is the connection's position in its lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateIdle
	StateExecuting
	StateCancelling
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateIdle:
		return "idle"
	case StateExecuting:
		return "executing"
	case StateCancelling:
		return "cancelling"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// AuthMode selects which authentication strategy a Config uses.
type AuthMode int

const (
	AuthSQL AuthMode = iota
	AuthFedAuth
)

// TokenProvider acquires an Azure AD bearer token for FEDAUTH. Use
// NewFedAuthTokenCache to get one that caches across Dial calls; Dial
// invalidates it and retries login once if the server rejects the token
// as expired (state 129).
type TokenProvider func(ctx context.Context) (jwt string, err error)

// Config carries everything a Dial needs to establish and authenticate one
// connection.
type Config struct {
	Host       string
	Port       int
	Instance   string
	Database   string
	User       string
	Password   string
	AppName    string
	ServerName string // SNI / Azure gateway routing hostname; defaults to Host

	Encryption         uint8 // tds.EncryptOn/Off/Req/Strict
	InsecureSkipVerify bool  // must be explicit; never the default

	AuthMode      AuthMode
	TokenProvider TokenProvider

	// InvalidateToken evicts a cached FEDAUTH token after the server
	// rejects it as expired (state 129), before the one allowed login
	// retry re-acquires a fresh one. Pair with NewFedAuthTokenCache; nil
	// is safe and simply skips eviction.
	InvalidateToken func()

	ConnectTimeout time.Duration
	PacketSize     uint32
	ClientPID      uint32
	ClientLCID     uint32
	ReadOnlyIntent bool

	Logger *log.Logger
}

func (c Config) withDefaults() Config {
	if c.PacketSize == 0 {
		c.PacketSize = tds.DefaultPacketSize
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.ServerName == "" {
		c.ServerName = c.Host
	}
	if c.AppName == "" {
		c.AppName = "mssqlclient"
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	return c
}

// ansiInitBatch is the fixed SET batch required before a connection (or a
// reused, reset connection) is admitted to Idle.
const ansiInitBatch = "SET CONCAT_NULL_YIELDS_NULL ON;" +
	"SET ANSI_WARNINGS ON;" +
	"SET ANSI_NULLS ON;" +
	"SET ANSI_PADDING ON;" +
	"SET QUOTED_IDENTIFIER ON;"

// Conn owns one socket, an optional TLS wrapper, a framer, and a parser. It
// is not safe for concurrent use by multiple goroutines — the pool (pkg/pool)
// hands out exclusive ownership of each Conn to one caller at a time.
type Conn struct {
	mu sync.Mutex

	cfg Config

	rawConn    net.Conn // always the TCP socket, for deadlines/Close
	activeConn net.Conn // rawConn, or the *tls.Conn once upgraded
	reader     *bufio.Reader
	writer     *bufio.Writer
	parser     *tds.Parser

	packetSize int
	packetIDs  *tds.PacketIDSequencer
	spid       uint16
	tdsVersion uint32
	database   string

	state State

	txnDescriptor [8]byte
	inTransaction bool
	pinned        bool

	resetPending bool // next ExecuteBatch/ExecuteRPC sets RESET_CONNECTION

	createdAt time.Time
	lastUsed  time.Time

	transportLog *log.CategoryLogger
	protocolLog  *log.CategoryLogger
	authLog      *log.CategoryLogger
}

// Dial establishes a TDS connection: TCP connect, PRELOGIN, optional TLS
// upgrade, LOGIN7, and the ANSI initialization batch.
// On any failure the raw socket is closed and a classified error is
// returned. A FEDAUTH login rejected for an expired token (state 129) is
// retried exactly once, against a fresh socket, after InvalidateToken
// evicts the stale cached value.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	cfg = cfg.withDefaults()

	c, err := dialOnce(ctx, cfg)
	if err != nil && cfg.AuthMode == AuthFedAuth && errors.IsCode(err, errors.ErrCodeTokenExpired) {
		if cfg.InvalidateToken != nil {
			cfg.InvalidateToken()
		}
		cfg.Logger.Auth().Warn("fedauth token rejected as expired, retrying login once")
		c, err = dialOnce(ctx, cfg)
	}
	return c, err
}

func dialOnce(ctx context.Context, cfg Config) (*Conn, error) {
	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrCodeConnectionFailed, "mssql: dialing %s", addr).
			WithField("host", cfg.Host).WithField("port", cfg.Port).Err()
	}
	if err := tuneSocket(raw); err != nil {
		cfg.Logger.Transport().Warn("socket tuning failed, continuing with defaults", "addr", addr, "error", err)
	}

	c := &Conn{
		cfg:          cfg,
		rawConn:      raw,
		activeConn:   raw,
		packetSize:   tds.DefaultPacketSize,
		packetIDs:    tds.NewPacketIDSequencer(),
		spid:         0,
		parser:       tds.NewParser(),
		state:        StateConnecting,
		createdAt:    time.Now(),
		transportLog: cfg.Logger.Transport(),
		protocolLog:  cfg.Logger.Protocol(),
		authLog:      cfg.Logger.Auth(),
	}
	c.reader = bufio.NewReaderSize(c.activeConn, tds.MaxPacketSize)
	c.writer = bufio.NewWriterSize(c.activeConn, tds.MaxPacketSize)

	c.transportLog.Info("dialing", "addr", addr)

	if err := c.handshake(ctx); err != nil {
		raw.Close()
		return nil, err
	}

	c.state = StateIdle
	c.lastUsed = time.Now()
	return c, nil
}

func (c *Conn) handshake(ctx context.Context) error {
	if deadline, ok := ctx.Deadline(); ok {
		c.rawConn.SetDeadline(deadline)
		defer c.rawConn.SetDeadline(time.Time{})
	}

	requestFedAuth := c.cfg.AuthMode == AuthFedAuth
	preReq := tds.BuildPreloginRequest(c.cfg.Instance, c.cfg.Encryption, requestFedAuth)
	if err := c.sendMessage(tds.PacketPrelogin, preReq.Encode(), false); err != nil {
		return c.transportErr(err, "sending PRELOGIN")
	}

	respBody, err := c.readWholeMessage()
	if err != nil {
		return c.transportErr(err, "reading PRELOGIN response")
	}
	preResp, err := tds.ParsePrelogin(respBody)
	if err != nil {
		return c.protocolErr(err, "parsing PRELOGIN response")
	}

	if preResp.Encryption == tds.EncryptNotSup && c.cfg.Encryption == tds.EncryptOn {
		return errors.New(errors.ErrCodeTLSError, "mssql: server does not support encryption but client required it").
			WithField("server_name", c.cfg.ServerName).Err()
	}

	if preResp.Encryption != tds.EncryptNotSup && preResp.Encryption != tds.EncryptOff {
		if err := c.upgradeTLS(); err != nil {
			return err
		}
	}

	c.tdsVersion = tds.VerTDS74
	if err := c.sendLogin7(ctx); err != nil {
		return err
	}

	if err := c.readLoginResponse(); err != nil {
		return err
	}

	c.protocolLog.Info("negotiated",
		"tds_version", tds.VersionString(c.tdsVersion),
		"packet_size", c.packetSize,
		"spid", c.spid)

	if err := c.execAnsiInit(ctx); err != nil {
		return errors.Wrap(err, errors.ErrCodeProtocolError, "mssql: ANSI initialization batch failed").Err()
	}

	return nil
}

func (c *Conn) upgradeTLS() error {
	tlsCfg := &tls.Config{InsecureSkipVerify: c.cfg.InsecureSkipVerify}

	tlsConn, err := tds.UpgradeClientTLS(c.rawConn, tlsCfg, c.cfg.ServerName, c.cfg.ConnectTimeout)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeTLSTunnelFailed, "mssql: TLS handshake failed").Err()
	}
	c.activeConn = tlsConn
	c.reader = bufio.NewReaderSize(c.activeConn, tds.MaxPacketSize)
	c.writer = bufio.NewWriterSize(c.activeConn, tds.MaxPacketSize)
	c.transportLog.Info("tls established", "server_name", c.cfg.ServerName)
	return nil
}

func (c *Conn) sendLogin7(ctx context.Context) error {
	hostname, _ := os.Hostname()
	loginCfg := tds.LoginConfig{
		HostName:       hostname,
		UserName:       c.cfg.User,
		Password:       c.cfg.Password,
		AppName:        c.cfg.AppName,
		ServerName:     c.cfg.ServerName,
		CtlIntName:     "ODBC",
		Language:       "",
		Database:       c.cfg.Database,
		PacketSize:     c.cfg.PacketSize,
		ClientPID:      c.cfg.ClientPID,
		ClientLCID:     c.cfg.ClientLCID,
		ReadOnlyIntent: c.cfg.ReadOnlyIntent,
		FedAuth:        c.cfg.AuthMode == AuthFedAuth,
	}
	body := tds.BuildLogin7(loginCfg, c.tdsVersion)
	if err := c.sendMessage(tds.PacketLogin7, body, false); err != nil {
		return c.transportErr(err, "sending LOGIN7")
	}
	return nil
}

// readLoginResponse drains the server's post-LOGIN7 token stream: LOGINACK,
// ENVCHANGE(s), and either a final DONE or, for FEDAUTH, a FEDAUTHINFO token
// the caller must answer before the server sends LOGINACK/DONE.
func (c *Conn) readLoginResponse() error {
	for {
		tok, err := c.nextTokenLocked(0)
		if err != nil {
			return c.protocolErr(err, "reading LOGIN7 response")
		}
		switch tok.Kind {
		case tds.KindLoginAck:
			c.tdsVersion = tok.LoginAck.TDSVersion
		case tds.KindEnvChange:
			c.applyEnvChange(tok.EnvChange)
		case tds.KindFedAuthInfo:
			if err := c.answerFedAuth(tok.FedAuthInfo); err != nil {
				return err
			}
		case tds.KindError:
			if tok.Error.IsExpiredToken() {
				return errors.Newf(errors.ErrCodeTokenExpired, "mssql: FEDAUTH token rejected as expired: %s", tok.Error.Message).
					WithField("number", tok.Error.Number).WithField("state", tok.Error.State).Err()
			}
			if tok.Error.IsLoginFailure() {
				return errors.Newf(errors.ErrCodeAuthFailed, "mssql: login failed: %s", tok.Error.Message).
					WithField("number", tok.Error.Number).WithField("state", tok.Error.State).Err()
			}
			return errors.Newf(errors.ErrCodeProtocolError, "mssql: %s", tok.Error.Message).Err()
		case tds.KindInfo:
			c.authLog.Info(tok.Info.Message)
		case tds.KindDone:
			if !tok.Done.More() {
				return nil
			}
		}
	}
}

// answerFedAuth acquires an Azure AD token via the configured TokenProvider
// and sends it as a FEDAUTH_TOKEN packet.
func (c *Conn) answerFedAuth(info tds.FedAuthInfoToken) error {
	if c.cfg.TokenProvider == nil {
		return errors.New(errors.ErrCodeFedAuthDenied, "mssql: server requested FEDAUTH but no token provider is configured").
			WithField("sts_url", info.STSURL).WithField("spn", info.SPN).Err()
	}
	jwt, err := c.cfg.TokenProvider(context.Background())
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeTokenAcquire, "mssql: acquiring FEDAUTH token").Err()
	}
	body := tds.EncodeUTF16LE(jwt)
	if err := c.sendMessage(tds.PacketFedAuthToken, body, false); err != nil {
		return c.transportErr(err, "sending FEDAUTH token")
	}
	return nil
}

func (c *Conn) applyEnvChange(ec tds.EnvChangeToken) {
	switch ec.Type {
	case tds.EnvTypBeginTran, tds.EnvTypCommitTran, tds.EnvTypRollbackTran:
		if len(ec.Raw) == 8 {
			copy(c.txnDescriptor[:], ec.Raw)
		}
		if ec.Type != tds.EnvTypBeginTran {
			c.txnDescriptor = [8]byte{}
			c.inTransaction = false
		} else {
			c.inTransaction = true
		}
	case tds.EnvTypDatabase:
		if ec.NewValue != "" {
			c.database = ec.NewValue
		}
	}
}

// execAnsiInit runs the fixed ANSI SET batch. Failure here is
// fatal: the connection must not be admitted to Idle.
func (c *Conn) execAnsiInit(ctx context.Context) error {
	return c.ExecuteBatch(ctx, ansiInitBatch, func(tds.Token) error { return nil })
}

// ExecuteBatch sends a SQL_BATCH and invokes onToken for every token in the
// response until a final DONE. It is the low-level primitive the streaming
// result engine and the DML batcher build on.
func (c *Conn) ExecuteBatch(ctx context.Context, sql string, onToken func(tds.Token) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	body := tds.BuildSQLBatch(sql, c.txnDescriptor, 1)
	if err := c.sendMessage(tds.PacketSQLBatch, body, c.takeResetPending()); err != nil {
		return c.transportErr(err, "sending SQL_BATCH")
	}
	c.state = StateExecuting
	return c.drainUntilDone(ctx, onToken)
}

// ExecuteRPC sends an RPC_REQUEST (sp_executesql or another well-known
// procedure) and invokes onToken for every token in the response.
func (c *Conn) ExecuteRPC(ctx context.Context, req tds.RPCRequest, onToken func(tds.Token) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	req.TransactionDescriptor = c.txnDescriptor
	if req.OutstandingRequests == 0 {
		req.OutstandingRequests = 1
	}
	body, err := tds.BuildRPCRequest(req)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeQueryFailed, "mssql: building RPC request").Err()
	}
	if err := c.sendMessage(tds.PacketRPCRequest, body, c.takeResetPending()); err != nil {
		return c.transportErr(err, "sending RPC_REQUEST")
	}
	c.state = StateExecuting
	return c.drainUntilDone(ctx, onToken)
}

// SetDiscardRows toggles whether the connection's parser cheaply skips
// ROW/NBCROW bodies instead of decoding them. It is lock-free (an atomic
// flag on the parser, not guarded by c.mu) so a caller on another
// goroutine — the stream reader deciding to abandon a result set while
// the producer goroutine is still mid-drain inside ExecuteBatch — can
// flip it without waiting on the batch to finish.
func (c *Conn) SetDiscardRows(discard bool) {
	c.parser.SetSkipRows(discard)
}

func (c *Conn) drainUntilDone(ctx context.Context, onToken func(tds.Token) error) error {
	if onToken == nil {
		onToken = func(tds.Token) error { return nil }
	}
	defer c.SetDiscardRows(false)
	for {
		tok, err := c.nextTokenLocked(deadlineOf(ctx))
		if err != nil {
			c.state = StateClosed
			return c.transportErr(err, "reading batch response")
		}
		if ec := tok.EnvChange; tok.Kind == tds.KindEnvChange {
			c.applyEnvChange(ec)
		}
		if tok.Kind == tds.KindDone && !tok.Done.More() {
			c.state = StateIdle
			c.lastUsed = time.Now()
			return onToken(tok)
		}
		if err := onToken(tok); err != nil {
			return err
		}
	}
}

// takeResetPending clears and returns the reset-on-reuse flag.
func (c *Conn) takeResetPending() bool {
	v := c.resetPending
	c.resetPending = false
	return v
}

// MarkForReset arranges for the next batch/RPC this connection sends to
// carry RESET_CONNECTION. Nothing in this module calls it: pkg/pool hands
// out reused connections without a reset, and the ANSI initialization
// batch is not resent after a reset.
func (c *Conn) MarkForReset() { c.resetPending = true }

// SendAttention emits a zero-payload ATTENTION packet to cancel the
// in-flight request.
func (c *Conn) SendAttention() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateCancelling
	return c.sendMessage(tds.PacketAttention, nil, false)
}

// Cancel sends ATTENTION and drains the response, skipping rows, until a
// DONE with DONE_ATTN arrives or cancelTimeout elapses. On timeout the
// caller must Close the connection rather than return it to the pool.
func (c *Conn) Cancel(cancelTimeout time.Duration) error {
	if err := c.SendAttention(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateDraining
	c.SetDiscardRows(true)
	defer c.SetDiscardRows(false)

	deadline := time.Now().Add(cancelTimeout)
	for time.Now().Before(deadline) {
		tok, err := c.nextTokenLocked(10 * time.Millisecond)
		if err != nil {
			c.state = StateClosed
			return err
		}
		if tok.Kind == tds.KindDone && tok.Done.Attn() {
			c.state = StateIdle
			return nil
		}
	}
	c.state = StateClosed
	return errors.New(errors.ErrCodeQueryTimeout, "mssql: cancel drain did not complete within cancel_timeout").Err()
}

// State returns the connection's current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Pin marks this connection as bound to a host transaction; the pool must
// not return a pinned connection to the idle set.
func (c *Conn) Pin()   { c.mu.Lock(); c.pinned = true; c.mu.Unlock() }
func (c *Conn) Unpin() { c.mu.Lock(); c.pinned = false; c.mu.Unlock() }
func (c *Conn) Pinned() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pinned
}

func (c *Conn) InTransaction() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inTransaction
}

// SPID returns the server process id assigned at LOGINACK time.
func (c *Conn) SPID() uint16 { return c.spid }

// PacketSize returns the packet size this connection frames outbound
// messages with (tds.DefaultPacketSize); a packet-size ENVCHANGE from the
// server is not applied.
func (c *Conn) PacketSize() int { return c.packetSize }

// Database returns the current database, tracked from ENVCHANGE.
func (c *Conn) Database() string { return c.database }

// LastUsed returns the time of the last completed batch/RPC.
func (c *Conn) LastUsed() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsed
}

// Close closes the underlying socket (and TLS layer, if any).
func (c *Conn) Close() error {
	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	return c.rawConn.Close()
}

// --- packet-level plumbing ---

func (c *Conn) sendMessage(pktType tds.PacketType, payload []byte, reset bool) error {
	maxPayload := c.packetSize - tds.HeaderSize
	if maxPayload <= 0 {
		maxPayload = tds.DefaultPacketSize - tds.HeaderSize
	}
	remaining := payload

	for {
		isLast := len(remaining) <= maxPayload
		var chunk []byte
		if isLast {
			chunk = remaining
		} else {
			chunk = remaining[:maxPayload]
			remaining = remaining[maxPayload:]
		}

		status := tds.StatusNormal
		if isLast {
			status |= tds.StatusEOM
		}
		if reset {
			status |= tds.StatusResetConnection
		}

		hdr := tds.Header{
			Type:     pktType,
			Status:   status,
			Length:   uint16(tds.HeaderSize + len(chunk)),
			SPID:     c.spid,
			PacketID: c.packetIDs.Next(),
		}
		if err := hdr.Write(c.writer); err != nil {
			return err
		}
		if len(chunk) > 0 {
			if _, err := c.writer.Write(chunk); err != nil {
				return err
			}
		}

		if isLast {
			break
		}
	}
	return c.writer.Flush()
}

// readWholeMessage reads one complete, possibly multi-packet, TDS message
// and returns its concatenated payload — used only for PRELOGIN, whose
// response the parser does not model as a token stream.
func (c *Conn) readWholeMessage() ([]byte, error) {
	var data []byte
	for {
		hdr, err := tds.ReadHeader(c.reader)
		if err != nil {
			return nil, err
		}
		if err := hdr.Validate(); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeMalformedToken, "mssql: reading message packet").Err()
		}
		n := hdr.PayloadLength()
		if n > 0 {
			buf := make([]byte, n)
			if _, err := io.ReadFull(c.reader, buf); err != nil {
				return nil, err
			}
			data = append(data, buf...)
		}
		if hdr.IsLastPacket() {
			return data, nil
		}
	}
}

// nextTokenLocked reads from the wire only as needed to produce one token,
// feeding raw packet payloads to the parser. Callers
// must already hold c.mu. timeout of 0 means no deadline.
func (c *Conn) nextTokenLocked(timeout time.Duration) (tds.Token, error) {
	for {
		tok, err := c.parser.TryParseNext()
		if err != nil {
			return tds.Token{}, err
		}
		if tok.Kind != tds.KindNeedMoreData {
			return tok, nil
		}

		if timeout > 0 {
			c.rawConn.SetReadDeadline(time.Now().Add(timeout))
		} else {
			c.rawConn.SetReadDeadline(time.Time{})
		}
		hdr, err := tds.ReadHeader(c.reader)
		if err != nil {
			return tds.Token{}, err
		}
		if err := hdr.Validate(); err != nil {
			return tds.Token{}, errors.Wrap(err, errors.ErrCodeMalformedToken, "mssql: reading response packet").Err()
		}
		n := hdr.PayloadLength()
		if n > 0 {
			buf := make([]byte, n)
			if _, err := io.ReadFull(c.reader, buf); err != nil {
				return tds.Token{}, err
			}
			c.parser.Feed(buf)
		}
		if hdr.Type == tds.PacketReply {
			c.spid = hdr.SPID
		}
	}
}

func deadlineOf(ctx context.Context) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d > 0 {
			return d
		}
	}
	return 0
}

func (c *Conn) transportErr(err error, op string) error {
	c.transportLog.Error(op, err)
	return errors.Wrapf(err, errors.ErrCodeConnectionFailed, "mssql: %s", op).WithOp(op).Err()
}

func (c *Conn) protocolErr(err error, op string) error {
	c.protocolLog.Error(op, err)
	return errors.Wrapf(err, errors.ErrCodeProtocolError, "mssql: %s", op).WithOp(op).Err()
}
