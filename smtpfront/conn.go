package smtpfront

import (
	"bufio"
	"bytes"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/sentrymta/authgate"
	authgateio "github.com/sentrymta/authgate/io"
	"github.com/sentrymta/authgate/pipeline"
	"github.com/sentrymta/authgate/sasl"
)

// Authenticator validates SASL credentials extracted during AUTH, setting
// Context.IsAuthenticated on success. A nil Authenticator makes AUTH
// respond 502, the way a gateway with no local account store would.
type Authenticator func(creds *sasl.Credentials) bool

// IDGenerator mints the connection-correlation identifier threaded through
// every Context; authgate/utils.GenerateID satisfies this.
type IDGenerator func() string

// maxLineLength caps a single command line, per RFC 5321 §4.5.3.1.4.
const maxLineLength = 1024

// state tracks where in the dialogue this connection is, mirroring the
// teacher's ConnectionState progression trimmed to the verbs this front
// end accepts.
type state int

const (
	stateGreeted state = iota
	stateHeloSeen
	stateMailSeen
	stateRcptSeen
	stateData
)

// Conn drives one SMTP connection's command loop and dispatches every
// lifecycle event to the pipeline Scheduler, the SMTP-speaking analogue of
// milter.Session. Exactly one goroutine owns a Conn for its lifetime.
//
// Conn never relays or queues a message: it terminates the SMTP dialogue
// itself and replies with the accept/reject/tempfail/quarantine disposition
// the pipeline settled on. The assembled Authentication-Results header is
// logged rather than inserted into an outgoing message, since there is no
// downstream hop to insert it for; a deployment that needs the header
// attached to a relayed message should put authgate in front of its MTA
// as a milter instead (§4.A).
type Conn struct {
	nc        net.Conn
	r         *bufio.Reader
	w         *bufio.Writer
	scheduler *pipeline.Scheduler
	assembler *authgate.Assembler
	serverID  string
	idGen     IDGenerator
	logger    *slog.Logger

	state state
	ctx   *authgate.Context
	auth  Authenticator
}

// NewConn wraps an accepted connection.
func NewConn(nc net.Conn, scheduler *pipeline.Scheduler, assembler *authgate.Assembler, serverID string, idGen IDGenerator, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{
		nc:        nc,
		r:         bufio.NewReaderSize(nc, 4096),
		w:         bufio.NewWriter(nc),
		scheduler: scheduler,
		assembler: assembler,
		serverID:  serverID,
		idGen:     idGen,
		logger:    logger,
	}
}

// WithAuthenticator configures AUTH PLAIN/LOGIN support, returning c for
// chaining at construction time.
func (c *Conn) WithAuthenticator(a Authenticator) *Conn {
	c.auth = a
	return c
}

// Serve runs the connection to completion: greeting, command loop, and
// teardown. Every error is local to this connection; it never affects any
// other, per §7.
func (c *Conn) Serve() {
	defer c.nc.Close()

	connID := "unidentified"
	if c.idGen != nil {
		connID = c.idGen()
	}
	ip, _ := clientIP(c.nc.RemoteAddr())
	c.ctx = authgate.NewContext(connID, ip, c.logger)

	c.scheduler.Dispatch(authgate.StageConnect, c.ctx, func(h authgate.ActiveHandler) error {
		if ch, ok := h.Instance.(authgate.ConnectHandler); ok {
			return ch.Connect(c.ctx)
		}
		return nil
	})

	if err := c.reply(Response{Code: CodeServiceReady, Message: c.serverID + " authgate ready"}); err != nil {
		return
	}

	defer c.dispatchClose()

	for {
		line, err := c.readLine()
		if err != nil {
			return
		}
		if line == "" {
			continue
		}
		if done := c.handleLine(line); done {
			return
		}
	}
}

func (c *Conn) dispatchClose() {
	c.scheduler.Dispatch(authgate.StageClose, c.ctx, func(h authgate.ActiveHandler) error {
		if ch, ok := h.Instance.(authgate.CloseHandler); ok {
			return ch.Close(c.ctx)
		}
		return nil
	})
}

// handleLine processes one command line, returning true when the
// connection should close (QUIT or an unrecoverable write error).
func (c *Conn) handleLine(line string) bool {
	cmd, args, err := parseCommand(line)
	if err != nil {
		return c.reply(respCommandUnrecognized(line)) != nil
	}
	if unimplemented[cmd] {
		return c.reply(respCommandNotImpl(string(cmd))) != nil
	}

	switch cmd {
	case CmdHelo, CmdEhlo:
		return c.handleHelo(cmd, args) != nil
	case CmdMail:
		return c.handleMail(args) != nil
	case CmdRcpt:
		return c.handleRcpt(args) != nil
	case CmdData:
		return c.handleData() != nil
	case CmdRset:
		return c.handleRset() != nil
	case CmdNoop:
		return c.reply(respOK("OK")) != nil
	case CmdAuth:
		return c.handleAuth(args) != nil
	case CmdQuit:
		c.reply(Response{Code: CodeServiceClosing, Message: c.serverID + " closing connection"})
		return true
	default:
		return c.reply(respCommandUnrecognized(string(cmd))) != nil
	}
}

func (c *Conn) handleHelo(cmd Command, args string) error {
	if args == "" {
		return c.reply(respSyntaxError("HELO/EHLO requires a hostname argument"))
	}
	c.ctx.HeloName = args
	c.scheduler.Dispatch(authgate.StageHelo, c.ctx, func(h authgate.ActiveHandler) error {
		if hh, ok := h.Instance.(authgate.HeloHandler); ok {
			return hh.Helo(c.ctx, args)
		}
		return nil
	})
	c.state = stateHeloSeen
	if cmd == CmdEhlo {
		return c.replyEhlo(c.serverID, "PIPELINING", "8BITMIME")
	}
	return c.reply(respOK(c.serverID))
}

func (c *Conn) handleMail(args string) error {
	if c.state < stateHeloSeen {
		return c.reply(respBadSequence("send HELO/EHLO first"))
	}
	rest, ok := strings.CutPrefix(strings.ToUpper(args), "FROM:")
	if !ok {
		return c.reply(respSyntaxError("MAIL command must start with FROM:"))
	}
	addr, params, err := parsePathWithParams(args[len(args)-len(rest):])
	if err != nil {
		return c.reply(respSyntaxError(err.Error()))
	}
	c.ctx.EnvelopeFrom = authgate.Path{Address: addr, Params: params}
	c.scheduler.Dispatch(authgate.StageEnvFrom, c.ctx, func(h authgate.ActiveHandler) error {
		if eh, ok := h.Instance.(authgate.EnvFromHandler); ok {
			return eh.EnvFrom(c.ctx, addr, params)
		}
		return nil
	})
	c.state = stateMailSeen
	return c.reply(respOK("OK"))
}

func (c *Conn) handleRcpt(args string) error {
	if c.state < stateMailSeen {
		return c.reply(respBadSequence("send MAIL FROM first"))
	}
	rest, ok := strings.CutPrefix(strings.ToUpper(args), "TO:")
	if !ok {
		return c.reply(respSyntaxError("RCPT command must start with TO:"))
	}
	addr, params, err := parsePathWithParams(args[len(args)-len(rest):])
	if err != nil {
		return c.reply(respSyntaxError(err.Error()))
	}
	c.ctx.EnvelopeRcpt = append(c.ctx.EnvelopeRcpt, authgate.Path{Address: addr, Params: params})
	c.scheduler.Dispatch(authgate.StageEnvRcpt, c.ctx, func(h authgate.ActiveHandler) error {
		if eh, ok := h.Instance.(authgate.EnvRcptHandler); ok {
			return eh.EnvRcpt(c.ctx, addr, params)
		}
		return nil
	})
	c.state = stateRcptSeen
	return c.reply(respOK("OK"))
}

// handleAuth drives an AUTH PLAIN or AUTH LOGIN exchange to completion via
// the sasl package's Mechanism interface, then calls the configured
// Authenticator. Per RFC 4954, re-authenticating mid-transaction is
// rejected with 503.
func (c *Conn) handleAuth(args string) error {
	if c.auth == nil {
		return c.reply(respCommandNotImpl(string(CmdAuth)))
	}
	if c.ctx.IsAuthenticated {
		return c.reply(respBadSequence("already authenticated"))
	}
	if c.state >= stateMailSeen {
		return c.reply(respBadSequence("AUTH not allowed mid-transaction"))
	}

	mechName, initial, _ := strings.Cut(args, " ")
	var mech sasl.Mechanism
	switch strings.ToUpper(mechName) {
	case "PLAIN":
		mech = sasl.NewPlain()
	case "LOGIN":
		mech = sasl.NewLogin()
	default:
		return c.reply(Response{Code: CodeCommandNotImpl, EnhancedCode: ESCInvalidCommand, Message: "unsupported AUTH mechanism"})
	}

	challenge, done, err := mech.Start(initial)
	for {
		if err != nil && err != sasl.ErrAuthenticationCancelled {
			return c.reply(respSyntaxError("authentication exchange failed"))
		}
		if done {
			break
		}
		if werr := c.reply(Response{Code: 334, Message: challenge}); werr != nil {
			return werr
		}
		line, rerr := c.readLine()
		if rerr != nil {
			return rerr
		}
		challenge, done, err = mech.Next(line)
	}

	creds := mech.Credentials()
	if err != nil || creds == nil || !c.auth(creds) {
		return c.reply(Response{Code: 535, EnhancedCode: "5.7.8", Message: "Authentication credentials invalid"})
	}
	c.ctx.IsAuthenticated = true
	return c.reply(Response{Code: 235, EnhancedCode: ESCSuccess, Message: "Authentication successful"})
}

func (c *Conn) handleRset() error {
	if c.ctx != nil {
		c.ctx.ResetMessage()
	}
	c.state = stateHeloSeen
	return c.reply(respOK("OK"))
}

// handleData reads the message through the terminating "." line,
// dispatching header lines as they're parsed and the body as a single
// chunk, then replies with the Disposition the pipeline settled on.
func (c *Conn) handleData() error {
	if c.state < stateRcptSeen {
		return c.reply(respBadSequence("send RCPT TO first"))
	}
	if err := c.reply(Response{Code: CodeStartMailInput, Message: "Start mail input; end with <CRLF>.<CRLF>"}); err != nil {
		return err
	}

	inHeaders := true
	var body bytes.Buffer
	var foldedName, foldedValue string
	flushHeader := func() {
		if foldedName == "" {
			return
		}
		c.scheduler.Dispatch(authgate.StageHeader, c.ctx, func(h authgate.ActiveHandler) error {
			if hh, ok := h.Instance.(authgate.HeaderHandler); ok {
				return hh.Header(c.ctx, foldedName, foldedValue)
			}
			return nil
		})
		foldedName, foldedValue = "", ""
	}

	for {
		line, err := c.readDataLine()
		if err != nil {
			return err
		}
		if line == "." {
			break
		}
		if inHeaders {
			if line == "" {
				flushHeader()
				inHeaders = false
				c.scheduler.Dispatch(authgate.StageEOH, c.ctx, func(h authgate.ActiveHandler) error {
					if eh, ok := h.Instance.(authgate.EOHHandler); ok {
						return eh.EOH(c.ctx)
					}
					return nil
				})
				continue
			}
			if (line[0] == ' ' || line[0] == '\t') && foldedName != "" {
				foldedValue += " " + strings.TrimSpace(line)
				continue
			}
			flushHeader()
			if name, value, found := strings.Cut(line, ":"); found {
				foldedName = strings.TrimSpace(name)
				foldedValue = strings.TrimSpace(value)
			}
			continue
		}
		body.WriteString(line)
		body.WriteString("\r\n")
	}
	if inHeaders {
		flushHeader()
		c.scheduler.Dispatch(authgate.StageEOH, c.ctx, func(h authgate.ActiveHandler) error {
			if eh, ok := h.Instance.(authgate.EOHHandler); ok {
				return eh.EOH(c.ctx)
			}
			return nil
		})
	}

	chunk := body.Bytes()
	c.scheduler.Dispatch(authgate.StageBody, c.ctx, func(h authgate.ActiveHandler) error {
		if bh, ok := h.Instance.(authgate.BodyHandler); ok {
			return bh.Body(c.ctx, chunk)
		}
		return nil
	})
	c.scheduler.Dispatch(authgate.StageEOM, c.ctx, func(h authgate.ActiveHandler) error {
		if eh, ok := h.Instance.(authgate.EOMHandler); ok {
			return eh.EOM(c.ctx)
		}
		return nil
	})

	authResults := c.assembler.AssembleFromContext(c.serverID, c.ctx)
	c.logger.Debug("authentication results", "conn_id", c.ctx.ConnID(), "header", authResults)
	for _, aux := range c.ctx.AuxHeaders() {
		c.logger.Debug("auxiliary header", "conn_id", c.ctx.ConnID(), "name", aux.Name, "value", aux.Value)
	}

	disposition, reason := c.ctx.Disposition()
	if requested, isError := c.ctx.ExitOnClose(); requested {
		c.logger.Info("exit_on_close requested", "conn_id", c.ctx.ConnID(), "is_error", isError)
	}
	c.ctx.ResetMessage()
	c.state = stateHeloSeen
	return c.reply(replyFor(disposition, reason))
}

func replyFor(d authgate.Disposition, reason string) Response {
	switch d {
	case authgate.DispositionReject:
		return respRejected(reason)
	case authgate.DispositionTempfail:
		return respLocalError(reason)
	case authgate.DispositionDiscard:
		return respOK("message discarded")
	case authgate.DispositionQuarantine:
		return respOK("message quarantined: " + reason)
	default:
		return respOK("message accepted")
	}
}

// readLine reads one CRLF-terminated command line via authgateio.ReadLine,
// which rejects bare-LF line endings and 8-bit octets outside the DATA
// phase — the module's SMTP-smuggling defense.
func (c *Conn) readLine() (string, error) {
	return authgateio.ReadLine(c.r, maxLineLength, true)
}

// readDataLine reads one line of message content during the DATA phase,
// applying RFC 5321 §4.5.2 dot-unstuffing. 8-bit octets are tolerated here
// (the gateway advertised 8BITMIME), unlike command lines.
func (c *Conn) readDataLine() (string, error) {
	line, err := authgateio.ReadLine(c.r, maxLineLength, false)
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(line, "..") {
		return line[1:], nil
	}
	return line, nil
}

func (c *Conn) reply(r Response) error {
	if _, err := c.w.WriteString(r.String() + "\r\n"); err != nil {
		return err
	}
	return c.w.Flush()
}

// replyEhlo writes the multi-line EHLO greeting: greet followed by each
// extension keyword, per RFC 5321 §4.1.1.1's "250-" continuation syntax.
func (c *Conn) replyEhlo(greet string, extensions ...string) error {
	fmt.Fprintf(c.w, "%d-%s\r\n", CodeOK, greet)
	for i, ext := range extensions {
		sep := byte('-')
		if i == len(extensions)-1 {
			sep = ' '
		}
		fmt.Fprintf(c.w, "%d%c%s\r\n", CodeOK, sep, ext)
	}
	return c.w.Flush()
}

func clientIP(addr net.Addr) (net.IP, error) {
	if addr == nil {
		return nil, fmt.Errorf("smtpfront: nil remote address")
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP, nil
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return net.ParseIP(addr.String()), nil
	}
	return net.ParseIP(host), nil
}
