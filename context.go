package authgate

import (
	"log/slog"
	"net"
	"time"
)

// Path is an envelope address (MAIL FROM or RCPT TO) plus the ESMTP
// parameters the client sent alongside it.
type Path struct {
	Address string
	Params  map[string]string
}

// Context is the typed scratchpad shared by every handler processing one
// message, per §3 and §4.C. It is constructed at connection accept, mutated
// only from the single goroutine driving that connection's protocol engine,
// and destroyed at connection close — §5 deliberately gives it no lock: all
// handler dispatch for a connection is sequential.
type Context struct {
	// Connection-scoped fields, set once and stable for the life of the TCP
	// or UNIX connection.
	ClientIP     net.IP
	ClientRDNS   string // reverse-DNS PTR name for ClientIP, "" until resolved
	VerifiedPTR  bool   // whether ClientRDNS's forward lookup resolves back to ClientIP
	HeloName     string
	IsLocalIP    bool
	IsTrustedIP  bool
	IsAuthenticated bool

	// Message-scoped fields, reset at EOM finalization and at ABORT.
	EnvelopeFrom Path
	EnvelopeRcpt []Path
	QueueID      string

	handlerState    map[string]any
	resultFragments []ResultFragment
	auxHeaders      []AuxHeader

	exitOnClose      bool
	exitOnCloseError bool

	disposition     Disposition
	dispositionReason string

	// Logger is enriched with conn_id at construction and with queue_id once
	// known, giving every handler log line automatic correlation per §4.C.
	Logger *slog.Logger

	connID    string
	startedAt time.Time
}

// NewContext constructs a Context for a freshly accepted connection. connID
// is typically a ULID minted by the caller (see authgate/utils).
func NewContext(connID string, clientIP net.IP, logger *slog.Logger) *Context {
	if logger == nil {
		logger = slog.Default()
	}
	return &Context{
		ClientIP:     clientIP,
		handlerState: make(map[string]any),
		disposition:  DispositionContinue,
		Logger:       logger.With(slog.String("conn_id", connID)),
		connID:       connID,
		startedAt:    time.Now(),
	}
}

// ConnID returns the connection-correlation identifier assigned at accept.
func (c *Context) ConnID() string { return c.connID }

// SetQueueID records the MTA-assigned queue id and re-derives Logger so every
// subsequent log line carries it, per §4.C's "debug log callback keyed by
// queue_id."
func (c *Context) SetQueueID(id string) {
	c.QueueID = id
	c.Logger = c.Logger.With(slog.String("queue_id", id))
}

// State returns the handler's private scratch object, registered by an
// earlier call to SetState, and whether it was present.
func (c *Context) State(handler string) (any, bool) {
	v, ok := c.handlerState[handler]
	return v, ok
}

// SetState stores handler's private per-message scratch object (e.g. DKIM's
// streaming verifier accumulator).
func (c *Context) SetState(handler string, v any) {
	c.handlerState[handler] = v
}

// IsExternal reports whether the client is neither local, trusted, nor
// authenticated — the guard condition several handlers (PTR, ADSP) use to
// short-circuit, per §4.D.
func (c *Context) IsExternal() bool {
	return !c.IsLocalIP && !c.IsTrustedIP && !c.IsAuthenticated
}

// AddAuthHeader appends a fragment destined for the canonical
// Authentication-Results line. result_fragments is append-only within a
// message per §3's invariant; nothing may remove or overwrite a fragment
// once appended.
func (c *Context) AddAuthHeader(f ResultFragment) {
	c.resultFragments = append(c.resultFragments, f)
}

// AddAuxHeader appends a purely informational header (e.g. X-PTR-*) that is
// not part of the canonical Authentication-Results line — add_c_auth_header
// in §4.C's terms.
func (c *Context) AddAuxHeader(name, value string) {
	c.auxHeaders = append(c.auxHeaders, AuxHeader{Name: name, Value: value})
}

// Fragments returns the accumulated result fragments in append order. The
// slice is owned by the Context; callers must not mutate it.
func (c *Context) Fragments() []ResultFragment { return c.resultFragments }

// AuxHeaders returns the accumulated auxiliary headers in append order.
func (c *Context) AuxHeaders() []AuxHeader { return c.auxHeaders }

// setDisposition moves the disposition toward d unless override is set, in
// which case it is applied unconditionally — the "global operator policy may
// override on final assembly" escape hatch in §3's monotonicity invariant.
func (c *Context) setDisposition(d Disposition, reason string, override bool) {
	if override || d.stricterThan(c.disposition) {
		c.disposition = d
		c.dispositionReason = reason
	}
}

// SetReject requests a reject disposition. Per §3, disposition only ever
// moves toward strictness; a handler cannot downgrade a reject already set
// by an earlier handler in the same message.
func (c *Context) SetReject(reason string) { c.setDisposition(DispositionReject, reason, false) }

// SetQuarantine requests a quarantine disposition.
func (c *Context) SetQuarantine(reason string) {
	c.setDisposition(DispositionQuarantine, reason, false)
}

// SetTempfail requests a tempfail disposition.
func (c *Context) SetTempfail(reason string) {
	c.setDisposition(DispositionTempfail, reason, false)
}

// SetDiscard requests a discard disposition.
func (c *Context) SetDiscard(reason string) { c.setDisposition(DispositionDiscard, reason, false) }

// SetAccept requests an accept disposition.
func (c *Context) SetAccept(reason string) { c.setDisposition(DispositionAccept, reason, false) }

// Override forces the disposition regardless of the current value — the
// "global operator policy" escape hatch from §3, used by the Engine at final
// assembly only, never by handlers.
func (c *Context) Override(d Disposition, reason string) {
	c.setDisposition(d, reason, true)
}

// Disposition returns the current accumulated disposition and the reason
// string attached when it was last (successfully) set.
func (c *Context) Disposition() (Disposition, string) { return c.disposition, c.dispositionReason }

// RequestExitOnClose sets the sticky flag asking the worker to terminate
// after this message, used by debug/diagnostic paths and fatal handler
// errors per §3 and §7.
func (c *Context) RequestExitOnClose(isError bool) {
	c.exitOnClose = true
	c.exitOnCloseError = c.exitOnCloseError || isError
}

// ExitOnClose reports whether the worker should terminate after this
// message, and whether that request was due to an error.
func (c *Context) ExitOnClose() (requested, isError bool) {
	return c.exitOnClose, c.exitOnCloseError
}

// ResetMessage clears every message-scoped field, ready for the next message
// on the same connection (milter EOM success) or discarding a partial one
// (ABORT). Connection-scoped fields (ClientIP, HeloName, trust flags) survive.
//
// The open question of whether partial result_fragments accumulated before
// ABORT should be preserved for a debug dump is resolved here: they are
// discarded, and the caller is expected to log the discarded count at DEBUG
// before calling ResetMessage (the Context itself has no opinion on logging
// policy for its own reset).
func (c *Context) ResetMessage() {
	c.EnvelopeFrom = Path{}
	c.EnvelopeRcpt = nil
	c.QueueID = ""
	c.handlerState = make(map[string]any)
	c.resultFragments = nil
	c.auxHeaders = nil
	c.disposition = DispositionContinue
	c.dispositionReason = ""
}
