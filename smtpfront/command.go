package smtpfront

// Command identifies an SMTP verb. Adapted from the teacher's command
// constants; BDAT/VRFY/EXPN/HELP/AUTH/STARTTLS are recognized so the
// parser can reply 502 rather than 500 for them, but only the verbs a
// policy gateway needs to see (HELO/EHLO/MAIL/RCPT/DATA/RSET/NOOP/QUIT)
// reach the pipeline.
type Command string

const (
	CmdHelo     Command = "HELO"
	CmdEhlo     Command = "EHLO"
	CmdMail     Command = "MAIL"
	CmdRcpt     Command = "RCPT"
	CmdData     Command = "DATA"
	CmdBdat     Command = "BDAT"
	CmdRset     Command = "RSET"
	CmdVrfy     Command = "VRFY"
	CmdExpn     Command = "EXPN"
	CmdNoop     Command = "NOOP"
	CmdQuit     Command = "QUIT"
	CmdStartTLS Command = "STARTTLS"
	CmdAuth     Command = "AUTH"
)

// unimplemented lists verbs the parser recognizes but the gateway does
// not act on; Conn replies 502 to these instead of dispatching them. AUTH
// is handled separately by Conn.handleAuth, gated on whether an
// Authenticator was configured.
var unimplemented = map[Command]bool{
	CmdBdat:     true,
	CmdVrfy:     true,
	CmdExpn:     true,
	CmdStartTLS: true,
}
