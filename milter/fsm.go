package milter

// State is one state of the per-connection milter FSM described in §4.F.
type State int

const (
	StateIdle State = iota
	StateNegotiated
	StateConnected
	StateHeloSeen
	StateEnvFromSeen
	StateEnvRcptSeen
	StateHeadersStreaming
	StateEOH
	StateBodyStreaming
	StateEOM
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateNegotiated:
		return "Negotiated"
	case StateConnected:
		return "Connected"
	case StateHeloSeen:
		return "HeloSeen"
	case StateEnvFromSeen:
		return "EnvFromSeen"
	case StateEnvRcptSeen:
		return "EnvRcptSeen"
	case StateHeadersStreaming:
		return "HeadersStreaming"
	case StateEOH:
		return "EOH"
	case StateBodyStreaming:
		return "BodyStreaming"
	case StateEOM:
		return "EOM"
	default:
		return "Unknown"
	}
}

// validCommands lists, for each state, the commands the FSM accepts. ABORT
// is accepted from any state ≥ StateEnvFromSeen and handled specially by the
// session (return to StateConnected); QUIT and the OptNeg/Macro
// housekeeping commands are accepted from every state and are also handled
// specially. This table covers only the lifecycle-advancing commands.
var validCommands = map[State][]Command{
	StateIdle:             {CmdOptNeg},
	StateNegotiated:       {CmdConnect},
	StateConnected:        {CmdHelo, CmdMail},
	StateHeloSeen:         {CmdMail},
	StateEnvFromSeen:      {CmdRcpt},
	StateEnvRcptSeen:      {CmdRcpt, CmdHeader, CmdEOH},
	StateHeadersStreaming: {CmdHeader, CmdEOH},
	StateEOH:              {CmdBody, CmdEOB},
	StateBodyStreaming:    {CmdBody, CmdEOB},
	StateEOM:              {CmdHelo, CmdMail},
}

// accepts reports whether cmd is a valid lifecycle-advancing command from
// state s. Callers must special-case CmdAbort, CmdQuit, CmdMacro, and
// CmdData themselves, as those are accepted from (almost) any state.
func accepts(s State, cmd Command) bool {
	for _, c := range validCommands[s] {
		if c == cmd {
			return true
		}
	}
	return false
}

// next returns the state the FSM moves to after successfully handling cmd
// in state s.
func next(s State, cmd Command) State {
	switch cmd {
	case CmdOptNeg:
		return StateNegotiated
	case CmdConnect:
		return StateConnected
	case CmdHelo:
		return StateHeloSeen
	case CmdMail:
		return StateEnvFromSeen
	case CmdRcpt:
		return StateEnvRcptSeen
	case CmdHeader:
		return StateHeadersStreaming
	case CmdEOH:
		return StateEOH
	case CmdBody:
		return StateBodyStreaming
	case CmdEOB:
		return StateEOM
	default:
		return s
	}
}
