package milter

// ProtocolSteps is the SMFIP_* capability bitset a milter sends during
// negotiation to tell the MTA which lifecycle events it does NOT want to
// see. §4.F requires every event, so authgate always negotiates with every
// "NO*" bit cleared — the zero value, ProtocolNone.
type ProtocolSteps uint32

const (
	ProtocolNone      ProtocolSteps = 0
	ProtocolNoConnect ProtocolSteps = 1 << 0
	ProtocolNoHelo    ProtocolSteps = 1 << 1
	ProtocolNoMailFrom ProtocolSteps = 1 << 2
	ProtocolNoRcptTo  ProtocolSteps = 1 << 3
	ProtocolNoBody    ProtocolSteps = 1 << 4
	ProtocolNoHeaders ProtocolSteps = 1 << 5
	ProtocolNoEOH     ProtocolSteps = 1 << 6
)

// Actions is the SMFIF_* bitset a milter advertises for the modifications it
// may request. §4.F requires CHGBODY, QUARANTINE, and SETSENDER.
type Actions uint32

const (
	ActionAddHeaders  Actions = 1 << 0
	ActionChangeBody  Actions = 1 << 1
	ActionAddRcpt     Actions = 1 << 2
	ActionDeleteRcpt  Actions = 1 << 3
	ActionChangeHeaders Actions = 1 << 4
	ActionQuarantine  Actions = 1 << 5
	ActionSetSender   Actions = 1 << 7
)

// DefaultActions is the action bitset authgate negotiates: CHGBODY,
// QUARANTINE, and SETSENDER, per §4.F.
const DefaultActions = ActionChangeBody | ActionQuarantine | ActionSetSender

// DefaultProtocolSteps is the protocol-steps bitset authgate negotiates:
// every "NO*" bit cleared, so every lifecycle event reaches the engine.
const DefaultProtocolSteps ProtocolSteps = ProtocolNone

// protocolVersion is the milter wire protocol version authgate speaks.
const protocolVersion uint32 = 6
