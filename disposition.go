package authgate

// Disposition is the final verdict returned to the MTA for a message.
type Disposition int

const (
	DispositionContinue Disposition = iota
	DispositionAccept
	DispositionQuarantine
	DispositionTempfail
	DispositionDiscard
	DispositionReject
)

// strictnessRank orders dispositions from least to most restrictive to the
// sender, matching §3's "disposition moves monotonically toward strictness"
// invariant. Accept is a deliberate final decision and outranks the
// no-opinion default Continue; Reject is the most restrictive outcome a
// handler can request.
var strictnessRank = map[Disposition]int{
	DispositionContinue:   0,
	DispositionAccept:     1,
	DispositionDiscard:    2,
	DispositionTempfail:   3,
	DispositionQuarantine: 4,
	DispositionReject:     5,
}

func (d Disposition) String() string {
	switch d {
	case DispositionContinue:
		return "continue"
	case DispositionAccept:
		return "accept"
	case DispositionQuarantine:
		return "quarantine"
	case DispositionTempfail:
		return "tempfail"
	case DispositionDiscard:
		return "discard"
	case DispositionReject:
		return "reject"
	default:
		return "unknown"
	}
}

// stricterThan reports whether d is strictly more restrictive than other.
func (d Disposition) stricterThan(other Disposition) bool {
	return strictnessRank[d] > strictnessRank[other]
}
