package authgate

import (
	"fmt"
	"strings"
)

// Property is one key=value pair attached to a ResultFragment, e.g.
// smtp.mailfrom=sender@example.com or header.d=example.com.
type Property struct {
	Key   string
	Value string
}

func (p Property) String() string {
	return fmt.Sprintf("%s=%s", p.Key, p.Value)
}

// ResultFragment is one method=result entry destined for the
// Authentication-Results header. Multiple fragments may share the same
// Method (DKIM emits one fragment per signature); the assembler renders each
// as its own semicolon-separated entry.
type ResultFragment struct {
	Method     string
	Result     string // pass, fail, none, temperror, permerror, softfail, neutral, ...
	Comment    string // rendered verbatim in parentheses after the result token, if non-empty
	Properties []Property
}

// String renders the fragment as it appears inside the Authentication-Results
// header, excluding the leading "; " separator the assembler adds between
// fragments.
func (f ResultFragment) String() string {
	var b strings.Builder
	b.WriteString(f.Method)
	b.WriteByte('=')
	b.WriteString(f.Result)
	if f.Comment != "" {
		b.WriteString(" (")
		b.WriteString(f.Comment)
		b.WriteByte(')')
	}
	for _, p := range f.Properties {
		b.WriteByte(' ')
		b.WriteString(p.String())
	}
	return b.String()
}

// TempError reports whether this fragment represents a handler temperror,
// per §7's propagation policy: handler errors are reified as fragments, never
// propagated as Go errors out of the pipeline.
func (f ResultFragment) TempError() bool { return f.Result == "temperror" }

// PermError reports whether this fragment represents a handler permerror.
func (f ResultFragment) PermError() bool { return f.Result == "permerror" }

// AuxHeader is an auxiliary, informational header emitted alongside (not as
// part of) the canonical Authentication-Results line — e.g. X-PTR-*. Added
// via Context.AddAuxHeader, corresponding to add_c_auth_header.
type AuxHeader struct {
	Name  string
	Value string
}
