package authgate

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Assembler builds the single Authentication-Results header from the
// fragments a message's handlers accumulated, per §4.H. It is stateless:
// given the same fragment list (same order, same content) it always
// produces byte-identical output, which §8's invariants rely on for testing
// handler ordering.
type Assembler struct {
	caser cases.Caser
}

// NewAssembler constructs an Assembler. The lower-casing of method and
// result tokens uses golang.org/x/text/cases rather than strings.ToLower so
// that normalization is governed by the same Unicode case-folding tables the
// rest of the stack uses, keeping behavior identical across locales.
func NewAssembler() *Assembler {
	return &Assembler{caser: cases.Lower(language.Und)}
}

// Assemble renders "<serverID>; method1=result1 k=v; method2=result2 …".
// Exact-duplicate fragments (identical method, result, comment, and
// properties) are de-duplicated, keeping the first occurrence's position —
// method ordering otherwise mirrors handler-execution order per §5.
func (a *Assembler) Assemble(serverID string, fragments []ResultFragment) string {
	var b strings.Builder
	b.WriteString(serverID)

	seen := make(map[string]bool, len(fragments))
	for _, f := range fragments {
		f.Method = a.caser.String(f.Method)
		f.Result = a.caser.String(f.Result)
		rendered := f.String()
		if seen[rendered] {
			continue
		}
		seen[rendered] = true
		b.WriteString("; ")
		b.WriteString(rendered)
	}
	return b.String()
}

// AssembleFromContext is a convenience wrapper over Assemble for the common
// case of rendering a connection's accumulated fragments directly.
func (a *Assembler) AssembleFromContext(serverID string, ctx *Context) string {
	return a.Assemble(serverID, ctx.Fragments())
}
