package dkim

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/sentrymta/authgate"
	authgatedns "github.com/sentrymta/authgate/dns"
)

// HandlerName is this module's registration name and its Authentication-Results
// method token.
const HandlerName = "dkim"

// ResultsStateKey is where the computed []Result is stashed on the Context
// for downstream handlers (dmarc) that need DKIM alignment data.
const ResultsStateKey = "dkim:results"

// Descriptor returns the static registration descriptor for the DKIM
// handler, per §4.D: it instantiates a streaming-looking verifier at
// envfrom, accumulates canonicalized message bytes across header/eoh/body,
// and finalizes at eom.
func Descriptor() authgate.HandlerDescriptor {
	return authgate.HandlerDescriptor{
		Name: HandlerName,
		SupportedStages: []authgate.Stage{
			authgate.StageEnvFrom, authgate.StageHeader, authgate.StageEOH,
			authgate.StageBody, authgate.StageEOM,
		},
	}
}

// CheckMode mirrors the source's check_dkim option: Off disables the
// handler entirely (it would not be in load_handlers), ReportMissing emits
// dkim=none when a message carries no signatures, SuppressMissing emits
// nothing in that case (§8 scenario 3).
type CheckMode int

const (
	ReportMissing   CheckMode = 1
	SuppressMissing CheckMode = 2
)

// Handler adapts Verifier to the pipeline ABI. One instance is shared across
// every connection a worker handles; its only state is the resolver and
// config, so it is safe for concurrent per-connection use as long as each
// Context's per-message accumulator (held in handler_state) is private to
// that connection's single goroutine.
type Handler struct {
	verifier *Verifier
	mode     CheckMode
}

// New returns a Factory constructing a dkim Handler backed by resolver.
func New(resolver authgatedns.Resolver, mode CheckMode) authgate.Factory {
	return func() (authgate.Handler, error) {
		return &Handler{
			verifier: &Verifier{Resolver: resolver, MinRSAKeyBits: 1024},
			mode:     mode,
		}, nil
	}
}

func (h *Handler) Name() string { return HandlerName }

type accumulator struct {
	headers      bytes.Buffer
	body         bytes.Buffer
	sawNativeSig bool
	googleSig    string
	fromDomain   string
}

func (h *Handler) EnvFrom(ctx *authgate.Context, addr string, params map[string]string) error {
	ctx.SetState(HandlerName, &accumulator{})
	return nil
}

func (h *Handler) Header(ctx *authgate.Context, name, value string) error {
	acc := h.state(ctx)
	if acc == nil {
		return nil
	}
	if strings.EqualFold(name, "DKIM-Signature") {
		acc.sawNativeSig = true
	}
	if strings.EqualFold(name, "X-Google-DKIM-Signature") {
		acc.googleSig = value
	}
	if strings.EqualFold(name, "From") {
		acc.fromDomain = fromHeaderDomain(value)
	}
	fmt.Fprintf(&acc.headers, "%s: %s\r\n", name, value)
	return nil
}

// fromHeaderDomain extracts the domain of a From header's address,
// tolerating a leading display name.
func fromHeaderDomain(value string) string {
	addr, err := mail.ParseAddress(value)
	if err != nil {
		return ""
	}
	at := strings.LastIndex(addr.Address, "@")
	if at < 0 || at == len(addr.Address)-1 {
		return ""
	}
	return strings.ToLower(addr.Address[at+1:])
}

// EOH opportunistically ingests X-Google-DKIM-Signature as a synthesized
// DKIM-Signature header when no native signature is already present, per
// §4.D, then terminates the header block.
func (h *Handler) EOH(ctx *authgate.Context) error {
	acc := h.state(ctx)
	if acc == nil {
		return nil
	}
	if !acc.sawNativeSig && acc.googleSig != "" {
		fmt.Fprintf(&acc.headers, "DKIM-Signature: %s\r\n", acc.googleSig)
	}
	acc.headers.WriteString("\r\n")
	return nil
}

func (h *Handler) Body(ctx *authgate.Context, chunk []byte) error {
	acc := h.state(ctx)
	if acc == nil {
		return nil
	}
	acc.body.Write(chunk)
	return nil
}

func (h *Handler) EOM(ctx *authgate.Context) error {
	acc := h.state(ctx)
	if acc == nil {
		return nil
	}
	message := append(append([]byte(nil), acc.headers.Bytes()...), acc.body.Bytes()...)

	results, err := h.verifier.Verify(context.Background(), message)
	if err != nil {
		return err
	}

	ctx.SetState(ResultsStateKey, results)

	passed := false
	for _, r := range results {
		if r.Status == StatusPass {
			passed = true
		}
		ctx.AddAuthHeader(fragmentFor(r))
	}

	if len(results) == 0 {
		if h.mode == ReportMissing {
			ctx.AddAuthHeader(authgate.ResultFragment{
				Method:  HandlerName,
				Result:  "none",
				Comment: "no signatures found",
			})
		}
	}

	if !passed && ctx.IsExternal() && acc.fromDomain != "" {
		h.checkLegacyPolicy(ctx, acc.fromDomain)
	}
	return nil
}

// checkLegacyPolicy looks up the deprecated ADSP/SSP policy record
// (_adsp._domainkey.<domain>, RFC 5617) for domain and emits a second
// fragment when the domain publishes one, per §4.D's note that this runs
// only for external clients whose message did not already carry a
// passing signature.
func (h *Handler) checkLegacyPolicy(ctx *authgate.Context, domain string) {
	qctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := h.verifier.Resolver.LookupTXT(qctx, "_adsp._domainkey."+domain+".")
	if err != nil || len(result.Records) == 0 {
		return
	}
	policy := parseADSPPolicy(result.Records)
	if policy == "" {
		return
	}
	ctx.AddAuthHeader(authgate.ResultFragment{
		Method: "x-adsp-dkim",
		Result: policy,
		Properties: []authgate.Property{
			{Key: "header.from", Value: domain},
		},
	})
}

func parseADSPPolicy(txts []string) string {
	for _, txt := range txts {
		for _, tag := range strings.Split(txt, ";") {
			tag = strings.TrimSpace(tag)
			if v, ok := strings.CutPrefix(tag, "dkim="); ok {
				return strings.TrimSpace(v)
			}
		}
	}
	return ""
}

func (h *Handler) state(ctx *authgate.Context) *accumulator {
	v, ok := ctx.State(HandlerName)
	if !ok {
		return nil
	}
	acc, _ := v.(*accumulator)
	return acc
}

func fragmentFor(r Result) authgate.ResultFragment {
	f := authgate.ResultFragment{Method: HandlerName, Result: string(r.Status)}
	if r.Signature == nil {
		return f
	}
	f.Properties = append(f.Properties,
		authgate.Property{Key: "header.d", Value: r.Signature.Domain},
		authgate.Property{Key: "header.i", Value: r.Signature.Identity},
		authgate.Property{Key: "header.b", Value: firstN(base64.StdEncoding.EncodeToString(r.Signature.Signature), 8)},
	)
	if r.Status == StatusPass && r.Record != nil && r.Record.Key == "rsa" {
		if bits := rsaKeyBits(r.Record.Pubkey); bits > 0 {
			f.Comment = fmt.Sprintf("%d-bit rsa key", bits)
		}
	}
	return f
}

func firstN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func rsaKeyBits(pubkey []byte) int {
	key, err := x509.ParsePKIXPublicKey(pubkey)
	if err != nil {
		return 0
	}
	type bitLener interface{ Size() int }
	if sized, ok := key.(bitLener); ok {
		return sized.Size() * 8
	}
	return 0
}

var (
	_ authgate.Handler        = (*Handler)(nil)
	_ authgate.EnvFromHandler = (*Handler)(nil)
	_ authgate.HeaderHandler  = (*Handler)(nil)
	_ authgate.EOHHandler     = (*Handler)(nil)
	_ authgate.BodyHandler    = (*Handler)(nil)
	_ authgate.EOMHandler     = (*Handler)(nil)
)
