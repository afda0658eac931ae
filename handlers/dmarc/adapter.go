package dmarc

import (
	"context"
	"strings"
	"time"

	"github.com/sentrymta/authgate"
	ravendns "github.com/sentrymta/authgate/dns"
	"github.com/sentrymta/authgate/handlers/dkim"
	"github.com/sentrymta/authgate/handlers/spf"
)

// HandlerName is this module's registration name and its
// Authentication-Results method token.
const HandlerName = "dmarc"

// Descriptor returns this handler's static registration descriptor. DMARC
// evaluation needs the From header (captured at Header) and the finished
// DKIM alignment set, so it runs at EOM after dkim has finalized.
func Descriptor() authgate.HandlerDescriptor {
	return authgate.HandlerDescriptor{
		Name:            HandlerName,
		SupportedStages: []authgate.Stage{authgate.StageHeader, authgate.StageEOM},
		RequiresBefore: map[authgate.Stage][]string{
			authgate.StageEOM: {dkim.HandlerName},
		},
	}
}

// Handler evaluates RFC 7489 DMARC at EOM, combining the SPF and DKIM
// results already attached to the Context with the RFC5322.From header
// captured during header delivery.
type Handler struct {
	resolver              ravendns.Resolver
	applyRandomPercentage bool
	timeout               time.Duration
}

// New returns a Factory constructing a dmarc Handler backed by resolver.
// applyRandomPercentage honors the record's "pct" tag for gradual policy
// rollout, per Verify's contract.
func New(resolver ravendns.Resolver, applyRandomPercentage bool, timeout time.Duration) authgate.Factory {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return func() (authgate.Handler, error) {
		return &Handler{resolver: resolver, applyRandomPercentage: applyRandomPercentage, timeout: timeout}, nil
	}
}

func (h *Handler) Name() string { return HandlerName }

type fromHeader struct {
	value string
}

func (h *Handler) Header(ctx *authgate.Context, name, value string) error {
	if strings.EqualFold(name, "From") {
		ctx.SetState(HandlerName, &fromHeader{value: value})
	}
	return nil
}

func (h *Handler) EOM(ctx *authgate.Context) error {
	from, _ := ctx.State(HandlerName)
	fh, _ := from.(*fromHeader)
	if fh == nil || fh.value == "" {
		ctx.AddAuthHeader(authgate.ResultFragment{Method: HandlerName, Result: string(StatusNone), Comment: "no From header"})
		return nil
	}

	var spfStatus spf.Status
	var spfDomain string
	if v, ok := ctx.State(spf.StateKey); ok {
		if received, ok := v.(spf.Received); ok {
			spfStatus = received.Result
			if received.Identity == "mailfrom" {
				_, spfDomain = splitSPFIdentity(received.EnvelopeFrom)
			}
		}
	}

	var dkimResults []dkim.Result
	if v, ok := ctx.State(dkim.ResultsStateKey); ok {
		dkimResults, _ = v.([]dkim.Result)
	}

	qctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	useResult, result := VerifyMail(qctx, h.resolver, fh.value, spfStatus, spfDomain, dkimResults, h.applyRandomPercentage)
	if !useResult {
		return nil
	}

	f := authgate.ResultFragment{Method: HandlerName, Result: string(result.Status)}
	if result.Domain != "" {
		f.Properties = append(f.Properties, authgate.Property{Key: "header.from", Value: result.Domain})
	}
	ctx.AddAuthHeader(f)

	if result.Reject && ctx.IsExternal() {
		if result.Record != nil && result.Record.EffectivePolicy(result.Domain != "") == PolicyReject {
			ctx.SetReject("dmarc policy reject for " + result.Domain)
		} else {
			ctx.SetQuarantine("dmarc policy quarantine for " + result.Domain)
		}
	}
	return nil
}

func splitSPFIdentity(envelopeFrom string) (local, domain string) {
	at := strings.LastIndex(envelopeFrom, "@")
	if at < 0 {
		return envelopeFrom, ""
	}
	return envelopeFrom[:at], envelopeFrom[at+1:]
}

var (
	_ authgate.Handler       = (*Handler)(nil)
	_ authgate.HeaderHandler = (*Handler)(nil)
	_ authgate.EOMHandler    = (*Handler)(nil)
)
