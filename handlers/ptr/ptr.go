// Package ptr implements the iprev/PTR check (§4.D): it compares the
// client's verified reverse-DNS name to its HELO argument and emits an
// X-PTR auxiliary header, running only for clients that are neither local,
// trusted, nor authenticated.
package ptr

import (
	"context"
	"time"

	"github.com/sentrymta/authgate"
	authgatedns "github.com/sentrymta/authgate/dns"
)

const Name = "ptr"

// Descriptor returns this handler's static registration descriptor.
func Descriptor() authgate.HandlerDescriptor {
	return authgate.HandlerDescriptor{
		Name:            Name,
		SupportedStages: []authgate.Stage{authgate.StageConnect, authgate.StageEnvFrom},
	}
}

// Handler resolves the client's PTR name at Connect and compares it to HELO
// at EnvFrom, once trust classification (which runs at Connect too, in the
// "trusted" handler) has had a chance to land on the Context.
type Handler struct {
	resolver authgatedns.Resolver
	timeout  time.Duration
}

// New returns a Factory constructing a ptr Handler backed by resolver.
func New(resolver authgatedns.Resolver, timeout time.Duration) authgate.Factory {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return func() (authgate.Handler, error) {
		return &Handler{resolver: resolver, timeout: timeout}, nil
	}
}

func (h *Handler) Name() string { return Name }

// Connect resolves ctx.ClientIP's PTR name and confirms it forward-resolves
// back to ClientIP, populating Context.ClientRDNS / VerifiedPTR per §3. A
// lookup failure leaves both at their zero value rather than raising a
// temperror — iprev failure is a legitimate "fail" outcome, not a
// verification error.
func (h *Handler) Connect(ctx *authgate.Context) error {
	if ctx.ClientIP == nil {
		return nil
	}
	qctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	ptrResult, err := h.resolver.LookupAddr(qctx, ctx.ClientIP)
	if err != nil || len(ptrResult.Records) == 0 {
		return nil
	}
	name := ptrResult.Records[0]
	ctx.ClientRDNS = name

	fctx, fcancel := context.WithTimeout(context.Background(), h.timeout)
	defer fcancel()
	ipResult, err := h.resolver.LookupIP(fctx, name)
	if err != nil {
		return nil
	}
	for _, ip := range ipResult.Records {
		if ip.Equal(ctx.ClientIP) {
			ctx.VerifiedPTR = true
			break
		}
	}
	return nil
}

// EnvFrom emits the X-PTR auxiliary header once the client's trust
// classification is known, per §4.D's guard ("runs only when client is
// neither local nor trusted nor authenticated") and §8 scenarios 1/2.
func (h *Handler) EnvFrom(ctx *authgate.Context, addr string, params map[string]string) error {
	if !ctx.IsExternal() {
		return nil
	}
	result := "fail"
	lookup := ctx.ClientRDNS
	if ctx.VerifiedPTR && ctx.ClientRDNS == ctx.HeloName {
		result = "pass"
	}
	if lookup == "" {
		lookup = "unknown"
	}
	ctx.AddAuxHeader("X-PTR", "x-ptr="+result+" x-ptr-helo="+ctx.HeloName+" x-ptr-lookup="+lookup)
	return nil
}

var (
	_ authgate.Handler        = (*Handler)(nil)
	_ authgate.ConnectHandler = (*Handler)(nil)
	_ authgate.EnvFromHandler = (*Handler)(nil)
)
