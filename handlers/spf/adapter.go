package spf

import (
	"context"
	"time"

	"github.com/sentrymta/authgate"
)

// HandlerName is this module's registration name, its Authentication-Results
// method token, and the ctx.State key other handlers (dmarc) read its
// outcome back from.
const HandlerName = "spf"

// StateKey is where the computed Received is stashed for downstream
// handlers (dmarc) that need the SPF domain and status for alignment.
const StateKey = "spf:received"

// Descriptor returns this handler's static registration descriptor. SPF
// has everything it needs (client IP, HELO, MAIL FROM) as soon as the
// envelope sender arrives, so evaluation happens at EnvFrom rather than
// being deferred to EOM.
func Descriptor() authgate.HandlerDescriptor {
	return authgate.HandlerDescriptor{
		Name:            HandlerName,
		SupportedStages: []authgate.Stage{authgate.StageEnvFrom},
	}
}

// Handler evaluates RFC 7208 SPF against the envelope sender at EnvFrom.
type Handler struct {
	resolver      Resolver
	localHostname string
	timeout       time.Duration
}

// New returns a Factory constructing an spf Handler. localHostname is the
// receiving server's own name, used for the "r" macro and the Received-SPF
// receiver field.
func New(resolver Resolver, localHostname string, timeout time.Duration) authgate.Factory {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return func() (authgate.Handler, error) {
		return &Handler{resolver: resolver, localHostname: localHostname, timeout: timeout}, nil
	}
}

func (h *Handler) Name() string { return HandlerName }

func (h *Handler) EnvFrom(ctx *authgate.Context, addr string, params map[string]string) error {
	local, domain := splitAddr(addr)

	heloIsIP := looksLikeIPLiteral(ctx.HeloName)

	qctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	received, checkedDomain, _, _, err := Verify(qctx, h.resolver, Args{
		RemoteIP:       ctx.ClientIP,
		MailFromDomain: domain,
		MailFromLocal:  local,
		HelloDomain:    ctx.HeloName,
		HelloIsIP:      heloIsIP,
		LocalHostname:  h.localHostname,
		Logger:         ctx.Logger,
	})
	if err != nil && received.Result == "" {
		received.Result = StatusTemperror
	}
	received.Receiver = h.localHostname

	ctx.SetState(StateKey, received)

	f := authgate.ResultFragment{Method: HandlerName, Result: string(received.Result)}
	if checkedDomain != "" {
		f.Properties = append(f.Properties, authgate.Property{Key: "smtp.mailfrom", Value: checkedDomain})
	}
	if ctx.HeloName != "" {
		f.Properties = append(f.Properties, authgate.Property{Key: "smtp.helo", Value: ctx.HeloName})
	}
	ctx.AddAuthHeader(f)
	return nil
}

func splitAddr(addr string) (local, domain string) {
	at := -1
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == '@' {
			at = i
			break
		}
	}
	if at < 0 {
		return addr, ""
	}
	return addr[:at], addr[at+1:]
}

func looksLikeIPLiteral(s string) bool {
	return len(s) > 0 && s[0] == '['
}

var (
	_ authgate.Handler        = (*Handler)(nil)
	_ authgate.EnvFromHandler = (*Handler)(nil)
)
