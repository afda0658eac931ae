package arc

import (
	"bytes"
	"context"
	"fmt"

	"github.com/sentrymta/authgate"
	ravendns "github.com/sentrymta/authgate/dns"
)

// HandlerName is this module's registration name and its
// Authentication-Results method token.
const HandlerName = "arc"

// Descriptor returns this handler's static registration descriptor. Like
// dkim, it needs the whole message, so it accumulates across
// header/eoh/body and validates the chain at EOM.
func Descriptor() authgate.HandlerDescriptor {
	return authgate.HandlerDescriptor{
		Name: HandlerName,
		SupportedStages: []authgate.Stage{
			authgate.StageHeader, authgate.StageEOH, authgate.StageBody, authgate.StageEOM,
		},
	}
}

// Handler adapts Verifier to the pipeline ABI.
type Handler struct {
	verifier *Verifier
}

// New returns a Factory constructing an arc Handler backed by resolver.
func New(resolver ravendns.Resolver) authgate.Factory {
	return func() (authgate.Handler, error) {
		return &Handler{verifier: &Verifier{Resolver: resolver, MinRSAKeyBits: 1024}}, nil
	}
}

func (h *Handler) Name() string { return HandlerName }

type accumulator struct {
	headers bytes.Buffer
	body    bytes.Buffer
}

func (h *Handler) Header(ctx *authgate.Context, name, value string) error {
	acc := h.state(ctx)
	fmt.Fprintf(&acc.headers, "%s: %s\r\n", name, value)
	return nil
}

func (h *Handler) EOH(ctx *authgate.Context) error {
	h.state(ctx).headers.WriteString("\r\n")
	return nil
}

func (h *Handler) Body(ctx *authgate.Context, chunk []byte) error {
	h.state(ctx).body.Write(chunk)
	return nil
}

func (h *Handler) EOM(ctx *authgate.Context) error {
	acc := h.state(ctx)
	message := append(append([]byte(nil), acc.headers.Bytes()...), acc.body.Bytes()...)

	result, err := h.verifier.Verify(context.Background(), message)
	if err != nil {
		return err
	}

	f := authgate.ResultFragment{Method: HandlerName, Result: string(result.Status)}
	if result.Status == StatusFail && result.FailedReason != "" {
		f.Comment = result.FailedReason
	}
	if result.OldestPass > 0 {
		f.Properties = append(f.Properties, authgate.Property{Key: "arc.oldest-pass", Value: fmt.Sprintf("%d", result.OldestPass)})
	}
	if result.Status != StatusNone {
		ctx.AddAuthHeader(f)
	}
	return nil
}

func (h *Handler) state(ctx *authgate.Context) *accumulator {
	v, ok := ctx.State(HandlerName)
	if !ok {
		acc := &accumulator{}
		ctx.SetState(HandlerName, acc)
		return acc
	}
	acc, _ := v.(*accumulator)
	if acc == nil {
		acc = &accumulator{}
		ctx.SetState(HandlerName, acc)
	}
	return acc
}

var (
	_ authgate.Handler       = (*Handler)(nil)
	_ authgate.HeaderHandler = (*Handler)(nil)
	_ authgate.EOHHandler    = (*Handler)(nil)
	_ authgate.BodyHandler   = (*Handler)(nil)
	_ authgate.EOMHandler    = (*Handler)(nil)
)
