// Package trusted classifies the connecting client as local, trusted, or
// (by the absence of both) external, against the configured CIDR lists —
// the is_local_ip_address / is_trusted_ip_address classification §3
// describes as input every other handler's guard conditions consult.
package trusted

import (
	"fmt"
	"net"

	"github.com/sentrymta/authgate"
)

const Name = "trusted"

// Descriptor returns this handler's static registration descriptor. It
// supports only Connect: the classification is stable for the life of the
// connection, so there is nothing to redo at later stages.
func Descriptor() authgate.HandlerDescriptor {
	return authgate.HandlerDescriptor{
		Name:            Name,
		SupportedStages: []authgate.Stage{authgate.StageConnect},
	}
}

// Handler sets Context.IsLocalIP and Context.IsTrustedIP by matching
// Context.ClientIP against the configured CIDR lists.
type Handler struct {
	local   []*net.IPNet
	trusted []*net.IPNet
}

// New parses localCIDRs and trustedCIDRs (each e.g. "127.0.0.0/8",
// "10.0.0.0/8") and returns a Factory suitable for authgate.Register.
func New(localCIDRs, trustedCIDRs []string) (authgate.Factory, error) {
	local, err := parseCIDRs(localCIDRs)
	if err != nil {
		return nil, fmt.Errorf("trusted: local CIDRs: %w", err)
	}
	trustedNets, err := parseCIDRs(trustedCIDRs)
	if err != nil {
		return nil, fmt.Errorf("trusted: trusted CIDRs: %w", err)
	}
	return func() (authgate.Handler, error) {
		return &Handler{local: local, trusted: trustedNets}, nil
	}, nil
}

func parseCIDRs(cidrs []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", c, err)
		}
		nets = append(nets, n)
	}
	return nets, nil
}

func (h *Handler) Name() string { return Name }

func (h *Handler) Connect(ctx *authgate.Context) error {
	if ctx.ClientIP == nil {
		return nil
	}
	ctx.IsLocalIP = containsAny(h.local, ctx.ClientIP)
	ctx.IsTrustedIP = containsAny(h.trusted, ctx.ClientIP)
	return nil
}

func containsAny(nets []*net.IPNet, ip net.IP) bool {
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

var (
	_ authgate.Handler        = (*Handler)(nil)
	_ authgate.ConnectHandler = (*Handler)(nil)
)
