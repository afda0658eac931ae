// Package authgate implements an email authentication gateway: a long-running
// daemon that receives messages from an MTA over the Sendmail milter sideband
// protocol (or an SMTP front end), runs a configurable pipeline of
// authentication handlers (SPF, DKIM, DMARC, ARC, PTR/iprev, trusted-IP) over
// each message, and returns an Authentication-Results header plus a
// disposition.
//
// # Framework, not algorithms
//
// This package and its subpackages are the framework that binds handlers
// together: the per-connection Context, the pipeline scheduler that orders
// handler execution, the wire engines (milter and SMTP) that drive the
// connection lifecycle, and the worker supervisor that preforks and restarts
// workers. The authentication math itself (RFC 7208 SPF, RFC 6376 DKIM, RFC
// 7489 DMARC, ARC) lives in authgate/handlers/* and is consulted through the
// Handler ABI defined here.
//
// # Building a gateway
//
//	cfg := authgate.DefaultConfig()
//	cfg.LoadHandlers = []string{"trusted", "ptr", "spf", "dkim", "dmarc"}
//	reg := authgate.NewRegistry()
//	reg.MustRegister(ptr.Descriptor(), ptr.New)
//	reg.MustRegister(spf.Descriptor(), spf.New(resolver))
//	// ... construct a pipeline.Scheduler from reg.Active(cfg.LoadHandlers),
//	// then hand it to a milter.Server or smtpfront.Server.
//
// # Lifecycle stages
//
// Every connection passes through the stages declared by Stage: Connect,
// Helo, EnvFrom, EnvRcpt, Header (repeatable), EOH, Body (repeatable), EOM,
// Abort, Close. Handlers declare which stages they support and in what order
// relative to their peers; the pipeline package computes the dispatch order.
package authgate
