// Package dns provides the single cached, timeout-bounded DNS resolver facade
// used by every authentication handler (PTR, DKIM, DMARC, ARC, SPF).
//
// Handlers never talk to the network directly: they hold a Resolver and get
// back either an answer set or one of the typed errors below. A lookup never
// blocks anything other than the worker goroutine that issued it.
package dns

import (
	"context"
	"errors"
	"net"
)

// Typed resolution failures. Every Resolver implementation maps whatever the
// underlying transport returned onto one of these so handlers can classify
// the outcome without knowing which library performed the lookup.
var (
	ErrDNSNotFound  = errors.New("dns: name does not exist")
	ErrDNSServFail  = errors.New("dns: server failure")
	ErrDNSTimeout   = errors.New("dns: query timed out")
	ErrDNSMalformed = errors.New("dns: malformed response")
	ErrDNSBogus     = errors.New("dns: DNSSEC validation failed")
	ErrDNSRefused   = errors.New("dns: query refused")
)

// Result carries the answer set for a single query, plus whether the
// response was DNSSEC-authenticated end to end.
type Result[T any] struct {
	Records   []T
	Authentic bool
}

// Resolver is the interface every DNS-consuming handler depends on. It is
// satisfied by DNSResolver (the miekg/dns-backed implementation), the cached
// facade in this file, and MockResolver in tests.
type Resolver interface {
	LookupTXT(ctx context.Context, name string) (Result[string], error)
	LookupIP(ctx context.Context, domain string) (Result[net.IP], error)
	LookupMX(ctx context.Context, name string) (Result[*net.MX], error)
	LookupAddr(ctx context.Context, ip net.IP) (Result[string], error)
}

var (
	_ Resolver = (*DNSResolver)(nil)
	_ Resolver = (*StdResolver)(nil)
	_ Resolver = (*CachedResolver)(nil)
)

// IsNotFound reports whether err indicates the queried name does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrDNSNotFound)
}

// IsTimeout reports whether err indicates the query timed out.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrDNSTimeout)
}

// IsServFail reports whether err indicates a server failure response.
func IsServFail(err error) bool {
	return errors.Is(err, ErrDNSServFail)
}

// IsTemporary reports whether err is likely to succeed on retry.
func IsTemporary(err error) bool {
	return errors.Is(err, ErrDNSTimeout) || errors.Is(err, ErrDNSServFail)
}
