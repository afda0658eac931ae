package authgate

import "testing"

func TestDispositionStricterThan(t *testing.T) {
	tests := []struct {
		name string
		d    Disposition
		than Disposition
		want bool
	}{
		{"reject stricter than quarantine", DispositionReject, DispositionQuarantine, true},
		{"quarantine stricter than tempfail", DispositionQuarantine, DispositionTempfail, true},
		{"tempfail stricter than discard", DispositionTempfail, DispositionDiscard, true},
		{"discard stricter than accept", DispositionDiscard, DispositionAccept, true},
		{"accept stricter than continue", DispositionAccept, DispositionContinue, true},
		{"accept not stricter than reject", DispositionAccept, DispositionReject, false},
		{"equal is not stricter", DispositionReject, DispositionReject, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.d.stricterThan(tt.than); got != tt.want {
				t.Errorf("%v.stricterThan(%v) = %v, want %v", tt.d, tt.than, got, tt.want)
			}
		})
	}
}

func TestContextDispositionMonotonicity(t *testing.T) {
	ctx := NewContext("c1", nil, nil)

	ctx.SetQuarantine("suspicious")
	if d, _ := ctx.Disposition(); d != DispositionQuarantine {
		t.Fatalf("disposition = %v, want quarantine", d)
	}

	ctx.SetAccept("looks fine to this handler")
	if d, reason := ctx.Disposition(); d != DispositionQuarantine || reason != "suspicious" {
		t.Errorf("a later Accept must not downgrade an earlier Quarantine; got %v %q", d, reason)
	}

	ctx.SetReject("dmarc reject policy")
	if d, reason := ctx.Disposition(); d != DispositionReject || reason != "dmarc reject policy" {
		t.Errorf("Reject should move the verdict past Quarantine; got %v %q", d, reason)
	}

	ctx.SetDiscard("downgrade attempt")
	if d, _ := ctx.Disposition(); d != DispositionReject {
		t.Errorf("a later Discard must not downgrade an earlier Reject; got %v", d)
	}

	ctx.Override(DispositionAccept, "operator allowlist")
	if d, reason := ctx.Disposition(); d != DispositionAccept || reason != "operator allowlist" {
		t.Errorf("Override must apply unconditionally; got %v %q", d, reason)
	}
}

func TestContextResetMessagePreservesConnectionScopedFields(t *testing.T) {
	ctx := NewContext("c1", nil, nil)
	ctx.HeloName = "mail.sender.example"
	ctx.IsTrustedIP = true
	ctx.EnvelopeFrom = Path{Address: "bob@example.com"}
	ctx.EnvelopeRcpt = []Path{{Address: "alice@example.com"}}
	ctx.SetQueueID("q-1")
	ctx.AddAuthHeader(ResultFragment{Method: "dkim", Result: "pass"})
	ctx.SetReject("spam")

	ctx.ResetMessage()

	if ctx.HeloName != "mail.sender.example" || !ctx.IsTrustedIP {
		t.Error("connection-scoped fields must survive ResetMessage")
	}
	if ctx.EnvelopeFrom.Address != "" || ctx.EnvelopeRcpt != nil {
		t.Error("message-scoped envelope fields must be cleared by ResetMessage")
	}
	if ctx.QueueID != "" {
		t.Error("QueueID must be cleared by ResetMessage")
	}
	if len(ctx.Fragments()) != 0 {
		t.Error("result fragments must be cleared by ResetMessage")
	}
	if d, _ := ctx.Disposition(); d != DispositionContinue {
		t.Errorf("disposition = %v, want Continue after ResetMessage", d)
	}
}

func TestAssembleDeduplicatesIdenticalFragments(t *testing.T) {
	a := NewAssembler()
	fragments := []ResultFragment{
		{Method: "DKIM", Result: "PASS", Properties: []Property{{Key: "header.d", Value: "example.com"}}},
		{Method: "dkim", Result: "pass", Properties: []Property{{Key: "header.d", Value: "example.com"}}},
		{Method: "SPF", Result: "PASS"},
	}
	got := a.Assemble("mx.example.com", fragments)
	want := "mx.example.com; dkim=pass header.d=example.com; spf=pass"
	if got != want {
		t.Errorf("Assemble = %q, want %q", got, want)
	}
}

func TestAssembleFromContext(t *testing.T) {
	ctx := NewContext("c1", nil, nil)
	ctx.AddAuthHeader(ResultFragment{Method: "spf", Result: "fail", Comment: "no matching sender policy"})

	a := NewAssembler()
	got := a.AssembleFromContext("mx.example.com", ctx)
	want := "mx.example.com; spf=fail (no matching sender policy)"
	if got != want {
		t.Errorf("AssembleFromContext = %q, want %q", got, want)
	}
}

func TestParseListenerSpec(t *testing.T) {
	tests := []struct {
		name        string
		spec        string
		wantNetwork string
		wantAddress string
		wantErr     bool
	}{
		{name: "inet with host", spec: "inet:3366@127.0.0.1", wantNetwork: "tcp", wantAddress: "127.0.0.1:3366"},
		{name: "inet with empty host defaults to all interfaces", spec: "inet:3366@", wantNetwork: "tcp", wantAddress: "0.0.0.0:3366"},
		{name: "unix socket", spec: "unix:/var/run/authgate.sock", wantNetwork: "unix", wantAddress: "/var/run/authgate.sock"},
		{name: "unknown scheme", spec: "http:8080@localhost", wantErr: true},
		{name: "missing colon", spec: "garbage", wantErr: true},
		{name: "inet missing at-host", spec: "inet:3366", wantErr: true},
		{name: "inet non-numeric port", spec: "inet:abc@127.0.0.1", wantErr: true},
		{name: "unix missing path", spec: "unix:", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			network, address, err := ParseListenerSpec(tt.spec)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if network != tt.wantNetwork || address != tt.wantAddress {
				t.Errorf("got (%q, %q), want (%q, %q)", network, address, tt.wantNetwork, tt.wantAddress)
			}
		})
	}
}

func TestConfigListenersDetectsCollision(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Connection = "inet:3366@127.0.0.1"
	cfg.MetricConnection = "inet:3366@127.0.0.1"

	_, err := cfg.Listeners()
	if err == nil {
		t.Fatal("expected ErrListenerCollision, got nil")
	}
}

func TestConfigListenersResolvesDistinctListeners(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Connection = "inet:3366@127.0.0.1"
	cfg.MetricConnection = "inet:8025@127.0.0.1"
	cfg.Connections = map[string]Listener{
		"submission": {Name: "submission", Spec: "inet:587@127.0.0.1"},
	}

	resolved, err := cfg.Listeners()
	if err != nil {
		t.Fatalf("Listeners: %v", err)
	}
	if len(resolved) != 3 {
		t.Fatalf("len(resolved) = %d, want 3", len(resolved))
	}
}
