package smtpfront

import "testing"

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		wantCmd Command
		wantArg string
		wantErr bool
	}{
		{name: "helo no args", line: "HELO", wantCmd: CmdHelo, wantArg: ""},
		{name: "helo with hostname", line: "HELO mail.example.com", wantCmd: CmdHelo, wantArg: "mail.example.com"},
		{name: "ehlo lowercase", line: "ehlo mail.example.com", wantCmd: CmdEhlo, wantArg: "mail.example.com"},
		{name: "mail from", line: "MAIL FROM:<bob@example.com>", wantCmd: CmdMail, wantArg: "FROM:<bob@example.com>"},
		{name: "rcpt to", line: "RCPT TO:<alice@example.com>", wantCmd: CmdRcpt, wantArg: "TO:<alice@example.com>"},
		{name: "starttls", line: "STARTTLS", wantCmd: CmdStartTLS, wantArg: ""},
		{name: "auth plain", line: "AUTH PLAIN", wantCmd: CmdAuth, wantArg: "PLAIN"},
		{name: "unknown verb", line: "FROBNICATE", wantErr: true},
		{name: "trailing whitespace trimmed", line: "MAIL  FROM:<bob@example.com>  ", wantCmd: CmdMail, wantArg: "FROM:<bob@example.com>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, args, err := parseCommand(tt.line)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cmd != tt.wantCmd {
				t.Errorf("cmd = %q, want %q", cmd, tt.wantCmd)
			}
			if args != tt.wantArg {
				t.Errorf("args = %q, want %q", args, tt.wantArg)
			}
		})
	}
}

func TestParsePathWithParams(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		wantAddr   string
		wantParams map[string]string
		wantErr    bool
	}{
		{
			name:     "simple address",
			input:    "<bob@example.com>",
			wantAddr: "bob@example.com",
		},
		{
			name:     "null path",
			input:    "<>",
			wantAddr: "",
		},
		{
			name:       "with size parameter",
			input:      "<bob@example.com> SIZE=1024",
			wantAddr:   "bob@example.com",
			wantParams: map[string]string{"SIZE": "1024"},
		},
		{
			name:       "param without value",
			input:      "<bob@example.com> BODY=8BITMIME SMTPUTF8",
			wantAddr:   "bob@example.com",
			wantParams: map[string]string{"BODY": "8BITMIME", "SMTPUTF8": ""},
		},
		{
			name:    "duplicate parameter rejected",
			input:   "<bob@example.com> SIZE=1024 SIZE=2048",
			wantErr: true,
		},
		{
			name:    "missing angle brackets",
			input:   "bob@example.com",
			wantErr: true,
		},
		{
			name:    "invalid address",
			input:   "<not an address>",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, params, err := parsePathWithParams(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if addr != tt.wantAddr {
				t.Errorf("addr = %q, want %q", addr, tt.wantAddr)
			}
			for k, v := range tt.wantParams {
				if params[k] != v {
					t.Errorf("params[%q] = %q, want %q", k, params[k], v)
				}
			}
		})
	}
}
