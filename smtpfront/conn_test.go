package smtpfront

import (
	"bufio"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/sentrymta/authgate"
	"github.com/sentrymta/authgate/pipeline"
)

// rejectingRcpt rejects any RCPT TO addressed to "blocked@example.com",
// exercising the EnvRcptHandler dispatch path and the reject disposition.
type rejectingRcpt struct{}

func (rejectingRcpt) Name() string { return "rejecting" }

func (rejectingRcpt) EnvRcpt(ctx *authgate.Context, addr string, params map[string]string) error {
	if addr == "blocked@example.com" {
		ctx.SetReject("recipient blocked by policy")
	}
	return nil
}

func testScheduler(t *testing.T) *pipeline.Scheduler {
	t.Helper()
	active := []authgate.ActiveHandler{
		{
			Descriptor: authgate.HandlerDescriptor{
				Name:            "rejecting",
				SupportedStages: []authgate.Stage{authgate.StageEnvRcpt},
			},
			Instance: rejectingRcpt{},
		},
	}
	s, err := pipeline.NewScheduler(active)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	return s
}

// dialogue drives one SMTP session over an in-process pipe, writing each
// command and reading back the reply lines it provokes (following "250-"
// continuations), returning the final reply for each step.
type dialogue struct {
	t      *testing.T
	client net.Conn
	r      *bufio.Reader
}

func (d *dialogue) readReply() string {
	d.t.Helper()
	var last string
	for {
		line, err := d.r.ReadString('\n')
		if err != nil {
			d.t.Fatalf("readReply: %v", err)
		}
		line = strings.TrimRight(line, "\r\n")
		last = line
		if len(line) >= 4 && line[3] == ' ' {
			return last
		}
	}
}

func (d *dialogue) send(cmd string) string {
	d.t.Helper()
	if _, err := d.client.Write([]byte(cmd + "\r\n")); err != nil {
		d.t.Fatalf("write %q: %v", cmd, err)
	}
	return d.readReply()
}

func runServer(t *testing.T, conn net.Conn, scheduler *pipeline.Scheduler) {
	t.Helper()
	c := NewConn(conn, scheduler, authgate.NewAssembler(), "mx.example.com", func() string { return "test-conn-1" }, slog.Default())
	done := make(chan struct{})
	go func() {
		c.Serve()
		close(done)
	}()
	t.Cleanup(func() {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	})
}

func TestConnFullAcceptedDialogue(t *testing.T) {
	client, server := net.Pipe()
	scheduler := testScheduler(t)
	runServer(t, server, scheduler)

	r := bufio.NewReader(client)
	greet, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("reading greeting: %v", err)
	}
	if !strings.HasPrefix(greet, "220 ") {
		t.Fatalf("greeting = %q, want 220 prefix", greet)
	}

	d := &dialogue{t: t, client: client, r: r}

	if got := d.send("EHLO mail.sender.example"); !strings.HasPrefix(got, "250 ") {
		t.Fatalf("EHLO reply = %q", got)
	}
	if got := d.send("MAIL FROM:<sender@sender.example>"); !strings.HasPrefix(got, "250 ") {
		t.Fatalf("MAIL reply = %q", got)
	}
	if got := d.send("RCPT TO:<ok@example.com>"); !strings.HasPrefix(got, "250 ") {
		t.Fatalf("RCPT reply = %q", got)
	}
	if got := d.send("DATA"); !strings.HasPrefix(got, "354 ") {
		t.Fatalf("DATA reply = %q", got)
	}
	if _, err := client.Write([]byte("Subject: hello\r\n\r\nbody text\r\n.\r\n")); err != nil {
		t.Fatalf("writing message: %v", err)
	}
	if got := d.readReply(); !strings.HasPrefix(got, "250 ") {
		t.Fatalf("end-of-DATA reply = %q, want 250", got)
	}
	if got := d.send("QUIT"); !strings.HasPrefix(got, "221 ") {
		t.Fatalf("QUIT reply = %q", got)
	}
	client.Close()
}

func TestConnRejectedRecipient(t *testing.T) {
	client, server := net.Pipe()
	scheduler := testScheduler(t)
	runServer(t, server, scheduler)

	r := bufio.NewReader(client)
	if _, err := r.ReadString('\n'); err != nil {
		t.Fatalf("reading greeting: %v", err)
	}
	d := &dialogue{t: t, client: client, r: r}

	d.send("HELO mail.sender.example")
	d.send("MAIL FROM:<sender@sender.example>")
	d.send("RCPT TO:<blocked@example.com>")
	d.send("DATA")
	if _, err := client.Write([]byte("\r\n.\r\n")); err != nil {
		t.Fatalf("writing message: %v", err)
	}
	got := d.readReply()
	if !strings.HasPrefix(got, "554 ") {
		t.Fatalf("end-of-DATA reply = %q, want 554 reject", got)
	}
	client.Close()
}

func TestConnRcptBeforeMailRejected(t *testing.T) {
	client, server := net.Pipe()
	scheduler := testScheduler(t)
	runServer(t, server, scheduler)

	r := bufio.NewReader(client)
	if _, err := r.ReadString('\n'); err != nil {
		t.Fatalf("reading greeting: %v", err)
	}
	d := &dialogue{t: t, client: client, r: r}

	d.send("HELO mail.sender.example")
	got := d.send("RCPT TO:<ok@example.com>")
	if !strings.HasPrefix(got, "503 ") {
		t.Fatalf("RCPT before MAIL reply = %q, want 503", got)
	}
	client.Close()
}

func TestConnUnknownCommand(t *testing.T) {
	client, server := net.Pipe()
	scheduler := testScheduler(t)
	runServer(t, server, scheduler)

	r := bufio.NewReader(client)
	if _, err := r.ReadString('\n'); err != nil {
		t.Fatalf("reading greeting: %v", err)
	}
	d := &dialogue{t: t, client: client, r: r}

	got := d.send("FROBNICATE")
	if !strings.HasPrefix(got, "500 ") {
		t.Fatalf("unknown command reply = %q, want 500", got)
	}
	client.Close()
}
