package delivery

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/builtattic/bulkmailer/internal/config"
)

// fakeSMTPServer implements just enough of the protocol to exercise the
// sender's session handling.
type fakeSMTPServer struct {
	listener net.Listener
	conns    int64
	messages chan string
}

func newFakeSMTPServer(t *testing.T) *fakeSMTPServer {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	srv := &fakeSMTPServer{
		listener: listener,
		messages: make(chan string, 16),
	}
	go srv.acceptLoop()
	t.Cleanup(func() { listener.Close() })
	return srv
}

func (srv *fakeSMTPServer) acceptLoop() {
	for {
		conn, err := srv.listener.Accept()
		if err != nil {
			return
		}
		atomic.AddInt64(&srv.conns, 1)
		go srv.handle(conn)
	}
}

func (srv *fakeSMTPServer) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	fmt.Fprintf(conn, "220 fake ESMTP\r\n")

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.ToUpper(strings.TrimSpace(line))
		switch {
		case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
			fmt.Fprintf(conn, "250-fake\r\n250 8BITMIME\r\n")
		case strings.HasPrefix(cmd, "DATA"):
			fmt.Fprintf(conn, "354 end with .\r\n")
			var b strings.Builder
			for {
				l, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if strings.TrimRight(l, "\r\n") == "." {
					break
				}
				b.WriteString(l)
			}
			srv.messages <- b.String()
			fmt.Fprintf(conn, "250 queued\r\n")
		case strings.HasPrefix(cmd, "QUIT"):
			fmt.Fprintf(conn, "221 bye\r\n")
			return
		default:
			fmt.Fprintf(conn, "250 OK\r\n")
		}
	}
}

func (srv *fakeSMTPServer) config() config.SMTPConfig {
	addr := srv.listener.Addr().(*net.TCPAddr)
	return config.SMTPConfig{
		Host:           "127.0.0.1",
		Port:           addr.Port,
		TimeoutSeconds: 5,
	}
}

func TestSMTPSenderSend(t *testing.T) {
	srv := newFakeSMTPServer(t)

	sender := NewSMTPSender(srv.config(), 0)
	defer sender.Close()

	result, err := sender.Send(context.Background(), &Message{
		From:     "Sender <sender@example.com>",
		To:       "alice@example.com",
		Subject:  "Greetings",
		TextBody: "hello alice",
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if result.MessageID == "" {
		t.Error("expected a message ID")
	}
	if result.Transport != "smtp" {
		t.Errorf("Transport = %q, want smtp", result.Transport)
	}

	raw := <-srv.messages
	if !strings.Contains(raw, "Subject: Greetings") {
		t.Errorf("delivered message missing subject:\n%s", raw)
	}
	if !strings.Contains(raw, "To: alice@example.com") {
		t.Error("delivered message missing To header")
	}
}

func TestSMTPSenderSessionReuse(t *testing.T) {
	srv := newFakeSMTPServer(t)

	sender := NewSMTPSender(srv.config(), 0)
	defer sender.Close()

	for i := 0; i < 3; i++ {
		_, err := sender.Send(context.Background(), &Message{
			From:     "sender@example.com",
			To:       fmt.Sprintf("user%d@example.com", i),
			Subject:  "Hi",
			TextBody: "body",
		})
		if err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
		<-srv.messages
	}

	if got := atomic.LoadInt64(&srv.conns); got != 1 {
		t.Errorf("connection count = %d, want 1 (session should be reused)", got)
	}
}

func TestSMTPSenderRecyclesAfterBatch(t *testing.T) {
	srv := newFakeSMTPServer(t)

	sender := NewSMTPSender(srv.config(), 1)
	defer sender.Close()

	for i := 0; i < 2; i++ {
		_, err := sender.Send(context.Background(), &Message{
			From:     "sender@example.com",
			To:       fmt.Sprintf("user%d@example.com", i),
			Subject:  "Hi",
			TextBody: "body",
		})
		if err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
		<-srv.messages
	}

	if got := atomic.LoadInt64(&srv.conns); got != 2 {
		t.Errorf("connection count = %d, want 2 (session should recycle each batch)", got)
	}
}

func TestSMTPSenderNotConfigured(t *testing.T) {
	sender := NewSMTPSender(config.SMTPConfig{}, 0)
	_, err := sender.Send(context.Background(), &Message{To: "a@example.com"})
	if err != ErrNotConfigured {
		t.Errorf("err = %v, want ErrNotConfigured", err)
	}
}

func TestSMTPSenderNoRecipient(t *testing.T) {
	sender := NewSMTPSender(config.SMTPConfig{Host: "smtp.example.com", Port: 587}, 0)
	_, err := sender.Send(context.Background(), &Message{From: "a@example.com"})
	if err != ErrNoRecipient {
		t.Errorf("err = %v, want ErrNoRecipient", err)
	}
}

func TestPlainAuthStart(t *testing.T) {
	auth := &plainAuth{user: "user@example.com", pass: "app-password"}
	proto, resp, err := auth.Start(nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if proto != "PLAIN" {
		t.Errorf("proto = %q, want PLAIN", proto)
	}
	want := "\x00user@example.com\x00app-password"
	if string(resp) != want {
		t.Errorf("resp = %q, want %q", resp, want)
	}
}
