package notify_test

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/CZERTAINLY/pipewatch/internal/model"
	"github.com/CZERTAINLY/pipewatch/internal/notify"
	"github.com/stretchr/testify/require"
)

func TestParseRecipients(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    string
		then     []string
	}{
		{"empty", "", nil},
		{"single", "ops@example.com", []string{"ops@example.com"}},
		{"spaces and blanks", " a@example.com, ,b@example.com ,", []string{"a@example.com", "b@example.com"}},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			require.Equal(t, tt.then, notify.ParseRecipients(tt.given))
		})
	}
}

func TestFor(t *testing.T) {
	t.Parallel()
	require.Equal(t, notify.Nop{}, notify.For(nil, []string{"a@example.com"}))
	require.Equal(t, notify.Nop{}, notify.For(notify.Nop{}, []string{"a@example.com"}))

	base := notify.Log{Recipients: []string{"ops@example.com"}}
	require.Equal(t, base, notify.For(base, nil))
	require.Equal(t, notify.Log{Recipients: []string{"a@example.com"}}, notify.For(base, []string{"a@example.com"}))

	smtp := notify.NewSMTP(model.SMTP{Server: "localhost", Port: 25}, []string{"ops@example.com"})
	scoped := notify.For(smtp, []string{"a@example.com"}).(*notify.SMTP)
	require.Equal(t, []string{"a@example.com"}, scoped.Recipients())
	require.Equal(t, []string{"ops@example.com"}, smtp.Recipients())
}

func TestFromEnv(t *testing.T) {
	t.Setenv("SMTP_SERVER", "mail.example.com")
	t.Setenv("SMTP_PORT", "2525")
	t.Setenv("ALERT_EMAILS", "a@example.com,b@example.com")

	cfg := notify.FromEnv(model.Notify{
		Recipients: []string{"ops@example.com"},
		SMTP:       model.SMTP{Server: "localhost", Port: 25, Sender: "pipewatch@localhost"},
	})
	require.Equal(t, "mail.example.com", cfg.SMTP.Server)
	require.Equal(t, 2525, cfg.SMTP.Port)
	require.Equal(t, "pipewatch@localhost", cfg.SMTP.Sender)
	require.Equal(t, []string{"a@example.com", "b@example.com"}, cfg.Recipients)
}

func TestSMTP(t *testing.T) {
	t.Parallel()
	srv := newFakeSMTP(t)

	n := notify.NewSMTP(model.SMTP{
		Server: "127.0.0.1",
		Port:   srv.port,
		Sender: "pipewatch@example.com",
	}, []string{"ops@example.com"})
	n.Notify(t.Context(), "soma pipeline awaiting approval - DATAPREP1", "run is paused")

	data := srv.message(t)
	require.Contains(t, data, "Subject: soma pipeline awaiting approval - DATAPREP1")
	require.Contains(t, data, "run is paused")
	require.Equal(t, []string{"<ops@example.com>"}, srv.recipients())
}

func TestSMTPNeverFails(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	n := notify.NewSMTP(model.SMTP{Server: "127.0.0.1", Port: port, Sender: "pipewatch@example.com"}, []string{"ops@example.com"})
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	n.Notify(ctx, "subject", "body")

	// no recipients: nothing is dialed
	notify.NewSMTP(model.SMTP{Server: "127.0.0.1", Port: port}, nil).Notify(ctx, "subject", "body")
}

func TestLog(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	notify.Log{Recipients: []string{"ops@example.com"}}.Notify(t.Context(), "awaiting approval", "body")
	require.Contains(t, buf.String(), "awaiting approval")
	require.Contains(t, buf.String(), "ops@example.com")
}

// fakeSMTP accepts one plain text session and records the envelope.
type fakeSMTP struct {
	port int
	mu   sync.Mutex
	rcpt []string
	data chan string
}

func newFakeSMTP(t *testing.T) *fakeSMTP {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	s := &fakeSMTP{
		port: ln.Addr().(*net.TCPAddr).Port,
		data: make(chan string, 1),
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		s.serve(conn)
	}()
	return s
}

func (s *fakeSMTP) serve(conn net.Conn) {
	r := bufio.NewReader(conn)
	reply := func(line string) {
		_, _ = fmt.Fprintf(conn, "%s\r\n", line)
	}
	reply("220 localhost ESMTP fake")
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.ToUpper(strings.TrimSpace(line))
		switch {
		case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
			reply("250 localhost")
		case strings.HasPrefix(cmd, "RCPT TO:"):
			s.mu.Lock()
			s.rcpt = append(s.rcpt, strings.ToLower(strings.TrimSpace(line[len("RCPT TO:"):])))
			s.mu.Unlock()
			reply("250 OK")
		case cmd == "DATA":
			reply("354 go ahead")
			var msg strings.Builder
			for {
				l, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if strings.TrimRight(l, "\r\n") == "." {
					break
				}
				msg.WriteString(l)
			}
			s.data <- msg.String()
			reply("250 OK queued")
		case cmd == "QUIT":
			reply("221 bye")
			return
		default:
			reply("250 OK")
		}
	}
}

func (s *fakeSMTP) message(t *testing.T) string {
	t.Helper()
	select {
	case m := <-s.data:
		return m
	case <-time.After(10 * time.Second):
		t.Fatal("no message received")
		return ""
	}
}

func (s *fakeSMTP) recipients() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.rcpt...)
}
