package session_test

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/danmuck/ftprelay/internal/protocol/ftp"
	"github.com/danmuck/ftprelay/internal/protocol/session"
	"github.com/danmuck/ftprelay/internal/testutil/ftptest"
	"github.com/danmuck/ftprelay/internal/testutil/testlog"
	"github.com/danmuck/ftprelay/internal/testutil/tlstest"
)

func sessionConfig(t *testing.T, addr string, caFile string) session.Config {
	t.Helper()
	host, portRaw, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, _ := strconv.Atoi(portRaw)
	cfg := session.DefaultConfig()
	cfg.Host = host
	cfg.Port = port
	cfg.User = "relay"
	cfg.Password = "secret"
	cfg.OriginDir = "/outbox"
	cfg.ConnectTimeout = 5 * time.Second
	cfg.CommandTimeout = 5 * time.Second
	cfg.ConnectAttempts = 1
	cfg.TLS.CAFile = caFile
	return cfg
}

func TestFTPDialerAgainstServer(t *testing.T) {
	testlog.Start(t)
	serverCfg, _, ca := tlstest.LoopbackPair(t)
	srv := ftptest.New(t, ftptest.WithTLS(serverCfg))
	srv.PutFile("/outbox/a.xml", []byte("<a/>"))

	cfg := sessionConfig(t, srv.Addr(), ca.CAFile())
	dialer, err := session.NewFTPDialer(cfg, nil)
	if err != nil {
		t.Fatalf("dialer: %v", err)
	}
	m := session.NewManager(cfg, dialer)
	defer m.Close()

	conn, err := m.Ensure(context.Background())
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if conn.Protection() != ftp.ProtectionProtected {
		t.Fatalf("protection=%s", conn.Protection())
	}
	var buf bytes.Buffer
	if _, err := conn.Retrieve("a.xml", &buf); err != nil {
		t.Fatalf("retrieve in origin dir: %v", err)
	}
	if buf.String() != "<a/>" {
		t.Fatalf("got %q", buf.String())
	}
}

func TestManagerRecoversFromDroppedSession(t *testing.T) {
	testlog.Start(t)
	serverCfg, _, ca := tlstest.LoopbackPair(t)
	srv := ftptest.New(t, ftptest.WithTLS(serverCfg))
	srv.MakeDir("/outbox")

	cfg := sessionConfig(t, srv.Addr(), ca.CAFile())
	dialer, err := session.NewFTPDialer(cfg, nil)
	if err != nil {
		t.Fatalf("dialer: %v", err)
	}
	m := session.NewManager(cfg, dialer)
	defer m.Close()

	if _, err := m.Ensure(context.Background()); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	srv.DropSessions()
	if _, err := m.Ensure(context.Background()); err != nil {
		t.Fatalf("ensure after drop: %v", err)
	}
	if got := m.Session().Reconnects; got != 2 {
		t.Fatalf("reconnects=%d", got)
	}
	if srv.Count("AUTH") != 2 {
		t.Fatalf("expected two TLS upgrades, commands=%v", srv.Commands())
	}
}

func TestManagerFallsBackToClearWithoutTLS(t *testing.T) {
	testlog.Start(t)
	srv := ftptest.New(t)
	srv.MakeDir("/outbox")

	cfg := sessionConfig(t, srv.Addr(), "")
	cfg.TLS.Enabled = false
	dialer, err := session.NewFTPDialer(cfg, nil)
	if err != nil {
		t.Fatalf("dialer: %v", err)
	}
	m := session.NewManager(cfg, dialer)
	defer m.Close()
	if _, err := m.Ensure(context.Background()); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if got := m.Session().Mode.String(); got != "clear+passive" {
		t.Fatalf("mode=%s", got)
	}
}
