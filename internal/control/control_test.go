package control

import (
	"bufio"
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/h4rm0n1c/tsraild/internal/config"
	"github.com/h4rm0n1c/tsraild/internal/registry"
)

type fakeIssuer struct{}

func (fakeIssuer) MuteClient(clid string, onResult func(ok bool)) { onResult(true) }

func (fakeIssuer) RefreshChannelName(channelID int, onResult func(name string, ok bool)) {
	onResult("", false)
}

type fakeSession struct {
	linkOK, authOK  bool
	reauthenticated int
}

func (f *fakeSession) LinkOK() bool { return f.linkOK }
func (f *fakeSession) AuthOK() bool { return f.authOK }
func (f *fakeSession) Reauthenticate() {
	f.reauthenticated++
}

func newTestServer(t *testing.T) (*Server, *config.Store, *registry.Registry, string) {
	t.Helper()
	dir := t.TempDir()
	cfg, err := config.Load(filepath.Join(dir, "config.json"))
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	reg := registry.New(cfg, fakeIssuer{}, fakeIssuer{})
	sockPath := filepath.Join(dir, "tsrail.sock")
	keyPath := filepath.Join(dir, "clientquery.key")
	s := New(sockPath, keyPath, "http://127.0.0.1:17891/state.json", cfg, reg, &fakeSession{linkOK: true, authOK: true})
	return s, cfg, reg, sockPath
}

func dialAndSend(t *testing.T, sockPath, line string) string {
	t.Helper()
	var conn net.Conn
	var err error
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err = net.Dial("unix", sockPath)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial control socket: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	resp, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return strings.TrimRight(resp, "\n")
}

func startServer(t *testing.T, s *Server) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	return cancel
}

func TestStatusReportsLinkAndAuth(t *testing.T) {
	s, _, _, sockPath := newTestServer(t)
	defer startServer(t, s)()

	resp := dialAndSend(t, sockPath, "status")
	if !strings.HasPrefix(resp, "ok link_ok=1 auth=1") {
		t.Fatalf("unexpected status response: %q", resp)
	}
}

func TestEmptyLineIsError(t *testing.T) {
	s, _, _, sockPath := newTestServer(t)
	defer startServer(t, s)()

	resp := dialAndSend(t, sockPath, "")
	if resp != "error empty" {
		t.Fatalf("expected error empty, got %q", resp)
	}
}

func TestUnknownCommandIsError(t *testing.T) {
	s, _, _, sockPath := newTestServer(t)
	defer startServer(t, s)()

	resp := dialAndSend(t, sockPath, "bogus")
	if resp != "error unknown" {
		t.Fatalf("expected error unknown, got %q", resp)
	}
}

func TestApproveUnapproveRoundTrip(t *testing.T) {
	s, cfg, _, sockPath := newTestServer(t)
	defer startServer(t, s)()

	if resp := dialAndSend(t, sockPath, "approve-uid ABC"); resp != "ok" {
		t.Fatalf("approve-uid: %q", resp)
	}
	if !cfg.IsApproved("ABC") {
		t.Fatalf("expected ABC approved in config")
	}
	if resp := dialAndSend(t, sockPath, "unapprove-uid ABC"); resp != "ok" {
		t.Fatalf("unapprove-uid: %q", resp)
	}
	if cfg.IsApproved("ABC") {
		t.Fatalf("expected ABC no longer approved")
	}
}

func TestApproveClidUnknownReturnsError(t *testing.T) {
	s, _, _, sockPath := newTestServer(t)
	defer startServer(t, s)()

	resp := dialAndSend(t, sockPath, "approve-clid 99")
	if resp != "error unknown clid" {
		t.Fatalf("expected error unknown clid, got %q", resp)
	}
}

func TestPolicyTargetChannelUnknownNameErrors(t *testing.T) {
	s, _, reg, sockPath := newTestServer(t)
	defer startServer(t, s)()
	reg.ReplaceChannels([]registry.Channel{{ID: 5, Name: "Lobby"}})

	resp := dialAndSend(t, sockPath, "policy target-channel Lounge")
	if resp != "error unknown channel" {
		t.Fatalf("expected error unknown channel, got %q", resp)
	}
}

func TestPolicyTargetChannelResolvesByName(t *testing.T) {
	s, cfg, reg, sockPath := newTestServer(t)
	defer startServer(t, s)()
	reg.ReplaceChannels([]registry.Channel{{ID: 5, Name: "Lobby"}})

	if resp := dialAndSend(t, sockPath, "policy target-channel Lobby"); resp != "ok" {
		t.Fatalf("policy target-channel: %q", resp)
	}
	pol := cfg.Policies()
	if pol.TargetChannel == nil || *pol.TargetChannel != 5 {
		t.Fatalf("expected resolved target channel 5, got %+v", pol)
	}
}

func TestPolicyBooleanField(t *testing.T) {
	s, cfg, _, sockPath := newTestServer(t)
	defer startServer(t, s)()

	if resp := dialAndSend(t, sockPath, "policy require-approved off"); resp != "ok" {
		t.Fatalf("policy require-approved: %q", resp)
	}
	if cfg.Policies().RequireApproved {
		t.Fatalf("expected require_approved disabled")
	}
}

func TestSetKeyTriggersReauthenticate(t *testing.T) {
	s, _, _, sockPath := newTestServer(t)
	sess := &fakeSession{linkOK: true, authOK: false}
	s.sess = sess
	defer startServer(t, s)()

	if resp := dialAndSend(t, sockPath, "setkey newkey"); resp != "ok" {
		t.Fatalf("setkey: %q", resp)
	}
	if sess.reauthenticated != 1 {
		t.Fatalf("expected Reauthenticate called once, got %d", sess.reauthenticated)
	}
	if !config.KeyPresent(s.keyPath) {
		t.Fatalf("expected key file to be written")
	}
}

func TestKeyStatusReflectsFilePresence(t *testing.T) {
	s, _, _, sockPath := newTestServer(t)
	defer startServer(t, s)()

	if resp := dialAndSend(t, sockPath, "key-status"); resp != "ok key_present=0" {
		t.Fatalf("expected key_present=0, got %q", resp)
	}
	if err := config.SaveAPIKey(s.keyPath, "k"); err != nil {
		t.Fatalf("SaveAPIKey: %v", err)
	}
	if resp := dialAndSend(t, sockPath, "key-status"); resp != "ok key_present=1" {
		t.Fatalf("expected key_present=1, got %q", resp)
	}
}

func TestChannelsListsSortedIDName(t *testing.T) {
	s, _, reg, sockPath := newTestServer(t)
	defer startServer(t, s)()
	reg.ReplaceChannels([]registry.Channel{{ID: 9, Name: "AFK"}, {ID: 5, Name: "Lobby"}})

	resp := dialAndSend(t, sockPath, "channels")
	want := "5\tLobby"
	if !strings.Contains(resp, want) {
		t.Fatalf("expected channels to contain %q, got %q", want, resp)
	}
}
