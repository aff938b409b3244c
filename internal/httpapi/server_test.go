package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/h4rm0n1c/tsraild/internal/paths"
	"github.com/h4rm0n1c/tsraild/internal/registry"
)

// fakeRegistry is a fixed stand-in for registry.Registry's read-only
// projections.
type fakeRegistry struct {
	self     registry.SelfView
	server   registry.ServerView
	counts   registry.Counts
	users    []registry.UserView
	unknown  []registry.UnknownUserView
	channels []registry.Channel
}

func (f *fakeRegistry) Self() registry.SelfView                     { return f.self }
func (f *fakeRegistry) Server() registry.ServerView                  { return f.server }
func (f *fakeRegistry) CountsView() registry.Counts                  { return f.counts }
func (f *fakeRegistry) BuildUsers() []registry.UserView              { return f.users }
func (f *fakeRegistry) BuildUnknownUsers() []registry.UnknownUserView { return f.unknown }
func (f *fakeRegistry) Channels() []registry.Channel                 { return f.channels }

func testLayout(t *testing.T) paths.Layout {
	t.Helper()
	dir := t.TempDir()
	l := paths.Layout{
		DataDir:    dir,
		AssetsDir:  filepath.Join(dir, "assets"),
		OverlayDir: filepath.Join(dir, "overlay"),
		BundledDir: filepath.Join(dir, "bundled"),
	}
	for _, d := range []string{l.AssetsDir, l.OverlayDir, l.BundledOverlayDir(), l.BundledAssetsDir()} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", d, err)
		}
	}
	return l
}

func TestStateJSONShape(t *testing.T) {
	cid := 5
	reg := &fakeRegistry{
		self: registry.SelfView{Clid: "1", UID: "selfuid", Nickname: "bot", ChannelID: &cid, ChannelName: "Lobby", HasChannel: true},
		server: registry.ServerView{
			SchandlerID: &cid, CurrentChannelID: &cid, CurrentChannelName: "Lobby",
			HasCurrentChannel: true, TargetChannelActive: true,
		},
		counts: registry.Counts{ApprovedTotal: 1, PresentApproved: 1},
		users: []registry.UserView{
			{UID: "ABC", Nickname: "alice", Approved: true},
		},
		unknown:  []registry.UnknownUserView{},
		channels: []registry.Channel{{ID: 5, Name: "Lobby"}},
	}

	api := New(reg, testLayout(t))
	ts := httptest.NewServer(api.Echo())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/state.json")
	if err != nil {
		t.Fatalf("GET /state.json: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != echoJSONContentType {
		t.Fatalf("unexpected content type %q", ct)
	}

	var body stateResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.TS <= 0 {
		t.Fatalf("expected ts > 0, got %v", body.TS)
	}
	if len(body.Users) != 1 || body.Users[0].UID != "ABC" {
		t.Fatalf("unexpected users: %#v", body.Users)
	}
	if body.Users[0].Assets.FrameIdle != "/assets/frames/monitor_idle.svg" {
		t.Fatalf("unexpected frame asset: %#v", body.Users[0].Assets)
	}
	if len(body.Chans) != 1 || body.Chans[0].Name != "Lobby" {
		t.Fatalf("unexpected channels: %#v", body.Chans)
	}
	if body.Bot.UID == nil || *body.Bot.UID != "selfuid" {
		t.Fatalf("unexpected bot: %#v", body.Bot)
	}
}

func TestColdStartEmptySnapshot(t *testing.T) {
	reg := &fakeRegistry{}
	api := New(reg, testLayout(t))
	ts := httptest.NewServer(api.Echo())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/state.json")
	if err != nil {
		t.Fatalf("GET /state.json: %v", err)
	}
	defer resp.Body.Close()

	var body stateResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Server.SchandlerID != nil {
		t.Fatalf("expected nil schandlerid at cold start, got %v", *body.Server.SchandlerID)
	}
	if len(body.Users) != 0 || len(body.UnknownUsers) != 0 || len(body.Chans) != 0 {
		t.Fatalf("expected empty lists at cold start, got %#v", body)
	}
}

func TestNonGetMethodRejected(t *testing.T) {
	reg := &fakeRegistry{}
	api := New(reg, testLayout(t))
	ts := httptest.NewServer(api.Echo())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/state.json", "text/plain", nil)
	if err != nil {
		t.Fatalf("POST /state.json: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

func TestUnknownPathReturns404(t *testing.T) {
	reg := &fakeRegistry{}
	api := New(reg, testLayout(t))
	ts := httptest.NewServer(api.Echo())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/nope")
	if err != nil {
		t.Fatalf("GET /nope: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestOverlayEmptyPathServesIndex(t *testing.T) {
	l := testLayout(t)
	if err := os.WriteFile(filepath.Join(l.OverlayDir, "index.html"), []byte("<html>hi</html>"), 0o644); err != nil {
		t.Fatalf("write index.html: %v", err)
	}
	reg := &fakeRegistry{}
	api := New(reg, l)
	ts := httptest.NewServer(api.Echo())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/overlay")
	if err != nil {
		t.Fatalf("GET /overlay: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Fatalf("unexpected content type %q", ct)
	}
}

func TestAssetsFallsBackToBundledDefault(t *testing.T) {
	l := testLayout(t)
	bundledFrames := filepath.Join(l.BundledAssetsDir(), "frames")
	if err := os.MkdirAll(bundledFrames, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(bundledFrames, "monitor_idle.svg"), []byte("<svg/>"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	reg := &fakeRegistry{}
	api := New(reg, l)
	ts := httptest.NewServer(api.Echo())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/assets/frames/monitor_idle.svg")
	if err != nil {
		t.Fatalf("GET /assets/...: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestAssetsUnknownPathIs404(t *testing.T) {
	reg := &fakeRegistry{}
	api := New(reg, testLayout(t))
	ts := httptest.NewServer(api.Echo())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/assets/does/not/exist.svg")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

const echoJSONContentType = "application/json; charset=UTF-8"
