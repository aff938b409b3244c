// Command tsraild bridges a voice-chat client's local text-command API to
// a polled HTTP overlay snapshot and an operator control socket.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/h4rm0n1c/tsraild/internal/config"
	"github.com/h4rm0n1c/tsraild/internal/control"
	"github.com/h4rm0n1c/tsraild/internal/httpapi"
	"github.com/h4rm0n1c/tsraild/internal/paths"
	"github.com/h4rm0n1c/tsraild/internal/registry"
	"github.com/h4rm0n1c/tsraild/internal/session"
)

func main() {
	layout, err := paths.Default()
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve directory layout: %v\n", err)
		os.Exit(1)
	}

	httpHost := flag.String("http-host", "127.0.0.1", "HTTP edge listen host")
	httpPort := flag.Int("http-port", 17891, "HTTP edge listen port")
	upstreamHost := flag.String("upstream-host", "127.0.0.1", "voice client clientquery host")
	upstreamPort := flag.Int("upstream-port", 25639, "voice client clientquery port")
	configDir := flag.String("config-dir", layout.ConfigDir, "configuration directory")
	dataDir := flag.String("data-dir", layout.DataDir, "data directory (assets, overlay)")
	socketPath := flag.String("control-socket", layout.SocketPath, "operator control socket path")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	layout.ConfigDir = *configDir
	layout.DataDir = *dataDir
	layout.AssetsDir = filepath.Join(*dataDir, "assets")
	layout.OverlayDir = filepath.Join(*dataDir, "overlay")
	layout.KeyFile = filepath.Join(*configDir, "clientquery.key")
	layout.ConfigFile = filepath.Join(*configDir, "config.json")
	layout.SocketPath = *socketPath

	initLogging(*logLevel)

	if envPath := filepath.Join(layout.ConfigDir, ".env"); fileExists(envPath) {
		if err := godotenv.Load(envPath); err != nil {
			slog.Warn("load .env failed", "path", envPath, "err", err)
		} else {
			slog.Info("loaded environment", "path", envPath)
		}
	}

	if err := layout.EnsureDirs(); err != nil {
		slog.Error("create directory layout failed", "err", err)
		os.Exit(1)
	}

	cfg, err := config.Load(layout.ConfigFile)
	if err != nil {
		slog.Error("load config failed", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig.String())
		cancel()
	}()

	go watchConfig(ctx, cfg)

	var sess *session.Session
	issuer := &lazyIssuer{}
	reg := registry.New(cfg, issuer, issuer)

	upstreamAddr := net.JoinHostPort(*upstreamHost, fmt.Sprintf("%d", *upstreamPort))
	sess = session.New(upstreamAddr, layout.KeyFile, cfg, reg)
	issuer.sess = sess

	httpAddr := net.JoinHostPort(*httpHost, fmt.Sprintf("%d", *httpPort))
	httpSrv := httpapi.New(reg, layout)
	controlSrv := control.New(layout.SocketPath, layout.KeyFile, "http://"+httpAddr+"/state.json", cfg, reg, sess)

	go sess.Run(ctx)
	go func() {
		if err := httpSrv.Run(ctx, httpAddr); err != nil {
			slog.Error("http server stopped with error", "err", err)
		}
	}()
	go func() {
		if err := controlSrv.Run(ctx); err != nil {
			slog.Error("control socket stopped with error", "err", err)
		}
	}()
	go runStatusLog(ctx, sess, reg, 30*time.Second)

	<-ctx.Done()
	slog.Info("stopped")
}

// lazyIssuer defers to the session once it exists, breaking the
// construction cycle between the registry (built first, needing an issuer
// and a refresher) and the session (needs the registry as its Notifier). It
// implements both registry.CommandIssuer and registry.Refresher, since both
// just forward to the same not-yet-constructed session.
type lazyIssuer struct {
	sess interface {
		MuteClient(clid string, onResult func(ok bool))
		RefreshChannelName(channelID int, onResult func(name string, ok bool))
	}
}

func (l *lazyIssuer) MuteClient(clid string, onResult func(ok bool)) {
	if l.sess == nil {
		onResult(false)
		return
	}
	l.sess.MuteClient(clid, onResult)
}

func (l *lazyIssuer) RefreshChannelName(channelID int, onResult func(name string, ok bool)) {
	if l.sess == nil {
		onResult("", false)
		return
	}
	l.sess.RefreshChannelName(channelID, onResult)
}

func initLogging(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// watchConfig reloads the config file on external edits (e.g. a text
// editor used to tweak policies by hand) until ctx is canceled.
func watchConfig(ctx context.Context, cfg *config.Store) {
	if err := cfg.Watch(ctx); err != nil {
		slog.Warn("config watch stopped", "err", err)
	}
}

// runStatusLog periodically logs link/auth/participant counts, mirroring
// the teacher's periodic metrics goroutine.
func runStatusLog(ctx context.Context, sess *session.Session, reg *registry.Registry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counts := reg.CountsView()
			slog.Info("status",
				"link_ok", sess.LinkOK(),
				"auth_ok", sess.AuthOK(),
				"present_approved", counts.PresentApproved,
				"present_unknown", counts.PresentUnknown,
				"present_ignored", counts.PresentIgnored,
			)
		}
	}
}
