// Package control implements the Unix-domain operator socket: a
// newline-delimited request/response dispatcher mirroring the upstream
// session's health and the registry's moderation state.
package control

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/h4rm0n1c/tsraild/internal/config"
	"github.com/h4rm0n1c/tsraild/internal/registry"
)

// Session is the subset of session.Session the control socket needs for
// the status line and the setkey reauthentication trigger.
type Session interface {
	LinkOK() bool
	AuthOK() bool
	Reauthenticate()
}

// Registry is the subset of the participant registry the control socket
// mutates or reads.
type Registry interface {
	Self() registry.SelfView
	Server() registry.ServerView
	CountsView() registry.Counts
	BuildUsers() []registry.UserView
	BuildUnknownUsers() []registry.UnknownUserView
	Channels() []registry.Channel
	Approve(uid string) error
	Unapprove(uid string) error
	Ignore(uid string) error
	Unignore(uid string) error
	ApplyTargetChannel(id *int, name *string) error
	FindUIDByClid(clid string) (string, bool)
	FindUIDByNick(nick string) (string, bool)
}

// Server accepts connections on a Unix domain socket and dispatches each
// line independently.
type Server struct {
	socketPath string
	keyPath    string
	httpURL    string
	cfg        *config.Store
	reg        Registry
	sess       Session
}

// New constructs a control socket server. keyPath is the on-disk API key
// file location (for key-status/setkey); httpURL is echoed back in the
// status response.
func New(socketPath, keyPath, httpURL string, cfg *config.Store, reg Registry, sess Session) *Server {
	return &Server{socketPath: socketPath, keyPath: keyPath, httpURL: httpURL, cfg: cfg, reg: reg, sess: sess}
}

// Run binds the socket (mode 0700) and serves connections until ctx is
// canceled.
func (s *Server) Run(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o700); err != nil {
		ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	id := uuid.New().String()
	defer conn.Close()

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if line == "" && err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		resp := s.dispatch(id, line)
		if _, err := conn.Write([]byte(resp)); err != nil {
			slog.Debug("control socket write failed", "conn", id, "err", err)
			return
		}
		if err != nil {
			return
		}
	}
}

// dispatch handles one request line and returns the full response,
// always newline-terminated.
func (s *Server) dispatch(connID, line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "error empty\n"
	}
	cmd, args := fields[0], fields[1:]

	slog.Debug("control command", "conn", connID, "cmd", cmd)

	switch cmd {
	case "status":
		return s.cmdStatus()
	case "key-status":
		present := config.KeyPresent(s.keyPath)
		return fmt.Sprintf("ok key_present=%d\n", boolToInt(present))
	case "setkey":
		return s.cmdSetKey(args)
	case "dump-state":
		return s.cmdDumpState()
	case "approve-uid":
		return s.cmdApproveUID(args)
	case "approve-clid":
		return s.cmdApproveClid(args)
	case "approve-nick":
		return s.cmdApproveNick(args)
	case "unapprove-uid":
		return s.cmdUnapproveUID(args)
	case "approved-list":
		return listResponse(s.cfg.ApprovedList())
	case "ignore-uid":
		return s.cmdIgnoreUID(args)
	case "unignore-uid":
		return s.cmdUnignoreUID(args)
	case "ignore-list":
		return listResponse(s.cfg.IgnoredList())
	case "channels":
		return s.cmdChannels()
	case "policy":
		return s.cmdPolicy(args)
	default:
		return "error unknown\n"
	}
}

func (s *Server) cmdStatus() string {
	counts := s.reg.CountsView()
	srv := s.reg.Server()
	schandler := "null"
	if srv.SchandlerID != nil {
		schandler = strconv.Itoa(*srv.SchandlerID)
	}
	channelID := "null"
	channelName := ""
	if srv.TargetChannelID != nil {
		channelID = strconv.Itoa(*srv.TargetChannelID)
	} else if srv.CurrentChannelID != nil {
		channelID = strconv.Itoa(*srv.CurrentChannelID)
	}
	if srv.CurrentChannelName != "" {
		channelName = srv.CurrentChannelName
	}
	countsJSON, _ := json.Marshal(counts)
	return fmt.Sprintf(
		"ok link_ok=%d auth=%d schandlerid=%s channel_id=%s channel_name=%s counts=%s url=%s\n",
		boolToInt(s.sess.LinkOK()), boolToInt(s.sess.AuthOK()), schandler, channelID, channelName, countsJSON, s.httpURL,
	)
}

func (s *Server) cmdSetKey(args []string) string {
	if len(args) == 0 {
		return "error usage\n"
	}
	if err := config.SaveAPIKey(s.keyPath, args[0]); err != nil {
		slog.Warn("setkey failed", "err", err)
		return "error write\n"
	}
	s.sess.Reauthenticate()
	return "ok\n"
}

func (s *Server) cmdDumpState() string {
	self := s.reg.Self()
	srv := s.reg.Server()
	body := map[string]any{
		"self":          self,
		"server":        srv,
		"counts":        s.reg.CountsView(),
		"users":         s.reg.BuildUsers(),
		"unknown_users": s.reg.BuildUnknownUsers(),
		"channels":      s.reg.Channels(),
	}
	out, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		return "error internal\n"
	}
	return string(out) + "\n"
}

func (s *Server) cmdApproveUID(args []string) string {
	if len(args) == 0 {
		return "error usage\n"
	}
	if err := s.reg.Approve(args[0]); err != nil {
		return "error internal\n"
	}
	return "ok\n"
}

func (s *Server) cmdApproveClid(args []string) string {
	if len(args) == 0 {
		return "error usage\n"
	}
	uid, ok := s.reg.FindUIDByClid(args[0])
	if !ok {
		return "error unknown clid\n"
	}
	if err := s.reg.Approve(uid); err != nil {
		return "error internal\n"
	}
	return "ok\n"
}

func (s *Server) cmdApproveNick(args []string) string {
	if len(args) == 0 {
		return "error usage\n"
	}
	nick := strings.Join(args, " ")
	uid, ok := s.reg.FindUIDByNick(nick)
	if !ok {
		return "error unknown nick\n"
	}
	if err := s.reg.Approve(uid); err != nil {
		return "error internal\n"
	}
	return "ok\n"
}

func (s *Server) cmdUnapproveUID(args []string) string {
	if len(args) == 0 {
		return "error usage\n"
	}
	if err := s.reg.Unapprove(args[0]); err != nil {
		return "error internal\n"
	}
	return "ok\n"
}

func (s *Server) cmdIgnoreUID(args []string) string {
	if len(args) == 0 {
		return "error usage\n"
	}
	if err := s.reg.Ignore(args[0]); err != nil {
		return "error internal\n"
	}
	return "ok\n"
}

func (s *Server) cmdUnignoreUID(args []string) string {
	if len(args) == 0 {
		return "error usage\n"
	}
	if err := s.reg.Unignore(args[0]); err != nil {
		return "error internal\n"
	}
	return "ok\n"
}

func (s *Server) cmdChannels() string {
	chans := s.reg.Channels()
	lines := make([]string, 0, len(chans))
	for _, c := range chans {
		lines = append(lines, fmt.Sprintf("%d\t%s", c.ID, c.Name))
	}
	sort.Strings(lines)
	if len(lines) == 0 {
		return "\n"
	}
	return strings.Join(lines, "\n") + "\n"
}

// cmdPolicy applies `policy <name> <value>`. Booleans accept
// 1/0/true/false/yes/no/on/off; target-channel accepts empty (clear), an
// integer (id), or a string (name, resolved after the next channellist).
func (s *Server) cmdPolicy(args []string) string {
	if len(args) < 1 {
		return "error usage\n"
	}
	name := args[0]
	raw := ""
	if len(args) > 1 {
		raw = strings.Join(args[1:], " ")
	}

	switch name {
	case "auto-mute-unknown":
		b, ok := parseBool(raw)
		if !ok {
			return "error usage\n"
		}
		if err := s.cfg.SetAutoMuteUnknown(b); err != nil {
			return "error internal\n"
		}
	case "require-approved":
		b, ok := parseBool(raw)
		if !ok {
			return "error usage\n"
		}
		if err := s.cfg.SetRequireApproved(b); err != nil {
			return "error internal\n"
		}
	case "show-ignored":
		b, ok := parseBool(raw)
		if !ok {
			return "error usage\n"
		}
		if err := s.cfg.SetShowIgnored(b); err != nil {
			return "error internal\n"
		}
	case "target-channel":
		return s.applyTargetChannelPolicy(raw)
	default:
		return "error unknown policy\n"
	}
	return "ok\n"
}

func (s *Server) applyTargetChannelPolicy(raw string) string {
	if raw == "" {
		if err := s.reg.ApplyTargetChannel(nil, nil); err != nil {
			return "error internal\n"
		}
		return "ok\n"
	}
	if id, err := strconv.Atoi(raw); err == nil {
		if err := s.reg.ApplyTargetChannel(&id, nil); err != nil {
			return "error internal\n"
		}
		return "ok\n"
	}
	if err := s.reg.ApplyTargetChannel(nil, &raw); err != nil {
		if registry.IsUnknownChannel(err) {
			return "error unknown channel\n"
		}
		return "error internal\n"
	}
	return "ok\n"
}

func parseBool(raw string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func listResponse(items []string) string {
	sorted := append([]string(nil), items...)
	sort.Strings(sorted)
	if len(sorted) == 0 {
		return "\n"
	}
	return strings.Join(sorted, "\n") + "\n"
}
