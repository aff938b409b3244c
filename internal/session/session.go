// Package session owns the single TCP connection to the upstream voice
// client's text-command API: a reconnecting request/response multiplexer
// that serializes one in-flight command at a time while dispatching
// unsolicited notifications to the participant registry as they arrive.
package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/h4rm0n1c/tsraild/internal/config"
	"github.com/h4rm0n1c/tsraild/internal/registry"
	"github.com/h4rm0n1c/tsraild/internal/wire"
)

// reconnectDelay matches the ~2s backoff called for in the upstream
// session's reconnect loop.
const reconnectDelay = 2 * time.Second

// Notifier is the narrow registry surface the session drives.
type Notifier interface {
	ClearSession()
	SetSelf(clid, uid, nickname string, channelID *int)
	SetSchandlerID(id int)
	SelfChannelID() *int
	ReplaceChannels(channels []registry.Channel)
	ReplaceClients(participants []registry.Participant)
	HandleNotification(line string)
}

// Session owns the upstream connection lifecycle. It implements
// registry.CommandIssuer and registry.Refresher so the registry can route
// fire-and-forget mute commands and channel-name refreshes back through the
// same serialized socket.
type Session struct {
	addr    string
	keyPath string
	cfg     *config.Store
	reg     Notifier

	reqMu sync.Mutex // serializes the full send-command lifecycle, one request at a time

	mu      sync.Mutex // guards conn/pending/pendBuf, shared between SendCommand and readLoop
	conn    net.Conn
	pending chan []string
	pendBuf []string

	stateMu sync.RWMutex
	linkOK  bool
	authOK  bool
}

// New constructs a Session that dials addr (host:port) on Run, loading the
// upstream API key from keyPath on every connect.
func New(addr, keyPath string, cfg *config.Store, reg Notifier) *Session {
	return &Session{addr: addr, keyPath: keyPath, cfg: cfg, reg: reg}
}

// LinkOK reports whether the TCP connection is currently established.
func (s *Session) LinkOK() bool {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.linkOK
}

// AuthOK reports whether the last auth attempt on this connection succeeded.
func (s *Session) AuthOK() bool {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.authOK
}

func (s *Session) setLinkOK(v bool) {
	s.stateMu.Lock()
	s.linkOK = v
	s.stateMu.Unlock()
}

func (s *Session) setAuthOK(v bool) {
	s.stateMu.Lock()
	s.authOK = v
	s.stateMu.Unlock()
}

// Run drives the reconnect loop until ctx is canceled.
func (s *Session) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.runOnce(ctx); err != nil {
			slog.Warn("upstream session ended", "err", err)
		}
		s.setLinkOK(false)
		s.setAuthOK(false)
		s.reg.ClearSession()

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (s *Session) runOnce(ctx context.Context) error {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("dial upstream: %w", err)
	}
	defer conn.Close()

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.setLinkOK(true)

	readerDone := make(chan error, 1)
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		readerDone <- s.readLoop(conn)
	}()

	if err := s.postConnect(connCtx); err != nil {
		slog.Warn("post-connect handshake incomplete", "err", err)
	}

	select {
	case <-ctx.Done():
		conn.Close()
		<-readerDone
		return ctx.Err()
	case err := <-readerDone:
		return err
	}
}

// postConnect runs the handshake: auth, whoami, use schandlerid,
// subscriptions, then a full resync.
func (s *Session) postConnect(ctx context.Context) error {
	key, err := config.LoadAPIKey(s.keyPath)
	if err != nil {
		return fmt.Errorf("load api key: %w", err)
	}
	if key == "" {
		s.setAuthOK(false)
		return nil
	}
	return s.authenticateAndSync(ctx, key)
}

func (s *Session) authenticateAndSync(ctx context.Context, key string) error {
	resp, err := s.SendCommand(ctx, "auth apikey="+wire.EncodeValue(key))
	if err != nil {
		return err
	}
	if !isOK(resp) {
		s.setAuthOK(false)
		return nil
	}
	s.setAuthOK(true)

	schandlerID, err := s.resolveIdentity(ctx)
	if err != nil {
		return err
	}
	if _, err := s.SendCommand(ctx, fmt.Sprintf("use schandlerid=%d", schandlerID)); err != nil {
		return err
	}
	if _, err := s.SendCommand(ctx, fmt.Sprintf("clientnotifyregister schandlerid=%d event=any", schandlerID)); err != nil {
		return err
	}
	if _, err := s.SendCommand(ctx, "servernotifyregister event=any"); err != nil {
		return err
	}
	return s.Resync(ctx)
}

// resolveIdentity issues whoami and records self identity and schandlerid,
// accepting both the "clid" and "client_id" field spellings upstream has
// been observed to use.
func (s *Session) resolveIdentity(ctx context.Context) (int, error) {
	resp, err := s.SendCommand(ctx, "whoami")
	if err != nil {
		return 0, err
	}
	schandlerID := 1
	var clid, ownUID, nick string
	var channelID *int
	for _, line := range resp {
		if !strings.HasPrefix(line, "clid") && !strings.HasPrefix(line, "client_id") {
			continue
		}
		kv := wire.ParseKV(line)
		if v, ok := kv["schandlerid"]; ok {
			if n, err := strconv.Atoi(v); err == nil {
				schandlerID = n
			}
		}
		if v, ok := kv["clid"]; ok {
			clid = v
		} else if v, ok := kv["client_id"]; ok {
			clid = v
		}
		if v, ok := kv["client_login_name"]; ok {
			nick = v
		}
		if v, ok := kv["client_nickname"]; ok {
			nick = v
		}
		if v, ok := kv["client_unique_identifier"]; ok {
			ownUID = v
		}
		if v, ok := kv["cid"]; ok {
			if n, err := strconv.Atoi(v); err == nil {
				channelID = &n
			}
		}
	}
	s.reg.SetSchandlerID(schandlerID)
	s.reg.SetSelf(clid, ownUID, nick, channelID)
	return schandlerID, nil
}

// Reauthenticate re-reads the API key file and re-runs the full
// auth/subscribe/resync sequence on the current connection, for the
// operator's setkey control command. Fired as its own goroutine, mirroring
// handleServerHop, so the control socket's caller is never blocked on the
// upstream round trip.
func (s *Session) Reauthenticate() {
	go func() {
		ctx := context.Background()
		key, err := config.LoadAPIKey(s.keyPath)
		if err != nil {
			slog.Warn("reauthenticate: load api key failed", "err", err)
			return
		}
		if key == "" {
			s.setAuthOK(false)
			return
		}
		if err := s.authenticateAndSync(ctx, key); err != nil {
			slog.Warn("reauthenticate failed", "err", err)
		}
	}()
}

// handleServerHop reacts to a schandlerid change notification by re-running
// steps 4-6 of the handshake (bind, subscribe, resync) on the new server
// connection. Dispatched as its own goroutine so the reader loop is never
// blocked on the upstream round trips this requires.
func (s *Session) handleServerHop(line string) {
	kv := wire.ParseKV(line)
	schandlerID := 1
	if v, ok := kv["schandlerid"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			schandlerID = n
		}
	}
	s.reg.SetSchandlerID(schandlerID)

	go func() {
		ctx := context.Background()
		if _, err := s.SendCommand(ctx, fmt.Sprintf("use schandlerid=%d", schandlerID)); err != nil {
			slog.Warn("server hop: use schandlerid failed", "err", err)
			return
		}
		if _, err := s.SendCommand(ctx, fmt.Sprintf("clientnotifyregister schandlerid=%d event=any", schandlerID)); err != nil {
			slog.Warn("server hop: clientnotifyregister failed", "err", err)
			return
		}
		if _, err := s.SendCommand(ctx, "servernotifyregister event=any"); err != nil {
			slog.Warn("server hop: servernotifyregister failed", "err", err)
			return
		}
		if err := s.Resync(ctx); err != nil {
			slog.Warn("server hop: resync failed", "err", err)
		}
	}()
}

// Resync runs the full resync sequence: whoami, channellist, channelinfo,
// clientlist.
func (s *Session) Resync(ctx context.Context) error {
	if _, err := s.resolveIdentity(ctx); err != nil {
		return err
	}
	if err := s.refreshChannels(ctx); err != nil {
		return err
	}
	if err := s.refreshChannelName(ctx); err != nil {
		return err
	}
	return s.refreshClients(ctx)
}

func (s *Session) refreshChannels(ctx context.Context) error {
	resp, err := s.SendCommand(ctx, "channellist")
	if err != nil {
		return err
	}
	var channels []registry.Channel
	for _, line := range resp {
		if line == "" || strings.HasPrefix(line, "error ") {
			continue
		}
		for _, rec := range wire.ParseRecords(line) {
			idStr, ok := rec["cid"]
			if !ok {
				continue
			}
			id, err := strconv.Atoi(idStr)
			if err != nil {
				continue
			}
			channels = append(channels, registry.Channel{ID: id, Name: rec["channel_name"]})
		}
	}
	s.reg.ReplaceChannels(channels)
	return nil
}

// refreshChannelName confirms the name of the channel at cid=<target-or-
// self>. The resolved name is only persisted back to policy when the
// target was explicitly configured; when we fell back to self's current
// channel there is nothing to persist, the name is already available from
// the channellist table.
func (s *Session) refreshChannelName(ctx context.Context) error {
	pol := s.cfg.Policies()
	explicitTarget := pol.TargetChannel != nil
	channelID := pol.TargetChannel
	if channelID == nil {
		channelID = s.reg.SelfChannelID()
	}
	if channelID == nil {
		return nil
	}
	resp, err := s.SendCommand(ctx, fmt.Sprintf("channelinfo cid=%d", *channelID))
	if err != nil {
		return err
	}
	if !explicitTarget {
		return nil
	}
	if name, ok := parseChannelInfoName(resp); ok {
		if err := s.cfg.SetTargetChannelResolved(*channelID, name); err != nil {
			slog.Warn("persist refreshed channel name failed", "err", err)
		}
	}
	return nil
}

// parseChannelInfoName extracts channel_name from a channelinfo response.
func parseChannelInfoName(resp []string) (string, bool) {
	for _, line := range resp {
		if !strings.HasPrefix(line, "cid") {
			continue
		}
		kv := wire.ParseKV(line)
		if name, ok := kv["channel_name"]; ok && name != "" {
			return name, true
		}
	}
	return "", false
}

// RefreshChannelName implements registry.Refresher. It dispatches a
// channelinfo lookup as an independent goroutine, mirroring MuteClient, so
// a self-move or channel-adoption notification handled on the registry's
// call path is never blocked on the upstream round trip.
func (s *Session) RefreshChannelName(channelID int, onResult func(name string, ok bool)) {
	go func() {
		resp, err := s.SendCommand(context.Background(), fmt.Sprintf("channelinfo cid=%d", channelID))
		if err != nil {
			onResult("", false)
			return
		}
		name, ok := parseChannelInfoName(resp)
		onResult(name, ok)
	}()
}

func (s *Session) refreshClients(ctx context.Context) error {
	resp, err := s.SendCommand(ctx, "clientlist -voice -uid")
	if err != nil {
		return err
	}
	var participants []registry.Participant
	for _, line := range resp {
		if line == "" || strings.HasPrefix(line, "error ") {
			continue
		}
		for _, rec := range wire.ParseRecords(line) {
			clid, ok := rec["clid"]
			if !ok {
				continue
			}
			p := registry.Participant{
				Clid:     clid,
				UID:      rec["client_unique_identifier"],
				Nickname: rec["client_nickname"],
			}
			if cidStr, ok := rec["cid"]; ok {
				if n, err := strconv.Atoi(cidStr); err == nil {
					p.ChannelID = &n
				}
			}
			participants = append(participants, p)
		}
	}
	s.reg.ReplaceClients(participants)
	return nil
}

// MuteClient implements registry.CommandIssuer. It dispatches the mute
// command as an independent goroutine so the notification reader (which
// calls into the registry synchronously) is never blocked on the upstream
// round trip.
func (s *Session) MuteClient(clid string, onResult func(ok bool)) {
	go func() {
		resp, err := s.SendCommand(context.Background(), "clientmute clid="+clid)
		if err != nil {
			onResult(false)
			return
		}
		onResult(isOK(resp))
	}()
}

// SendCommand writes cmd to the upstream connection and waits for the
// matching response. reqMu serializes the full lifecycle so only one
// request is ever in flight, per the upstream protocol's single-reply
// guarantee; mu is held only for the short critical sections that touch
// shared connection/pending state, so the reader loop is never blocked
// out of delivering this request's response.
func (s *Session) SendCommand(ctx context.Context, cmd string) ([]string, error) {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()

	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return nil, errNotConnected
	}
	pending := make(chan []string, 1)
	s.pending = pending
	s.pendBuf = nil
	s.mu.Unlock()

	if _, err := conn.Write([]byte(cmd + "\n")); err != nil {
		s.mu.Lock()
		s.pending = nil
		s.mu.Unlock()
		return nil, fmt.Errorf("write command: %w", err)
	}

	select {
	case resp := <-pending:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

var errNotConnected = errors.New("error id=2569 msg=not connected")

func isOK(lines []string) bool {
	for _, l := range lines {
		if strings.HasPrefix(l, "error id=0") {
			return true
		}
	}
	return false
}

// readLoop classifies each incoming line, dispatching notifications to the
// registry immediately and buffering payload lines for the pending request
// until a terminator arrives. Keepalive terminators are answered with a
// bare newline and do not resolve the pending request.
func (s *Session) readLoop(conn net.Conn) error {
	r := bufio.NewReader(conn)
	for {
		raw, err := r.ReadString('\n')
		if err != nil {
			s.failPending()
			return err
		}
		line := strings.TrimRight(raw, "\r\n")
		if line == "" {
			continue
		}

		switch wire.ClassifyLine(line) {
		case wire.LineNotify:
			switch wire.EventName(line) {
			case "notifyconnectstatuschange", "notifycurrentserverconnectionchanged":
				s.handleServerHop(line)
			default:
				s.reg.HandleNotification(line)
			}
		case wire.LineKeepalive:
			if _, err := conn.Write([]byte("\n")); err != nil {
				return err
			}
		case wire.LineTerminator:
			s.mu.Lock()
			if s.pending != nil {
				buf := append(s.pendBuf, line)
				pending := s.pending
				s.pending = nil
				s.pendBuf = nil
				s.mu.Unlock()
				pending <- buf
				continue
			}
			s.mu.Unlock()
		default:
			s.mu.Lock()
			if s.pending != nil {
				s.pendBuf = append(s.pendBuf, line)
			}
			s.mu.Unlock()
		}
	}
}

func (s *Session) failPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil {
		s.pending <- []string{"error id=2569 msg=not\\sconnected"}
		s.pending = nil
		s.pendBuf = nil
	}
}
