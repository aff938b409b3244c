// Package httpapi serves the browser overlay's state snapshot and the
// static overlay/asset trees over GET-only HTTP.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/h4rm0n1c/tsraild/internal/assets"
	"github.com/h4rm0n1c/tsraild/internal/paths"
	"github.com/h4rm0n1c/tsraild/internal/registry"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Registry is the read-only surface the edge server needs from the
// participant registry.
type Registry interface {
	Self() registry.SelfView
	Server() registry.ServerView
	CountsView() registry.Counts
	BuildUsers() []registry.UserView
	BuildUnknownUsers() []registry.UnknownUserView
	Channels() []registry.Channel
}

// Server is the Echo application backing the HTTP edge.
type Server struct {
	echo   *echo.Echo
	reg    Registry
	layout paths.Layout
}

// New constructs the HTTP edge app backed by reg and the static roots in
// layout.
func New(reg Registry, layout paths.Layout) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())
	e.Use(getOnly)

	s := &Server{echo: e, reg: reg, layout: layout}
	s.registerRoutes()
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			req := c.Request()
			slog.Debug("http request",
				"method", req.Method,
				"path", req.URL.Path,
				"status", c.Response().Status,
				"duration_ms", time.Since(start).Milliseconds(),
			)
			return nil
		}
	}
}

func (s *Server) registerRoutes() {
	s.echo.GET("/state.json", s.handleState)
	s.echo.GET("/overlay", s.handleOverlay)
	s.echo.GET("/overlay/*", s.handleOverlay)
	s.echo.GET("/assets/*", s.handleAssets)
}

// getOnly rejects every non-GET request with 405 before any route handler
// runs, whether or not the path matched a route; only GET handlers are ever
// registered, so an unmatched GET path still falls through to Echo's
// default 404.
func getOnly(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if c.Request().Method != http.MethodGet {
			return c.String(http.StatusMethodNotAllowed, "Method Not Allowed")
		}
		return next(c)
	}
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("shutting down http server")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		slog.Info("http server stopped")
		return nil
	}
}

type stateResponse struct {
	TS           float64           `json:"ts"`
	Server       serverJSON        `json:"server"`
	Bot          botJSON           `json:"bot"`
	Counts       registry.Counts   `json:"counts"`
	Users        []userJSON        `json:"users"`
	UnknownUsers []unknownUserJSON `json:"unknown_users"`
	Chans        []channelJSON     `json:"channels"`
}

type serverJSON struct {
	SchandlerID         *int    `json:"schandlerid"`
	CurrentChannelID    *int    `json:"current_channel_id"`
	CurrentChannelName  *string `json:"current_channel_name"`
	TargetChannelID     *int    `json:"target_channel_id"`
	TargetChannelName   *string `json:"target_channel_name"`
	TargetChannelActive bool    `json:"target_channel_active"`
}

type botJSON struct {
	Clid        *string `json:"clid"`
	UID         *string `json:"uid"`
	Nickname    *string `json:"nickname"`
	ChannelID   *int    `json:"channel_id"`
	ChannelName *string `json:"channel_name"`
}

type userJSON struct {
	UID      string     `json:"uid"`
	Nickname string     `json:"nickname"`
	Talking  bool       `json:"talking"`
	Approved bool       `json:"approved"`
	Ignored  bool       `json:"ignored"`
	Assets   assetsJSON `json:"assets"`
}

type assetsJSON struct {
	AvatarIdle string `json:"avatar_idle"`
	AvatarTalk string `json:"avatar_talk"`
	FrameIdle  string `json:"frame_idle"`
	FrameTalk  string `json:"frame_talk"`
}

type unknownUserJSON struct {
	UID       string `json:"uid"`
	Nickname  string `json:"nickname"`
	ChannelID *int   `json:"channel_id"`
}

type channelJSON struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

func (s *Server) handleState(c echo.Context) error {
	self := s.reg.Self()
	srv := s.reg.Server()
	counts := s.reg.CountsView()
	users := s.reg.BuildUsers()
	unknown := s.reg.BuildUnknownUsers()
	channels := s.reg.Channels()

	resp := stateResponse{
		TS: float64(time.Now().UnixNano()) / 1e9,
		Server: serverJSON{
			SchandlerID:         srv.SchandlerID,
			CurrentChannelID:    srv.CurrentChannelID,
			TargetChannelID:     srv.TargetChannelID,
			TargetChannelName:   srv.TargetChannelName,
			TargetChannelActive: srv.TargetChannelActive,
		},
		Counts:       counts,
		Users:        make([]userJSON, 0, len(users)),
		UnknownUsers: make([]unknownUserJSON, 0, len(unknown)),
		Chans:        make([]channelJSON, 0, len(channels)),
	}
	if srv.HasCurrentChannel {
		name := srv.CurrentChannelName
		resp.Server.CurrentChannelName = &name
	}
	if self.Clid != "" {
		clid := self.Clid
		resp.Bot.Clid = &clid
	}
	if self.UID != "" {
		uid := self.UID
		resp.Bot.UID = &uid
	}
	if self.Nickname != "" {
		nick := self.Nickname
		resp.Bot.Nickname = &nick
	}
	if self.HasChannel {
		resp.Bot.ChannelID = self.ChannelID
		name := self.ChannelName
		resp.Bot.ChannelName = &name
	}

	for _, u := range users {
		if err := assets.EnsureUser(s.layout, u.UID); err != nil {
			slog.Warn("seed user asset directory failed", "uid", u.UID, "err", err)
		}
		set := assets.Resolve(s.layout, u.UID)
		resp.Users = append(resp.Users, userJSON{
			UID:      u.UID,
			Nickname: u.Nickname,
			Talking:  u.Talking,
			Approved: u.Approved,
			Ignored:  u.Ignored,
			Assets: assetsJSON{
				AvatarIdle: set.AvatarIdle,
				AvatarTalk: set.AvatarTalk,
				FrameIdle:  set.FrameIdle,
				FrameTalk:  set.FrameTalk,
			},
		})
	}
	for _, u := range unknown {
		resp.UnknownUsers = append(resp.UnknownUsers, unknownUserJSON{UID: u.UID, Nickname: u.Nickname, ChannelID: u.ChannelID})
	}
	for _, c := range channels {
		resp.Chans = append(resp.Chans, channelJSON{ID: c.ID, Name: c.Name})
	}

	c.Response().Header().Set(echo.HeaderConnection, "close")
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleOverlay(c echo.Context) error {
	rel := strings.TrimPrefix(c.Request().URL.Path, "/overlay")
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" {
		rel = "index.html"
	}
	return s.serveStatic(c, rel, s.layout.OverlayDir, s.layout.BundledOverlayDir())
}

func (s *Server) handleAssets(c echo.Context) error {
	rel := strings.TrimPrefix(c.Request().URL.Path, "/assets")
	rel = strings.TrimPrefix(rel, "/")
	return s.serveStatic(c, rel, s.layout.AssetsDir, s.layout.BundledAssetsDir())
}

// serveStatic resolves rel first under primary, then under fallback, and
// writes the file directly rather than delegating to http.ServeContent or
// echo.Static — both of which honor Range requests, which this edge must
// not support. No caching headers are ever set.
func (s *Server) serveStatic(c echo.Context, rel, primary, fallback string) error {
	if rel == "" || strings.Contains(rel, "..") {
		return c.String(http.StatusNotFound, "Not Found")
	}
	for _, base := range []string{primary, fallback} {
		path := filepath.Join(base, filepath.FromSlash(rel))
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		c.Response().Header().Set(echo.HeaderConnection, "close")
		c.Response().Header().Set(echo.HeaderContentType, contentType(path))
		c.Response().Header().Set(echo.HeaderContentLength, strconv.Itoa(len(data)))
		c.Response().WriteHeader(http.StatusOK)
		_, err = c.Response().Write(data)
		return err
	}
	return c.String(http.StatusNotFound, "Not Found")
}

func contentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".html", ".htm":
		return "text/html; charset=utf-8"
	case ".css":
		return "text/css; charset=utf-8"
	case ".js":
		return "application/javascript"
	case ".svg":
		return "image/svg+xml"
	case ".json":
		return "application/json"
	case ".png", ".apng":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".avif":
		return "image/avif"
	default:
		if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
			return t
		}
		return "application/octet-stream"
	}
}
