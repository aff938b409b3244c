// Package registry holds the authoritative in-memory model of connected
// participants, channels, and self-identity, and applies moderation policy
// as a side effect of state transitions. It is the mutation target for
// upstream notifications and the read target for the edge servers.
package registry

import (
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/h4rm0n1c/tsraild/internal/config"
	"github.com/h4rm0n1c/tsraild/internal/wire"
)

// Participant is a client connected to the current voice server.
type Participant struct {
	Clid      string
	UID       string
	Nickname  string
	ChannelID *int
	Talking   bool
	Approved  bool
	Ignored   bool
	MutedByUs bool

	// mutePending tracks an in-flight mute command, preventing a duplicate
	// dispatch if policy is re-applied before the first one completes.
	mutePending bool
}

// Channel is a room on the upstream voice server.
type Channel struct {
	ID   int
	Name string
}

// CommandIssuer is the narrow interface the registry needs back onto the
// upstream session, kept separate to avoid an import cycle: session
// implements this, registry only depends on the interface.
type CommandIssuer interface {
	// MuteClient fires a clientmute command for clid. It must not block the
	// caller on the upstream round trip; implementations dispatch it as a
	// fire-and-forget task and report success via onResult.
	MuteClient(clid string, onResult func(ok bool))
}

// Refresher is the narrow interface the registry needs back onto the
// upstream session to confirm a channel's name after the registry's own
// view of self's location changes out from under the cached channellist
// table, analogous to CommandIssuer but for channelinfo rather than
// clientmute.
type Refresher interface {
	// RefreshChannelName fires a channelinfo lookup for channelID. It must
	// not block the caller; implementations dispatch it as a fire-and-forget
	// task and report the resolved name via onResult.
	RefreshChannelName(channelID int, onResult func(name string, ok bool))
}

// Registry is the mutex-guarded participant/channel/self-identity model.
// The spec frames mutation as happening on a single cooperative execution
// context; this Go realization achieves the same non-racing guarantee with
// an RWMutex guarding the same state, matching the teacher's ChannelState
// idiom of a guarded map plus derived projections.
type Registry struct {
	mu sync.RWMutex

	clients  map[string]*Participant // keyed by clid
	channels map[int]string          // id -> name

	selfClid      string
	selfUID       string
	selfNickname  string
	selfChannelID *int
	schandlerID   *int

	cfg       *config.Store
	issuer    CommandIssuer
	refresher Refresher
}

// New constructs an empty registry bound to cfg for policy membership,
// issuer for fire-and-forget mute commands, and refresher for fire-and-
// forget channel-name refreshes.
func New(cfg *config.Store, issuer CommandIssuer, refresher Refresher) *Registry {
	return &Registry{
		clients:   make(map[string]*Participant),
		channels:  make(map[int]string),
		cfg:       cfg,
		issuer:    issuer,
		refresher: refresher,
	}
}

// ClearSession drops all live participant and self state, called on every
// upstream session loss. muted_by_us cannot outlive the session that
// acknowledged the mute, by invariant.
func (r *Registry) ClearSession() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients = make(map[string]*Participant)
	r.channels = make(map[int]string)
	r.selfClid = ""
	r.selfUID = ""
	r.selfNickname = ""
	r.selfChannelID = nil
	r.schandlerID = nil
}

// SetSelf records the daemon's own identity, as resolved by whoami. clid is
// already extracted by the caller, which accepts either the "clid" or the
// "client_id" field spelling.
func (r *Registry) SetSelf(clid, uid, nickname string, channelID *int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.selfClid = clid
	r.selfUID = uid
	r.selfNickname = nickname
	r.selfChannelID = channelID
}

// SetSchandlerID records which server connection upstream commands target.
func (r *Registry) SetSchandlerID(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schandlerID = &id
}

// SchandlerID returns the currently bound schandlerid, if any.
func (r *Registry) SchandlerID() *int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyIntPtr(r.schandlerID)
}

// SelfChannelID returns the daemon's own currently observed channel, if any.
func (r *Registry) SelfChannelID() *int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyIntPtr(r.selfChannelID)
}

// ReplaceChannels overwrites the id->name table wholesale, as produced by a
// channellist resync, and re-resolves any pending name-based target.
func (r *Registry) ReplaceChannels(channels []Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels = make(map[int]string, len(channels))
	for _, c := range channels {
		r.channels[c.ID] = c.Name
	}
	r.resolveTargetChannelNameLocked()
}

// resolveTargetChannelNameLocked matches a pending target_channel_name
// case-insensitively against the known channel table, persisting the
// resolved id when found. Must be called with mu held.
func (r *Registry) resolveTargetChannelNameLocked() {
	p := r.cfg.Policies()
	if p.TargetChannelName == nil {
		return
	}
	want := strings.ToLower(*p.TargetChannelName)
	for id, name := range r.channels {
		if strings.ToLower(name) == want {
			if err := r.cfg.SetTargetChannelResolved(id, name); err != nil {
				slog.Warn("persist resolved target channel failed", "err", err)
			}
			return
		}
	}
}

// ReplaceClients overwrites the participant set wholesale, as produced by a
// clientlist resync, then re-applies policy across the new set.
func (r *Registry) ReplaceClients(participants []Participant) {
	r.mu.Lock()
	fresh := make(map[string]*Participant, len(participants))
	for i := range participants {
		p := participants[i]
		r.deriveFlagsLocked(&p)
		fresh[p.Clid] = &p
	}
	r.clients = fresh
	toMute := r.applyPoliciesLocked()
	r.mu.Unlock()

	r.fireMutes(toMute)
}

// deriveFlagsLocked sets Approved/Ignored from current set membership. Must
// be called with mu held (config.Store has its own internal lock so this is
// safe to call while holding only the registry's lock).
func (r *Registry) deriveFlagsLocked(p *Participant) {
	p.Approved = r.cfg.IsApproved(p.UID)
	p.Ignored = r.cfg.IsIgnored(p.UID)
}

// monitoredChannelLocked returns target_channel if set, else self's
// current channel. Must be called with mu held.
func (r *Registry) monitoredChannelLocked() *int {
	p := r.cfg.Policies()
	if p.TargetChannel != nil {
		return p.TargetChannel
	}
	return r.selfChannelID
}

// inScopeLocked reports whether participant p sits in the monitored
// channel. If target_channel is set but self is not in it, scope is empty
// for everyone. Must be called with mu held.
func (r *Registry) inScopeLocked(p *Participant) bool {
	pol := r.cfg.Policies()
	if pol.TargetChannel != nil && !selfInTargetLocked(r, pol) {
		return false
	}
	monitored := r.monitoredChannelLocked()
	if monitored == nil || p.ChannelID == nil {
		return false
	}
	return *monitored == *p.ChannelID
}

func selfInTargetLocked(r *Registry, pol config.Policies) bool {
	if r.selfChannelID == nil || pol.TargetChannel == nil {
		return false
	}
	return *r.selfChannelID == *pol.TargetChannel
}

// applyPoliciesLocked re-evaluates auto-mute for every in-scope
// participant and returns the clids that need a mute command fired.
// Selected participants are marked mutePending so a second call before the
// first command completes does not fire a duplicate. Must be called with
// mu held; the returned clids must be passed to fireMutes only after mu is
// released, since the upstream issuer's completion callback re-acquires it.
func (r *Registry) applyPoliciesLocked() []string {
	pol := r.cfg.Policies()
	if !pol.AutoMuteUnknown {
		return nil
	}
	var toMute []string
	for _, p := range r.clients {
		if !r.inScopeLocked(p) {
			continue
		}
		if p.Approved || p.Ignored || p.MutedByUs || p.mutePending {
			continue
		}
		p.mutePending = true
		toMute = append(toMute, p.Clid)
	}
	return toMute
}

// fireMutes dispatches a fire-and-forget mute command for each clid. Must
// be called with mu NOT held.
func (r *Registry) fireMutes(clids []string) {
	if r.issuer == nil {
		return
	}
	for _, clid := range clids {
		clid := clid
		r.issuer.MuteClient(clid, func(ok bool) {
			r.mu.Lock()
			defer r.mu.Unlock()
			cur, exists := r.clients[clid]
			if !exists {
				return
			}
			cur.mutePending = false
			if ok {
				cur.MutedByUs = true
			} else {
				slog.Warn("mute command failed", "clid", clid)
			}
		})
	}
}

// fireChannelNameRefresh requests a channelinfo lookup for channelID and
// updates the cached name on success, so a move into a newly created or
// recently renamed channel doesn't leave Self()/Server() reporting a blank
// or stale name until the next full resync. Must be called with mu NOT
// held, since the completion callback re-acquires it.
func (r *Registry) fireChannelNameRefresh(channelID int) {
	if r.refresher == nil {
		return
	}
	r.refresher.RefreshChannelName(channelID, func(name string, ok bool) {
		if !ok || name == "" {
			return
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		r.channels[channelID] = name
	})
}

// HandleNotification dispatches one upstream notification line by its
// event-name prefix.
func (r *Registry) HandleNotification(line string) {
	name := wire.EventName(line)
	switch name {
	case "notifycliententerview":
		r.handleEnter(line)
	case "notifyclientleftview":
		r.handleLeft(line)
	case "notifyclientmoved":
		r.handleMoved(line)
	case "notifytalkstatuschange":
		r.handleTalkStatus(line)
	case "notifyclientupdated":
		r.handleUpdated(line)
	default:
		slog.Debug("unhandled notification", "event", name)
	}
}

func ownClid(kv map[string]string) string {
	if v, ok := kv["clid"]; ok {
		return v
	}
	return kv["client_id"]
}

func parseIntField(kv map[string]string, keys ...string) *int {
	for _, k := range keys {
		if v, ok := kv[k]; ok && v != "" {
			n, err := strconv.Atoi(v)
			if err == nil {
				return &n
			}
		}
	}
	return nil
}

func (r *Registry) handleEnter(line string) {
	kv := wire.ParseKV(line)
	clid := ownClid(kv)
	if clid == "" {
		return
	}
	p := Participant{
		Clid:      clid,
		UID:       kv["client_unique_identifier"],
		Nickname:  kv["client_nickname"],
		ChannelID: parseIntField(kv, "ctid", "channel_id"),
	}

	r.mu.Lock()

	// First entry ever observed with no self channel recorded yet adopts
	// this participant's channel as the monitored room, matching the
	// original daemon's bootstrap behavior when self hasn't moved yet.
	adopted := false
	if r.selfChannelID == nil && len(r.clients) == 0 {
		r.selfChannelID = copyIntPtr(p.ChannelID)
		adopted = true
	}

	r.deriveFlagsLocked(&p)
	r.clients[clid] = &p
	var toMute []string
	if r.inScopeLocked(&p) {
		toMute = r.applyPoliciesLocked()
	}
	r.mu.Unlock()

	r.fireMutes(toMute)
	if adopted && p.ChannelID != nil {
		r.fireChannelNameRefresh(*p.ChannelID)
	}
}

func (r *Registry) handleLeft(line string) {
	kv := wire.ParseKV(line)
	clid := ownClid(kv)
	if clid == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if clid == r.selfClid {
		// Keep target_channel so a reconnect re-monitors the same room;
		// only the observed self-channel clears.
		r.selfChannelID = nil
		return
	}
	delete(r.clients, clid)
}

func (r *Registry) handleMoved(line string) {
	kv := wire.ParseKV(line)
	clid := ownClid(kv)
	if clid == "" {
		return
	}
	newChannel := parseIntField(kv, "ctid", "channel_id")

	r.mu.Lock()
	var toMute []string
	selfMoved := false
	if clid == r.selfClid {
		r.selfChannelID = copyIntPtr(newChannel)
		toMute = r.applyPoliciesLocked()
		selfMoved = true
	} else if p, ok := r.clients[clid]; ok {
		p.ChannelID = copyIntPtr(newChannel)
		toMute = r.applyPoliciesLocked()
	}
	r.mu.Unlock()

	r.fireMutes(toMute)
	if selfMoved && newChannel != nil {
		r.fireChannelNameRefresh(*newChannel)
	}
}

func (r *Registry) handleTalkStatus(line string) {
	kv := wire.ParseKV(line)
	clid := ownClid(kv)
	if clid == "" {
		return
	}
	talking := kv["status"] == "1"

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.clients[clid]; ok {
		p.Talking = talking
	}
}

func (r *Registry) handleUpdated(line string) {
	kv := wire.ParseKV(line)
	clid := ownClid(kv)
	if clid == "" {
		return
	}
	nick, hasNick := kv["client_nickname"]

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.clients[clid]; ok && hasNick {
		p.Nickname = nick
	}
}

// ApplyTargetChannel sets the monitored room explicitly and re-evaluates
// policy across the entire registry, per the design note that policy
// re-application on a scope change is deliberate, not incidental.
func (r *Registry) ApplyTargetChannel(id *int, name *string) error {
	r.mu.Lock()

	if id == nil && name == nil {
		if err := r.cfg.ClearTargetChannel(); err != nil {
			r.mu.Unlock()
			return err
		}
		toMute := r.applyPoliciesLocked()
		r.mu.Unlock()
		r.fireMutes(toMute)
		return nil
	}
	if id != nil {
		if err := r.cfg.SetTargetChannelID(id); err != nil {
			r.mu.Unlock()
			return err
		}
		toMute := r.applyPoliciesLocked()
		r.mu.Unlock()
		r.fireMutes(toMute)
		return nil
	}
	// name-only: try to resolve immediately against the known table.
	want := strings.ToLower(*name)
	for cid, cname := range r.channels {
		if strings.ToLower(cname) == want {
			if err := r.cfg.SetTargetChannelResolved(cid, cname); err != nil {
				r.mu.Unlock()
				return err
			}
			toMute := r.applyPoliciesLocked()
			r.mu.Unlock()
			r.fireMutes(toMute)
			return nil
		}
	}
	r.mu.Unlock()
	if err := r.cfg.SetTargetChannelName(*name); err != nil {
		return err
	}
	return errUnknownChannel
}

// Approve adds uid to the approved set, re-derives flags on matching
// participants, and clears muted_by_us so a later un-approval causes a
// fresh mute on the next re-application.
func (r *Registry) Approve(uid string) error {
	if err := r.cfg.Approve(uid); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.clients {
		if p.UID == uid {
			p.Approved = true
			p.MutedByUs = false
		}
	}
	return nil
}

// Unapprove removes uid from the approved set and re-derives flags.
func (r *Registry) Unapprove(uid string) error {
	if err := r.cfg.Unapprove(uid); err != nil {
		return err
	}
	r.mu.Lock()
	for _, p := range r.clients {
		if p.UID == uid {
			p.Approved = false
		}
	}
	toMute := r.applyPoliciesLocked()
	r.mu.Unlock()

	r.fireMutes(toMute)
	return nil
}

// Ignore adds uid to the ignored set and re-derives flags.
func (r *Registry) Ignore(uid string) error {
	if err := r.cfg.Ignore(uid); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.clients {
		if p.UID == uid {
			p.Ignored = true
		}
	}
	return nil
}

// Unignore removes uid from the ignored set and re-derives flags.
func (r *Registry) Unignore(uid string) error {
	if err := r.cfg.Unignore(uid); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.clients {
		if p.UID == uid {
			p.Ignored = false
		}
	}
	return nil
}

// FindUIDByClid resolves a clid to its uid, for the approve-clid control
// command. Returns "", false if no such clid is live.
func (r *Registry) FindUIDByClid(clid string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.clients[clid]
	if !ok {
		return "", false
	}
	return p.UID, true
}

// FindUIDByNick resolves a nickname to its uid (case-insensitive, first
// match), for the approve-nick control command.
func (r *Registry) FindUIDByNick(nick string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	want := strings.ToLower(nick)
	for _, p := range r.clients {
		if strings.ToLower(p.Nickname) == want {
			return p.UID, true
		}
	}
	return "", false
}

// Channels returns the known id->name table as a sorted slice.
func (r *Registry) Channels() []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Channel, 0, len(r.channels))
	for id, name := range r.channels {
		out = append(out, Channel{ID: id, Name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func copyIntPtr(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// errUnknownChannel is returned by ApplyTargetChannel when a name-based
// target cannot be resolved against the known channel table.
var errUnknownChannel = &unknownChannelError{}

type unknownChannelError struct{}

func (*unknownChannelError) Error() string { return "unknown channel" }

// IsUnknownChannel reports whether err is the unknown-channel sentinel.
func IsUnknownChannel(err error) bool {
	_, ok := err.(*unknownChannelError)
	return ok
}
