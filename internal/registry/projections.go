package registry

import "sort"

// UserView is one entry in the state snapshot's "users" list.
type UserView struct {
	UID      string
	Nickname string
	Talking  bool
	Approved bool
	Ignored  bool
}

// UnknownUserView is one entry in the "unknown_users" list.
type UnknownUserView struct {
	UID       string
	Nickname  string
	ChannelID *int
}

// Counts summarizes moderation state for the control socket and HTTP
// snapshot.
type Counts struct {
	ApprovedTotal   int `json:"approved_total"`
	PresentApproved int `json:"present_approved"`
	PresentUnknown  int `json:"present_unknown"`
	PresentIgnored  int `json:"present_ignored"`
}

// SelfView is the daemon's own identity and location.
type SelfView struct {
	Clid          string
	UID           string
	Nickname      string
	ChannelID     *int
	ChannelName   string
	HasChannel    bool
}

// ServerView summarizes schandler and monitored-channel state.
type ServerView struct {
	SchandlerID         *int
	CurrentChannelID    *int
	CurrentChannelName  string
	HasCurrentChannel   bool
	TargetChannelID     *int
	TargetChannelName   *string
	TargetChannelActive bool
}

// excludeSelfLocked reports whether p should be excluded from participant-facing
// projections because it is the daemon's own identity. Matches on own_uid
// when non-empty, falling back to own_clid.
func (r *Registry) excludeSelfLocked(p *Participant) bool {
	if r.selfUID != "" {
		return p.UID == r.selfUID
	}
	return p.Clid == r.selfClid
}

// BuildUsers returns in-scope, non-self participants filtered by
// require_approved and show_ignored, sorted by lowercased nickname with
// uid as a tiebreak. Empty nicknames sort last.
func (r *Registry) BuildUsers() []UserView {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pol := r.cfg.Policies()
	out := make([]UserView, 0, len(r.clients))
	for _, p := range r.clients {
		if r.excludeSelfLocked(p) || !r.inScopeLocked(p) {
			continue
		}
		if p.Ignored && !pol.ShowIgnored {
			continue
		}
		if pol.RequireApproved && !p.Approved && !p.Ignored {
			continue
		}
		out = append(out, UserView{
			UID:      p.UID,
			Nickname: p.Nickname,
			Talking:  p.Talking,
			Approved: p.Approved,
			Ignored:  p.Ignored,
		})
	}
	sortUsers(out)
	return out
}

func sortUsers(users []UserView) {
	sort.Slice(users, func(i, j int) bool {
		ni, nj := users[i].Nickname, users[j].Nickname
		if ni == "" && nj != "" {
			return false
		}
		if nj == "" && ni != "" {
			return true
		}
		li, lj := lower(ni), lower(nj)
		if li != lj {
			return li < lj
		}
		return users[i].UID < users[j].UID
	})
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// BuildUnknownUsers returns in-scope, non-self participants that are
// neither approved nor ignored.
func (r *Registry) BuildUnknownUsers() []UnknownUserView {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]UnknownUserView, 0)
	for _, p := range r.clients {
		if r.excludeSelfLocked(p) || !r.inScopeLocked(p) {
			continue
		}
		if p.Approved || p.Ignored {
			continue
		}
		out = append(out, UnknownUserView{
			UID:       p.UID,
			Nickname:  p.Nickname,
			ChannelID: copyIntPtr(p.ChannelID),
		})
	}
	sort.Slice(out, func(i, j int) bool { return lower(out[i].Nickname) < lower(out[j].Nickname) })
	return out
}

// CountsView computes moderation totals. approved_total counts all-time
// approved uids regardless of presence; the present_* counts are scoped to
// the monitored channel.
func (r *Registry) CountsView() Counts {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c := Counts{ApprovedTotal: r.cfg.ApprovedCount()}
	for _, p := range r.clients {
		if r.excludeSelfLocked(p) || !r.inScopeLocked(p) {
			continue
		}
		switch {
		case p.Ignored:
			c.PresentIgnored++
		case p.Approved:
			c.PresentApproved++
		default:
			c.PresentUnknown++
		}
	}
	return c
}

// Self returns a snapshot of the daemon's own identity and channel.
func (r *Registry) Self() SelfView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v := SelfView{
		Clid:     r.selfClid,
		UID:      r.selfUID,
		Nickname: r.selfNickname,
	}
	if r.selfChannelID != nil {
		v.ChannelID = copyIntPtr(r.selfChannelID)
		v.HasChannel = true
		v.ChannelName = r.channels[*r.selfChannelID]
	}
	return v
}

// Server returns a snapshot of schandler and monitored-channel state.
func (r *Registry) Server() ServerView {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pol := r.cfg.Policies()
	v := ServerView{
		SchandlerID:       copyIntPtr(r.schandlerID),
		TargetChannelID:   copyIntPtr(pol.TargetChannel),
		TargetChannelName: pol.TargetChannelName,
	}
	if r.selfChannelID != nil {
		v.CurrentChannelID = copyIntPtr(r.selfChannelID)
		v.HasCurrentChannel = true
		v.CurrentChannelName = r.channels[*r.selfChannelID]
	}
	if pol.TargetChannel == nil {
		v.TargetChannelActive = r.selfChannelID != nil
	} else {
		v.TargetChannelActive = selfInTargetLocked(r, pol)
	}
	return v
}
