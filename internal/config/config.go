// Package config loads and persists the daemon's policy document: the
// approved/ignored uid sets and the moderation policy flags, plus the
// upstream API key file. The document is a single small JSON blob — there
// is no relational query surface here that would justify a database.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Policies holds the moderation and monitoring policy flags.
type Policies struct {
	AutoMuteUnknown   bool    `json:"auto-mute-unknown"`
	RequireApproved   bool    `json:"require-approved"`
	TargetChannel     *int    `json:"target-channel"`
	TargetChannelName *string `json:"target-channel-name"`
	ShowIgnored       bool    `json:"show-ignored"`
}

// defaultPolicies matches the defaults spelled out in spec.md §3.
func defaultPolicies() Policies {
	return Policies{
		AutoMuteUnknown: true,
		RequireApproved: true,
		ShowIgnored:     false,
	}
}

// document is the on-disk JSON shape. A custom UnmarshalJSON accepts both
// kebab-case and legacy snake_case policy keys; unknown keys are ignored by
// plain encoding/json behavior.
type document struct {
	Approved []string `json:"approved"`
	Ignored  []string `json:"ignored"`
	Policies Policies `json:"policies"`
}

// legacyPolicies mirrors Policies with snake_case keys instead of
// kebab-case, used only during unmarshal to merge legacy documents.
type legacyPolicies struct {
	AutoMuteUnknown   *bool   `json:"auto_mute_unknown"`
	RequireApproved   *bool   `json:"require_approved"`
	TargetChannel     *int    `json:"target_channel"`
	TargetChannelName *string `json:"target_channel_name"`
	ShowIgnored       *bool   `json:"show_ignored"`
}

func (p *Policies) UnmarshalJSON(data []byte) error {
	*p = defaultPolicies()

	type kebab struct {
		AutoMuteUnknown   *bool   `json:"auto-mute-unknown"`
		RequireApproved   *bool   `json:"require-approved"`
		TargetChannel     *int    `json:"target-channel"`
		TargetChannelName *string `json:"target-channel-name"`
		ShowIgnored       *bool   `json:"show-ignored"`
	}
	var k kebab
	if err := json.Unmarshal(data, &k); err != nil {
		return err
	}
	var l legacyPolicies
	if err := json.Unmarshal(data, &l); err != nil {
		return err
	}

	apply := func(kv, lv *bool, dst *bool) {
		if kv != nil {
			*dst = *kv
		} else if lv != nil {
			*dst = *lv
		}
	}
	apply(k.AutoMuteUnknown, l.AutoMuteUnknown, &p.AutoMuteUnknown)
	apply(k.RequireApproved, l.RequireApproved, &p.RequireApproved)
	apply(k.ShowIgnored, l.ShowIgnored, &p.ShowIgnored)

	if k.TargetChannel != nil {
		p.TargetChannel = k.TargetChannel
	} else if l.TargetChannel != nil {
		p.TargetChannel = l.TargetChannel
	}
	if k.TargetChannelName != nil {
		p.TargetChannelName = k.TargetChannelName
	} else if l.TargetChannelName != nil {
		p.TargetChannelName = l.TargetChannelName
	}
	return nil
}

// Store is the in-memory, mutex-guarded view of the persisted policy
// document. Save is synchronous: every mutating method flushes to disk
// before returning, per spec.md §3 invariant 5.
type Store struct {
	mu       sync.RWMutex
	path     string
	approved map[string]struct{}
	ignored  map[string]struct{}
	policies Policies
}

// Load reads the config document at path. A missing file is not an error —
// it yields defaults, matching the "best-effort" load spec.md §4.2 calls for.
func Load(path string) (*Store, error) {
	s := &Store{
		path:     path,
		approved: make(map[string]struct{}),
		ignored:  make(map[string]struct{}),
		policies: defaultPolicies(),
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	for _, uid := range doc.Approved {
		s.approved[uid] = struct{}{}
	}
	for _, uid := range doc.Ignored {
		s.ignored[uid] = struct{}{}
	}
	s.policies = doc.Policies
	return s, nil
}

// saveLocked rewrites the config document atomically (temp file + rename) and
// must be called with mu held.
func (s *Store) saveLocked() error {
	doc := document{
		Approved: sortedKeys(s.approved),
		Ignored:  sortedKeys(s.ignored),
		Policies: s.policies,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write config temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename config temp file: %w", err)
	}
	return nil
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// IsApproved reports whether uid is in the approved set.
func (s *Store) IsApproved(uid string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.approved[uid]
	return ok
}

// IsIgnored reports whether uid is in the ignored set.
func (s *Store) IsIgnored(uid string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ignored[uid]
	return ok
}

// Approve adds uid to the approved set and persists.
func (s *Store) Approve(uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.approved[uid] = struct{}{}
	return s.saveLocked()
}

// Unapprove removes uid from the approved set and persists.
func (s *Store) Unapprove(uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.approved, uid)
	return s.saveLocked()
}

// Ignore adds uid to the ignored set and persists.
func (s *Store) Ignore(uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ignored[uid] = struct{}{}
	return s.saveLocked()
}

// Unignore removes uid from the ignored set and persists.
func (s *Store) Unignore(uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ignored, uid)
	return s.saveLocked()
}

// ApprovedList returns the approved uids, sorted.
func (s *Store) ApprovedList() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.approved)
}

// IgnoredList returns the ignored uids, sorted.
func (s *Store) IgnoredList() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.ignored)
}

// ApprovedCount returns the number of approved uids, regardless of presence.
func (s *Store) ApprovedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.approved)
}

// Policies returns a copy of the current policy flags.
func (s *Store) Policies() Policies {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policies
}

// SetAutoMuteUnknown sets the flag and persists.
func (s *Store) SetAutoMuteUnknown(v bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies.AutoMuteUnknown = v
	return s.saveLocked()
}

// SetRequireApproved sets the flag and persists.
func (s *Store) SetRequireApproved(v bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies.RequireApproved = v
	return s.saveLocked()
}

// SetShowIgnored sets the flag and persists.
func (s *Store) SetShowIgnored(v bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies.ShowIgnored = v
	return s.saveLocked()
}

// SetTargetChannelID sets an explicit numeric target channel (clearing any
// pending name-based resolution) and persists.
func (s *Store) SetTargetChannelID(id *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies.TargetChannel = id
	s.policies.TargetChannelName = nil
	return s.saveLocked()
}

// SetTargetChannelResolved persists both the resolved id and its name,
// called once a name-based target has been matched against a channel list.
func (s *Store) SetTargetChannelResolved(id int, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies.TargetChannel = &id
	s.policies.TargetChannelName = &name
	return s.saveLocked()
}

// SetTargetChannelName records a pending name-based target to resolve
// against the next channel list and persists.
func (s *Store) SetTargetChannelName(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies.TargetChannel = nil
	s.policies.TargetChannelName = &name
	return s.saveLocked()
}

// ClearTargetChannel clears both the id and name and persists.
func (s *Store) ClearTargetChannel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies.TargetChannel = nil
	s.policies.TargetChannelName = nil
	return s.saveLocked()
}

// Path returns the on-disk location of the config document.
func (s *Store) Path() string {
	return s.path
}
