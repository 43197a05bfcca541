// Package state holds the bot's documents in memory and rewrites the whole
// document through a storage.Store after every mutation.
//
// All access goes through one mutex, so each read-modify-persist sequence is
// atomic with respect to concurrent handlers. Callbacks passed to Update*
// methods run under that mutex and must not call back into State.
package state

import (
	"cmp"
	"slices"
	"strconv"
	"sync"

	"telegram-plan-bot/internal/domain"
	"telegram-plan-bot/internal/logging"
	"telegram-plan-bot/internal/storage"
)

// Options seeds the config document when none is stored yet.
type Options struct {
	BootstrapAdmin int64
	FreeTierModel  string
	FreeTierLimit  int
}

// State is the in-memory copy of every persisted document.
type State struct {
	mu        sync.Mutex
	store     storage.Store
	bootstrap int64

	settings domain.Settings
	users    map[int64]domain.User
	plans    map[string]domain.Plan
	channels []int64
	counts   map[int64]map[string]int
	receipts map[string]domain.Receipt
}

// New loads every document from store, substituting defaults for absent or
// empty ones. The bootstrap admin is always present in the admin list.
func New(store storage.Store, opts Options) (*State, error) {
	s := &State{
		store:     store,
		bootstrap: opts.BootstrapAdmin,
		settings: domain.Settings{
			Admins:          []int64{opts.BootstrapAdmin},
			FreeTierEnabled: true,
			FreeTierModel:   opts.FreeTierModel,
			FreeTierLimit:   opts.FreeTierLimit,
		},
		users:    map[int64]domain.User{},
		plans:    map[string]domain.Plan{},
		channels: []int64{},
		counts:   map[int64]map[string]int{},
		receipts: map[string]domain.Receipt{},
	}
	docs := []struct {
		name string
		v    any
	}{
		{storage.DocConfig, &s.settings},
		{storage.DocUsers, &s.users},
		{storage.DocPlans, &s.plans},
		{storage.DocChannels, &s.channels},
		{storage.DocCounts, &s.counts},
		{storage.DocReceipts, &s.receipts},
	}
	for _, d := range docs {
		if _, err := storage.ReadJSON(store, d.name, d.v); err != nil {
			return nil, err
		}
	}
	if s.settings.VisionWarningSent == nil {
		s.settings.VisionWarningSent = map[int64]bool{}
	}
	if !s.settings.IsAdmin(opts.BootstrapAdmin) {
		s.settings.Admins = append([]int64{opts.BootstrapAdmin}, s.settings.Admins...)
		s.persist(storage.DocConfig, s.settings)
	}
	for id, p := range s.plans {
		p.ID = id
		s.plans[id] = p
	}
	return s, nil
}

// persist rewrites one document. A failed write is logged and the in-memory
// mutation is kept.
func (s *State) persist(name string, v any) {
	if err := storage.WriteJSON(s.store, name, v); err != nil {
		logging.Log.Error().Err(err).Str("event", "persist_failed").Str("document", name).Msg("storage write failed")
	}
}

// Bootstrap returns the admin id that can never be removed.
func (s *State) Bootstrap() int64 { return s.bootstrap }

// Settings returns a copy of the config document.
func (s *State) Settings() domain.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings.Clone()
}

// IsAdmin reports whether id is an admin.
func (s *State) IsAdmin(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings.IsAdmin(id)
}

// UpdateSettings applies fn and persists the config document unless fn fails.
func (s *State) UpdateSettings(fn func(*domain.Settings) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.settings.Clone()
	if err := fn(&next); err != nil {
		return err
	}
	s.settings = next
	s.persist(storage.DocConfig, s.settings)
	return nil
}

// User returns the record for id, or the zero record if none exists.
func (s *State) User(id int64) domain.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyUser(s.users[id])
}

// UpdateUser applies fn to the record for id, creating it if needed.
func (s *State) UpdateUser(id int64, fn func(*domain.User)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := copyUser(s.users[id])
	fn(&u)
	s.users[id] = u
	s.persist(storage.DocUsers, s.users)
}

func copyUser(u domain.User) domain.User {
	if u.PlanExpiry != nil {
		t := *u.PlanExpiry
		u.PlanExpiry = &t
	}
	return u
}

// Plan looks up a plan by id.
func (s *State) Plan(id string) (domain.Plan, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[id]
	return p.Clone(), ok
}

// Plans returns every plan ordered by numeric id.
func (s *State) Plans() []domain.Plan {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Plan, 0, len(s.plans))
	for _, p := range s.plans {
		out = append(out, p.Clone())
	}
	slices.SortFunc(out, func(a, b domain.Plan) int {
		ai, aerr := strconv.Atoi(a.ID)
		bi, berr := strconv.Atoi(b.ID)
		if aerr == nil && berr == nil {
			return cmp.Compare(ai, bi)
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// PutPlan inserts or replaces p under p.ID.
func (s *State) PutPlan(p domain.Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[p.ID] = p.Clone()
	s.persist(storage.DocPlans, s.plans)
}

// UpdatePlan applies fn to an existing plan. It reports false if id is unknown.
func (s *State) UpdatePlan(id string, fn func(*domain.Plan)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[id]
	if !ok {
		return false
	}
	p = p.Clone()
	fn(&p)
	p.ID = id
	s.plans[id] = p
	s.persist(storage.DocPlans, s.plans)
	return true
}

// DeletePlan removes a plan. Users referencing it keep the stale id.
func (s *State) DeletePlan(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plans[id]; !ok {
		return false
	}
	delete(s.plans, id)
	s.persist(storage.DocPlans, s.plans)
	return true
}

// NextPlanID allocates a fresh plan id. Ids increase monotonically and are
// never reused after a delete.
func (s *State) NextPlanID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := max(s.settings.PlanSequence, len(s.plans))
	for id := range s.plans {
		if n, err := strconv.Atoi(id); err == nil {
			next = max(next, n)
		}
	}
	next++
	s.settings.PlanSequence = next
	s.persist(storage.DocConfig, s.settings)
	return strconv.Itoa(next)
}

// Channels returns the force-subscribe channel list.
func (s *State) Channels() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.channels)
}

// ForceSubscribe returns the enforcement flag and channel list in one read.
func (s *State) ForceSubscribe() (bool, []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings.ForceSubscribeEnabled, slices.Clone(s.channels)
}

// AddChannel appends id unless already present.
func (s *State) AddChannel(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slices.Contains(s.channels, id) {
		return false
	}
	s.channels = append(s.channels, id)
	s.persist(storage.DocChannels, s.channels)
	return true
}

// RemoveChannel deletes id from the list.
func (s *State) RemoveChannel(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := slices.Index(s.channels, id)
	if i < 0 {
		return false
	}
	s.channels = slices.Delete(s.channels, i, i+1)
	s.persist(storage.DocChannels, s.channels)
	return true
}

// DailyCount returns the stored count for user on day.
func (s *State) DailyCount(userID int64, day string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[userID][day]
}

// Days returns the stored per-day counts for user.
func (s *State) Days(userID int64) map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.counts[userID]))
	for k, v := range s.counts[userID] {
		out[k] = v
	}
	return out
}

// UpdateCounts applies fn to the per-day counts of user and persists the
// counter document.
func (s *State) UpdateCounts(userID int64, fn func(days map[string]int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	days := s.counts[userID]
	if days == nil {
		days = map[string]int{}
		s.counts[userID] = days
	}
	fn(days)
	s.persist(storage.DocCounts, s.counts)
}

// AddReceipt stores a pending receipt under r.Token.
func (s *State) AddReceipt(r domain.Receipt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts[r.Token] = r
	s.persist(storage.DocReceipts, s.receipts)
}

// TakeReceipt removes and returns the receipt for token. A second call for
// the same token reports false.
func (s *State) TakeReceipt(token string) (domain.Receipt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.receipts[token]
	if !ok {
		return domain.Receipt{}, false
	}
	delete(s.receipts, token)
	s.persist(storage.DocReceipts, s.receipts)
	return r, true
}

// PendingReceipts returns how many receipts await review.
func (s *State) PendingReceipts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.receipts)
}
