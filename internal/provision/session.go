package provision

import (
	"sync"

	"telegram-plan-bot/internal/domain"
)

// Step is one state of a conversational session. Each variant carries only
// the fields collected so far. No entry in Sessions means idle.
type Step interface {
	step()
}

// Plan creation.
type (
	AwaitingPlanName     struct{}
	AwaitingPlanPrice    struct{ PlanID, Name string }
	AwaitingPlanDuration struct {
		PlanID, Name string
		Price        int
	}
	AwaitingPlanDailyLimit struct {
		PlanID, Name string
		Price        int
		DurationDays int
	}
)

// SelectingModels toggles Draft.AllowedModels until saved. Editing is set
// when Draft is a copy of an existing plan rather than a new one.
type SelectingModels struct {
	Draft   domain.Plan
	Editing bool
}

// Plan editing.
type (
	EditingPlan      struct{ PlanID string }
	AwaitingPlanEdit struct {
		PlanID string
		Field  Field
	}
)

// Admin, channel and settings input.
type (
	AwaitingNewAdmin       struct{}
	AwaitingAdminRemoval   struct{}
	AwaitingChannelAdd     struct{}
	AwaitingChannelRemoval struct{}
	AwaitingFreeTierLimit  struct{}
)

// AwaitingReceipt is a buyer's session after choosing a plan to purchase.
type AwaitingReceipt struct{ PlanID string }

func (AwaitingPlanName) step()       {}
func (AwaitingPlanPrice) step()      {}
func (AwaitingPlanDuration) step()   {}
func (AwaitingPlanDailyLimit) step() {}
func (SelectingModels) step()        {}
func (EditingPlan) step()            {}
func (AwaitingPlanEdit) step()       {}
func (AwaitingNewAdmin) step()       {}
func (AwaitingAdminRemoval) step()   {}
func (AwaitingChannelAdd) step()     {}
func (AwaitingChannelRemoval) step() {}
func (AwaitingFreeTierLimit) step()  {}
func (AwaitingReceipt) step()        {}

// Sessions maps a user id to its current step. Sessions live in memory only;
// a restart abandons every wizard in flight.
type Sessions struct {
	mu sync.Mutex
	m  map[int64]Step
}

// NewSessions returns an empty table.
func NewSessions() *Sessions {
	return &Sessions{m: make(map[int64]Step)}
}

// Get returns the step for id, or nil when idle.
func (s *Sessions) Get(id int64) Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m[id]
}

// Set replaces the step for id.
func (s *Sessions) Set(id int64, st Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[id] = st
}

// Clear returns id to idle.
func (s *Sessions) Clear(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, id)
}
