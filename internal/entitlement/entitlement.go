// Package entitlement decides which models a user may call and how many
// messages a day they may send.
//
// Both answers come from a single Resolve call so the precedence
// admin > active plan > free tier > none is always applied identically.
package entitlement

import (
	"slices"
	"time"

	"telegram-plan-bot/internal/domain"
)

// Tier says which rule granted an entitlement.
type Tier int

const (
	TierNone Tier = iota
	TierFree
	TierPlan
	TierAdmin
)

func (t Tier) String() string {
	switch t {
	case TierAdmin:
		return "admin"
	case TierPlan:
		return "plan"
	case TierFree:
		return "free"
	}
	return "none"
}

// Source is the read side of the store.
type Source interface {
	Settings() domain.Settings
	User(id int64) domain.User
	Plan(id string) (domain.Plan, bool)
}

// Usage reports today's message count.
type Usage interface {
	CountToday(userID int64, now time.Time) int
}

// Entitlement is the resolved access of one user at one instant.
type Entitlement struct {
	Tier   Tier
	Models []string
	Limit  domain.Limit

	// Set for TierPlan.
	PlanID     string
	PlanName   string
	PlanExpiry time.Time
	// StalePlan is true when the user's active plan id no longer exists.
	StalePlan bool
}

// Allows reports whether model is among the entitled models.
func (e Entitlement) Allows(model string) bool {
	return slices.Contains(e.Models, model)
}

// Engine answers entitlement questions. It never mutates state.
type Engine struct {
	src     Source
	usage   Usage
	catalog domain.Catalog
}

// New builds an Engine.
func New(src Source, usage Usage, catalog domain.Catalog) *Engine {
	return &Engine{src: src, usage: usage, catalog: catalog}
}

// IsAdmin reports whether userID is in the admin list.
func (e *Engine) IsAdmin(userID int64) bool {
	return e.src.Settings().IsAdmin(userID)
}

// Resolve applies the precedence rules for userID at now.
func (e *Engine) Resolve(userID int64, now time.Time) Entitlement {
	cfg := e.src.Settings()
	if cfg.IsAdmin(userID) {
		return Entitlement{Tier: TierAdmin, Models: e.catalog.All(), Limit: domain.Unlimited}
	}

	u := e.src.User(userID)
	if u.PlanActive(now) {
		ent := Entitlement{Tier: TierPlan, PlanID: u.Plan, PlanExpiry: *u.PlanExpiry}
		p, ok := e.src.Plan(u.Plan)
		if !ok {
			// A deleted plan grants nothing until a new plan is approved.
			ent.StalePlan = true
			ent.Models = []string{}
			ent.Limit = 0
			return ent
		}
		ent.PlanName = p.Name
		ent.Models = p.AllowedModels
		if ent.Models == nil {
			ent.Models = []string{}
		}
		ent.Limit = p.DailyLimit
		return ent
	}

	if cfg.FreeTierEnabled && cfg.FreeTierModel != "" {
		return Entitlement{Tier: TierFree, Models: []string{cfg.FreeTierModel}, Limit: domain.Limit(cfg.FreeTierLimit)}
	}
	return Entitlement{Tier: TierNone, Models: []string{}, Limit: 0}
}

// AllowedModels returns the models userID may invoke at now.
func (e *Engine) AllowedModels(userID int64, now time.Time) []string {
	return e.Resolve(userID, now).Models
}

// DailyLimit returns the daily allowance of userID at now.
func (e *Engine) DailyLimit(userID int64, now time.Time) domain.Limit {
	return e.Resolve(userID, now).Limit
}

// RemainingQuota is DailyLimit minus today's count, with ok=false for an
// unlimited allowance. The result can be negative; callers compare count
// against the limit with Limit.Exceeded.
func (e *Engine) RemainingQuota(userID int64, now time.Time) (n int, ok bool) {
	return e.DailyLimit(userID, now).Remaining(e.usage.CountToday(userID, now))
}
