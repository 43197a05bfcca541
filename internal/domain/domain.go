// Package domain holds the persisted records shared by the entitlement,
// quota and provisioning packages.
package domain

import (
	"encoding/json"
	"slices"
	"strconv"
	"time"
)

// Limit is a daily message allowance. Unlimited is the unbounded sentinel.
type Limit int

// Unlimited means no daily cap.
const Unlimited Limit = -1

// IsUnlimited reports whether l is the unbounded sentinel.
func (l Limit) IsUnlimited() bool { return l < 0 }

// Exceeded reports whether count messages already reach the allowance.
func (l Limit) Exceeded(count int) bool {
	return !l.IsUnlimited() && count >= int(l)
}

// Remaining returns l-count, or ok=false for an unlimited allowance. The
// difference is not floored at zero.
func (l Limit) Remaining(count int) (n int, ok bool) {
	if l.IsUnlimited() {
		return 0, false
	}
	return int(l) - count, true
}

func (l Limit) String() string {
	if l.IsUnlimited() {
		return "unlimited"
	}
	return strconv.Itoa(int(l))
}

// MarshalJSON writes Unlimited as null.
func (l Limit) MarshalJSON() ([]byte, error) {
	if l.IsUnlimited() {
		return []byte("null"), nil
	}
	return json.Marshal(int(l))
}

// UnmarshalJSON reads null as Unlimited.
func (l *Limit) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*l = Unlimited
		return nil
	}
	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	if n < 0 {
		n = int(Unlimited)
	}
	*l = Limit(n)
	return nil
}

// Settings is the process-wide config document.
type Settings struct {
	Admins                []int64        `json:"admins"`
	ForceSubscribeEnabled bool           `json:"force_subscribe_enabled"`
	FreeTierEnabled       bool           `json:"free_tier_enabled"`
	FreeTierModel         string         `json:"free_tier_model,omitempty"`
	FreeTierLimit         int            `json:"free_tier_limit"`
	VisionWarningSent     map[int64]bool `json:"vision_model_first_warning_sent"`
	PlanSequence          int            `json:"plan_sequence"`
}

// IsAdmin reports whether id is listed in Admins.
func (s Settings) IsAdmin(id int64) bool {
	return slices.Contains(s.Admins, id)
}

// Clone returns a deep copy.
func (s Settings) Clone() Settings {
	c := s
	c.Admins = slices.Clone(s.Admins)
	c.VisionWarningSent = make(map[int64]bool, len(s.VisionWarningSent))
	for k, v := range s.VisionWarningSent {
		c.VisionWarningSent[k] = v
	}
	return c
}

// User is the per-user record, created lazily on first write.
type User struct {
	Plan          string     `json:"plan,omitempty"`
	PlanExpiry    *time.Time `json:"plan_expiry,omitempty"`
	SelectedModel string     `json:"selected_model,omitempty"`
}

// PlanActive reports whether the user holds a plan that expires strictly
// after now.
func (u User) PlanActive(now time.Time) bool {
	return u.Plan != "" && u.PlanExpiry != nil && u.PlanExpiry.After(now)
}

// Plan is an admin-defined purchasable bundle.
type Plan struct {
	ID            string   `json:"id"`
	Name          string   `json:"name" validate:"required"`
	Price         int      `json:"price" validate:"gte=0"`
	DurationDays  int      `json:"duration_days" validate:"gt=0"`
	DailyLimit    Limit    `json:"daily_limit"`
	AllowedModels []string `json:"allowed_models"`
}

// Allows reports whether model is in AllowedModels.
func (p Plan) Allows(model string) bool {
	return slices.Contains(p.AllowedModels, model)
}

// Clone returns a deep copy.
func (p Plan) Clone() Plan {
	c := p
	c.AllowedModels = slices.Clone(p.AllowedModels)
	return c
}

// Receipt is a pending purchase awaiting admin review.
type Receipt struct {
	Token     string    `json:"token"`
	UserID    int64     `json:"user_id"`
	UserName  string    `json:"user_name"`
	PlanID    string    `json:"plan_id"`
	CreatedAt time.Time `json:"created_at"`
}

// DayKey is the ISO calendar date of t in t's location.
func DayKey(t time.Time) string {
	return t.Format(time.DateOnly)
}
