// Package provision runs the multi-step admin conversations that create and
// edit plans, manage admins, channels and free-tier settings, and the buyer
// conversation that ends in a receipt awaiting review.
//
// Each conversation is a Step stored in Sessions. Text input is routed by
// HandleText; buttons call the Begin* and direct methods. A rejected input
// (see IsRetryable) leaves the session untouched so the caller can re-prompt.
package provision

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"telegram-plan-bot/internal/domain"
	"telegram-plan-bot/internal/logging"
)

var (
	ErrNotInteger     = errors.New("provision: not an integer")
	ErrNotPositive    = errors.New("provision: must be positive")
	ErrNegative       = errors.New("provision: must not be negative")
	ErrEmptyName      = errors.New("provision: empty name")
	ErrPlanNotFound   = errors.New("provision: plan not found")
	ErrNoSession      = errors.New("provision: no matching session")
	ErrReceiptUsed    = errors.New("provision: receipt already handled")
	ErrProtectedAdmin = errors.New("provision: bootstrap admin cannot be removed")
	ErrUnknownModel   = errors.New("provision: unknown model")
)

// IsRetryable reports whether err is an input validation failure after which
// the session stays on the same step.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNotInteger) || errors.Is(err, ErrNotPositive) ||
		errors.Is(err, ErrNegative) || errors.Is(err, ErrEmptyName)
}

// Field names an editable plan attribute.
type Field string

const (
	FieldName       Field = "name"
	FieldPrice      Field = "price"
	FieldDuration   Field = "duration_days"
	FieldDailyLimit Field = "daily_limit"
	FieldModels     Field = "allowed_models"
)

// Fields lists the editable attributes in menu order.
var Fields = []Field{FieldName, FieldPrice, FieldDuration, FieldDailyLimit, FieldModels}

// Store is the part of state.State the workflow mutates.
type Store interface {
	Bootstrap() int64
	UpdateSettings(fn func(*domain.Settings) error) error
	UpdateUser(id int64, fn func(*domain.User))
	Plan(id string) (domain.Plan, bool)
	PutPlan(p domain.Plan)
	UpdatePlan(id string, fn func(*domain.Plan)) bool
	DeletePlan(id string) bool
	NextPlanID() string
	AddChannel(id int64) bool
	RemoveChannel(id int64) bool
	AddReceipt(r domain.Receipt)
	TakeReceipt(token string) (domain.Receipt, bool)
}

// Kind says what a successful HandleText did.
type Kind int

const (
	PlanNameSet Kind = iota + 1
	PlanPriceSet
	PlanDurationSet
	PlanLimitSet // the caller shows the model picker next
	PlanFieldUpdated
	AdminAdded
	AdminExists
	AdminRemoved
	AdminNotFound
	ChannelAdded
	ChannelExists
	ChannelRemoved
	ChannelNotFound
	FreeTierLimitSet
)

// Outcome reports the effect of one text input.
type Outcome struct {
	Kind   Kind
	Plan   domain.Plan // plan or draft touched, if any
	Field  Field
	Number int64 // admin id, channel id or limit
}

// Grant is the result of approving a receipt.
type Grant struct {
	Receipt domain.Receipt
	Plan    domain.Plan
	Expiry  time.Time
}

// Workflow owns the sessions table and applies their effects to the store.
type Workflow struct {
	store    Store
	catalog  domain.Catalog
	sessions *Sessions
	validate *validator.Validate
}

// New builds a Workflow with an empty sessions table.
func New(store Store, catalog domain.Catalog) *Workflow {
	return &Workflow{
		store:    store,
		catalog:  catalog,
		sessions: NewSessions(),
		validate: validator.New(),
	}
}

// Session returns the current step of userID, or nil when idle.
func (w *Workflow) Session(userID int64) Step { return w.sessions.Get(userID) }

// Cancel returns userID to idle.
func (w *Workflow) Cancel(userID int64) { w.sessions.Clear(userID) }

// BeginPlanCreation starts the plan wizard.
func (w *Workflow) BeginPlanCreation(adminID int64) {
	w.sessions.Set(adminID, AwaitingPlanName{})
}

// BeginAdminAdd waits for the id of a new admin.
func (w *Workflow) BeginAdminAdd(adminID int64) { w.sessions.Set(adminID, AwaitingNewAdmin{}) }

// BeginAdminRemoval waits for the id of an admin to remove.
func (w *Workflow) BeginAdminRemoval(adminID int64) {
	w.sessions.Set(adminID, AwaitingAdminRemoval{})
}

// BeginChannelAdd waits for a channel id to enforce.
func (w *Workflow) BeginChannelAdd(adminID int64) { w.sessions.Set(adminID, AwaitingChannelAdd{}) }

// BeginChannelRemoval waits for a channel id to drop.
func (w *Workflow) BeginChannelRemoval(adminID int64) {
	w.sessions.Set(adminID, AwaitingChannelRemoval{})
}

// BeginFreeTierLimit waits for the new free-tier daily limit.
func (w *Workflow) BeginFreeTierLimit(adminID int64) {
	w.sessions.Set(adminID, AwaitingFreeTierLimit{})
}

// BeginPlanEdit opens the edit menu of planID.
func (w *Workflow) BeginPlanEdit(adminID int64, planID string) (domain.Plan, error) {
	p, ok := w.store.Plan(planID)
	if !ok {
		return domain.Plan{}, ErrPlanNotFound
	}
	w.sessions.Set(adminID, EditingPlan{PlanID: planID})
	return p, nil
}

// BeginFieldEdit picks the attribute to change on the plan being edited.
// Models switch to the picker with a copy of the stored list; other fields
// wait for text.
func (w *Workflow) BeginFieldEdit(adminID int64, planID string, f Field) (domain.Plan, error) {
	if editingPlanID(w.sessions.Get(adminID)) != planID {
		return domain.Plan{}, ErrNoSession
	}
	p, ok := w.store.Plan(planID)
	if !ok {
		w.sessions.Clear(adminID)
		return domain.Plan{}, ErrPlanNotFound
	}
	if f == FieldModels {
		w.sessions.Set(adminID, SelectingModels{Draft: p, Editing: true})
		return p, nil
	}
	if !slices.Contains(Fields, f) {
		return domain.Plan{}, fmt.Errorf("provision: unknown field %q", f)
	}
	w.sessions.Set(adminID, AwaitingPlanEdit{PlanID: planID, Field: f})
	return p, nil
}

func editingPlanID(st Step) string {
	switch s := st.(type) {
	case EditingPlan:
		return s.PlanID
	case AwaitingPlanEdit:
		return s.PlanID
	case SelectingModels:
		if s.Editing {
			return s.Draft.ID
		}
	}
	return ""
}

// HandleText feeds one text message into the session of userID.
func (w *Workflow) HandleText(userID int64, text string) (Outcome, error) {
	text = strings.TrimSpace(text)
	switch st := w.sessions.Get(userID).(type) {
	case AwaitingPlanName:
		if text == "" {
			return Outcome{}, ErrEmptyName
		}
		next := AwaitingPlanPrice{PlanID: w.store.NextPlanID(), Name: text}
		w.sessions.Set(userID, next)
		return Outcome{Kind: PlanNameSet, Plan: domain.Plan{ID: next.PlanID, Name: next.Name}}, nil

	case AwaitingPlanPrice:
		price, err := parseNonNegative(text)
		if err != nil {
			return Outcome{}, err
		}
		w.sessions.Set(userID, AwaitingPlanDuration{PlanID: st.PlanID, Name: st.Name, Price: price})
		return Outcome{Kind: PlanPriceSet, Plan: domain.Plan{ID: st.PlanID, Name: st.Name, Price: price}}, nil

	case AwaitingPlanDuration:
		days, err := parsePositive(text)
		if err != nil {
			return Outcome{}, err
		}
		w.sessions.Set(userID, AwaitingPlanDailyLimit{PlanID: st.PlanID, Name: st.Name, Price: st.Price, DurationDays: days})
		return Outcome{Kind: PlanDurationSet, Plan: domain.Plan{ID: st.PlanID, Name: st.Name, Price: st.Price, DurationDays: days}}, nil

	case AwaitingPlanDailyLimit:
		limit, err := parseDailyLimit(text)
		if err != nil {
			return Outcome{}, err
		}
		draft := domain.Plan{
			ID:            st.PlanID,
			Name:          st.Name,
			Price:         st.Price,
			DurationDays:  st.DurationDays,
			DailyLimit:    limit,
			AllowedModels: []string{},
		}
		w.sessions.Set(userID, SelectingModels{Draft: draft})
		return Outcome{Kind: PlanLimitSet, Plan: draft}, nil

	case AwaitingPlanEdit:
		return w.applyFieldEdit(userID, st, text)

	case AwaitingNewAdmin:
		id, err := parseInt(text)
		if err != nil {
			return Outcome{}, err
		}
		kind := AdminAdded
		_ = w.store.UpdateSettings(func(c *domain.Settings) error {
			if c.IsAdmin(id) {
				kind = AdminExists
				return nil
			}
			c.Admins = append(c.Admins, id)
			return nil
		})
		w.sessions.Clear(userID)
		return Outcome{Kind: kind, Number: id}, nil

	case AwaitingAdminRemoval:
		id, err := parseInt(text)
		if err != nil {
			return Outcome{}, err
		}
		w.sessions.Clear(userID)
		if err := w.RemoveAdmin(id); err != nil {
			if errors.Is(err, errAdminMissing) {
				return Outcome{Kind: AdminNotFound, Number: id}, nil
			}
			return Outcome{Number: id}, err
		}
		return Outcome{Kind: AdminRemoved, Number: id}, nil

	case AwaitingChannelAdd:
		id, err := parseInt(text)
		if err != nil {
			return Outcome{}, err
		}
		w.sessions.Clear(userID)
		if !w.store.AddChannel(id) {
			return Outcome{Kind: ChannelExists, Number: id}, nil
		}
		return Outcome{Kind: ChannelAdded, Number: id}, nil

	case AwaitingChannelRemoval:
		id, err := parseInt(text)
		if err != nil {
			return Outcome{}, err
		}
		w.sessions.Clear(userID)
		if !w.store.RemoveChannel(id) {
			return Outcome{Kind: ChannelNotFound, Number: id}, nil
		}
		return Outcome{Kind: ChannelRemoved, Number: id}, nil

	case AwaitingFreeTierLimit:
		limit, err := parseNonNegative(text)
		if err != nil {
			return Outcome{}, err
		}
		_ = w.store.UpdateSettings(func(c *domain.Settings) error {
			c.FreeTierLimit = limit
			return nil
		})
		w.sessions.Clear(userID)
		return Outcome{Kind: FreeTierLimitSet, Number: int64(limit)}, nil
	}
	return Outcome{}, ErrNoSession
}

func (w *Workflow) applyFieldEdit(userID int64, st AwaitingPlanEdit, text string) (Outcome, error) {
	var apply func(*domain.Plan)
	switch st.Field {
	case FieldName:
		if text == "" {
			return Outcome{}, ErrEmptyName
		}
		apply = func(p *domain.Plan) { p.Name = text }
	case FieldPrice:
		price, err := parseNonNegative(text)
		if err != nil {
			return Outcome{}, err
		}
		apply = func(p *domain.Plan) { p.Price = price }
	case FieldDuration:
		days, err := parsePositive(text)
		if err != nil {
			return Outcome{}, err
		}
		apply = func(p *domain.Plan) { p.DurationDays = days }
	case FieldDailyLimit:
		limit, err := parseDailyLimit(text)
		if err != nil {
			return Outcome{}, err
		}
		apply = func(p *domain.Plan) { p.DailyLimit = limit }
	default:
		return Outcome{}, ErrNoSession
	}
	if !w.store.UpdatePlan(st.PlanID, apply) {
		w.sessions.Clear(userID)
		return Outcome{}, ErrPlanNotFound
	}
	p, _ := w.store.Plan(st.PlanID)
	w.sessions.Set(userID, EditingPlan{PlanID: st.PlanID})
	logging.Log.Info().Str("event", "plan_updated").Str("plan_id", p.ID).Str("field", string(st.Field)).Msg("plan updated")
	return Outcome{Kind: PlanFieldUpdated, Plan: p, Field: st.Field}, nil
}

// ToggleModel flips model in the draft being selected and returns the draft.
func (w *Workflow) ToggleModel(adminID int64, model string) (domain.Plan, error) {
	st, ok := w.sessions.Get(adminID).(SelectingModels)
	if !ok {
		return domain.Plan{}, ErrNoSession
	}
	if !w.catalog.Contains(model) {
		return st.Draft, ErrUnknownModel
	}
	d := st.Draft.Clone()
	if i := slices.Index(d.AllowedModels, model); i >= 0 {
		d.AllowedModels = slices.Delete(d.AllowedModels, i, i+1)
	} else {
		d.AllowedModels = append(d.AllowedModels, model)
	}
	st.Draft = d
	w.sessions.Set(adminID, st)
	return d.Clone(), nil
}

// SaveModels finishes model selection. A new plan is validated and stored,
// ending the wizard. An edited plan gets only its model list replaced and the
// session returns to the plan's edit menu.
func (w *Workflow) SaveModels(adminID int64) (domain.Plan, error) {
	st, ok := w.sessions.Get(adminID).(SelectingModels)
	if !ok {
		return domain.Plan{}, ErrNoSession
	}
	d := st.Draft.Clone()
	if d.AllowedModels == nil {
		d.AllowedModels = []string{}
	}
	if st.Editing {
		if !w.store.UpdatePlan(d.ID, func(p *domain.Plan) { p.AllowedModels = d.AllowedModels }) {
			w.sessions.Clear(adminID)
			return domain.Plan{}, ErrPlanNotFound
		}
		p, _ := w.store.Plan(d.ID)
		w.sessions.Set(adminID, EditingPlan{PlanID: d.ID})
		logging.Log.Info().Str("event", "plan_updated").Str("plan_id", d.ID).Str("field", string(FieldModels)).Msg("plan updated")
		return p, nil
	}
	if err := w.validate.Struct(d); err != nil {
		return d, fmt.Errorf("provision: invalid plan: %w", err)
	}
	w.store.PutPlan(d)
	w.sessions.Clear(adminID)
	logging.Log.Info().Str("event", "plan_created").Str("plan_id", d.ID).Str("name", d.Name).Msg("plan created")
	return d, nil
}

// DeletePlan removes planID. Users holding it keep a stale reference.
func (w *Workflow) DeletePlan(planID string) error {
	if !w.store.DeletePlan(planID) {
		return ErrPlanNotFound
	}
	logging.Log.Info().Str("event", "plan_deleted").Str("plan_id", planID).Msg("plan deleted")
	return nil
}

var errAdminMissing = errors.New("provision: not an admin")

// RemoveAdmin drops id from the admin list. The bootstrap admin is protected.
func (w *Workflow) RemoveAdmin(id int64) error {
	if id == w.store.Bootstrap() {
		return ErrProtectedAdmin
	}
	return w.store.UpdateSettings(func(c *domain.Settings) error {
		i := slices.Index(c.Admins, id)
		if i < 0 {
			return errAdminMissing
		}
		c.Admins = slices.Delete(c.Admins, i, i+1)
		return nil
	})
}

// ToggleForceSubscribe flips channel enforcement and returns the new value.
func (w *Workflow) ToggleForceSubscribe() bool {
	var on bool
	_ = w.store.UpdateSettings(func(c *domain.Settings) error {
		c.ForceSubscribeEnabled = !c.ForceSubscribeEnabled
		on = c.ForceSubscribeEnabled
		return nil
	})
	return on
}

// ToggleFreeTier flips the free tier and returns the new value.
func (w *Workflow) ToggleFreeTier() bool {
	var on bool
	_ = w.store.UpdateSettings(func(c *domain.Settings) error {
		c.FreeTierEnabled = !c.FreeTierEnabled
		on = c.FreeTierEnabled
		return nil
	})
	return on
}

// SetFreeTierModel selects the single model offered on the free tier.
func (w *Workflow) SetFreeTierModel(model string) error {
	if !w.catalog.Contains(model) {
		return ErrUnknownModel
	}
	return w.store.UpdateSettings(func(c *domain.Settings) error {
		c.FreeTierModel = model
		return nil
	})
}

// BeginPurchase records that userID wants planID and waits for a receipt.
func (w *Workflow) BeginPurchase(userID int64, planID string) (domain.Plan, error) {
	p, ok := w.store.Plan(planID)
	if !ok {
		return domain.Plan{}, ErrPlanNotFound
	}
	w.sessions.Set(userID, AwaitingReceipt{PlanID: planID})
	return p, nil
}

// SubmitReceipt files a pending receipt for the plan userID chose. The
// returned token identifies it for a single Approve or Reject.
func (w *Workflow) SubmitReceipt(userID int64, userName string, now time.Time) (domain.Receipt, domain.Plan, error) {
	st, ok := w.sessions.Get(userID).(AwaitingReceipt)
	if !ok {
		return domain.Receipt{}, domain.Plan{}, ErrNoSession
	}
	w.sessions.Clear(userID)
	p, ok := w.store.Plan(st.PlanID)
	if !ok {
		return domain.Receipt{}, domain.Plan{}, ErrPlanNotFound
	}
	r := domain.Receipt{
		Token:     uuid.NewString(),
		UserID:    userID,
		UserName:  userName,
		PlanID:    st.PlanID,
		CreatedAt: now,
	}
	w.store.AddReceipt(r)
	logging.Log.Info().Str("event", "receipt_submitted").Int64("user_id", userID).Str("plan_id", p.ID).Msg("receipt submitted")
	return r, p, nil
}

// Approve consumes token and grants its plan from now for the plan's
// duration. The buyer's model selection is cleared.
func (w *Workflow) Approve(token string, now time.Time) (Grant, error) {
	r, ok := w.store.TakeReceipt(token)
	if !ok {
		return Grant{}, ErrReceiptUsed
	}
	p, ok := w.store.Plan(r.PlanID)
	if !ok {
		return Grant{Receipt: r}, ErrPlanNotFound
	}
	expiry := now.AddDate(0, 0, p.DurationDays)
	w.store.UpdateUser(r.UserID, func(u *domain.User) {
		u.Plan = p.ID
		u.PlanExpiry = &expiry
		u.SelectedModel = ""
	})
	logging.Log.Info().Str("event", "plan_granted").Int64("user_id", r.UserID).Str("plan_id", p.ID).Time("expiry", expiry).Msg("plan granted")
	return Grant{Receipt: r, Plan: p, Expiry: expiry}, nil
}

// Reject consumes token without granting anything.
func (w *Workflow) Reject(token string) (domain.Receipt, error) {
	r, ok := w.store.TakeReceipt(token)
	if !ok {
		return domain.Receipt{}, ErrReceiptUsed
	}
	logging.Log.Info().Str("event", "receipt_rejected").Int64("user_id", r.UserID).Str("plan_id", r.PlanID).Msg("receipt rejected")
	return r, nil
}

func parseInt(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, ErrNotInteger
	}
	return n, nil
}

func parseNonNegative(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, ErrNotInteger
	}
	if n < 0 {
		return 0, ErrNegative
	}
	return n, nil
}

func parsePositive(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, ErrNotInteger
	}
	if n <= 0 {
		return 0, ErrNotPositive
	}
	return n, nil
}

// parseDailyLimit reads a non-negative integer where 0 means unlimited.
func parseDailyLimit(s string) (domain.Limit, error) {
	n, err := parseNonNegative(s)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return domain.Unlimited, nil
	}
	return domain.Limit(n), nil
}
