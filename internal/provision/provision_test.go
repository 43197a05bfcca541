package provision

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telegram-plan-bot/internal/domain"
	"telegram-plan-bot/internal/state"
	"telegram-plan-bot/internal/storage"
)

const (
	boot  int64 = 1
	admin int64 = 2
	buyer int64 = 9
)

var catalog = domain.NewCatalog([]string{"V1"}, []string{"M1", "M2"})

func setup(t *testing.T) (*Workflow, *state.State) {
	t.Helper()
	st, err := state.New(storage.NewMemStore(), state.Options{BootstrapAdmin: boot, FreeTierModel: "M1", FreeTierLimit: 5})
	require.NoError(t, err)
	return New(st, catalog), st
}

func feed(t *testing.T, w *Workflow, user int64, inputs ...string) Outcome {
	t.Helper()
	var out Outcome
	for _, in := range inputs {
		var err error
		out, err = w.HandleText(user, in)
		require.NoError(t, err, "input %q", in)
	}
	return out
}

func createPlan(t *testing.T, w *Workflow, name, price, days, limit string, models ...string) domain.Plan {
	t.Helper()
	w.BeginPlanCreation(admin)
	feed(t, w, admin, name, price, days, limit)
	for _, m := range models {
		_, err := w.ToggleModel(admin, m)
		require.NoError(t, err)
	}
	p, err := w.SaveModels(admin)
	require.NoError(t, err)
	return p
}

func TestCreatePlanWizard(t *testing.T) {
	w, st := setup(t)
	w.BeginPlanCreation(admin)

	out := feed(t, w, admin, "Gold")
	assert.Equal(t, PlanNameSet, out.Kind)
	assert.Equal(t, AwaitingPlanPrice{PlanID: "1", Name: "Gold"}, w.Session(admin))

	feed(t, w, admin, "100", "30")
	out = feed(t, w, admin, "0")
	assert.Equal(t, PlanLimitSet, out.Kind)
	assert.True(t, out.Plan.DailyLimit.IsUnlimited(), "0 means unlimited")

	_, err := w.ToggleModel(admin, "M1")
	require.NoError(t, err)
	_, err = w.ToggleModel(admin, "V1")
	require.NoError(t, err)
	d, err := w.ToggleModel(admin, "M1")
	require.NoError(t, err)
	assert.Equal(t, []string{"V1"}, d.AllowedModels)

	p, err := w.SaveModels(admin)
	require.NoError(t, err)
	assert.Nil(t, w.Session(admin))

	stored, ok := st.Plan("1")
	require.True(t, ok)
	want := domain.Plan{ID: "1", Name: "Gold", Price: 100, DurationDays: 30, DailyLimit: domain.Unlimited, AllowedModels: []string{"V1"}}
	if diff := cmp.Diff(want, stored); diff != "" {
		t.Fatalf("stored plan mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, want, p)
}

func TestInvalidInputKeepsStep(t *testing.T) {
	w, _ := setup(t)
	w.BeginPlanCreation(admin)
	feed(t, w, admin, "Gold")
	before := w.Session(admin)

	for _, tc := range []struct {
		in   string
		want error
	}{
		{"abc", ErrNotInteger},
		{"1.5", ErrNotInteger},
		{"-3", ErrNegative},
	} {
		_, err := w.HandleText(admin, tc.in)
		assert.ErrorIs(t, err, tc.want, tc.in)
		assert.True(t, IsRetryable(err))
		assert.Equal(t, before, w.Session(admin))
	}

	feed(t, w, admin, "10")
	_, err := w.HandleText(admin, "0")
	assert.ErrorIs(t, err, ErrNotPositive, "duration must be positive")
	assert.IsType(t, AwaitingPlanDuration{}, w.Session(admin))
}

func TestEmptyNameRejected(t *testing.T) {
	w, _ := setup(t)
	w.BeginPlanCreation(admin)
	_, err := w.HandleText(admin, "   ")
	assert.ErrorIs(t, err, ErrEmptyName)
	assert.Equal(t, AwaitingPlanName{}, w.Session(admin))
}

func TestIdleTextIsNoSession(t *testing.T) {
	w, _ := setup(t)
	_, err := w.HandleText(admin, "hello")
	assert.ErrorIs(t, err, ErrNoSession)
	assert.False(t, IsRetryable(err))
}

func TestPlanIDsNeverReused(t *testing.T) {
	w, _ := setup(t)
	createPlan(t, w, "A", "1", "1", "1", "M1")
	b := createPlan(t, w, "B", "1", "1", "1", "M1")
	require.NoError(t, w.DeletePlan("1"))
	c := createPlan(t, w, "C", "1", "1", "1", "M1")

	assert.Equal(t, "2", b.ID)
	assert.Equal(t, "3", c.ID)
	assert.ErrorIs(t, w.DeletePlan("1"), ErrPlanNotFound)
}

func TestEditFields(t *testing.T) {
	w, st := setup(t)
	p := createPlan(t, w, "Gold", "100", "30", "20", "M1")

	_, err := w.BeginFieldEdit(admin, p.ID, FieldPrice)
	assert.ErrorIs(t, err, ErrNoSession, "edit menu not open")

	_, err = w.BeginPlanEdit(admin, p.ID)
	require.NoError(t, err)
	_, err = w.BeginFieldEdit(admin, p.ID, FieldPrice)
	require.NoError(t, err)
	out := feed(t, w, admin, "250")
	assert.Equal(t, PlanFieldUpdated, out.Kind)
	assert.Equal(t, EditingPlan{PlanID: p.ID}, w.Session(admin))

	_, err = w.BeginFieldEdit(admin, p.ID, FieldDailyLimit)
	require.NoError(t, err)
	feed(t, w, admin, "0")

	_, err = w.BeginFieldEdit(admin, p.ID, FieldName)
	require.NoError(t, err)
	feed(t, w, admin, "Platinum")

	_, err = w.BeginFieldEdit(admin, p.ID, FieldModels)
	require.NoError(t, err)
	_, err = w.ToggleModel(admin, "M2")
	require.NoError(t, err)
	_, err = w.SaveModels(admin)
	require.NoError(t, err)
	assert.Equal(t, EditingPlan{PlanID: p.ID}, w.Session(admin))

	got, _ := st.Plan(p.ID)
	want := domain.Plan{ID: p.ID, Name: "Platinum", Price: 250, DurationDays: 30, DailyLimit: domain.Unlimited, AllowedModels: []string{"M1", "M2"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("edited plan mismatch (-want +got):\n%s", diff)
	}
	assert.Len(t, st.Plans(), 1, "editing never allocates a new plan")
}

func TestEditDeletedPlan(t *testing.T) {
	w, _ := setup(t)
	p := createPlan(t, w, "Gold", "100", "30", "20", "M1")
	_, err := w.BeginPlanEdit(admin, p.ID)
	require.NoError(t, err)
	_, err = w.BeginFieldEdit(admin, p.ID, FieldPrice)
	require.NoError(t, err)
	require.NoError(t, w.DeletePlan(p.ID))

	_, err = w.HandleText(admin, "5")
	assert.ErrorIs(t, err, ErrPlanNotFound)
	assert.Nil(t, w.Session(admin))

	_, err = w.BeginPlanEdit(admin, p.ID)
	assert.ErrorIs(t, err, ErrPlanNotFound)
}

func TestToggleRequiresKnownModelAndSession(t *testing.T) {
	w, _ := setup(t)
	_, err := w.ToggleModel(admin, "M1")
	assert.ErrorIs(t, err, ErrNoSession)

	w.BeginPlanCreation(admin)
	feed(t, w, admin, "Gold", "1", "1", "1")
	_, err = w.ToggleModel(admin, "nope")
	assert.ErrorIs(t, err, ErrUnknownModel)
}

func TestAdminManagement(t *testing.T) {
	w, st := setup(t)

	w.BeginAdminAdd(boot)
	_, err := w.HandleText(boot, "x")
	assert.ErrorIs(t, err, ErrNotInteger)
	out := feed(t, w, boot, "42")
	assert.Equal(t, AdminAdded, out.Kind)
	assert.True(t, st.IsAdmin(42))

	w.BeginAdminAdd(boot)
	assert.Equal(t, AdminExists, feed(t, w, boot, "42").Kind)

	w.BeginAdminRemoval(boot)
	_, err = w.HandleText(boot, "1")
	assert.ErrorIs(t, err, ErrProtectedAdmin)
	assert.Nil(t, w.Session(boot))
	assert.True(t, st.IsAdmin(boot))

	w.BeginAdminRemoval(boot)
	assert.Equal(t, AdminRemoved, feed(t, w, boot, "42").Kind)
	assert.False(t, st.IsAdmin(42))

	w.BeginAdminRemoval(boot)
	assert.Equal(t, AdminNotFound, feed(t, w, boot, "42").Kind)
}

func TestChannelsAndSettings(t *testing.T) {
	w, st := setup(t)

	w.BeginChannelAdd(admin)
	assert.Equal(t, ChannelAdded, feed(t, w, admin, "-100123").Kind)
	w.BeginChannelAdd(admin)
	assert.Equal(t, ChannelExists, feed(t, w, admin, "-100123").Kind)
	assert.Equal(t, []int64{-100123}, st.Channels())
	w.BeginChannelRemoval(admin)
	assert.Equal(t, ChannelRemoved, feed(t, w, admin, "-100123").Kind)
	w.BeginChannelRemoval(admin)
	assert.Equal(t, ChannelNotFound, feed(t, w, admin, "-100123").Kind)

	assert.True(t, w.ToggleForceSubscribe())
	assert.False(t, w.ToggleForceSubscribe())
	assert.False(t, w.ToggleFreeTier())
	assert.True(t, w.ToggleFreeTier())

	require.NoError(t, w.SetFreeTierModel("M2"))
	assert.ErrorIs(t, w.SetFreeTierModel("nope"), ErrUnknownModel)
	assert.Equal(t, "M2", st.Settings().FreeTierModel)

	w.BeginFreeTierLimit(admin)
	_, err := w.HandleText(admin, "-1")
	assert.ErrorIs(t, err, ErrNegative)
	assert.Equal(t, AwaitingFreeTierLimit{}, w.Session(admin))
	out := feed(t, w, admin, "0")
	assert.Equal(t, FreeTierLimitSet, out.Kind)
	assert.Equal(t, 0, st.Settings().FreeTierLimit)
}

func TestPurchaseApproval(t *testing.T) {
	w, st := setup(t)
	p := createPlan(t, w, "Gold", "100", "30", "20", "V1")
	st.UpdateUser(buyer, func(u *domain.User) { u.SelectedModel = "M1" })

	_, _, err := w.SubmitReceipt(buyer, "bob", time.Now())
	assert.ErrorIs(t, err, ErrNoSession, "no plan chosen")

	_, err = w.BeginPurchase(buyer, p.ID)
	require.NoError(t, err)
	r, _, err := w.SubmitReceipt(buyer, "bob", time.Now())
	require.NoError(t, err)
	assert.NotEmpty(t, r.Token)
	assert.Nil(t, w.Session(buyer))

	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	g, err := w.Approve(r.Token, now)
	require.NoError(t, err)
	assert.Equal(t, now.AddDate(0, 0, 30), g.Expiry)

	u := st.User(buyer)
	assert.Equal(t, p.ID, u.Plan)
	assert.Equal(t, "", u.SelectedModel, "selection cleared")
	require.NotNil(t, u.PlanExpiry)
	assert.True(t, u.PlanExpiry.Equal(now.AddDate(0, 0, 30)))

	_, err = w.Approve(r.Token, now.Add(time.Hour))
	assert.ErrorIs(t, err, ErrReceiptUsed, "second approval is refused")
	assert.True(t, st.User(buyer).PlanExpiry.Equal(now.AddDate(0, 0, 30)))
	_, err = w.Reject(r.Token)
	assert.ErrorIs(t, err, ErrReceiptUsed)
}

func TestPurchaseRejection(t *testing.T) {
	w, st := setup(t)
	p := createPlan(t, w, "Gold", "100", "30", "20", "V1")
	_, err := w.BeginPurchase(buyer, p.ID)
	require.NoError(t, err)
	r, _, err := w.SubmitReceipt(buyer, "bob", time.Now())
	require.NoError(t, err)

	got, err := w.Reject(r.Token)
	require.NoError(t, err)
	assert.Equal(t, buyer, got.UserID)
	assert.Equal(t, domain.User{}, st.User(buyer))
	assert.Zero(t, st.PendingReceipts())
}

func TestApproveDeletedPlan(t *testing.T) {
	w, st := setup(t)
	p := createPlan(t, w, "Gold", "100", "30", "20", "V1")
	_, err := w.BeginPurchase(buyer, p.ID)
	require.NoError(t, err)
	r, _, err := w.SubmitReceipt(buyer, "bob", time.Now())
	require.NoError(t, err)
	require.NoError(t, w.DeletePlan(p.ID))

	_, err = w.Approve(r.Token, time.Now())
	assert.ErrorIs(t, err, ErrPlanNotFound)
	assert.Equal(t, domain.User{}, st.User(buyer))

	_, err = w.BeginPurchase(buyer, p.ID)
	assert.ErrorIs(t, err, ErrPlanNotFound)
}

func TestSaveRejectsInvalidDraft(t *testing.T) {
	w, st := setup(t)
	w.sessions.Set(admin, SelectingModels{Draft: domain.Plan{ID: "7", Name: "", DurationDays: 1}})
	_, err := w.SaveModels(admin)
	require.Error(t, err)
	_, ok := st.Plan("7")
	assert.False(t, ok)
}
