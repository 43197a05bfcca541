package handler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tg "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"telegram-plan-bot/internal/domain"
	"telegram-plan-bot/internal/logging"
	"telegram-plan-bot/internal/provision"
)

func (h *Handler) handleCallback(ctx context.Context, b BotAPI, cq *models.CallbackQuery) {
	m := cq.Message.Message
	if m == nil {
		answer(ctx, b, cq, "", false)
		return
	}
	show := func(v view) { safeEdit(ctx, b, m.Chat.ID, m.ID, v.text, v.kb) }
	userID := cq.From.ID
	data := cq.Data

	if strings.HasPrefix(data, cbAdmin) || strings.HasPrefix(data, "rcpt:") {
		if !h.engine.IsAdmin(userID) {
			answer(ctx, b, cq, txtNotPermitted, true)
			return
		}
		h.handleAdminCallback(ctx, b, cq, show)
		return
	}

	switch {
	case data == cbMenu:
		h.flow.Cancel(userID)
		show(h.mainMenu(userID))
	case data == cbCheckSub:
		answer(ctx, b, cq, "Membership verified.", false)
		show(h.mainMenu(userID))
		return
	case data == cbModels:
		u := h.st.User(userID)
		show(h.userModelMenu(h.engine.Resolve(userID, h.now()), u.SelectedModel))
	case strings.HasPrefix(data, cbModel):
		h.selectModel(ctx, b, cq, strings.TrimPrefix(data, cbModel), show)
		return
	case data == cbLocked:
		answer(ctx, b, cq, txtLockedModel, true)
		return
	case data == cbBuy:
		h.flow.Cancel(userID)
		if len(h.st.Plans()) == 0 {
			answer(ctx, b, cq, txtNoPlans, true)
			return
		}
		show(h.buyMenu())
	case strings.HasPrefix(data, cbBuyPlan):
		p, err := h.flow.BeginPurchase(userID, strings.TrimPrefix(data, cbBuyPlan))
		if err != nil {
			answer(ctx, b, cq, txtPlanNotFound, true)
			return
		}
		show(h.planDetails(p))
	case data == cbStatus:
		show(h.statusView(userID))
	}
	answer(ctx, b, cq, "", false)
}

func (h *Handler) selectModel(ctx context.Context, b BotAPI, cq *models.CallbackQuery, arg string, show func(view)) {
	userID := cq.From.ID
	i, err := strconv.Atoi(arg)
	model, ok := h.catalog.At(i)
	if err != nil || !ok {
		answer(ctx, b, cq, txtSomethingWrong, true)
		return
	}
	ent := h.engine.Resolve(userID, h.now())
	if !ent.Allows(model) {
		answer(ctx, b, cq, txtLockedModel, true)
		return
	}
	h.st.UpdateUser(userID, func(u *domain.User) { u.SelectedModel = model })
	_ = h.st.UpdateSettings(func(c *domain.Settings) error {
		if !c.VisionWarningSent[userID] {
			return errUnchanged
		}
		delete(c.VisionWarningSent, userID)
		return nil
	})
	logging.Ctx(ctx).Info().Str("event", "model_selected").Str("model", model).Msg("model selected")
	answer(ctx, b, cq, "Model set to "+model+".", false)
	show(h.userModelMenu(ent, model))
}

// errUnchanged aborts a settings update that would not change anything.
var errUnchanged = errors.New("unchanged")

func (h *Handler) handleAdminCallback(ctx context.Context, b BotAPI, cq *models.CallbackQuery, show func(view)) {
	userID := cq.From.ID
	data := cq.Data
	prompt := func(text, back string) {
		show(view{text: text, kb: [][]models.InlineKeyboardButton{button(btnCancel, back)}})
	}

	switch {
	case data == cbAdmin:
		h.flow.Cancel(userID)
		show(adminMenu())

	case data == cbAdmins:
		h.flow.Cancel(userID)
		show(adminsMenu())
	case data == cbAdminAdd:
		h.flow.BeginAdminAdd(userID)
		prompt("Send the numeric user id of the new admin:", cbAdmins)
	case data == cbAdminRm:
		h.flow.BeginAdminRemoval(userID)
		prompt("Send the numeric user id of the admin to remove:", cbAdmins)
	case data == cbAdminList:
		var sb strings.Builder
		sb.WriteString("Admins:\n")
		for _, id := range h.st.Settings().Admins {
			fmt.Fprintf(&sb, "- %d\n", id)
		}
		show(view{text: sb.String(), kb: [][]models.InlineKeyboardButton{button(btnBack, cbAdmins)}})

	case data == cbChannels:
		h.flow.Cancel(userID)
		show(channelsMenu(h.st.Settings().ForceSubscribeEnabled))
	case data == cbChanAdd:
		h.flow.BeginChannelAdd(userID)
		prompt("Send the numeric channel id (for example -1001234567890). The bot must be an admin of the channel.", cbChannels)
	case data == cbChanRm:
		h.flow.BeginChannelRemoval(userID)
		prompt("Send the numeric id of the channel to remove:", cbChannels)
	case data == cbChanList:
		show(h.channelList(ctx, b))
	case data == cbChanForce:
		h.flow.ToggleForceSubscribe()
		answer(ctx, b, cq, txtStateChanged, false)
		show(channelsMenu(h.st.Settings().ForceSubscribeEnabled))
		return

	case data == cbPlans:
		h.flow.Cancel(userID)
		show(plansMenu())
	case data == cbPlanAdd:
		h.flow.BeginPlanCreation(userID)
		prompt("Send the name of the new plan:", cbPlans)
	case data == cbPlanList:
		show(h.planList())
	case data == cbPlanEdits:
		if len(h.st.Plans()) == 0 {
			answer(ctx, b, cq, txtNoPlans, true)
			return
		}
		show(h.planSelectMenu(cbPlanEdit, "Choose a plan to edit:"))
	case data == cbPlanDels:
		if len(h.st.Plans()) == 0 {
			answer(ctx, b, cq, txtNoPlans, true)
			return
		}
		show(h.planSelectMenu(cbPlanDel, "Choose a plan to delete:"))
	case strings.HasPrefix(data, cbPlanEdit):
		p, err := h.flow.BeginPlanEdit(userID, strings.TrimPrefix(data, cbPlanEdit))
		if err != nil {
			answer(ctx, b, cq, txtPlanNotFound, true)
			return
		}
		show(planEditMenu(p))
	case strings.HasPrefix(data, cbPlanField):
		id, field, _ := strings.Cut(strings.TrimPrefix(data, cbPlanField), ":")
		p, err := h.flow.BeginFieldEdit(userID, id, provision.Field(field))
		if err != nil {
			answer(ctx, b, cq, flowError(err), true)
			return
		}
		if provision.Field(field) == provision.FieldModels {
			show(h.modelPicker(p, true))
			break
		}
		prompt(fmt.Sprintf("Send the new value for %s:", fieldLabel(provision.Field(field))), cbPlanEdit+id)
	case strings.HasPrefix(data, cbPlanDel):
		if err := h.flow.DeletePlan(strings.TrimPrefix(data, cbPlanDel)); err != nil {
			answer(ctx, b, cq, txtPlanNotFound, true)
			return
		}
		answer(ctx, b, cq, "Plan deleted.", false)
		show(plansMenu())
		return
	case strings.HasPrefix(data, cbPlanModel):
		i, _ := strconv.Atoi(strings.TrimPrefix(data, cbPlanModel))
		model, ok := h.catalog.At(i)
		if !ok {
			answer(ctx, b, cq, txtSomethingWrong, true)
			return
		}
		draft, err := h.flow.ToggleModel(userID, model)
		if err != nil {
			answer(ctx, b, cq, flowError(err), true)
			return
		}
		st, _ := h.flow.Session(userID).(provision.SelectingModels)
		show(h.modelPicker(draft, st.Editing))
	case data == cbPlanSave:
		editing := false
		if st, ok := h.flow.Session(userID).(provision.SelectingModels); ok {
			editing = st.Editing
		}
		p, err := h.flow.SaveModels(userID)
		if err != nil {
			logging.Ctx(ctx).Warn().Err(err).Msg("save plan failed")
			answer(ctx, b, cq, flowError(err), true)
			return
		}
		if editing {
			answer(ctx, b, cq, "Models updated.", false)
			show(planEditMenu(p))
			return
		}
		answer(ctx, b, cq, "Plan created.", false)
		show(view{text: fmt.Sprintf("Plan %q created (ID %s).\n\n%s", p.Name, p.ID, planSummary(p)), kb: plansMenu().kb})
		return

	case data == cbSettings:
		h.flow.Cancel(userID)
		show(settingsMenu(h.st.Settings()))
	case data == cbSetForce:
		h.flow.ToggleForceSubscribe()
		answer(ctx, b, cq, txtStateChanged, false)
		show(settingsMenu(h.st.Settings()))
		return
	case data == cbSetFree:
		h.flow.ToggleFreeTier()
		answer(ctx, b, cq, txtStateChanged, false)
		show(settingsMenu(h.st.Settings()))
		return
	case data == cbFreeModel:
		show(h.freeModelMenu(h.st.Settings()))
	case strings.HasPrefix(data, cbFreePick):
		i, _ := strconv.Atoi(strings.TrimPrefix(data, cbFreePick))
		model, _ := h.catalog.At(i)
		if err := h.flow.SetFreeTierModel(model); err != nil {
			answer(ctx, b, cq, flowError(err), true)
			return
		}
		answer(ctx, b, cq, "Free tier model set to "+model+".", false)
		show(settingsMenu(h.st.Settings()))
		return
	case data == cbFreeLimit:
		h.flow.BeginFreeTierLimit(userID)
		prompt("Send the free tier daily message limit (0 means no free messages):", cbSettings)

	case strings.HasPrefix(data, cbApprove):
		h.approveReceipt(ctx, b, cq, strings.TrimPrefix(data, cbApprove))
		return
	case strings.HasPrefix(data, cbReject):
		h.rejectReceipt(ctx, b, cq, strings.TrimPrefix(data, cbReject))
		return
	}
	answer(ctx, b, cq, "", false)
}

func (h *Handler) channelList(ctx context.Context, b BotAPI) view {
	kb := [][]models.InlineKeyboardButton{button(btnBack, cbChannels)}
	channels := h.st.Channels()
	if len(channels) == 0 {
		return view{text: "No force-subscribe channels.", kb: kb}
	}
	var sb strings.Builder
	sb.WriteString("Force-subscribe channels:\n")
	for _, ch := range channels {
		title, _ := channelLink(ctx, b, ch)
		fmt.Fprintf(&sb, "- %s (%d)\n", title, ch)
	}
	return view{text: sb.String(), kb: kb}
}

func (h *Handler) planList() view {
	kb := [][]models.InlineKeyboardButton{button(btnBack, cbPlans)}
	plans := h.st.Plans()
	if len(plans) == 0 {
		return view{text: "No plans defined.", kb: kb}
	}
	var sb strings.Builder
	sb.WriteString("Plans:\n")
	for _, p := range plans {
		fmt.Fprintf(&sb, "\nID %s: %s\n%s\n", p.ID, p.Name, planSummary(p))
	}
	return view{text: sb.String(), kb: kb}
}

func fieldLabel(f provision.Field) string {
	switch f {
	case provision.FieldName:
		return "the name"
	case provision.FieldPrice:
		return "the price"
	case provision.FieldDuration:
		return "the duration in days"
	case provision.FieldDailyLimit:
		return "the daily message limit (0 for unlimited)"
	}
	return string(f)
}

// flowError turns a workflow error into a user-facing message.
func flowError(err error) string {
	switch {
	case errors.Is(err, provision.ErrNotInteger):
		return "Please send a whole number."
	case errors.Is(err, provision.ErrNegative):
		return "The value must not be negative."
	case errors.Is(err, provision.ErrNotPositive):
		return "The value must be a positive number."
	case errors.Is(err, provision.ErrEmptyName):
		return "The name must not be empty."
	case errors.Is(err, provision.ErrProtectedAdmin):
		return "The initial admin cannot be removed."
	case errors.Is(err, provision.ErrPlanNotFound):
		return txtPlanNotFound
	case errors.Is(err, provision.ErrReceiptUsed):
		return "This receipt was already handled."
	case errors.Is(err, provision.ErrNoSession):
		return "This action has expired. Please start again."
	case errors.Is(err, provision.ErrUnknownModel):
		return "Unknown model."
	}
	return txtSomethingWrong
}

func (h *Handler) approveReceipt(ctx context.Context, b BotAPI, cq *models.CallbackQuery, token string) {
	g, err := h.flow.Approve(token, h.now())
	if err != nil {
		answer(ctx, b, cq, flowError(err), true)
		return
	}
	send(ctx, b, g.Receipt.UserID, fmt.Sprintf("✅ Your payment was approved. Plan %s is active until %s. Please choose an AI model again.",
		g.Plan.Name, g.Expiry.Local().Format("2006/01/02 15:04")), [][]models.InlineKeyboardButton{button("✨ Choose AI model", cbModels)})
	h.markReceipt(ctx, b, cq, "✅ Approved")
	answer(ctx, b, cq, "Approved.", false)
}

func (h *Handler) rejectReceipt(ctx context.Context, b BotAPI, cq *models.CallbackQuery, token string) {
	r, err := h.flow.Reject(token)
	if err != nil {
		answer(ctx, b, cq, flowError(err), true)
		return
	}
	send(ctx, b, r.UserID, "❌ Your payment was rejected.", nil)
	h.markReceipt(ctx, b, cq, "❌ Rejected")
	answer(ctx, b, cq, "Rejected.", false)
}

// markReceipt appends the verdict to the forwarded receipt and drops its
// buttons.
func (h *Handler) markReceipt(ctx context.Context, b BotAPI, cq *models.CallbackQuery, verdict string) {
	m := cq.Message.Message
	_, err := b.EditMessageCaption(ctx, &tg.EditMessageCaptionParams{
		ChatID:    m.Chat.ID,
		MessageID: m.ID,
		Caption:   m.Caption + "\n\n" + verdict,
	})
	if err != nil && !isNotModified(err) {
		logging.Ctx(ctx).Warn().Err(err).Msg("edit caption failed")
	}
}
