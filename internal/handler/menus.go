package handler

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tg "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"telegram-plan-bot/internal/domain"
	"telegram-plan-bot/internal/entitlement"
	"telegram-plan-bot/internal/logging"
	"telegram-plan-bot/internal/provision"
)

const (
	txtWelcome         = "Welcome! Choose an option:"
	txtJoinFirst       = "Please join the required channels first."
	txtJoinChannels    = "To use the bot, please join the following channels first:"
	txtCancelled       = "Cancelled."
	txtNotPermitted    = "You are not permitted to do this."
	txtSelectModel     = "Choose an AI model:"
	txtLockedModel     = "This model requires a plan."
	txtChooseModelHint = "Please choose an AI model first."
	txtNoPlans         = "No plans are available right now."
	txtChoosePlan      = "Choose the plan you want to buy:"
	txtPlanNotFound    = "Plan not found."
	txtSendReceipt     = "Please send a photo of the payment receipt."
	txtReceiptReceived = "Your payment receipt was received. Please wait for an admin to review it."
	txtQuotaExceeded   = "Your daily message limit has been reached."
	txtVisionNudge     = "This is a vision model. Please send a photo."
	txtTextOnly        = "This is a text model. Please send text."
	txtUnavailable     = "The service is temporarily unavailable. Please try again later."
	txtDefaultPrompt   = "What do you see in this image?"
	txtAdminPanel      = "Admin panel:"
	txtAdminsMenu      = "Manage admins:"
	txtChannelsMenu    = "Manage force-subscribe channels:"
	txtPlansMenu       = "Manage subscription plans:"
	txtSettingsMenu    = "Bot settings:"
	txtStateChanged    = "Settings changed."
	txtSomethingWrong  = "Something went wrong. Please try again."
)

const (
	btnBack      = "🔙 Back"
	btnCancel    = "🔙 Cancel"
	btnMainMenu  = "🔙 Back to main menu"
	btnSaveModel = "Save and go back"
)

// Callback payloads. Values with a trailing colon take an argument.
const (
	cbMenu      = "menu"
	cbCheckSub  = "sub"
	cbModels    = "models"
	cbModel     = "model:"
	cbLocked    = "locked"
	cbBuy       = "buy"
	cbBuyPlan   = "buy:"
	cbStatus    = "status"
	cbAdmin     = "adm"
	cbAdmins    = "adm:admins"
	cbAdminAdd  = "adm:aa"
	cbAdminRm   = "adm:ar"
	cbAdminList = "adm:al"
	cbChannels  = "adm:ch"
	cbChanAdd   = "adm:ca"
	cbChanRm    = "adm:cr"
	cbChanList  = "adm:cl"
	cbChanForce = "adm:ct"
	cbPlans     = "adm:plans"
	cbPlanAdd   = "adm:pa"
	cbPlanList  = "adm:pl"
	cbPlanEdits = "adm:pes"
	cbPlanDels  = "adm:pds"
	cbPlanEdit  = "adm:pe:"
	cbPlanField = "adm:pf:"
	cbPlanDel   = "adm:pd:"
	cbPlanModel = "adm:pm:"
	cbPlanSave  = "adm:ps"
	cbSettings  = "adm:set"
	cbSetForce  = "adm:sf"
	cbSetFree   = "adm:st"
	cbFreeModel = "adm:sm"
	cbFreePick  = "adm:sm:"
	cbFreeLimit = "adm:sl"
	cbApprove   = "rcpt:ok:"
	cbReject    = "rcpt:no:"
)

type view struct {
	text string
	kb   [][]models.InlineKeyboardButton
}

func button(text, data string) []models.InlineKeyboardButton {
	return []models.InlineKeyboardButton{{Text: text, CallbackData: data}}
}

func onOff(on bool) string {
	if on {
		return "on ✅"
	}
	return "off ❌"
}

func (h *Handler) mainMenu(userID int64) view {
	var kb [][]models.InlineKeyboardButton
	if h.engine.IsAdmin(userID) {
		kb = append(kb, button("⚙️ Admin panel", cbAdmin))
	}
	kb = append(kb,
		button("✨ Choose AI model", cbModels),
		button("💰 Buy a plan", cbBuy),
		button("❓ My subscription", cbStatus),
	)
	return view{text: txtWelcome, kb: kb}
}

func adminMenu() view {
	return view{text: txtAdminPanel, kb: [][]models.InlineKeyboardButton{
		button("👨‍💻 Manage admins", cbAdmins),
		button("➕/➖ Force-subscribe channels", cbChannels),
		button("📝 Manage plans", cbPlans),
		button("⚙️ Bot settings", cbSettings),
		button(btnMainMenu, cbMenu),
	}}
}

func adminsMenu() view {
	return view{text: txtAdminsMenu, kb: [][]models.InlineKeyboardButton{
		button("➕ Add admin", cbAdminAdd),
		button("➖ Remove admin", cbAdminRm),
		button("📋 List admins", cbAdminList),
		button(btnBack, cbAdmin),
	}}
}

func channelsMenu(enforced bool) view {
	return view{text: txtChannelsMenu, kb: [][]models.InlineKeyboardButton{
		button("➕ Add channel", cbChanAdd),
		button("➖ Remove channel", cbChanRm),
		button("📋 List channels", cbChanList),
		button("Force subscribe: "+onOff(enforced), cbChanForce),
		button(btnBack, cbAdmin),
	}}
}

func plansMenu() view {
	return view{text: txtPlansMenu, kb: [][]models.InlineKeyboardButton{
		button("➕ Add plan", cbPlanAdd),
		button("📝 Edit plans", cbPlanEdits),
		button("➖ Delete plan", cbPlanDels),
		button("📋 List plans", cbPlanList),
		button(btnBack, cbAdmin),
	}}
}

func settingsMenu(s domain.Settings) view {
	kb := [][]models.InlineKeyboardButton{
		button("Force subscribe: "+onOff(s.ForceSubscribeEnabled), cbSetForce),
		button("Free tier: "+onOff(s.FreeTierEnabled), cbSetFree),
	}
	if s.FreeTierEnabled {
		model := s.FreeTierModel
		if model == "" {
			model = "not set"
		}
		kb = append(kb,
			button("Free model: "+model, cbFreeModel),
			button(fmt.Sprintf("Free limit: %d messages/day", s.FreeTierLimit), cbFreeLimit),
		)
	}
	kb = append(kb, button(btnBack, cbAdmin))
	return view{text: txtSettingsMenu, kb: kb}
}

func (h *Handler) freeModelMenu(s domain.Settings) view {
	var kb [][]models.InlineKeyboardButton
	for i, m := range h.catalog.All() {
		mark := "⬜"
		if m == s.FreeTierModel {
			mark = "✅"
		}
		kb = append(kb, button(mark+" "+m, cbFreePick+strconv.Itoa(i)))
	}
	kb = append(kb, button(btnBack, cbSettings))
	return view{text: "Choose the free tier model:", kb: kb}
}

func planEditMenu(p domain.Plan) view {
	text := fmt.Sprintf("Editing plan %q (ID %s)\n\n%s\n\nChoose a field to change:", p.Name, p.ID, planSummary(p))
	field := func(label string, f provision.Field) []models.InlineKeyboardButton {
		return button(label, cbPlanField+p.ID+":"+string(f))
	}
	return view{text: text, kb: [][]models.InlineKeyboardButton{
		field("Name", provision.FieldName),
		field("Price", provision.FieldPrice),
		field("Duration (days)", provision.FieldDuration),
		field("Daily message limit", provision.FieldDailyLimit),
		field("AI models", provision.FieldModels),
		button("🔙 Back to plan management", cbPlans),
	}}
}

func (h *Handler) modelPicker(draft domain.Plan, editing bool) view {
	var kb [][]models.InlineKeyboardButton
	for i, m := range h.catalog.All() {
		mark := "⬜"
		if draft.Allows(m) {
			mark = "✅"
		}
		kb = append(kb, button(mark+" "+m, cbPlanModel+strconv.Itoa(i)))
	}
	kb = append(kb, button(btnSaveModel, cbPlanSave))
	back := cbPlans
	if editing {
		back = cbPlanEdit + draft.ID
	}
	kb = append(kb, button(btnCancel, back))
	return view{text: fmt.Sprintf("Choose the AI models for plan %q:", draft.Name), kb: kb}
}

func (h *Handler) planSelectMenu(prefix, title string) view {
	var kb [][]models.InlineKeyboardButton
	for _, p := range h.st.Plans() {
		kb = append(kb, button(p.Name, prefix+p.ID))
	}
	kb = append(kb, button(btnBack, cbPlans))
	return view{text: title, kb: kb}
}

func (h *Handler) userModelMenu(ent entitlement.Entitlement, selected string) view {
	var kb [][]models.InlineKeyboardButton
	for i, m := range h.catalog.All() {
		switch {
		case ent.Allows(m) && m == selected:
			kb = append(kb, button("✅ "+m, cbModel+strconv.Itoa(i)))
		case ent.Allows(m):
			kb = append(kb, button(m, cbModel+strconv.Itoa(i)))
		default:
			kb = append(kb, button("🔒 "+m+" (requires a plan)", cbLocked))
		}
	}
	kb = append(kb, button(btnMainMenu, cbMenu))
	return view{text: txtSelectModel, kb: kb}
}

func (h *Handler) buyMenu() view {
	var kb [][]models.InlineKeyboardButton
	for _, p := range h.st.Plans() {
		kb = append(kb, button(fmt.Sprintf("%s - %d (%d days)", p.Name, p.Price, p.DurationDays), cbBuyPlan+p.ID))
	}
	kb = append(kb, button(btnMainMenu, cbMenu))
	return view{text: txtChoosePlan, kb: kb}
}

func (h *Handler) planDetails(p domain.Plan) view {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Plan details:\nName: %s\nPrice: %d\nDuration: %d days\nDaily message limit: %s\nAllowed models: %s\n\n",
		p.Name, p.Price, p.DurationDays, p.DailyLimit, modelList(p.AllowedModels))
	fmt.Fprintf(&sb, "To buy, pay %d and send a photo of the receipt here.", p.Price)
	if h.card != "" {
		fmt.Fprintf(&sb, "\nCard number: %s", h.card)
	}
	return view{text: sb.String(), kb: [][]models.InlineKeyboardButton{button(btnCancel, cbBuy)}}
}

func planSummary(p domain.Plan) string {
	return fmt.Sprintf("Price: %d\nDuration: %d days\nDaily limit: %s\nModels: %s",
		p.Price, p.DurationDays, p.DailyLimit, modelList(p.AllowedModels))
}

func modelList(ms []string) string {
	if len(ms) == 0 {
		return "none"
	}
	return strings.Join(ms, ", ")
}

func (h *Handler) statusView(userID int64) view {
	now := h.now()
	ent := h.engine.Resolve(userID, now)
	count := h.quota.CountToday(userID, now)

	var sb strings.Builder
	sb.WriteString("Your subscription:\n\n")
	switch ent.Tier {
	case entitlement.TierAdmin:
		sb.WriteString("You are an admin with unlimited access. 👑\n")
	case entitlement.TierPlan:
		name := ent.PlanName
		if ent.StalePlan {
			name = "unknown (plan was removed)"
		}
		fmt.Fprintf(&sb, "Active plan: %s\nExpires: %s\n", name, ent.PlanExpiry.Local().Format("2006/01/02 15:04:05"))
		if ent.Limit.IsUnlimited() {
			sb.WriteString("Daily limit: unlimited\n")
		} else {
			fmt.Fprintf(&sb, "Messages today: %d of %s\n", count, ent.Limit)
		}
	default:
		sb.WriteString("You have no active plan.\n")
		if ent.Tier == entitlement.TierFree {
			fmt.Fprintf(&sb, "Free tier model: %s\nFree messages today: %d of %s\n", ent.Models[0], count, ent.Limit)
		}
	}
	return view{text: sb.String(), kb: [][]models.InlineKeyboardButton{button(btnMainMenu, cbMenu)}}
}

// channelLink resolves a join URL and title for a channel. Channels the bot
// cannot see fall back to the private-link form of their id.
func channelLink(ctx context.Context, b BotAPI, id int64) (title, url string) {
	title = strconv.FormatInt(id, 10)
	url = "https://t.me/c/" + strings.TrimPrefix(title, "-100")
	chat, err := b.GetChat(ctx, &tg.GetChatParams{ChatID: id})
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Int64("channel_id", id).Msg("get chat failed")
		return title, url
	}
	if chat.Title != "" {
		title = chat.Title
	}
	if chat.Username != "" {
		url = "https://t.me/" + chat.Username
	}
	return title, url
}

func (h *Handler) sendJoin(ctx context.Context, b BotAPI, chatID int64, channels []int64) {
	var kb [][]models.InlineKeyboardButton
	for _, ch := range channels {
		title, url := channelLink(ctx, b, ch)
		kb = append(kb, []models.InlineKeyboardButton{{Text: "Join " + title, URL: url}})
	}
	kb = append(kb, button("🔄 Check membership again", cbCheckSub))
	send(ctx, b, chatID, txtJoinChannels, kb)
}
