package handler

import (
	"context"
	"fmt"

	"github.com/go-telegram/bot/models"

	"telegram-plan-bot/internal/logging"
	"telegram-plan-bot/internal/provision"
)

// handleAdminInput feeds a text message into the admin's open wizard.
func (h *Handler) handleAdminInput(ctx context.Context, b BotAPI, msg *models.Message, step provision.Step) {
	log := logging.Ctx(ctx)
	out, err := h.flow.HandleText(msg.From.ID, msg.Text)
	if err != nil {
		if provision.IsRetryable(err) {
			reply(ctx, b, msg, flowError(err)+" Please try again.", nil)
			return
		}
		log.Warn().Err(err).Str("step", fmt.Sprintf("%T", step)).Msg("admin input rejected")
		reply(ctx, b, msg, flowError(err), nil)
		return
	}

	var v view
	switch out.Kind {
	case provision.PlanNameSet:
		v.text = fmt.Sprintf("Plan name: %s\nNow send the price:", out.Plan.Name)
	case provision.PlanPriceSet:
		v.text = "Now send the duration in days:"
	case provision.PlanDurationSet:
		v.text = "Now send the daily message limit (0 for unlimited):"
	case provision.PlanLimitSet:
		v = h.modelPicker(out.Plan, false)
	case provision.PlanFieldUpdated:
		v = planEditMenu(out.Plan)
		v.text = "Plan updated.\n\n" + v.text
	case provision.AdminAdded:
		v = adminsMenu()
		v.text = fmt.Sprintf("User %d is now an admin.", out.Number)
	case provision.AdminExists:
		v = adminsMenu()
		v.text = fmt.Sprintf("User %d is already an admin.", out.Number)
	case provision.AdminRemoved:
		v = adminsMenu()
		v.text = fmt.Sprintf("User %d is no longer an admin.", out.Number)
	case provision.AdminNotFound:
		v = adminsMenu()
		v.text = fmt.Sprintf("User %d is not an admin.", out.Number)
	case provision.ChannelAdded:
		v = channelsMenu(h.st.Settings().ForceSubscribeEnabled)
		v.text = fmt.Sprintf("Channel %d added.", out.Number)
	case provision.ChannelExists:
		v = channelsMenu(h.st.Settings().ForceSubscribeEnabled)
		v.text = fmt.Sprintf("Channel %d is already in the list.", out.Number)
	case provision.ChannelRemoved:
		v = channelsMenu(h.st.Settings().ForceSubscribeEnabled)
		v.text = fmt.Sprintf("Channel %d removed.", out.Number)
	case provision.ChannelNotFound:
		v = channelsMenu(h.st.Settings().ForceSubscribeEnabled)
		v.text = fmt.Sprintf("Channel %d is not in the list.", out.Number)
	case provision.FreeTierLimitSet:
		v = settingsMenu(h.st.Settings())
		v.text = fmt.Sprintf("Free tier limit set to %d messages/day.", out.Number)
	}
	log.Info().Str("event", "admin_input").Str("step", fmt.Sprintf("%T", step)).Msg("admin input applied")
	reply(ctx, b, msg, v.text, v.kb)
}
