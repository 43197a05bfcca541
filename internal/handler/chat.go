package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	tg "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"telegram-plan-bot/internal/completion"
	"telegram-plan-bot/internal/domain"
	"telegram-plan-bot/internal/logging"
)

// maxMessageLen is Telegram's limit on a message body.
const maxMessageLen = 4096

var httpGetFunc = http.Get

// handleChat checks entitlement and quota, then forwards the message to the
// selected model.
func (h *Handler) handleChat(ctx context.Context, b BotAPI, msg *models.Message) {
	userID := msg.From.ID
	chooseModel := [][]models.InlineKeyboardButton{button("✨ Choose AI model", cbModels)}

	model := h.st.User(userID).SelectedModel
	if model == "" {
		reply(ctx, b, msg, txtChooseModelHint, chooseModel)
		return
	}
	photo := len(msg.Photo) > 0
	if !photo && msg.Text == "" {
		return
	}

	unlock := h.locks.lock(userID)
	defer unlock()

	now := h.now()
	ent := h.engine.Resolve(userID, now)
	if !ent.Allows(model) {
		reply(ctx, b, msg, fmt.Sprintf("Your subscription does not include %s. Please choose another model.", model), chooseModel)
		return
	}
	if ent.Limit.Exceeded(h.quota.CountToday(userID, now)) {
		logging.Ctx(ctx).Info().Str("event", "quota_exceeded").Str("tier", ent.Tier.String()).Msg("daily limit reached")
		reply(ctx, b, msg, txtQuotaExceeded, nil)
		return
	}

	req := completion.Request{Model: model, Text: msg.Text}
	switch h.catalog.Kind(model) {
	case domain.KindVision:
		if !photo {
			h.nudgeVision(ctx, b, msg)
			return
		}
		req.Text = msg.Caption
		if req.Text == "" {
			req.Text = txtDefaultPrompt
		}
	case domain.KindText:
		if photo {
			reply(ctx, b, msg, txtTextOnly, nil)
			return
		}
	default:
		reply(ctx, b, msg, fmt.Sprintf("Model %s is no longer available. Please choose another model.", model), chooseModel)
		return
	}

	what := "text"
	if photo {
		what = "image"
	}
	processing := reply(ctx, b, msg, fmt.Sprintf("Processing your %s with model %s...", what, model), nil)

	var out string
	var err error
	if photo {
		req.Image, err = h.downloadPhoto(ctx, b, msg.Photo[len(msg.Photo)-1].FileID)
	}
	if err == nil {
		out, err = h.ai.Complete(ctx, req)
	}
	switch {
	case errors.Is(err, completion.ErrUnavailable):
		out = txtUnavailable
	case err != nil:
		out = "Error: " + err.Error()
	default:
		h.quota.RecordSuccess(userID, now)
	}
	h.deliver(ctx, b, msg, processing, out)
}

// deliver puts the reply into the processing message and sends any overflow
// as follow-up messages.
func (h *Handler) deliver(ctx context.Context, b BotAPI, msg, processing *models.Message, text string) {
	parts := splitMessage(text, maxMessageLen)
	if processing != nil {
		safeEdit(ctx, b, msg.Chat.ID, processing.ID, parts[0], nil)
	} else {
		reply(ctx, b, msg, parts[0], nil)
	}
	for _, p := range parts[1:] {
		send(ctx, b, msg.Chat.ID, p, nil)
	}
}

// nudgeVision tells a user once that the selected model wants photos.
func (h *Handler) nudgeVision(ctx context.Context, b BotAPI, msg *models.Message) {
	userID := msg.From.ID
	err := h.st.UpdateSettings(func(c *domain.Settings) error {
		if c.VisionWarningSent[userID] {
			return errUnchanged
		}
		c.VisionWarningSent[userID] = true
		return nil
	})
	if err == nil {
		reply(ctx, b, msg, txtVisionNudge, nil)
	}
}

func (h *Handler) downloadPhoto(ctx context.Context, b BotAPI, fileID string) ([]byte, error) {
	f, err := b.GetFile(ctx, &tg.GetFileParams{FileID: fileID})
	if err != nil {
		return nil, fmt.Errorf("get file: %w", err)
	}
	resp, err := httpGetFunc(b.FileDownloadLink(f))
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 0 && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download file: status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// handleReceipt forwards a buyer's receipt photo to the bootstrap admin.
func (h *Handler) handleReceipt(ctx context.Context, b BotAPI, msg *models.Message) {
	if len(msg.Photo) == 0 {
		reply(ctx, b, msg, txtSendReceipt, nil)
		return
	}
	name := strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
	if msg.From.Username != "" {
		name += " @" + msg.From.Username
	}
	r, p, err := h.flow.SubmitReceipt(msg.From.ID, name, h.now())
	if err != nil {
		reply(ctx, b, msg, flowError(err), nil)
		return
	}
	caption := fmt.Sprintf("New plan purchase!\n\nUser: %s (%d)\nPlan: %s (ID %s)\nPrice: %d",
		r.UserName, r.UserID, p.Name, p.ID, p.Price)
	_, err = b.SendPhoto(ctx, &tg.SendPhotoParams{
		ChatID:  h.st.Bootstrap(),
		Photo:   &models.InputFileString{Data: msg.Photo[len(msg.Photo)-1].FileID},
		Caption: caption,
		ReplyMarkup: keyboard([][]models.InlineKeyboardButton{{
			{Text: "✅ Approve", CallbackData: cbApprove + r.Token},
			{Text: "❌ Reject", CallbackData: cbReject + r.Token},
		}}),
	})
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Str("receipt", r.Token).Msg("forward receipt failed")
	}
	reply(ctx, b, msg, txtReceiptReceived, nil)
}
