package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"testing"
	"time"

	tg "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"telegram-plan-bot/internal/completion"
	"telegram-plan-bot/internal/domain"
	"telegram-plan-bot/internal/entitlement"
	"telegram-plan-bot/internal/gate"
	"telegram-plan-bot/internal/logging"
	"telegram-plan-bot/internal/provision"
	"telegram-plan-bot/internal/quota"
	"telegram-plan-bot/internal/state"
	"telegram-plan-bot/internal/storage"
)

const (
	adminID int64 = 100
	userID  int64 = 7
)

var testNow = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

type sentMessage struct {
	chatID any
	text   string
	markup models.ReplyMarkup
}

// testBot records outgoing calls.
type testBot struct {
	sent      []sentMessage
	edits     []string
	photos    []*tg.SendPhotoParams
	captions  []string
	answers   []*tg.AnswerCallbackQueryParams
	member    models.ChatMemberType
	memberErr error
	editErr   error
	nextID    int
}

func (b *testBot) SendMessage(ctx context.Context, params *tg.SendMessageParams) (*models.Message, error) {
	b.sent = append(b.sent, sentMessage{chatID: params.ChatID, text: params.Text, markup: params.ReplyMarkup})
	b.nextID++
	return &models.Message{ID: 1000 + b.nextID}, nil
}

func (b *testBot) SendPhoto(ctx context.Context, params *tg.SendPhotoParams) (*models.Message, error) {
	b.photos = append(b.photos, params)
	return &models.Message{ID: 2000}, nil
}

func (b *testBot) EditMessageText(ctx context.Context, params *tg.EditMessageTextParams) (*models.Message, error) {
	if b.editErr != nil {
		return nil, b.editErr
	}
	b.edits = append(b.edits, params.Text)
	return &models.Message{ID: params.MessageID}, nil
}

func (b *testBot) EditMessageCaption(ctx context.Context, params *tg.EditMessageCaptionParams) (*models.Message, error) {
	b.captions = append(b.captions, params.Caption)
	return &models.Message{ID: params.MessageID}, nil
}

func (b *testBot) AnswerCallbackQuery(ctx context.Context, params *tg.AnswerCallbackQueryParams) (bool, error) {
	b.answers = append(b.answers, params)
	return true, nil
}

func (b *testBot) GetFile(ctx context.Context, params *tg.GetFileParams) (*models.File, error) {
	return &models.File{FileID: params.FileID, FilePath: "photos/" + params.FileID}, nil
}

func (b *testBot) FileDownloadLink(file *models.File) string {
	return "http://example.com/" + file.FilePath
}

func (b *testBot) GetChat(ctx context.Context, params *tg.GetChatParams) (*models.ChatFullInfo, error) {
	return &models.ChatFullInfo{Title: "News", Username: "news"}, nil
}

func (b *testBot) GetChatMember(ctx context.Context, params *tg.GetChatMemberParams) (*models.ChatMember, error) {
	if b.memberErr != nil {
		return nil, b.memberErr
	}
	return &models.ChatMember{Type: b.member}, nil
}

func (b *testBot) lastText() string {
	if len(b.sent) == 0 {
		return ""
	}
	return b.sent[len(b.sent)-1].text
}

func (b *testBot) lastEdit() string {
	if len(b.edits) == 0 {
		return ""
	}
	return b.edits[len(b.edits)-1]
}

func (b *testBot) lastAnswer() string {
	if len(b.answers) == 0 {
		return ""
	}
	return b.answers[len(b.answers)-1].Text
}

type fakeAI struct {
	calls []completion.Request
	reply string
	err   error
}

func (f *fakeAI) Complete(ctx context.Context, req completion.Request) (string, error) {
	f.calls = append(f.calls, req)
	return f.reply, f.err
}

type fixture struct {
	h   *Handler
	st  *state.State
	b   *testBot
	ai  *fakeAI
	qc  *quota.Counter
	cat domain.Catalog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logging.InitWriter(io.Discard, "error")
	st, err := state.New(storage.NewMemStore(), state.Options{BootstrapAdmin: adminID, FreeTierModel: "M1", FreeTierLimit: 2})
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	cat := domain.NewCatalog([]string{"V1"}, []string{"M1", "M2"})
	b := &testBot{member: models.ChatMemberTypeMember}
	ai := &fakeAI{reply: "answer"}
	qc := quota.New(st)
	h := New(Config{
		State:       st,
		Engine:      entitlement.New(st, qc, cat),
		Quota:       qc,
		Flow:        provision.New(st, cat),
		Gate:        gate.New(st, Membership{API: b}),
		AI:          ai,
		Catalog:     cat,
		PaymentCard: "1234-5678",
	})
	h.now = func() time.Time { return testNow }
	return &fixture{h: h, st: st, b: b, ai: ai, qc: qc, cat: cat}
}

func textMsg(from int64, text string) *models.Update {
	return &models.Update{Message: &models.Message{
		ID:   1,
		Text: text,
		Chat: models.Chat{ID: from},
		From: &models.User{ID: from, FirstName: "Bob"},
	}}
}

func photoMsg(from int64, caption string) *models.Update {
	return &models.Update{Message: &models.Message{
		ID:      2,
		Caption: caption,
		Photo:   []models.PhotoSize{{FileID: "small"}, {FileID: "big"}},
		Chat:    models.Chat{ID: from},
		From:    &models.User{ID: from, FirstName: "Bob"},
	}}
}

func command(from int64, cmd string) *models.Update {
	upd := textMsg(from, cmd)
	upd.Message.Entities = []models.MessageEntity{{Type: models.MessageEntityTypeBotCommand, Offset: 0, Length: len(cmd)}}
	return upd
}

func callback(from int64, data string) *models.Update {
	return &models.Update{CallbackQuery: &models.CallbackQuery{
		ID:   "cq",
		From: models.User{ID: from},
		Data: data,
		Message: models.MaybeInaccessibleMessage{
			Message: &models.Message{ID: 50, Chat: models.Chat{ID: from}, Caption: "New plan purchase!"},
		},
	}}
}

func (f *fixture) do(upd *models.Update) {
	f.h.HandleUpdate(context.Background(), f.b, upd)
}

func (f *fixture) selectModel(t *testing.T, user int64, model string) {
	t.Helper()
	i := f.cat.Index(model)
	if i < 0 {
		t.Fatalf("model %s not in catalog", model)
	}
	f.do(callback(user, cbModel+strconv.Itoa(i)))
	if got := f.st.User(user).SelectedModel; got != model {
		t.Fatalf("selected model = %q, want %q (answer %q)", got, model, f.b.lastAnswer())
	}
}

func TestParseCommand(t *testing.T) {
	msg := command(1, "/start@PlanBot").Message
	cmd, args, ok := parseCommand(msg)
	if !ok || cmd != "start" || args != "" {
		t.Fatalf("parseCommand = %q %q %v", cmd, args, ok)
	}
	if _, _, ok := parseCommand(textMsg(1, "hello").Message); ok {
		t.Fatal("plain text parsed as command")
	}
}

func TestSplitMessage(t *testing.T) {
	parts := splitMessage("abcdef", 2)
	expected := []string{"ab", "cd", "ef"}
	if !reflect.DeepEqual(parts, expected) {
		t.Fatalf("splitMessage got %v want %v", parts, expected)
	}
	if got := splitMessage("", 5); !reflect.DeepEqual(got, []string{""}) {
		t.Fatalf("splitMessage empty got %v", got)
	}
}

func TestIsNotModified(t *testing.T) {
	if !isNotModified(errors.New("bad request, Bad Request: message is not modified: specified new message content")) {
		t.Fatal("expected not-modified error to match")
	}
	if isNotModified(errors.New("chat not found")) {
		t.Fatal("unexpected match")
	}
}

func TestStartShowsAdminPanelOnlyToAdmins(t *testing.T) {
	f := newFixture(t)
	f.do(command(adminID, "/start"))
	kb := f.b.sent[0].markup.(*models.InlineKeyboardMarkup).InlineKeyboard
	if kb[0][0].CallbackData != cbAdmin {
		t.Fatalf("admin menu missing admin panel: %+v", kb)
	}

	f.do(command(userID, "/start"))
	kb = f.b.sent[1].markup.(*models.InlineKeyboardMarkup).InlineKeyboard
	for _, row := range kb {
		if row[0].CallbackData == cbAdmin {
			t.Fatal("non-admin sees admin panel")
		}
	}
}

func TestMessageWithoutModel(t *testing.T) {
	f := newFixture(t)
	f.do(textMsg(userID, "hi"))
	if f.b.lastText() != txtChooseModelHint {
		t.Fatalf("got %q", f.b.lastText())
	}
	if len(f.ai.calls) != 0 {
		t.Fatal("completion called without a model")
	}
}

func TestFreeTierQuotaEndToEnd(t *testing.T) {
	f := newFixture(t)
	f.selectModel(t, userID, "M1")

	for i := 0; i < 3; i++ {
		f.do(textMsg(userID, "question"))
	}
	if len(f.ai.calls) != 2 {
		t.Fatalf("completion calls = %d, want 2", len(f.ai.calls))
	}
	if f.b.lastText() != txtQuotaExceeded {
		t.Fatalf("third message got %q", f.b.lastText())
	}
	if got := f.qc.CountToday(userID, testNow); got != 2 {
		t.Fatalf("count = %d, want 2", got)
	}
	if f.b.lastEdit() != "answer" {
		t.Fatalf("processing message not replaced: %q", f.b.lastEdit())
	}
	if f.ai.calls[0].Model != "M1" || f.ai.calls[0].Text != "question" || f.ai.calls[0].Image != nil {
		t.Fatalf("unexpected request %+v", f.ai.calls[0])
	}
}

func TestAdminHasNoQuota(t *testing.T) {
	f := newFixture(t)
	f.selectModel(t, adminID, "M2")
	for i := 0; i < 5; i++ {
		f.do(textMsg(adminID, "q"))
	}
	if len(f.ai.calls) != 5 {
		t.Fatalf("completion calls = %d, want 5", len(f.ai.calls))
	}
}

func TestCompletionFailureDoesNotCount(t *testing.T) {
	f := newFixture(t)
	f.selectModel(t, userID, "M1")

	f.ai.err = errors.New("boom")
	f.do(textMsg(userID, "q"))
	if !strings.Contains(f.b.lastEdit(), "boom") {
		t.Fatalf("error not shown: %q", f.b.lastEdit())
	}

	f.ai.err = completion.ErrUnavailable
	f.do(textMsg(userID, "q"))
	if f.b.lastEdit() != txtUnavailable {
		t.Fatalf("got %q", f.b.lastEdit())
	}
	if got := f.qc.CountToday(userID, testNow); got != 0 {
		t.Fatalf("failed calls counted: %d", got)
	}
}

func TestEditNotModifiedIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.b.editErr = errors.New("Bad Request: message is not modified")
	f.do(callback(userID, cbStatus))
	if f.b.lastAnswer() != "" {
		t.Fatalf("unexpected answer %q", f.b.lastAnswer())
	}
}

func TestLockedModel(t *testing.T) {
	f := newFixture(t)
	f.do(callback(userID, cbModel+strconv.Itoa(f.cat.Index("M2"))))
	if f.b.lastAnswer() != txtLockedModel {
		t.Fatalf("got %q", f.b.lastAnswer())
	}
	if f.st.User(userID).SelectedModel != "" {
		t.Fatal("locked model was selected")
	}
}

func TestSelectedModelRevalidated(t *testing.T) {
	f := newFixture(t)
	f.st.PutPlan(domain.Plan{ID: "1", Name: "Gold", DurationDays: 1, DailyLimit: domain.Unlimited, AllowedModels: []string{"M2"}})
	expiry := testNow.Add(time.Hour)
	f.st.UpdateUser(userID, func(u *domain.User) { u.Plan = "1"; u.PlanExpiry = &expiry })
	f.selectModel(t, userID, "M2")

	f.h.now = func() time.Time { return expiry }
	f.do(textMsg(userID, "q"))
	if len(f.ai.calls) != 0 {
		t.Fatal("expired plan model was used")
	}
	if !strings.Contains(f.b.lastText(), "does not include M2") {
		t.Fatalf("got %q", f.b.lastText())
	}
}

func TestVisionModel(t *testing.T) {
	f := newFixture(t)
	if err := f.h.flow.SetFreeTierModel("V1"); err != nil {
		t.Fatalf("set free model: %v", err)
	}
	f.selectModel(t, userID, "V1")

	f.do(textMsg(userID, "hello"))
	f.do(textMsg(userID, "hello again"))
	nudges := 0
	for _, m := range f.b.sent {
		if m.text == txtVisionNudge {
			nudges++
		}
	}
	if nudges != 1 {
		t.Fatalf("nudges = %d, want 1", nudges)
	}
	if !f.st.Settings().VisionWarningSent[userID] {
		t.Fatal("nudge flag not stored")
	}

	var fetched string
	orig := httpGetFunc
	httpGetFunc = func(url string) (*http.Response, error) {
		fetched = url
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader("jpeg"))}, nil
	}
	defer func() { httpGetFunc = orig }()

	f.do(photoMsg(userID, ""))
	if len(f.ai.calls) != 1 {
		t.Fatalf("completion calls = %d", len(f.ai.calls))
	}
	req := f.ai.calls[0]
	if req.Text != txtDefaultPrompt || string(req.Image) != "jpeg" || req.Model != "V1" {
		t.Fatalf("unexpected request %+v", req)
	}
	if fetched != "http://example.com/photos/big" {
		t.Fatalf("downloaded %q, want largest photo", fetched)
	}
	if got := f.qc.CountToday(userID, testNow); got != 1 {
		t.Fatalf("count = %d", got)
	}

	f.selectModel(t, userID, "V1")
	if f.st.Settings().VisionWarningSent[userID] {
		t.Fatal("selecting a model should reset the nudge")
	}
}

func TestTextModelRejectsPhoto(t *testing.T) {
	f := newFixture(t)
	f.selectModel(t, userID, "M1")
	f.do(photoMsg(userID, "what"))
	if f.b.lastText() != txtTextOnly {
		t.Fatalf("got %q", f.b.lastText())
	}
	if len(f.ai.calls) != 0 {
		t.Fatal("completion called for photo on text model")
	}
}

func TestForceSubscribe(t *testing.T) {
	f := newFixture(t)
	f.st.AddChannel(-100123)
	f.h.flow.ToggleForceSubscribe()
	f.b.member = models.ChatMemberTypeLeft

	f.do(textMsg(userID, "hi"))
	if f.b.lastText() != txtJoinChannels {
		t.Fatalf("got %q", f.b.lastText())
	}
	kb := f.b.sent[len(f.b.sent)-1].markup.(*models.InlineKeyboardMarkup).InlineKeyboard
	if kb[0][0].URL != "https://t.me/news" || kb[len(kb)-1][0].CallbackData != cbCheckSub {
		t.Fatalf("unexpected join keyboard %+v", kb)
	}

	f.do(callback(userID, cbStatus))
	if f.b.lastAnswer() != txtJoinFirst {
		t.Fatalf("callback not gated: %q", f.b.lastAnswer())
	}

	f.do(command(adminID, "/start"))
	if f.b.lastText() != txtWelcome {
		t.Fatalf("admin was gated: %q", f.b.lastText())
	}

	f.b.member = models.ChatMemberTypeMember
	f.do(callback(userID, cbCheckSub))
	if f.b.lastEdit() != txtWelcome {
		t.Fatalf("member not admitted: %q", f.b.lastEdit())
	}
}

func TestAdminCallbacksRequireAdmin(t *testing.T) {
	f := newFixture(t)
	f.do(callback(userID, cbPlanAdd))
	if f.b.lastAnswer() != txtNotPermitted {
		t.Fatalf("got %q", f.b.lastAnswer())
	}
	if f.h.flow.Session(userID) != nil {
		t.Fatal("session started for non-admin")
	}
}

func TestPlanWizard(t *testing.T) {
	f := newFixture(t)
	f.do(callback(adminID, cbPlanAdd))
	f.do(textMsg(adminID, "Gold"))
	f.do(textMsg(adminID, "abc"))
	if !strings.Contains(f.b.lastText(), "whole number") {
		t.Fatalf("non-integer not rejected: %q", f.b.lastText())
	}
	f.do(textMsg(adminID, "100"))
	f.do(textMsg(adminID, "30"))
	f.do(textMsg(adminID, "0"))
	f.do(callback(adminID, cbPlanModel+strconv.Itoa(f.cat.Index("V1"))))
	f.do(callback(adminID, cbPlanSave))

	p, ok := f.st.Plan("1")
	if !ok {
		t.Fatalf("plan not stored; last answer %q", f.b.lastAnswer())
	}
	if p.Name != "Gold" || p.Price != 100 || p.DurationDays != 30 || !p.DailyLimit.IsUnlimited() || !reflect.DeepEqual(p.AllowedModels, []string{"V1"}) {
		t.Fatalf("unexpected plan %+v", p)
	}
	if f.h.flow.Session(adminID) != nil {
		t.Fatal("wizard still open")
	}
}

func TestAdminManagementThroughHandler(t *testing.T) {
	f := newFixture(t)
	f.do(callback(adminID, cbAdminAdd))
	f.do(textMsg(adminID, "55"))
	if !f.st.IsAdmin(55) {
		t.Fatal("admin not added")
	}
	f.do(callback(adminID, cbAdminRm))
	f.do(textMsg(adminID, "100"))
	if !strings.Contains(f.b.lastText(), "cannot be removed") || !f.st.IsAdmin(adminID) {
		t.Fatalf("bootstrap admin not protected: %q", f.b.lastText())
	}
}

func TestPurchaseFlow(t *testing.T) {
	f := newFixture(t)
	f.st.PutPlan(domain.Plan{ID: "1", Name: "Gold", Price: 100, DurationDays: 30, DailyLimit: 20, AllowedModels: []string{"M2"}})

	f.do(callback(userID, cbBuyPlan+"1"))
	if !strings.Contains(f.b.lastEdit(), "1234-5678") {
		t.Fatalf("card number missing: %q", f.b.lastEdit())
	}
	f.do(textMsg(userID, "paid"))
	if f.b.lastText() != txtSendReceipt {
		t.Fatalf("got %q", f.b.lastText())
	}
	f.do(photoMsg(userID, ""))
	if f.b.lastText() != txtReceiptReceived {
		t.Fatalf("got %q", f.b.lastText())
	}
	if len(f.b.photos) != 1 || f.b.photos[0].ChatID != adminID {
		t.Fatalf("receipt not forwarded to admin: %+v", f.b.photos)
	}
	kb := f.b.photos[0].ReplyMarkup.(*models.InlineKeyboardMarkup).InlineKeyboard
	approve := kb[0][0].CallbackData
	if !strings.HasPrefix(approve, cbApprove) || len(approve) > 64 {
		t.Fatalf("bad approve payload %q", approve)
	}

	f.do(callback(adminID, approve))
	u := f.st.User(userID)
	if u.Plan != "1" || u.PlanExpiry == nil || !u.PlanExpiry.Equal(testNow.AddDate(0, 0, 30)) {
		t.Fatalf("plan not granted: %+v", u)
	}
	if len(f.b.captions) != 1 || !strings.Contains(f.b.captions[0], "Approved") {
		t.Fatalf("caption not updated: %v", f.b.captions)
	}

	f.do(callback(adminID, approve))
	if !strings.Contains(f.b.lastAnswer(), "already handled") {
		t.Fatalf("second approval not refused: %q", f.b.lastAnswer())
	}
}

func TestMembershipTypes(t *testing.T) {
	b := &testBot{}
	m := Membership{API: b}
	for typ, want := range map[models.ChatMemberType]bool{
		models.ChatMemberTypeOwner:         true,
		models.ChatMemberTypeAdministrator: true,
		models.ChatMemberTypeMember:        true,
		models.ChatMemberTypeLeft:          false,
		models.ChatMemberTypeBanned:        false,
	} {
		b.member = typ
		got, err := m.IsMember(context.Background(), -1, 1)
		if err != nil || got != want {
			t.Fatalf("%s: got %v %v, want %v", typ, got, err, want)
		}
	}
	b.memberErr = errors.New("chat not found")
	if _, err := m.IsMember(context.Background(), -1, 1); err == nil {
		t.Fatal("expected error")
	}
}
