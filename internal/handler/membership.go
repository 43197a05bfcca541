package handler

import (
	"context"

	tg "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// Membership answers gate.MembershipChecker through the Bot API.
type Membership struct {
	API interface {
		GetChatMember(ctx context.Context, params *tg.GetChatMemberParams) (*models.ChatMember, error)
	}
}

// IsMember reports whether userID is a member, administrator or creator of
// channelID.
func (m Membership) IsMember(ctx context.Context, channelID, userID int64) (bool, error) {
	cm, err := m.API.GetChatMember(ctx, &tg.GetChatMemberParams{ChatID: channelID, UserID: userID})
	if err != nil {
		return false, err
	}
	switch cm.Type {
	case models.ChatMemberTypeOwner, models.ChatMemberTypeAdministrator, models.ChatMemberTypeMember:
		return true, nil
	}
	return false, nil
}
