// Package gate admits or rejects inbound interactions before any other
// processing, based on admin status and forced channel subscription.
package gate

import (
	"context"

	"telegram-plan-bot/internal/logging"
)

// Source is the read side of the store the gate consults.
type Source interface {
	IsAdmin(userID int64) bool
	ForceSubscribe() (enabled bool, channels []int64)
}

// MembershipChecker asks the messaging platform whether userID is a member,
// creator or administrator of channelID.
type MembershipChecker interface {
	IsMember(ctx context.Context, channelID, userID int64) (bool, error)
}

// Decision is the outcome of Authorize. When Admitted is false, JoinChannels
// lists the channels the user must join.
type Decision struct {
	Admitted     bool
	JoinChannels []int64
}

// Gate composes admin bypass with the forced-subscription check.
type Gate struct {
	src     Source
	members MembershipChecker
}

// New builds a Gate.
func New(src Source, members MembershipChecker) *Gate {
	return &Gate{src: src, members: members}
}

// Authorize decides whether userID may use the bot. A failed membership
// lookup counts as non-membership.
func (g *Gate) Authorize(ctx context.Context, userID int64) Decision {
	if g.src.IsAdmin(userID) {
		return Decision{Admitted: true}
	}
	enabled, channels := g.src.ForceSubscribe()
	if !enabled || len(channels) == 0 {
		return Decision{Admitted: true}
	}
	for _, ch := range channels {
		ok, err := g.members.IsMember(ctx, ch, userID)
		if err != nil {
			logging.Ctx(ctx).Warn().Err(err).Int64("channel_id", ch).Msg("subscription check failed")
		}
		if err != nil || !ok {
			return Decision{Admitted: false, JoinChannels: channels}
		}
	}
	return Decision{Admitted: true}
}
