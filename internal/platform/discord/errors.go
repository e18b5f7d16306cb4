package discord

import (
	"errors"
	"net/http"

	"github.com/bwmarrin/discordgo"

	"modguard/internal/moderation"
)

// platformError classifies a discordgo failure. Unknown member, ban, message
// or channel all mean the target state already holds.
func platformError(op string, err error) error {
	if err == nil {
		return nil
	}
	return moderation.NewPlatformError(op, outcome(err), err)
}

func outcome(err error) moderation.Outcome {
	var re *discordgo.RESTError
	if !errors.As(err, &re) {
		return moderation.OutcomeFailed
	}
	if re.Message != nil {
		switch re.Message.Code {
		case discordgo.ErrCodeUnknownMember,
			discordgo.ErrCodeUnknownBan,
			discordgo.ErrCodeUnknownMessage,
			discordgo.ErrCodeUnknownChannel,
			discordgo.ErrCodeUnknownUser:
			return moderation.OutcomeNotFound
		case discordgo.ErrCodeMissingPermissions:
			return moderation.OutcomeForbidden
		case discordgo.ErrCodeCannotSendMessagesToThisUser:
			return moderation.OutcomeBlocked
		}
	}
	if re.Response != nil {
		switch re.Response.StatusCode {
		case http.StatusNotFound:
			return moderation.OutcomeNotFound
		case http.StatusForbidden:
			return moderation.OutcomeForbidden
		}
	}
	return moderation.OutcomeFailed
}
