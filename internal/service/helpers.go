package service

import (
	"github.com/google/uuid"

	"github.com/omnichannel-hub/session-queue/internal/domain"
	"github.com/omnichannel-hub/session-queue/internal/events"
)

const previewLength = 120

func newID() string {
	return uuid.NewString()
}

var messageNamespace = uuid.MustParse("6f1c3c2e-8d4b-5a7e-9b21-4c0f2d8e7a13")

// messageRecordID names the stored record of a platform message. Redeliveries of the same
// event resolve to the same id in both stores.
func messageRecordID(platform domain.Platform, messageID string) string {
	return uuid.NewSHA1(messageNamespace, []byte(string(platform)+":"+messageID)).String()
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func messageStoredPayload(msg *domain.CanonicalMessage) events.MessageStoredPayload {
	return events.MessageStoredPayload{
		MessageID:   msg.MessageID,
		Type:        msg.Type,
		SenderType:  msg.SenderType,
		Status:      msg.Status,
		BodyPreview: preview(derefString(msg.Body)),
	}
}

func preview(body string) string {
	runes := []rune(body)
	if len(runes) <= previewLength {
		return body
	}
	return string(runes[:previewLength]) + "…"
}

func userActor(userID *string) events.Actor {
	return events.Actor{Type: domain.ActorUser, UserID: userID}
}
