package mapper

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/omnichannel-hub/session-queue/internal/domain"
	apperrors "github.com/omnichannel-hub/session-queue/pkg/util/errorutil"
)

// WhatsAppMapper maps gateway message payloads ({"conversation": "..."},
// {"imageMessage": {...}}, ...). When a payload carries several message
// kinds the first one in this order wins: text, image, video, audio,
// document, location, contact, sticker; anything else is OTHER.
type WhatsAppMapper struct{}

// NewWhatsAppMapper returns the WhatsApp mapper.
func NewWhatsAppMapper() *WhatsAppMapper {
	return &WhatsAppMapper{}
}

func (m *WhatsAppMapper) Platform() domain.Platform {
	return domain.PlatformWhatsApp
}

func (m *WhatsAppMapper) Map(raw json.RawMessage) (*Draft, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, apperrors.NewValidationError("whatsapp payload must be a JSON object", nil)
	}

	var payload waPayload
	if err := json.Unmarshal(trimmed, &payload); err != nil {
		return nil, apperrors.NewValidationError("malformed whatsapp payload", map[string]any{"error": err.Error()})
	}

	c := payload.classify()
	metadata := make(json.RawMessage, len(raw))
	copy(metadata, raw)

	return &Draft{
		Type:             c.messageType(),
		Body:             c.text(),
		MediaRef:         c.mediaRef(),
		ReplyToMessageID: c.replyTo(),
		Metadata:         metadata,
	}, nil
}

type waContextInfo struct {
	StanzaID string `json:"stanzaId"`
}

type waExtendedText struct {
	Text        string         `json:"text"`
	ContextInfo *waContextInfo `json:"contextInfo"`
}

type waMedia struct {
	URL         string         `json:"url"`
	Caption     string         `json:"caption"`
	Mimetype    string         `json:"mimetype"`
	FileName    string         `json:"fileName"`
	ContextInfo *waContextInfo `json:"contextInfo"`
}

type waLocation struct {
	DegreesLatitude  float64        `json:"degreesLatitude"`
	DegreesLongitude float64        `json:"degreesLongitude"`
	Name             string         `json:"name"`
	Address          string         `json:"address"`
	ContextInfo      *waContextInfo `json:"contextInfo"`
}

type waContact struct {
	DisplayName string         `json:"displayName"`
	Vcard       string         `json:"vcard"`
	ContextInfo *waContextInfo `json:"contextInfo"`
}

type waPayload struct {
	Conversation        *string         `json:"conversation"`
	ExtendedTextMessage *waExtendedText `json:"extendedTextMessage"`
	ImageMessage        *waMedia        `json:"imageMessage"`
	VideoMessage        *waMedia        `json:"videoMessage"`
	AudioMessage        *waMedia        `json:"audioMessage"`
	DocumentMessage     *waMedia        `json:"documentMessage"`
	LocationMessage     *waLocation     `json:"locationMessage"`
	ContactMessage      *waContact      `json:"contactMessage"`
	StickerMessage      *waMedia        `json:"stickerMessage"`
	// MediaURL is set by gateways that upload media before publishing.
	MediaURL string `json:"mediaUrl"`
}

// content is the closed set of payload shapes. Every variant answers all
// projections, so adding a shape forces its type, text and media handling.
type content interface {
	messageType() domain.MessageType
	text() *string
	mediaRef() *string
	replyTo() *string
}

func (p *waPayload) classify() content {
	switch {
	case p.Conversation != nil:
		return textContent{body: *p.Conversation}
	case p.ExtendedTextMessage != nil:
		return textContent{body: p.ExtendedTextMessage.Text, ctx: p.ExtendedTextMessage.ContextInfo}
	case p.ImageMessage != nil:
		return mediaContent{kind: domain.MessageTypeImage, media: p.ImageMessage, fallbackURL: p.MediaURL}
	case p.VideoMessage != nil:
		return mediaContent{kind: domain.MessageTypeVideo, media: p.VideoMessage, fallbackURL: p.MediaURL}
	case p.AudioMessage != nil:
		return mediaContent{kind: domain.MessageTypeAudio, media: p.AudioMessage, fallbackURL: p.MediaURL}
	case p.DocumentMessage != nil:
		return mediaContent{kind: domain.MessageTypeDocument, media: p.DocumentMessage, fallbackURL: p.MediaURL}
	case p.LocationMessage != nil:
		return locationContent{loc: p.LocationMessage}
	case p.ContactMessage != nil:
		return contactContent{contact: p.ContactMessage}
	case p.StickerMessage != nil:
		return mediaContent{kind: domain.MessageTypeSticker, media: p.StickerMessage, fallbackURL: p.MediaURL}
	default:
		return otherContent{}
	}
}

type textContent struct {
	body string
	ctx  *waContextInfo
}

func (c textContent) messageType() domain.MessageType { return domain.MessageTypeText }
func (c textContent) text() *string                   { return &c.body }
func (c textContent) mediaRef() *string               { return nil }
func (c textContent) replyTo() *string                { return stanza(c.ctx) }

type mediaContent struct {
	kind        domain.MessageType
	media       *waMedia
	fallbackURL string
}

func (c mediaContent) messageType() domain.MessageType { return c.kind }

func (c mediaContent) text() *string {
	switch {
	case c.media.Caption != "":
		return nonEmpty(c.media.Caption)
	case c.kind == domain.MessageTypeDocument:
		return nonEmpty(c.media.FileName)
	}
	return nil
}

func (c mediaContent) mediaRef() *string {
	if c.media.URL != "" {
		return nonEmpty(c.media.URL)
	}
	return nonEmpty(c.fallbackURL)
}

func (c mediaContent) replyTo() *string { return stanza(c.media.ContextInfo) }

type locationContent struct {
	loc *waLocation
}

func (c locationContent) messageType() domain.MessageType { return domain.MessageTypeLocation }

func (c locationContent) text() *string {
	parts := make([]string, 0, 2)
	for _, s := range []string{c.loc.Name, c.loc.Address} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) > 0 {
		return nonEmpty(strings.Join(parts, " - "))
	}
	return nonEmpty(fmt.Sprintf("%f,%f", c.loc.DegreesLatitude, c.loc.DegreesLongitude))
}

func (c locationContent) mediaRef() *string { return nil }
func (c locationContent) replyTo() *string  { return stanza(c.loc.ContextInfo) }

type contactContent struct {
	contact *waContact
}

func (c contactContent) messageType() domain.MessageType { return domain.MessageTypeContact }
func (c contactContent) text() *string                   { return nonEmpty(c.contact.DisplayName) }
func (c contactContent) mediaRef() *string               { return nil }
func (c contactContent) replyTo() *string                { return stanza(c.contact.ContextInfo) }

type otherContent struct{}

func (otherContent) messageType() domain.MessageType { return domain.MessageTypeOther }
func (otherContent) text() *string                   { return nil }
func (otherContent) mediaRef() *string               { return nil }
func (otherContent) replyTo() *string                { return nil }

func stanza(ctx *waContextInfo) *string {
	if ctx == nil {
		return nil
	}
	return nonEmpty(ctx.StanzaID)
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
