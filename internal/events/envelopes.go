package events

import (
	"encoding/json"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	apperrors "github.com/omnichannel-hub/session-queue/pkg/util/errorutil"
)

// MessageKey identifies a platform-native message.
type MessageKey struct {
	RemoteJID string `json:"remoteJid" validate:"required"`
	FromMe    bool   `json:"fromMe"`
	ID        string `json:"id" validate:"required"`
}

// InboundEvent is one platform-native message delivered by the broker or webhook.
type InboundEvent struct {
	Platform          string          `json:"platform" validate:"required"`
	InstanceID        string          `json:"instanceId" validate:"required"`
	MessageKey        MessageKey      `json:"messageKey"`
	SenderDisplayName string          `json:"senderDisplayName"`
	RawMessagePayload json.RawMessage `json:"rawMessagePayload" validate:"required"`
	// Timestamp is unix seconds; zero means "when received".
	Timestamp int64 `json:"timestamp" validate:"gte=0"`
}

// SentAt converts the event timestamp, falling back to now.
func (e *InboundEvent) SentAt(now time.Time) time.Time {
	if e.Timestamp <= 0 {
		return now.UTC()
	}
	return time.Unix(e.Timestamp, 0).UTC()
}

// StatusEvent is a delivery or read acknowledgement for a message.
type StatusEvent struct {
	Platform           string `json:"platform"`
	InstanceID         string `json:"instanceId"`
	MessageID          string `json:"messageId" validate:"required"`
	ExternalStatusCode string `json:"externalStatusCode" validate:"required"`
}

// UnmarshalJSON accepts numeric or string status codes.
func (e *StatusEvent) UnmarshalJSON(data []byte) error {
	type alias StatusEvent
	var raw struct {
		alias
		ExternalStatusCode json.RawMessage `json:"externalStatusCode"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = StatusEvent(raw.alias)
	code := strings.TrimSpace(string(raw.ExternalStatusCode))
	if code == "null" {
		code = ""
	}
	e.ExternalStatusCode = strings.Trim(code, `"`)
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// DecodeInbound parses and validates an inbound event body.
func DecodeInbound(body []byte) (*InboundEvent, error) {
	var evt InboundEvent
	if err := decode(body, &evt); err != nil {
		return nil, err
	}
	return &evt, nil
}

// DecodeStatus parses and validates a status event body.
func DecodeStatus(body []byte) (*StatusEvent, error) {
	var evt StatusEvent
	if err := decode(body, &evt); err != nil {
		return nil, err
	}
	return &evt, nil
}

func decode(body []byte, target any) error {
	if err := json.Unmarshal(body, target); err != nil {
		return apperrors.NewValidationError("malformed event body", map[string]any{"reason": err.Error()})
	}
	return Validate(target)
}

// Validate checks struct tags and reports failures as a validation error with per-field details.
func Validate(target any) error {
	err := validate.Struct(target)
	if err == nil {
		return nil
	}
	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return apperrors.NewValidationError("invalid event", map[string]any{"reason": err.Error()})
	}
	fields := make(map[string]any, len(validationErrors))
	for _, fe := range validationErrors {
		fields[fe.Namespace()] = fe.Tag()
	}
	return apperrors.NewValidationError("invalid event", map[string]any{"fields": fields})
}
