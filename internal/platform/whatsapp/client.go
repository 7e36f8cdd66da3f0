// Package whatsapp implements the platform adapter on top of a WhatsApp HTTP gateway.
package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/omnichannel-hub/session-queue/internal/config"
	"github.com/omnichannel-hub/session-queue/internal/domain"
	"github.com/omnichannel-hub/session-queue/internal/platform"
	apperrors "github.com/omnichannel-hub/session-queue/pkg/util/errorutil"
)

const (
	endpointSendText    = "/message/sendText/%s"
	endpointSendMedia   = "/message/sendMedia/%s"
	endpointSendSticker = "/message/sendSticker/%s"
	endpointProfile     = "/chat/fetchProfile/%s"
)

// Client sends messages and reads profiles through the gateway. Safe for concurrent use.
type Client struct {
	http   *resty.Client
	logger *zap.Logger
}

// NewClient configures a gateway client.
func NewClient(cfg config.WhatsAppConfig, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("whatsapp gateway base URL cannot be empty")
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetTimeout(timeout)
	if cfg.APIKey != "" {
		httpClient.SetHeader("apikey", cfg.APIKey)
	}

	logger.Info("whatsapp gateway client configured", zap.String("base_url", cfg.BaseURL))
	return &Client{http: httpClient, logger: logger}, nil
}

// Platform implements platform.Adapter.
func (c *Client) Platform() domain.Platform {
	return domain.PlatformWhatsApp
}

type quoted struct {
	Key struct {
		ID string `json:"id"`
	} `json:"key"`
}

type sendTextRequest struct {
	Number string  `json:"number"`
	Text   string  `json:"text"`
	Quoted *quoted `json:"quoted,omitempty"`
}

type sendMediaRequest struct {
	Number    string  `json:"number"`
	MediaType string  `json:"mediatype"`
	Media     string  `json:"media"`
	Caption   string  `json:"caption,omitempty"`
	Quoted    *quoted `json:"quoted,omitempty"`
}

type sendStickerRequest struct {
	Number  string `json:"number"`
	Sticker string `json:"sticker"`
}

type sendResponse struct {
	Key struct {
		RemoteJID string `json:"remoteJid"`
		FromMe    bool   `json:"fromMe"`
		ID        string `json:"id"`
	} `json:"key"`
	Status string `json:"status"`
}

// SendMessage implements platform.Adapter.
func (c *Client) SendMessage(ctx context.Context, payload platform.SendPayload) (*platform.SendResult, error) {
	path, body, err := buildSendRequest(payload)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		Post(path)
	if err != nil {
		c.logger.Warn("whatsapp send request failed",
			zap.String("instance_id", payload.InstanceID),
			zap.Error(err),
		)
		return &platform.SendResult{Success: false, Error: err.Error()}, nil
	}

	raw := rawJSON(resp.Body())
	if resp.IsError() {
		c.logger.Warn("whatsapp send rejected",
			zap.String("instance_id", payload.InstanceID),
			zap.Int("status_code", resp.StatusCode()),
		)
		return &platform.SendResult{
			Success:  false,
			Response: raw,
			Error:    fmt.Sprintf("gateway returned %s", resp.Status()),
		}, nil
	}

	var decoded sendResponse
	if err := json.Unmarshal(resp.Body(), &decoded); err != nil {
		return &platform.SendResult{Success: true, Response: raw}, nil
	}
	return &platform.SendResult{Success: true, MessageID: decoded.Key.ID, Response: raw}, nil
}

type profileRequest struct {
	Number string `json:"number"`
}

type profileResponse struct {
	Name    string `json:"name"`
	Picture string `json:"picture"`
}

// FetchProfile implements platform.Adapter.
func (c *Client) FetchProfile(ctx context.Context, instanceID, platformID string) (*platform.Profile, error) {
	var result profileResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(profileRequest{Number: platformID}).
		SetResult(&result).
		Post(fmt.Sprintf(endpointProfile, instanceID))
	if err != nil {
		return nil, apperrors.NewTransient("fetch whatsapp profile", err)
	}
	if resp.IsError() {
		if resp.StatusCode() >= 500 {
			return nil, apperrors.NewTransient(fmt.Sprintf("fetch whatsapp profile: %s", resp.Status()), nil)
		}
		return nil, apperrors.NewNotFound("whatsapp profile", map[string]any{"platform_id": platformID})
	}

	profile := &platform.Profile{}
	if result.Name != "" {
		profile.DisplayName = &result.Name
	}
	if result.Picture != "" {
		profile.PictureURL = &result.Picture
	}
	return profile, nil
}

func buildSendRequest(payload platform.SendPayload) (string, any, error) {
	var reply *quoted
	if payload.ReplyToMessageID != nil && *payload.ReplyToMessageID != "" {
		reply = &quoted{}
		reply.Key.ID = *payload.ReplyToMessageID
	}

	switch payload.Type {
	case domain.MessageTypeText, "":
		if payload.Body == nil || *payload.Body == "" {
			return "", nil, apperrors.NewValidationError("text message requires a body", nil)
		}
		return fmt.Sprintf(endpointSendText, payload.InstanceID),
			sendTextRequest{Number: payload.Recipient, Text: *payload.Body, Quoted: reply}, nil
	case domain.MessageTypeImage, domain.MessageTypeVideo, domain.MessageTypeAudio, domain.MessageTypeDocument:
		if payload.MediaRef == nil || *payload.MediaRef == "" {
			return "", nil, apperrors.NewValidationError("media message requires a media reference", nil)
		}
		req := sendMediaRequest{
			Number:    payload.Recipient,
			MediaType: strings.ToLower(string(payload.Type)),
			Media:     *payload.MediaRef,
			Quoted:    reply,
		}
		if payload.Body != nil {
			req.Caption = *payload.Body
		}
		return fmt.Sprintf(endpointSendMedia, payload.InstanceID), req, nil
	case domain.MessageTypeSticker:
		if payload.MediaRef == nil || *payload.MediaRef == "" {
			return "", nil, apperrors.NewValidationError("sticker requires a media reference", nil)
		}
		return fmt.Sprintf(endpointSendSticker, payload.InstanceID),
			sendStickerRequest{Number: payload.Recipient, Sticker: *payload.MediaRef}, nil
	}
	return "", nil, apperrors.NewValidationError("message type cannot be sent to whatsapp",
		map[string]any{"type": payload.Type})
}

// rawJSON keeps gateway bodies embeddable in message metadata.
func rawJSON(body []byte) json.RawMessage {
	if len(body) == 0 {
		return nil
	}
	if json.Valid(body) {
		return json.RawMessage(body)
	}
	quotedBody, _ := json.Marshal(string(body))
	return quotedBody
}
