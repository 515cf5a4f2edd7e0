// Package transport carries outbound conversation actions to the messaging
// collaborator. The engine never speaks a chat protocol directly; it hands
// sends, invites and leaves to a Sender.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// HTTPSender delivers outbound actions as JSON POSTs to the transport
// bridge's callback URL. The bridge owns protocol specifics (Matrix,
// WhatsApp, web chat) and credential handling.
type HTTPSender struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewHTTPSender creates a sender posting to url. A nil client uses a default
// http.Client.
func NewHTTPSender(url string, client *http.Client, logger *slog.Logger) *HTTPSender {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSender{url: url, client: client, logger: logger}
}

func (s *HTTPSender) SendText(ctx context.Context, roomID, clientID, text string) error {
	return s.post(ctx, map[string]any{
		"action":    "send_text",
		"room_id":   roomID,
		"client_id": clientID,
		"text":      text,
	})
}

func (s *HTTPSender) SendMedia(ctx context.Context, roomID, clientID, url, caption, mediaType string) error {
	return s.post(ctx, map[string]any{
		"action":     "send_media",
		"room_id":    roomID,
		"client_id":  clientID,
		"url":        url,
		"caption":    caption,
		"media_type": mediaType,
	})
}

func (s *HTTPSender) SendLocation(ctx context.Context, roomID, clientID, latitude, longitude string) error {
	return s.post(ctx, map[string]any{
		"action":    "send_location",
		"room_id":   roomID,
		"client_id": clientID,
		"latitude":  latitude,
		"longitude": longitude,
	})
}

func (s *HTTPSender) Invite(ctx context.Context, roomID, clientID, invitee string) error {
	return s.post(ctx, map[string]any{
		"action":    "invite",
		"room_id":   roomID,
		"client_id": clientID,
		"invitee":   invitee,
	})
}

func (s *HTTPSender) Leave(ctx context.Context, roomID, clientID, reason string) error {
	return s.post(ctx, map[string]any{
		"action":    "leave",
		"room_id":   roomID,
		"client_id": clientID,
		"reason":    reason,
	})
}

func (s *HTTPSender) post(ctx context.Context, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("transport: marshal payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < deliveryAttempts; attempt++ {
		if attempt > 0 {
			if err := waitBackoff(ctx, backoff(attempt-1)); err != nil {
				return err
			}
			s.logger.WarnContext(ctx, "retrying bridge delivery",
				slog.String("action", fmt.Sprint(payload["action"])),
				slog.Int("attempt", attempt+1))
		}

		lastErr = s.deliver(ctx, body)
		if lastErr == nil {
			return nil
		}
		if !isRetryable(lastErr) {
			break
		}
	}
	return fmt.Errorf("transport: deliver %s: %w", payload["action"], lastErr)
}

func (s *HTTPSender) deliver(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("bridge returned %s", resp.Status)
	}
	return nil
}

// LogSender logs outbound actions instead of delivering them. Used when no
// bridge URL is configured, which keeps a fresh install runnable.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) SendText(ctx context.Context, roomID, clientID, text string) error {
	s.logger.InfoContext(ctx, "outbound text", slog.String("room_id", roomID), slog.String("text", text))
	return nil
}

func (s *LogSender) SendMedia(ctx context.Context, roomID, clientID, url, caption, mediaType string) error {
	s.logger.InfoContext(ctx, "outbound media", slog.String("room_id", roomID), slog.String("url", url))
	return nil
}

func (s *LogSender) SendLocation(ctx context.Context, roomID, clientID, latitude, longitude string) error {
	s.logger.InfoContext(ctx, "outbound location", slog.String("room_id", roomID))
	return nil
}

func (s *LogSender) Invite(ctx context.Context, roomID, clientID, invitee string) error {
	s.logger.InfoContext(ctx, "outbound invite", slog.String("room_id", roomID), slog.String("invitee", invitee))
	return nil
}

func (s *LogSender) Leave(ctx context.Context, roomID, clientID, reason string) error {
	s.logger.InfoContext(ctx, "outbound leave", slog.String("room_id", roomID))
	return nil
}
