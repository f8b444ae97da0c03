package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"golang.org/x/sync/errgroup"

	"homeai-bot/internal/domain"
	bus "homeai-bot/internal/integrations/events"
	"homeai-bot/internal/integrations/paramstore"
	"homeai-bot/internal/usecase"
)

const signatureHeader = "X-Hub-Signature-256"

type webhookPayload struct {
	Object string         `json:"object"`
	Entry  []webhookEntry `json:"entry"`
}

type webhookEntry struct {
	ID      string          `json:"id"`
	Changes []webhookChange `json:"changes"`
}

type webhookChange struct {
	Field string      `json:"field"`
	Value changeValue `json:"value"`
}

type changeValue struct {
	Contacts []waContact `json:"contacts"`
	Messages []waMessage `json:"messages"`
}

type waContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type waMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text,omitempty"`
	Interactive *struct {
		Type        string   `json:"type"`
		ButtonReply *waReply `json:"button_reply,omitempty"`
		ListReply   *waReply `json:"list_reply,omitempty"`
	} `json:"interactive,omitempty"`
	Button *struct {
		Payload string `json:"payload"`
		Text    string `json:"text"`
	} `json:"button,omitempty"`
}

type waReply struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// verifyWebhook answers the provider's subscription handshake.
func (h *Handler) verifyWebhook(ctx context.Context, log *slog.Logger, req events.APIGatewayProxyRequest, correlationID string) events.APIGatewayProxyResponse {
	q := req.QueryStringParameters
	if q["hub.mode"] != "subscribe" || q["hub.challenge"] == "" {
		return jsonResponse(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput)}, correlationID)
	}
	want, err := h.params.GetParameter(ctx, h.paramPrefix+"/whatsapp-verify-token")
	if err != nil {
		log.Error("verify token unavailable", "err", err)
		return jsonResponse(http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal)}, correlationID)
	}
	if !hmac.Equal([]byte(want), []byte(q["hub.verify_token"])) {
		log.Warn("webhook verification rejected")
		return jsonResponse(http.StatusForbidden, errorResponse{Error: errorUnauthorized}, correlationID)
	}
	log.Info("webhook verified")
	return textResponse(http.StatusOK, q["hub.challenge"], correlationID)
}

// receiveWebhook always acknowledges a well-signed delivery, otherwise the
// provider keeps redelivering it. Failures are logged per message.
func (h *Handler) receiveWebhook(ctx context.Context, log *slog.Logger, req events.APIGatewayProxyRequest, correlationID string) events.APIGatewayProxyResponse {
	ok, err := h.validSignature(ctx, req)
	if err != nil {
		log.Error("app secret unavailable", "err", err)
		return jsonResponse(http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal)}, correlationID)
	}
	if !ok {
		log.Warn("webhook signature mismatch")
		return jsonResponse(http.StatusUnauthorized, errorResponse{Error: errorUnauthorized}, correlationID)
	}

	var payload webhookPayload
	if err := json.Unmarshal([]byte(req.Body), &payload); err != nil {
		log.Warn("malformed webhook payload", "err", err)
		return textResponse(http.StatusOK, "ok", correlationID)
	}

	ctx = bus.WithCorrelationID(ctx, correlationID)
	bySender, order := h.inbound(log, payload)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.fanOut)
	for _, sender := range order {
		msgs := bySender[sender]
		g.Go(func() error {
			for _, msg := range msgs {
				h.handleOne(gctx, log, msg)
			}
			return nil
		})
	}
	_ = g.Wait()
	return textResponse(http.StatusOK, "ok", correlationID)
}

func (h *Handler) handleOne(ctx context.Context, log *slog.Logger, msg domain.InboundMessage) {
	log = log.With("message_id", msg.MessageID)
	res, err := h.svc.HandleMessage(ctx, msg)
	switch {
	case usecase.CodeOf(err) == usecase.ErrorRateLimited:
		log.Info("inbound message dropped", "reason", "sender_rate_limited")
	case err != nil:
		log.Error("inbound message failed", "err", err)
	case res.Duplicate:
		log.Info("duplicate inbound message")
	}
}

// inbound flattens the payload into messages grouped by sender, keeping the
// provider's order within each sender.
func (h *Handler) inbound(log *slog.Logger, payload webhookPayload) (map[string][]domain.InboundMessage, []string) {
	bySender := map[string][]domain.InboundMessage{}
	var order []string
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			if change.Field != "" && change.Field != "messages" {
				continue
			}
			names := map[string]string{}
			for _, c := range change.Value.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			for _, m := range change.Value.Messages {
				msg, ok := toInbound(m, names[m.From], h.now())
				if !ok {
					log.Info("unsupported inbound message", "type", m.Type, "message_id", m.ID)
					continue
				}
				if dup, _ := h.seen.ContainsOrAdd(msg.MessageID, h.now()); dup {
					log.Info("redelivered inbound message", "message_id", msg.MessageID)
					continue
				}
				sender := msg.UserIdentity
				if _, exists := bySender[sender]; !exists {
					order = append(order, sender)
				}
				bySender[sender] = append(bySender[sender], msg)
			}
		}
	}
	return bySender, order
}

func toInbound(m waMessage, name string, now time.Time) (domain.InboundMessage, bool) {
	msg := domain.InboundMessage{
		MessageID:    m.ID,
		UserIdentity: domain.NormalizePhone(m.From),
		ContactName:  name,
		ReceivedAt:   now,
	}
	if msg.MessageID == "" || msg.UserIdentity == "" {
		return msg, false
	}
	if sec, err := strconv.ParseInt(m.Timestamp, 10, 64); err == nil && sec > 0 {
		msg.ReceivedAt = time.Unix(sec, 0).UTC()
	}

	switch m.Type {
	case "text":
		if m.Text == nil || strings.TrimSpace(m.Text.Body) == "" {
			return msg, false
		}
		msg.Text = m.Text.Body
	case "interactive":
		if m.Interactive == nil {
			return msg, false
		}
		reply := m.Interactive.ButtonReply
		if reply == nil {
			reply = m.Interactive.ListReply
		}
		if reply == nil || reply.ID == "" {
			return msg, false
		}
		msg.QuickAction = reply.ID
		msg.Text = reply.Title
	case "button":
		if m.Button == nil {
			return msg, false
		}
		msg.QuickAction = m.Button.Payload
		msg.Text = m.Button.Text
	default:
		return msg, false
	}
	return msg, true
}

// validSignature checks the provider's HMAC when an app secret is configured.
func (h *Handler) validSignature(ctx context.Context, req events.APIGatewayProxyRequest) (bool, error) {
	secret, err := h.appSecret(ctx)
	if err != nil {
		return false, err
	}
	if secret == "" {
		return true, nil
	}
	got := strings.TrimPrefix(header(req.Headers, signatureHeader), "sha256=")
	sig, err := hex.DecodeString(got)
	if err != nil || len(sig) == 0 {
		return false, nil
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(req.Body))
	return hmac.Equal(sig, mac.Sum(nil)), nil
}

// appSecret resolves the optional app secret once per container. An empty
// secret disables signature checks.
func (h *Handler) appSecret(ctx context.Context) (string, error) {
	h.secretMu.Lock()
	defer h.secretMu.Unlock()
	if h.secretLoaded {
		return h.secret, nil
	}
	v, _, err := paramstore.Lookup(ctx, h.params, h.paramPrefix+"/whatsapp-app-secret")
	if err != nil {
		return "", err
	}
	h.secret, h.secretLoaded = strings.TrimSpace(v), true
	return h.secret, nil
}
