package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"homeai-bot/internal/classifier"
	"homeai-bot/internal/domain"
	"homeai-bot/internal/integrations/events"
	"homeai-bot/internal/repository"
	"homeai-bot/internal/resolver"
	"homeai-bot/internal/router"
)

const (
	replyDeclined   = "Listo, lo dejo ahí. ¿Te ayudo con otra cosa?"
	replyModerated  = "Prefiero no responder a eso. ¿Te ayudo con algo de tu hogar?"
	replyNoIntent   = "No estoy seguro de qué necesitás. ¿Me lo contás con un poco más de detalle?"
	replyBusy       = "Estoy con mucha demanda en este momento. Probá de nuevo en un minuto."
	replyMalformed  = "No te entendí bien. ¿Me lo decís de otra forma?"
	replyClassError = "Tuve un problema para entenderte. Probá de nuevo en un rato."
)

// MessageResult reports what happened to one inbound message.
type MessageResult struct {
	Reply     domain.Reply
	Results   []domain.DispatchResult
	Duplicate bool
}

// turn is the outcome of processing before delivery.
type turn struct {
	segments []domain.Segment
	question *domain.OpenQuestion
	results  []domain.DispatchResult
	handoffs []domain.DeferredIntent
}

func textTurn(text string) turn {
	return turn{segments: []domain.Segment{{Text: text}}}
}

// HandleMessage runs the whole pipeline for one inbound message. Messages of
// the same tenant are serialized; a reply overtaken by a newer message of the
// same conversation is carried into the next reply instead of being sent.
func (s *Service) HandleMessage(ctx context.Context, msg domain.InboundMessage) (MessageResult, error) {
	phone := domain.NormalizePhone(msg.UserIdentity)
	if phone == "" {
		return MessageResult{}, newError(ErrorInvalidInput, "missing_sender", nil)
	}
	if strings.TrimSpace(msg.Text) == "" && msg.QuickAction == "" {
		s.metrics.IncInbound("empty")
		return MessageResult{}, newError(ErrorInvalidInput, "empty_message", nil)
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = s.now()
	}

	first, err := s.conversations.MarkSeen(ctx, msg.MessageID)
	if err != nil {
		return MessageResult{}, newError(ErrorInternal, "dynamodb_dedup_error", err)
	}
	if !first {
		s.metrics.IncInbound("duplicate")
		return MessageResult{Duplicate: true}, nil
	}
	if !s.limiter.allow(phone) {
		s.metrics.IncInbound("rate_limited")
		return MessageResult{}, newError(ErrorRateLimited, "sender_rate_limited", nil)
	}

	tenantID, err := s.tenantFor(ctx, phone)
	if err != nil {
		return MessageResult{}, newError(ErrorInternal, "tenant_resolution_error", err)
	}
	conv := domain.ConversationID(tenantID, phone)
	if _, err := s.conversations.SetHead(ctx, conv, msg.MessageID, msg.ReceivedAt); err != nil {
		return MessageResult{}, newError(ErrorInternal, "dynamodb_head_error", err)
	}

	unlock, err := s.locker.Lock(ctx, tenantID)
	if err != nil {
		return MessageResult{}, newError(ErrorInternal, "tenant_lock_error", err)
	}
	defer unlock()

	tenant, err := s.tenants.GetTenant(ctx, tenantID)
	if err != nil {
		return MessageResult{}, newError(ErrorInternal, "dynamodb_tenant_error", err)
	}
	history, err := s.conversations.RecentTurns(ctx, conv, s.historyTurns)
	if err != nil {
		return MessageResult{}, newError(ErrorInternal, "dynamodb_history_error", err)
	}
	userText := msg.Text
	if userText == "" {
		userText = msg.QuickAction
	}
	if err := s.conversations.AppendTurn(ctx, domain.Turn{
		ConversationID: conv,
		Speaker:        domain.SpeakerUser,
		Text:           userText,
		Timestamp:      s.now(),
	}); err != nil {
		return MessageResult{}, newError(ErrorInternal, "dynamodb_write_error", err)
	}

	log := s.logger.With(
		"tenant_id", tenant.ID,
		"conversation_id", conv,
		"message_id", msg.MessageID,
		"correlation_id", events.CorrelationID(ctx),
	)
	t := s.process(ctx, log, &tenant, conv, phone, msg, history)

	reply, err := s.deliver(ctx, log, tenant, conv, phone, msg.MessageID, t)
	if err != nil {
		return MessageResult{}, err
	}
	for _, d := range t.handoffs {
		s.deliverHandoff(ctx, &tenant, d, nil)
	}
	return MessageResult{Reply: reply, Results: t.results}, nil
}

func (s *Service) process(ctx context.Context, log *slog.Logger, t *domain.Tenant, conv, phone string, msg domain.InboundMessage, history []domain.Turn) turn {
	if msg.QuickAction != "" {
		intents, menu, ok := parseQuickAction(msg.QuickAction)
		switch {
		case menu:
			s.metrics.IncInbound("quick_action")
			return textTurn(s.menu())
		case ok:
			s.metrics.IncInbound("quick_action")
			return s.route(ctx, t, conv, phone, intents)
		}
		if strings.TrimSpace(msg.Text) == "" {
			return textTurn(replyNoIntent)
		}
	}

	resolved := s.resolver.Resolve(msg.Text, history)
	if matches := suspectInjection(resolved.Text); len(matches) > 0 {
		log.Warn("injection pattern detected", "patterns", matches, "preview", preview(resolved.Text))
	}
	if resolved.Truncated {
		log.Info("inbound message truncated")
	}

	var intents []domain.Intent
	switch resolved.Kind {
	case resolver.ClarificationNeeded:
		s.metrics.IncInbound("clarified")
		return textTurn(resolved.Clarification)

	case resolver.Answered:
		a := resolved.Answer
		s.metrics.IncInbound("resolved")
		if a.Declined {
			return textTurn(replyDeclined)
		}
		var conf *domain.Confirmation
		if a.Kind == domain.QuestionConfirmation {
			conf = &domain.Confirmation{Signature: a.Signature, Approve: a.Approve}
		}
		intents = []domain.Intent{classifier.FromAnswer(a.Domain, a.Action, a.Slots, conf)}

	default:
		if s.moderated(ctx, log, resolved.Text) {
			s.metrics.IncInbound("moderated")
			return textTurn(replyModerated)
		}
		var fallback string
		intents, fallback = s.classify(ctx, log, t, resolved.Text, history)
		if fallback != "" {
			return textTurn(fallback)
		}
		s.metrics.IncInbound("classified")
		if len(intents) == 0 {
			return textTurn(replyNoIntent)
		}
	}
	return s.route(ctx, t, conv, phone, intents)
}

func (s *Service) route(ctx context.Context, t *domain.Tenant, conv, phone string, intents []domain.Intent) turn {
	resp := s.router.Route(ctx, router.Request{
		Tenant:         t,
		ConversationID: conv,
		UserIdentity:   phone,
		Intents:        intents,
	})
	out := turn{results: resp.Results, handoffs: resp.Handoffs}
	for _, r := range resp.Results {
		if strings.TrimSpace(r.Text) != "" {
			out.segments = append(out.segments, domain.Segment{Text: r.Text})
		}
		if r.OpenQuestion != nil {
			out.question = r.OpenQuestion
		}
	}
	return out
}

func (s *Service) moderated(ctx context.Context, log *slog.Logger, text string) bool {
	if s.moderator == nil {
		return false
	}
	flagged, err := s.moderator.Moderate(ctx, text)
	if err != nil {
		log.Warn("moderation unavailable", "err", err)
		return false
	}
	return flagged
}

// classify returns the intents or, when classification failed, the text
// to reply with instead.
func (s *Service) classify(ctx context.Context, log *slog.Logger, t *domain.Tenant, text string, history []domain.Turn) ([]domain.Intent, string) {
	start := time.Now()
	intents, err := s.classifier.Classify(ctx, classifier.Request{
		TenantID: t.ID,
		Stage:    t.Stage,
		Message:  text,
		History:  history,
		Now:      s.now(),
	})
	outcome := "success"
	fallback := ""
	switch {
	case errors.Is(err, classifier.ErrRateLimit):
		outcome, fallback = "rate_limited", replyBusy
	case errors.Is(err, classifier.ErrMalformedOutput):
		outcome, fallback = "malformed", replyMalformed
	case err != nil:
		outcome, fallback = "error", replyClassError
	}
	s.metrics.ObserveClassifier(outcome, time.Since(start))
	if err != nil {
		log.Warn("classification failed", "outcome", outcome, "err", err)
		return nil, fallback
	}
	return intents, ""
}

// deliver records the bot turn and publishes the reply, or stores it as
// carry-over when a newer message of the conversation arrived meanwhile.
func (s *Service) deliver(ctx context.Context, log *slog.Logger, t domain.Tenant, conv, phone, messageID string, tr turn) (domain.Reply, error) {
	segs := make([]domain.Segment, 0, len(tr.segments))
	for _, seg := range tr.segments {
		text, modified := guardSegment(seg.Text)
		if modified {
			log.Warn("reply segment rewritten by output guard")
		}
		segs = append(segs, domain.Segment{Text: text})
	}
	reply := domain.Reply{TenantID: t.ID, ConversationID: conv, UserIdentity: phone, Segments: segs}

	if messageID != "" {
		head, err := s.conversations.GetHead(ctx, conv)
		if err != nil {
			return domain.Reply{}, newError(ErrorInternal, "dynamodb_head_error", err)
		}
		if head.MessageID != "" && head.MessageID != messageID {
			carry := repository.CarryOver{Segments: segs, Question: tr.question}
			if err := s.conversations.AppendCarryOver(ctx, conv, carry); err != nil {
				return domain.Reply{}, newError(ErrorInternal, "dynamodb_carry_over_error", err)
			}
			// The newer message must not be read as an answer to a
			// question the user has not seen yet.
			if err := s.appendBotTurn(ctx, conv, reply.Text(), nil); err != nil {
				return domain.Reply{}, err
			}
			s.metrics.IncInbound("superseded")
			log.Info("reply superseded", "head_message_id", head.MessageID)
			reply.Superseded = true
			return reply, nil
		}
	}

	question := tr.question
	carry, err := s.conversations.TakeCarryOver(ctx, conv)
	if err != nil {
		log.Warn("carry-over unavailable", "err", err)
	}
	if len(carry.Segments) > 0 {
		reply.Segments = append(carry.Segments, reply.Segments...)
	}
	// A carried question stays answerable unless this reply asks its own.
	if question == nil && carry.Question != nil && !carry.Question.Expired(s.now()) {
		question = carry.Question
	}
	if len(reply.Segments) == 0 {
		return reply, nil
	}
	if err := s.appendBotTurn(ctx, conv, reply.Text(), question); err != nil {
		return domain.Reply{}, err
	}
	if err := s.publisher.PublishReply(ctx, reply, messageID); err != nil {
		return domain.Reply{}, newError(ErrorUpstream, "publish_reply_error", err)
	}
	log.Info("reply published", "segments", len(reply.Segments), "open_question", question != nil)
	return reply, nil
}

func (s *Service) appendBotTurn(ctx context.Context, conv, text string, q *domain.OpenQuestion) error {
	err := s.conversations.AppendTurn(ctx, domain.Turn{
		ConversationID: conv,
		Speaker:        domain.SpeakerBot,
		Text:           text,
		Timestamp:      s.now(),
		OpenQuestion:   q,
	})
	if err != nil {
		return newError(ErrorInternal, "dynamodb_write_error", err)
	}
	return nil
}

// deliverHandoff dispatches a deferred intent in the conversation that
// produced it and sends the result to that member, after lead.
func (s *Service) deliverHandoff(ctx context.Context, t *domain.Tenant, d domain.DeferredIntent, lead []domain.Segment) {
	queue := []domain.DeferredIntent{d}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]

		user := domain.NormalizePhone(next.UserIdentity)
		conv := next.ConversationID
		if conv == "" {
			conv = domain.ConversationID(t.ID, user)
		}
		log := s.logger.With("tenant_id", t.ID, "conversation_id", conv, "domain", next.Domain, "correlation_id", events.CorrelationID(ctx))

		tr := s.route(ctx, t, conv, user, []domain.Intent{next.Intent})
		tr.segments = append(lead, tr.segments...)
		lead = nil
		if _, err := s.deliver(ctx, log, *t, conv, user, "", tr); err != nil {
			log.Error("handoff delivery failed", "err", err)
		}
		queue = append(queue, tr.handoffs...)
	}
}

// tenantFor maps a phone to its tenant id, registering a new household in
// acquisition for an unknown phone.
func (s *Service) tenantFor(ctx context.Context, phone string) (string, error) {
	if id, ok := s.phoneTenant.Get(phone); ok {
		return id, nil
	}
	t, err := s.tenants.FindTenantByPhone(ctx, phone)
	if errors.Is(err, repository.ErrNotFound) {
		t, err = s.tenants.CreateTenant(ctx, phone)
		if errors.Is(err, repository.ErrConflict) {
			t, err = s.tenants.FindTenantByPhone(ctx, phone)
		}
		if err == nil {
			s.logger.Info("tenant registered", "tenant_id", t.ID)
		}
	}
	if err != nil {
		return "", fmt.Errorf("usecase: resolve tenant: %w", err)
	}
	s.phoneTenant.Add(phone, t.ID)
	return t.ID, nil
}
