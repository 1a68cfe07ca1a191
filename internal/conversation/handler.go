package conversation

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/Vovarama1992/convo-guard/internal/identity"
	"github.com/Vovarama1992/convo-guard/internal/messages"
)

const webhookSecretHeader = "X-Webhook-Secret"

type Handler struct {
	svc      Service
	outbound Outbound
	msgs     *messages.Catalog
	secret   string

	wg sync.WaitGroup
}

// NewHandler serves the HTTP surface. A non-empty secret is required in the
// X-Webhook-Secret header of webhook calls.
func NewHandler(svc Service, outbound Outbound, msgs *messages.Catalog, secret string) *Handler {
	return &Handler{svc: svc, outbound: outbound, msgs: msgs, secret: secret}
}

type turnPayload struct {
	SessionID     string `json:"session_id"`
	BusinessID    string `json:"business_id"`
	Channel       string `json:"channel"`
	ChannelUserID string `json:"channel_user_id"`
	FromEmail     string `json:"from_email"`
	Text          string `json:"text"`
	Language      string `json:"language"`
	// Sender "supporter" stores an operator message without answering it.
	Sender string `json:"sender"`
}

func (p turnPayload) turn() Turn {
	return Turn{
		SessionID:     p.SessionID,
		BusinessID:    p.BusinessID,
		Channel:       identity.Channel(p.Channel),
		ChannelUserID: p.ChannelUserID,
		FromEmail:     p.FromEmail,
		Text:          p.Text,
		Language:      p.Language,
	}
}

// HandleTurn: синхронный ход, ответ возвращается в теле
func (h *Handler) HandleTurn(w http.ResponseWriter, r *http.Request) {
	var p turnPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if ch, ok := identity.ParseChannel(p.Channel); ok {
		p.Channel = string(ch)
	}

	reply, err := h.svc.HandleTurn(r.Context(), p.turn())
	if err != nil {
		h.writeError(w, p, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

// HandleWebhook: вход от асинхронного канала. ACK сразу, ответ уходит в Outbound
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	if h.secret != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get(webhookSecretHeader)), []byte(h.secret)) != 1 {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ch, ok := identity.ParseChannel(chi.URLParam(r, "channel"))
	if !ok {
		http.Error(w, "unknown channel", http.StatusNotFound)
		return
	}

	var p turnPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	p.Channel = string(ch)
	if p.SessionID == "" || p.BusinessID == "" || p.Text == "" {
		http.Error(w, "missing session_id, business_id or text", http.StatusBadRequest)
		return
	}

	if Sender(p.Sender) == SenderSupporter {
		msg := &Message{SessionID: p.SessionID, BusinessID: p.BusinessID, Sender: SenderSupporter, Text: p.Text, Channel: ch}
		if err := h.svc.SaveOnly(r.Context(), msg); err != nil {
			http.Error(w, "processing error", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	// the turn outlives the request; only delivery may be cancelled
	ctx := context.WithoutCancel(r.Context())
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.process(ctx, p)
	}()

	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) process(ctx context.Context, p turnPayload) {
	reply, err := h.svc.HandleTurn(ctx, p.turn())
	if err != nil {
		slog.Error("[webhook] turn failed", "session_id", p.SessionID, "business_id", p.BusinessID, "error", err)
		if errors.Is(err, ErrInvalidTurn) || errors.Is(err, ErrUnknownBusiness) {
			return
		}
		reply = Reply{
			SessionID: p.SessionID,
			Text:      h.msgs.Get("fallback.generic", h.options(p)).Text,
			Source:    SourceFallback,
		}
	}

	d := Delivery{
		BusinessID:    p.BusinessID,
		SessionID:     p.SessionID,
		Channel:       identity.Channel(p.Channel),
		ChannelUserID: p.ChannelUserID,
		Reply:         reply,
	}
	if err := h.outbound.Deliver(ctx, d); err != nil {
		slog.Error("[webhook] delivery failed", "session_id", p.SessionID, "error", err)
	}
}

// Wait blocks until every accepted webhook turn has been processed.
func (h *Handler) Wait() {
	h.wg.Wait()
}

func (h *Handler) writeError(w http.ResponseWriter, p turnPayload, err error) {
	switch {
	case errors.Is(err, ErrInvalidTurn):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrUnknownBusiness):
		http.Error(w, "unknown business", http.StatusNotFound)
	default:
		slog.Error("[http] turn failed", "session_id", p.SessionID, "business_id", p.BusinessID, "error", err)
		writeJSON(w, http.StatusInternalServerError, Reply{
			SessionID: p.SessionID,
			Text:      h.msgs.Get("fallback.generic", h.options(p)).Text,
			Source:    SourceFallback,
		})
	}
}

func (h *Handler) options(p turnPayload) messages.Options {
	return messages.Options{
		Language: messages.ParseLanguage(p.Language),
		Channel:  p.Channel,
		SeedHint: p.SessionID,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("[http] encode response", "error", err)
	}
}
