package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Vovarama1992/convo-guard/internal/identity"
	"github.com/Vovarama1992/convo-guard/internal/messages"
)

type fakeService struct {
	mu    sync.Mutex
	turns []Turn
	saved []*Message
	fn    func(t Turn) (Reply, error)
}

func (s *fakeService) HandleTurn(_ context.Context, t Turn) (Reply, error) {
	s.mu.Lock()
	s.turns = append(s.turns, t)
	s.mu.Unlock()
	return s.fn(t)
}

func (s *fakeService) SaveOnly(_ context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, msg)
	return nil
}

type recordingOutbound struct {
	mu         sync.Mutex
	deliveries []Delivery
}

func (o *recordingOutbound) Deliver(_ context.Context, d Delivery) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deliveries = append(o.deliveries, d)
	return nil
}

func newServer(t *testing.T, svc Service, out Outbound, secret string) (*Handler, http.Handler) {
	t.Helper()
	h := NewHandler(svc, out, messages.MustLoad(), secret)
	r := chi.NewRouter()
	RegisterRoutes(r, h, prometheus.NewRegistry())
	return h, r
}

func post(srv http.Handler, path, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestTurnEndpoint(t *testing.T) {
	svc := &fakeService{fn: func(t Turn) (Reply, error) {
		switch t.BusinessID {
		case "missing":
			return Reply{}, ErrUnknownBusiness
		case "broken":
			return Reply{}, errors.New("state store down")
		}
		if t.Text == "" {
			return Reply{}, ErrInvalidTurn
		}
		return Reply{SessionID: t.SessionID, Text: "Merhaba!", Source: SourceLLM}, nil
	}}
	_, srv := newServer(t, svc, LogOutbound{}, "")

	rec := post(srv, "/v1/turns", `{"session_id":"s1","business_id":"demo","channel":"chat","text":"merhaba"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var reply Reply
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))
	assert.Equal(t, "Merhaba!", reply.Text)
	assert.Equal(t, identity.ChannelChat, svc.turns[0].Channel, "channel is normalized")

	assert.Equal(t, http.StatusBadRequest, post(srv, "/v1/turns", `{`).Code)
	assert.Equal(t, http.StatusBadRequest, post(srv, "/v1/turns", `{"session_id":"s1","business_id":"demo","channel":"CHAT"}`).Code)
	assert.Equal(t, http.StatusNotFound, post(srv, "/v1/turns", `{"session_id":"s1","business_id":"missing","channel":"CHAT","text":"x"}`).Code)

	rec = post(srv, "/v1/turns", `{"session_id":"s1","business_id":"broken","channel":"CHAT","text":"x"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))
	assert.Equal(t, SourceFallback, reply.Source)
	assert.NotEmpty(t, reply.Text, "the customer still gets a try-again text")
}

func TestWebhookAcksAndDelivers(t *testing.T) {
	svc := &fakeService{fn: func(t Turn) (Reply, error) {
		return Reply{SessionID: t.SessionID, Text: "Siparişiniz kargoda.", Source: SourceTool}, nil
	}}
	out := &recordingOutbound{}
	h, srv := newServer(t, svc, out, "s3cret")

	body := `{"session_id":"wa-1","business_id":"demo","channel_user_id":"+905321234567","text":"siparişim nerede"}`
	assert.Equal(t, http.StatusUnauthorized, post(srv, "/v1/webhooks/whatsapp", body).Code)
	assert.Equal(t, http.StatusNotFound, post(srv, "/v1/webhooks/fax", body, webhookSecretHeader, "s3cret").Code)

	rec := post(srv, "/v1/webhooks/whatsapp", body, webhookSecretHeader, "s3cret")
	require.Equal(t, http.StatusAccepted, rec.Code)
	h.Wait()

	require.Len(t, out.deliveries, 1)
	d := out.deliveries[0]
	assert.Equal(t, identity.ChannelWhatsApp, d.Channel)
	assert.Equal(t, "+905321234567", d.ChannelUserID)
	assert.Equal(t, "Siparişiniz kargoda.", d.Reply.Text)
}

func TestWebhookStoresOperatorMessages(t *testing.T) {
	svc := &fakeService{fn: func(Turn) (Reply, error) { return Reply{}, nil }}
	out := &recordingOutbound{}
	h, srv := newServer(t, svc, out, "")

	rec := post(srv, "/v1/webhooks/chat", `{"session_id":"c-1","business_id":"demo","text":"Ben devralıyorum","sender":"supporter"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	h.Wait()

	require.Len(t, svc.saved, 1)
	assert.Equal(t, SenderSupporter, svc.saved[0].Sender)
	assert.Empty(t, svc.turns)
	assert.Empty(t, out.deliveries)
}

func TestPingAndMetrics(t *testing.T) {
	_, srv := newServer(t, &fakeService{}, LogOutbound{}, "")

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, "pong", rec.Body.String())

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhookOutboundPostsDelivery(t *testing.T) {
	var got Delivery
	var secret string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret = r.Header.Get(webhookSecretHeader)
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	o := NewWebhookOutbound(ts.URL, "out-secret", 0)
	err := o.Deliver(context.Background(), Delivery{SessionID: "wa-1", Channel: identity.ChannelWhatsApp, Reply: Reply{Text: "ok"}})
	require.NoError(t, err)
	assert.Equal(t, "out-secret", secret)
	assert.Equal(t, "wa-1", got.SessionID)
	assert.Equal(t, "ok", got.Reply.Text)

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer failing.Close()
	err = NewWebhookOutbound(failing.URL, "", 0).Deliver(context.Background(), Delivery{})
	assert.ErrorContains(t, err, "502")
}
