package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"

	"price-tracker/internal/evaluator"
	"price-tracker/internal/logger"
	"price-tracker/internal/models"
)

type sentMessage struct {
	recipient, subject, body string
}

type recordingTransport struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (r *recordingTransport) Send(ctx context.Context, recipient, subject, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, sentMessage{recipient, subject, body})
	return nil
}

func (r *recordingTransport) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func widget(current, original string) models.Observation {
	return models.Observation{
		Product:       "Widget",
		URL:           "https://www.amazon.in/dp/widget",
		Platform:      models.PlatformAmazon,
		ObservedAt:    time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC),
		CurrentPrice:  decimal.RequireFromString(current),
		OriginalPrice: decimal.RequireFromString(original),
		Threshold:     decimal.NewFromInt(500),
	}
}

func TestGateFiresOnlyOnDiscount(t *testing.T) {
	tr := &recordingTransport{}
	g := NewGate(tr, "ops@example.com", logger.Nop())

	noDiscount := widget("600", "600")
	if g.MaybeNotify(context.Background(), noDiscount, evaluator.Evaluate(noDiscount, nil)) {
		t.Fatal("sent without discount")
	}

	discounted := widget("450", "600")
	if !g.MaybeNotify(context.Background(), discounted, evaluator.Evaluate(discounted, &noDiscount)) {
		t.Fatal("expected alert for 25% discount")
	}
	if tr.count() != 1 {
		t.Fatalf("want 1 message, got %d", tr.count())
	}
	msg := tr.sent[0]
	if msg.recipient != "ops@example.com" {
		t.Fatalf("recipient: %q", msg.recipient)
	}
	if msg.subject != "Price drop: Widget is 25.0% off" {
		t.Fatalf("subject: %q", msg.subject)
	}
	for _, want := range []string{"Current price: 450.00", "Discount: 25.0%", "-25.00%", "threshold met", "https://www.amazon.in/dp/widget"} {
		if !strings.Contains(msg.body, want) {
			t.Fatalf("body missing %q:\n%s", want, msg.body)
		}
	}
}

func TestGateDeduplicatesWithinRun(t *testing.T) {
	tr := &recordingTransport{}
	g := NewGate(tr, "", logger.Nop())
	obs := widget("450", "600")
	ev := evaluator.Evaluate(obs, nil)

	var wg sync.WaitGroup
	var sent int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.MaybeNotify(context.Background(), obs, ev) {
				atomic.AddInt32(&sent, 1)
			}
		}()
	}
	wg.Wait()
	if sent != 1 || tr.count() != 1 {
		t.Fatalf("want exactly one alert, sent=%d transport=%d", sent, tr.count())
	}
	records := g.Records()
	if len(records) != 1 || records[0].Product != "Widget" || !records[0].Discount.Equal(decimal.NewFromInt(25)) {
		t.Fatalf("records: %+v", records)
	}

	// a new run starts with a fresh gate and alerts again
	next := NewGate(tr, "", logger.Nop())
	if !next.MaybeNotify(context.Background(), obs, ev) {
		t.Fatal("new run should re-notify")
	}
}

func TestGateTransportFailureIsNotFatal(t *testing.T) {
	tr := &recordingTransport{err: errors.New("smtp down")}
	g := NewGate(tr, "", logger.Nop())
	obs := widget("450", "600")
	if g.MaybeNotify(context.Background(), obs, evaluator.Evaluate(obs, nil)) {
		t.Fatal("failed send reported as sent")
	}
	if len(g.Records()) != 0 {
		t.Fatal("failed send recorded")
	}

	tr.err = nil
	if !g.MaybeNotify(context.Background(), obs, evaluator.Evaluate(obs, nil)) {
		t.Fatal("retry after failure should send")
	}
}

func TestSendGridTransport(t *testing.T) {
	var calls int32
	var got mailSendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if r.URL.Path != "/v3/mail/send" || r.Header.Get("Authorization") != "Bearer sg-key" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if n == 1 {
			http.Error(w, `{"errors":[{"message":"try later"}]}`, http.StatusServiceUnavailable)
			return
		}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	tr, err := NewSendGridTransport(SendGridConfig{
		APIKey:    "sg-key",
		BaseURL:   srv.URL + "/",
		FromEmail: "alerts@example.com",
		FromName:  "Price Tracker",
	}, logger.Nop())
	if err != nil {
		t.Fatalf("NewSendGridTransport: %v", err)
	}
	tr.newBackOff = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }

	if err := tr.Send(context.Background(), "a@example.com, b@example.com", "Price drop", "body"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if calls != 2 {
		t.Fatalf("want 2 calls (one retry), got %d", calls)
	}
	if len(got.Personalizations) != 1 || len(got.Personalizations[0].To) != 2 {
		t.Fatalf("personalizations: %+v", got.Personalizations)
	}
	if got.From.Email != "alerts@example.com" || got.Subject != "Price drop" || got.Content[0].Value != "body" {
		t.Fatalf("payload: %+v", got)
	}
}

func TestSendGridTransportDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"errors":[{"message":"The provided authorization grant is invalid"}]}`))
	}))
	defer srv.Close()

	tr, err := NewSendGridTransport(SendGridConfig{APIKey: "bad", BaseURL: srv.URL, FromEmail: "alerts@example.com"}, logger.Nop())
	if err != nil {
		t.Fatalf("NewSendGridTransport: %v", err)
	}
	tr.newBackOff = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }

	err = tr.Send(context.Background(), "a@example.com", "s", "b")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("want HTTPError 401, got %v", err)
	}
	if !strings.Contains(httpErr.Message, "authorization grant") {
		t.Fatalf("message: %q", httpErr.Message)
	}
	if calls != 1 {
		t.Fatalf("client error retried: %d calls", calls)
	}

	if err := tr.Send(context.Background(), " ", "s", "b"); err == nil {
		t.Fatal("empty recipient should fail")
	}
}

func TestTelegramTransport(t *testing.T) {
	var (
		mu     sync.Mutex
		chatID string
		text   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"Tracker","username":"tracker_bot"}}`))
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			mu.Lock()
			chatID, text = r.FormValue("chat_id"), r.FormValue("text")
			mu.Unlock()
			_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"},"text":"ok"}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	tr, err := NewTelegramTransport(TelegramConfig{
		Token:    "123:abc",
		ChatID:   42,
		Endpoint: srv.URL + "/bot%s/%s",
	}, logger.Nop())
	if err != nil {
		t.Fatalf("NewTelegramTransport: %v", err)
	}

	if err := tr.Send(context.Background(), "", "Price drop", "Widget is cheaper"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if chatID != "42" {
		t.Fatalf("chat_id: %q", chatID)
	}
	if !strings.HasPrefix(text, "Price drop\n\n") || !strings.Contains(text, "Widget is cheaper") {
		t.Fatalf("text: %q", text)
	}

	if err := tr.Send(context.Background(), "not-a-chat", "s", "b"); err == nil {
		t.Fatal("non-numeric recipient should fail")
	}
}

func TestTelegramTransportRequiresToken(t *testing.T) {
	if _, err := NewTelegramTransport(TelegramConfig{}, logger.Nop()); err == nil {
		t.Fatal("expected error without token")
	}
}
