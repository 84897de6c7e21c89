package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"price-tracker/internal/logger"
)

// SendGridConfig configures the email transport
type SendGridConfig struct {
	APIKey     string
	BaseURL    string
	FromEmail  string
	FromName   string
	Timeout    time.Duration
	MaxRetries int
}

// SendGridTransport sends alerts through the SendGrid v3 mail API
type SendGridTransport struct {
	cfg        SendGridConfig
	httpClient *http.Client
	log        *logger.Logger
	newBackOff func() backoff.BackOff
}

func NewSendGridTransport(cfg SendGridConfig, log *logger.Logger) (*SendGridTransport, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("missing SENDGRID_API_KEY")
	}
	if strings.TrimSpace(cfg.FromEmail) == "" {
		return nil, fmt.Errorf("missing SENDGRID_FROM_EMAIL")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.sendgrid.com"
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &SendGridTransport{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        log.With("transport", "sendgrid"),
		newBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
	}, nil
}

type emailAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type personalization struct {
	To []emailAddress `json:"to"`
}

type mailContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type mailSendRequest struct {
	Personalizations []personalization `json:"personalizations"`
	From             emailAddress      `json:"from"`
	Subject          string            `json:"subject"`
	Content          []mailContent     `json:"content"`
}

type errorResponse struct {
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// HTTPError is a non-2xx answer from SendGrid
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("sendgrid http %d: %s", e.StatusCode, e.Message)
}

// Send delivers one plain-text email. The recipient may be a comma separated
// list of addresses.
func (t *SendGridTransport) Send(ctx context.Context, recipient, subject, body string) error {
	var to []emailAddress
	for _, addr := range strings.Split(recipient, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			to = append(to, emailAddress{Email: addr})
		}
	}
	if len(to) == 0 {
		return fmt.Errorf("sendgrid: recipient required (set NOTIFY_RECIPIENT)")
	}

	payload, err := json.Marshal(mailSendRequest{
		Personalizations: []personalization{{To: to}},
		From:             emailAddress{Email: t.cfg.FromEmail, Name: t.cfg.FromName},
		Subject:          subject,
		Content:          []mailContent{{Type: "text/plain", Value: body}},
	})
	if err != nil {
		return err
	}

	attempt := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := t.doOnce(ctx, payload)
		if err == nil {
			return struct{}{}, nil
		}
		if httpErr, ok := err.(*HTTPError); ok && !retryableStatus(httpErr.StatusCode) {
			return struct{}{}, backoff.Permanent(err)
		}
		t.log.Warn("SendGrid request retrying", "attempt", attempt, "error", err.Error())
		return struct{}{}, err
	},
		backoff.WithBackOff(t.newBackOff()),
		backoff.WithMaxTries(uint(t.cfg.MaxRetries+1)),
	)
	return err
}

func (t *SendGridTransport) doOnce(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.BaseURL+"/v3/mail/send", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+t.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg := strings.TrimSpace(string(raw))
	var er errorResponse
	if json.Unmarshal(raw, &er) == nil && len(er.Errors) > 0 && er.Errors[0].Message != "" {
		msg = er.Errors[0].Message
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &HTTPError{StatusCode: resp.StatusCode, Message: msg}
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}
