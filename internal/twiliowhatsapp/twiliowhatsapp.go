// Package twiliowhatsapp wraps the Twilio REST API for WhatsApp messaging in DuetPipe.
package twiliowhatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// AddressPrefix marks a Twilio address as a WhatsApp number.
const AddressPrefix = "whatsapp:"

var (
	ErrMissingCredentials = errors.New("account SID and auth token must be provided")
	ErrMissingFrom        = errors.New("from number must be provided")
)

var nonDigits = regexp.MustCompile(`\D`)

// Sender sends a WhatsApp text through Twilio. Implemented by Client and MockClient.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// Opts holds configuration options for the Twilio WhatsApp client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sending number, with or without the "whatsapp:" prefix.
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// Client wraps the Twilio REST API for WhatsApp.
type Client struct {
	client    *twilio.RestClient
	fromWhats string
}

// NewClient builds a client, falling back to TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and
// TWILIO_FROM_NUMBER for unset options.
func NewClient(opts ...Option) (*Client, error) {
	cfg, err := resolveOpts(opts...)
	if err != nil {
		return nil, err
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &Client{client: client, fromWhats: Address(cfg.FromWhats)}, nil
}

func resolveOpts(opts ...Option) (Opts, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromWhats == "" {
		cfg.FromWhats = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("twiliowhatsapp.NewClient: config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromWhats_set", cfg.FromWhats != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return cfg, ErrMissingCredentials
	}
	if cfg.FromWhats == "" {
		return cfg, ErrMissingFrom
	}
	return cfg, nil
}

// Canonicalize strips the "whatsapp:" prefix and all non-digits from a phone number.
func Canonicalize(number string) (string, error) {
	digits := nonDigits.ReplaceAllString(strings.TrimPrefix(strings.TrimSpace(number), AddressPrefix), "")
	if digits == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in %q", number)
	}
	if len(digits) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", digits)
	}
	return digits, nil
}

// Address formats a number as a Twilio WhatsApp address ("whatsapp:+15551234567").
func Address(number string) string {
	n := strings.TrimPrefix(strings.TrimSpace(number), AddressPrefix)
	if !strings.HasPrefix(n, "+") {
		n = "+" + n
	}
	return AddressPrefix + n
}

// SendMessage sends body to the WhatsApp number to.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	canonical, err := Canonicalize(to)
	if err != nil {
		return err
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(Address(canonical))
	params.SetFrom(c.fromWhats)
	params.SetBody(body)

	if _, err := c.client.Api.CreateMessage(params); err != nil {
		slog.Error("twiliowhatsapp.Client.SendMessage: send failed", "to", canonical, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", canonical, err)
	}
	slog.Debug("twiliowhatsapp.Client.SendMessage: sent", "to", canonical, "body_length", len(body))
	return nil
}

// SentMessage is a message recorded by MockClient.
type SentMessage struct {
	To   string
	Body string
}

// MockClient records messages instead of calling Twilio.
type MockClient struct {
	mu           sync.Mutex
	SentMessages []SentMessage
	Err          error
}

func NewMockClient() *MockClient {
	return &MockClient{SentMessages: []SentMessage{}}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: body})
	return nil
}

// Messages returns a copy of the recorded messages.
func (m *MockClient) Messages() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.SentMessages...)
}
