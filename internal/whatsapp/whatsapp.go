// Package whatsapp wraps the Whatsmeow client for WhatsApp integration in DuetPipe.
//
// Conversations are WhatsApp chats, usually groups the bot has been added to. The client logs in
// with a QR code on first start and keeps its device state in SQLite or PostgreSQL.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/BTreeMap/DuetPipe/internal/store"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
)

const (
	// DefaultSQLitePath is the default path for the whatsmeow device database.
	DefaultSQLitePath = "/var/lib/duetpipe/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID server for regular users.
	JIDSuffix = types.DefaultUserServer
)

var (
	ErrEmptyChat = errors.New("chat cannot be empty")
	ErrEmptyBody = errors.New("message body cannot be empty")
)

// Sender sends text to a WhatsApp chat. Implemented by Client and MockClient.
type Sender interface {
	SendText(ctx context.Context, chat string, body string) error
}

// Opts holds configuration options for the WhatsApp client.
type Opts struct {
	DBDSN       string // whatsmeow database connection string
	QRPath      string // path to write login QR code
	NumericCode bool   // print the raw pairing code instead of a QR code
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the whatsmeow database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithQRCodeOutput writes the login QR code to path instead of stdout.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode prints the pairing code as text instead of rendering a QR code.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// Client wraps the Whatsmeow client.
type Client struct {
	waClient *whatsmeow.Client
}

// driverFor picks the database/sql driver for a whatsmeow DSN.
func driverFor(dsn string) string {
	if store.DetectDSNType(dsn) == "postgres" {
		return "postgres"
	}
	return "sqlite3"
}

// hasForeignKeys reports whether a SQLite DSN enables foreign keys, which whatsmeow requires.
func hasForeignKeys(dsn string) bool {
	return strings.Contains(dsn, "_foreign_keys") || strings.Contains(dsn, "foreign_keys")
}

// NewClient connects to WhatsApp, running the QR login flow when the device is not yet paired.
func NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("whatsapp.NewClient: options set", "DBDSN_set", cfg.DBDSN != "", "QRPath_set", cfg.QRPath != "", "NumericCode", cfg.NumericCode)

	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		dbDSN = DefaultSQLitePath
		slog.Debug("whatsapp.NewClient: no database DSN provided, using default SQLite path", "default_path", dbDSN)
	}

	dbDriver := driverFor(dbDSN)
	if dbDriver == "sqlite3" && !hasForeignKeys(dbDSN) {
		slog.Warn("whatsapp.NewClient: SQLite DSN does not enable foreign keys; whatsmeow expects them",
			"dsn_example", "file:"+dbDSN+"?_foreign_keys=on")
	}

	logger := waLog.Stdout("Database", "INFO", true)
	container, err := sqlstore.New(ctx, dbDriver, dbDSN, logger)
	if err != nil {
		slog.Error("whatsapp.NewClient: failed to initialize device store", "error", err)
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		slog.Error("whatsapp.NewClient: failed to get device", "error", err)
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}

	waClient := whatsmeow.NewClient(deviceStore, waLog.Stdout("Client", "INFO", true))

	if waClient.Store.ID == nil {
		if err := login(ctx, waClient, cfg); err != nil {
			return nil, err
		}
	} else {
		slog.Debug("whatsapp.NewClient: already logged in, connecting")
		if err := waClient.Connect(); err != nil {
			slog.Error("whatsapp.NewClient: failed to connect", "error", err)
			return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
	}
	slog.Info("whatsapp.NewClient: connected")
	return &Client{waClient: waClient}, nil
}

func login(ctx context.Context, waClient *whatsmeow.Client, cfg Opts) error {
	slog.Info("whatsapp.login: login required, starting QR code flow")
	qrChan, _ := waClient.GetQRChannel(ctx)
	if err := waClient.Connect(); err != nil {
		slog.Error("whatsapp.login: failed to connect", "error", err)
		return fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
	}

	writer := io.Writer(os.Stdout)
	if cfg.QRPath != "" {
		f, err := os.Create(cfg.QRPath)
		if err != nil {
			return fmt.Errorf("failed to create QR file: %w", err)
		}
		defer f.Close()
		writer = f
	}
	for evt := range qrChan {
		if evt.Event == "code" {
			if cfg.NumericCode {
				fmt.Fprintln(writer, evt.Code)
			} else {
				qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
			}
			continue
		}
		slog.Info("whatsapp.login: login event", "event", evt.Event)
	}
	return nil
}

// ResolveChat turns a chat identifier into a JID. Full JIDs ("...@g.us", "...@s.whatsapp.net") are
// parsed as-is; bare phone numbers are treated as user chats.
func ResolveChat(chat string) (types.JID, error) {
	chat = strings.TrimSpace(chat)
	if chat == "" {
		return types.JID{}, ErrEmptyChat
	}
	if strings.Contains(chat, "@") {
		jid, err := types.ParseJID(chat)
		if err != nil {
			return types.JID{}, fmt.Errorf("invalid chat %q: %w", chat, err)
		}
		return jid, nil
	}
	return types.NewJID(strings.TrimPrefix(chat, "+"), JIDSuffix), nil
}

// SendText sends a plain text message to chat.
func (c *Client) SendText(ctx context.Context, chat string, body string) error {
	if c.waClient == nil || c.waClient.Store == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	if body == "" {
		return ErrEmptyBody
	}
	jid, err := ResolveChat(chat)
	if err != nil {
		return err
	}

	msg := &waE2E.Message{Conversation: &body}
	if _, err := c.waClient.SendMessage(ctx, jid, msg); err != nil {
		slog.Error("whatsapp.Client.SendText: send failed", "chat", jid.String(), "error", err)
		return fmt.Errorf("failed to send message to %s: %w", jid, err)
	}
	slog.Debug("whatsapp.Client.SendText: sent", "chat", jid.String(), "body_length", len(body))
	return nil
}

// GetClient returns the underlying whatsmeow client for event handling.
func (c *Client) GetClient() *whatsmeow.Client {
	return c.waClient
}

// Close disconnects from WhatsApp.
func (c *Client) Close() {
	if c.waClient != nil {
		c.waClient.Disconnect()
	}
}

// SentText is a message recorded by MockClient.
type SentText struct {
	Chat string
	Body string
}

// MockClient records sent messages instead of talking to WhatsApp.
type MockClient struct {
	mu   sync.Mutex
	Sent []SentText
	Err  error
}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendText(ctx context.Context, chat string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if _, err := ResolveChat(chat); err != nil {
		return err
	}
	m.Sent = append(m.Sent, SentText{Chat: chat, Body: body})
	return nil
}

// Messages returns a copy of the recorded messages.
func (m *MockClient) Messages() []SentText {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentText(nil), m.Sent...)
}
