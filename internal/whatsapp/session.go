package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotPaired means the device store holds no logged-in device yet. Run
// the pairing flow first.
var ErrNotPaired = errors.New("whatsapp session not paired")

// InboundMessage is a text message received from a contact.
type InboundMessage struct {
	ChatID string
	Phone  string
	Text   string
	At     time.Time
}

// Session is the whatsmeow connection of one tenant.
type Session struct {
	Tenant    string
	Client    *whatsmeow.Client
	container *sqlstore.Container
}

// OpenSession opens the tenant device store at dbPath and builds a client for
// its first device. It does not connect.
func OpenSession(ctx context.Context, tenant, dbPath string, waLogger waLog.Logger) (*Session, error) {
	container, err := sqlstore.New(ctx, "sqlite3", "file:"+dbPath+"?_foreign_keys=on", waLogger.Sub("Database"))
	if err != nil {
		return nil, fmt.Errorf("opening device store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		container.Close()
		return nil, fmt.Errorf("loading device: %w", err)
	}
	client := whatsmeow.NewClient(device, waLogger.Sub("Client"))
	client.EnableAutoReconnect = true

	s := &Session{Tenant: tenant, Client: client, container: container}
	client.AddEventHandler(s.logConnectionEvents)
	return s, nil
}

// Paired reports whether the device store holds a logged-in device.
func (s *Session) Paired() bool {
	return s.Client.Store.ID != nil
}

// Connect connects a paired session.
func (s *Session) Connect() error {
	if !s.Paired() {
		return ErrNotPaired
	}
	if err := s.Client.Connect(); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	return nil
}

// Pair runs the QR login flow, printing each code to out, and returns once
// the phone confirmed the link.
func (s *Session) Pair(ctx context.Context, out io.Writer) error {
	if s.Paired() {
		return s.Connect()
	}
	qrChan, err := s.Client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("getting QR channel: %w", err)
	}
	if err := s.Client.Connect(); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}

	for evt := range qrChan {
		switch evt.Event {
		case "code":
			qr, err := qrcode.New(evt.Code, qrcode.Medium)
			if err != nil {
				return fmt.Errorf("rendering QR code: %w", err)
			}
			fmt.Fprintf(out, "Scan with WhatsApp on the phone of tenant %s:\n%s\n", s.Tenant, qr.ToSmallString(false))
		case "success":
			log.Printf("[WhatsApp:%s] Paired as %s", s.Tenant, s.Client.Store.ID)
			return nil
		case "timeout":
			return fmt.Errorf("pairing timed out")
		default:
			if evt.Error != nil {
				return fmt.Errorf("pairing failed: %w", evt.Error)
			}
			log.Printf("[WhatsApp:%s] Pairing event: %s", s.Tenant, evt.Event)
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("pairing ended without success")
}

// OnMessage registers fn for text messages from individual chats.
func (s *Session) OnMessage(fn func(InboundMessage)) {
	s.Client.AddEventHandler(func(evt interface{}) {
		v, ok := evt.(*events.Message)
		if !ok {
			return
		}
		if msg, ok := inboundFrom(v); ok {
			fn(msg)
		}
	})
}

func inboundFrom(v *events.Message) (InboundMessage, bool) {
	if v.Info.IsFromMe || v.Info.IsGroup {
		return InboundMessage{}, false
	}
	text := messageText(v.Message)
	if strings.TrimSpace(text) == "" {
		return InboundMessage{}, false
	}
	return InboundMessage{
		ChatID: v.Info.Chat.String(),
		Phone:  v.Info.Sender.User,
		Text:   text,
		At:     v.Info.Timestamp,
	}, true
}

func messageText(m *waE2E.Message) string {
	if m == nil {
		return ""
	}
	if t := m.GetConversation(); t != "" {
		return t
	}
	if t := m.GetExtendedTextMessage().GetText(); t != "" {
		return t
	}
	if t := m.GetImageMessage().GetCaption(); t != "" {
		return t
	}
	return m.GetVideoMessage().GetCaption()
}

func (s *Session) logConnectionEvents(evt interface{}) {
	switch v := evt.(type) {
	case *events.Connected:
		log.Printf("[WhatsApp:%s] Connected", s.Tenant)
	case *events.Disconnected:
		log.Printf("[WhatsApp:%s] Disconnected", s.Tenant)
	case *events.LoggedOut:
		log.Printf("[WhatsApp:%s] Logged out (reason %v), pair again with -pair %s", s.Tenant, v.Reason, s.Tenant)
	}
}

// Close disconnects and closes the device store.
func (s *Session) Close() error {
	s.Client.Disconnect()
	return s.container.Close()
}
