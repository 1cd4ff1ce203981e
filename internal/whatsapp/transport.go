// Package whatsapp is the messaging transport of a tenant: a whatsmeow
// session, registration checks with a local cache, and text and media sends.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/h2non/filetype"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"golang.org/x/time/rate"
	"google.golang.org/protobuf/proto"

	"github.com/josuesantos-jjr/archer-online-sub001/internal/disparo"
	"github.com/josuesantos-jjr/archer-online-sub001/internal/pkg/logger"
)

// ErrNotConnected is returned while the session is offline. It is transient.
var ErrNotConnected = errors.New("whatsapp session not connected")

// Client is the part of *whatsmeow.Client the transport needs.
type Client interface {
	IsConnected() bool
	IsOnWhatsApp(ctx context.Context, phones []string) ([]types.IsOnWhatsAppResponse, error)
	Upload(ctx context.Context, plaintext []byte, appInfo whatsmeow.MediaType) (whatsmeow.UploadResponse, error)
	SendMessage(ctx context.Context, to types.JID, message *waE2E.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error)
}

// TransportOptions tune a Transport.
type TransportOptions struct {
	DefaultCountryCode string
	// CheckRate limits registration lookups per second. Zero disables the limit.
	CheckRate float64
	Cache     *RegistrationCache
	Now       func() time.Time
}

// Transport implements disparo.Transport on a whatsmeow client.
type Transport struct {
	client  Client
	cache   *RegistrationCache
	limiter *rate.Limiter
	cc      string
	now     func() time.Time
}

var _ disparo.Transport = (*Transport)(nil)

// NewTransport wraps client.
func NewTransport(client Client, opts TransportOptions) *Transport {
	t := &Transport{
		client: client,
		cache:  opts.Cache,
		cc:     opts.DefaultCountryCode,
		now:    opts.Now,
	}
	if t.now == nil {
		t.now = time.Now
	}
	if opts.CheckRate > 0 {
		t.limiter = rate.NewLimiter(rate.Limit(opts.CheckRate), 1)
	}
	return t
}

// CheckRegistration asks the network whether phone has an account. Positive
// answers are cached.
func (t *Transport) CheckRegistration(ctx context.Context, phone string) (disparo.Registration, error) {
	digits, err := NormalizePhone(phone, t.cc)
	if err != nil {
		return disparo.Registration{}, err
	}

	if t.cache != nil {
		jid, ok, err := t.cache.Get(ctx, digits, t.now())
		if err != nil {
			logger.Warn("registration cache read failed", "phone", digits, "error", err)
		} else if ok {
			return disparo.Registration{Registered: true, ChatID: jid}, nil
		}
	}

	if !t.client.IsConnected() {
		return disparo.Registration{}, ErrNotConnected
	}
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return disparo.Registration{}, err
		}
	}

	resp, err := t.client.IsOnWhatsApp(ctx, []string{"+" + digits})
	if err != nil {
		return disparo.Registration{}, fmt.Errorf("checking registration: %w", err)
	}
	if len(resp) == 0 || !resp[0].IsIn {
		return disparo.Registration{}, nil
	}

	jid := resp[0].JID
	if jid.IsEmpty() {
		jid = types.NewJID(digits, types.DefaultUserServer)
	}
	chatID := jid.String()
	if t.cache != nil {
		if err := t.cache.Put(ctx, digits, chatID, t.now()); err != nil {
			logger.Warn("registration cache write failed", "phone", digits, "error", err)
		}
	}
	return disparo.Registration{Registered: true, ChatID: chatID}, nil
}

// resolve turns a chat id or a bare phone into a JID.
func (t *Transport) resolve(chatID string) (types.JID, error) {
	if strings.Contains(chatID, "@") {
		jid, err := types.ParseJID(chatID)
		if err != nil {
			return types.JID{}, fmt.Errorf("invalid chat id %q: %w", chatID, disparo.ErrPermanent)
		}
		return jid, nil
	}
	digits, err := NormalizePhone(chatID, t.cc)
	if err != nil {
		return types.JID{}, err
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}

func (t *Transport) send(ctx context.Context, chatID string, msg *waE2E.Message) error {
	jid, err := t.resolve(chatID)
	if err != nil {
		return err
	}
	if !t.client.IsConnected() {
		return ErrNotConnected
	}
	if _, err := t.client.SendMessage(ctx, jid, msg); err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

// SendText sends a plain text message.
func (t *Transport) SendText(ctx context.Context, chatID, text string) error {
	return t.send(ctx, chatID, &waE2E.Message{Conversation: proto.String(text)})
}

// SendImage uploads and sends an image. Files that are not images go out as
// documents.
func (t *Transport) SendImage(ctx context.Context, chatID, path, caption string) error {
	return t.sendFile(ctx, chatID, path, caption, disparo.MediaImage)
}

// SendVideo uploads and sends a video. Files that are not videos go out as
// documents.
func (t *Transport) SendVideo(ctx context.Context, chatID, path, caption string) error {
	return t.sendFile(ctx, chatID, path, caption, disparo.MediaVideo)
}

// SendDocument uploads and sends any file as a document.
func (t *Transport) SendDocument(ctx context.Context, chatID, path, caption string) error {
	return t.sendFile(ctx, chatID, path, caption, disparo.MediaDocument)
}

// SendVoiceNote uploads audio and sends it as a push-to-talk voice note.
func (t *Transport) SendVoiceNote(ctx context.Context, chatID, path string) error {
	return t.sendFile(ctx, chatID, path, "", disparo.MediaAudio)
}

func (t *Transport) sendFile(ctx context.Context, chatID, path, caption string, kind disparo.MediaKind) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading media: %w", err)
	}
	if len(data) == 0 {
		return fmt.Errorf("media file %s is empty", filepath.Base(path))
	}

	kind, mime := sniff(data, kind)
	if !t.client.IsConnected() {
		return ErrNotConnected
	}

	up, err := t.client.Upload(ctx, data, mediaType(kind))
	if err != nil {
		return fmt.Errorf("uploading media: %w", err)
	}
	return t.send(ctx, chatID, buildMediaMessage(up, kind, mime, caption, filepath.Base(path), len(data)))
}

// sniff checks the wanted kind against the file content and returns the kind
// actually sent with its MIME type.
func sniff(data []byte, want disparo.MediaKind) (disparo.MediaKind, string) {
	mime := "application/octet-stream"
	if t, err := filetype.Match(data); err == nil && t != filetype.Unknown {
		mime = t.MIME.Value
	}

	switch want {
	case disparo.MediaImage:
		if filetype.IsImage(data) {
			return want, mime
		}
	case disparo.MediaVideo:
		if filetype.IsVideo(data) {
			return want, mime
		}
	case disparo.MediaAudio:
		if filetype.IsAudio(data) {
			if mime == "audio/ogg" {
				mime = "audio/ogg; codecs=opus"
			}
			return want, mime
		}
	default:
		return disparo.MediaDocument, mime
	}
	logger.Warn("media content does not match its kind, sending as document", "kind", string(want), "mime", mime)
	return disparo.MediaDocument, mime
}

func mediaType(kind disparo.MediaKind) whatsmeow.MediaType {
	switch kind {
	case disparo.MediaImage:
		return whatsmeow.MediaImage
	case disparo.MediaVideo:
		return whatsmeow.MediaVideo
	case disparo.MediaAudio:
		return whatsmeow.MediaAudio
	default:
		return whatsmeow.MediaDocument
	}
}

func buildMediaMessage(up whatsmeow.UploadResponse, kind disparo.MediaKind, mime, caption, fileName string, size int) *waE2E.Message {
	length := proto.Uint64(uint64(size))
	switch kind {
	case disparo.MediaImage:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			Mimetype:      proto.String(mime),
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    length,
			Caption:       proto.String(caption),
		}}
	case disparo.MediaVideo:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			Mimetype:      proto.String(mime),
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    length,
			Caption:       proto.String(caption),
		}}
	case disparo.MediaAudio:
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			Mimetype:      proto.String(mime),
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    length,
			PTT:           proto.Bool(true),
		}}
	default:
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			Mimetype:      proto.String(mime),
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    length,
			FileName:      proto.String(fileName),
			Caption:       proto.String(caption),
		}}
	}
}
