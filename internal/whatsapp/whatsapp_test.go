package whatsapp

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/josuesantos-jjr/archer-online-sub001/internal/disparo"
	"github.com/josuesantos-jjr/archer-online-sub001/internal/pkg/logger"
)

type fakeClient struct {
	connected  bool
	registered map[string]types.JID
	checks     []string
	checkErr   error
	uploads    []whatsmeow.MediaType
	sent       []*waE2E.Message
	sentTo     []types.JID
}

func newFakeClient() *fakeClient {
	return &fakeClient{connected: true, registered: map[string]types.JID{}}
}

func (f *fakeClient) IsConnected() bool { return f.connected }

func (f *fakeClient) IsOnWhatsApp(ctx context.Context, phones []string) ([]types.IsOnWhatsAppResponse, error) {
	f.checks = append(f.checks, phones...)
	if f.checkErr != nil {
		return nil, f.checkErr
	}
	var out []types.IsOnWhatsAppResponse
	for _, p := range phones {
		jid, ok := f.registered[strings.TrimPrefix(p, "+")]
		out = append(out, types.IsOnWhatsAppResponse{Query: p, JID: jid, IsIn: ok})
	}
	return out, nil
}

func (f *fakeClient) Upload(ctx context.Context, data []byte, mt whatsmeow.MediaType) (whatsmeow.UploadResponse, error) {
	f.uploads = append(f.uploads, mt)
	return whatsmeow.UploadResponse{URL: "https://mmg.example/x", DirectPath: "/x", MediaKey: []byte("k")}, nil
}

func (f *fakeClient) SendMessage(ctx context.Context, to types.JID, msg *waE2E.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error) {
	f.sentTo = append(f.sentTo, to)
	f.sent = append(f.sent, msg)
	return whatsmeow.SendResponse{}, nil
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"5511987654321", "5511987654321", false},
		{"(11) 98765-4321", "5511987654321", false},
		{"1133334444", "551133334444", false},
		{"+1 415 555 0100", "14155550100", false},
		{"0055 11 98765 4321", "5511987654321", false},
		{"12345", "", true},
		{"", "", true},
		{"1234567890123456", "", true},
	}
	for _, tt := range tests {
		got, err := NormalizePhone(tt.in, "55")
		if (err != nil) != tt.wantErr {
			t.Errorf("NormalizePhone(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err != nil && !errors.Is(err, disparo.ErrPermanent) {
			t.Errorf("NormalizePhone(%q) error %v is not permanent", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("NormalizePhone(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRegistrationCache(t *testing.T) {
	ctx := context.Background()
	cache, err := OpenRegistrationCache(filepath.Join(t.TempDir(), "registration.db"), 30*24*time.Hour)
	require.NoError(t, err)
	defer cache.Close()

	now := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	_, ok, err := cache.Get(ctx, "5511987654321", now)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Put(ctx, "5511987654321", "551187654321@s.whatsapp.net", now))
	jid, ok, err := cache.Get(ctx, "5511987654321", now.Add(24*time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "551187654321@s.whatsapp.net", jid)

	_, ok, err = cache.Get(ctx, "5511987654321", now.Add(31*24*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok, "expired entries are ignored")

	require.NoError(t, cache.Put(ctx, "5511900000000", "5511900000000@s.whatsapp.net", now.Add(20*24*time.Hour)))
	n, err := cache.Purge(ctx, now.Add(31*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestCheckRegistration(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	client.registered["5511987654321"] = types.NewJID("551187654321", types.DefaultUserServer)

	cache, err := OpenRegistrationCache(filepath.Join(t.TempDir(), "registration.db"), time.Hour)
	require.NoError(t, err)
	defer cache.Close()

	tr := NewTransport(client, TransportOptions{DefaultCountryCode: "55", Cache: cache})

	reg, err := tr.CheckRegistration(ctx, "(11) 98765-4321")
	require.NoError(t, err)
	assert.True(t, reg.Registered)
	assert.Equal(t, "551187654321@s.whatsapp.net", reg.ChatID, "the network-resolved JID is used")

	reg, err = tr.CheckRegistration(ctx, "5511987654321")
	require.NoError(t, err)
	assert.True(t, reg.Registered)
	assert.Len(t, client.checks, 1, "second check is served from the cache")

	reg, err = tr.CheckRegistration(ctx, "5511911112222")
	require.NoError(t, err)
	assert.False(t, reg.Registered)

	_, err = tr.CheckRegistration(ctx, "123")
	assert.ErrorIs(t, err, disparo.ErrPermanent)

	client.connected = false
	_, err = tr.CheckRegistration(ctx, "5511933334444")
	assert.ErrorIs(t, err, ErrNotConnected)

	client.connected = true
	client.checkErr = errors.New("usync timeout")
	_, err = tr.CheckRegistration(ctx, "5511933334444")
	require.Error(t, err)
	assert.False(t, errors.Is(err, disparo.ErrPermanent), "network errors are transient")
}

func TestSendText(t *testing.T) {
	client := newFakeClient()
	tr := NewTransport(client, TransportOptions{DefaultCountryCode: "55"})

	require.NoError(t, tr.SendText(context.Background(), "551187654321@s.whatsapp.net", "Oi"))
	require.NoError(t, tr.SendText(context.Background(), "11987654321", "Oi de novo"))

	require.Len(t, client.sent, 2)
	assert.Equal(t, "Oi", client.sent[0].GetConversation())
	assert.Equal(t, "551187654321", client.sentTo[0].User)
	assert.Equal(t, "5511987654321", client.sentTo[1].User)

	assert.ErrorIs(t, tr.SendText(context.Background(), "123", "Oi"), disparo.ErrPermanent)
}

func writeMedia(t *testing.T, name string, data []byte) string {
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func TestSendMedia(t *testing.T) {
	ctx := context.Background()
	png := append([]byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}, bytes.Repeat([]byte{0}, 32)...)
	mp3 := append([]byte("ID3"), bytes.Repeat([]byte{0}, 32)...)
	pdf := append([]byte("%PDF-1.4\n"), bytes.Repeat([]byte{' '}, 32)...)

	client := newFakeClient()
	tr := NewTransport(client, TransportOptions{DefaultCountryCode: "55"})
	chat := "5511987654321@s.whatsapp.net"

	require.NoError(t, tr.SendImage(ctx, chat, writeMedia(t, "promo.png", png), "Promoção"))
	require.NoError(t, tr.SendVoiceNote(ctx, chat, writeMedia(t, "audio.mp3", mp3)))
	require.NoError(t, tr.SendDocument(ctx, chat, writeMedia(t, "tabela.pdf", pdf), "Tabela"))
	require.NoError(t, tr.SendImage(ctx, chat, writeMedia(t, "fake.jpg", []byte("just some text here")), ""))

	assert.Equal(t, []whatsmeow.MediaType{whatsmeow.MediaImage, whatsmeow.MediaAudio, whatsmeow.MediaDocument, whatsmeow.MediaDocument}, client.uploads)
	require.Len(t, client.sent, 4)

	img := client.sent[0].GetImageMessage()
	require.NotNil(t, img)
	assert.Equal(t, "image/png", img.GetMimetype())
	assert.Equal(t, "Promoção", img.GetCaption())

	audio := client.sent[1].GetAudioMessage()
	require.NotNil(t, audio)
	assert.True(t, audio.GetPTT())

	doc := client.sent[2].GetDocumentMessage()
	require.NotNil(t, doc)
	assert.Equal(t, "tabela.pdf", doc.GetFileName())
	assert.Equal(t, "application/pdf", doc.GetMimetype())

	assert.NotNil(t, client.sent[3].GetDocumentMessage(), "non-image content falls back to a document")

	assert.Error(t, tr.SendImage(ctx, chat, filepath.Join(t.TempDir(), "missing.png"), ""))
}

func TestInboundFrom(t *testing.T) {
	chat := types.NewJID("5511987654321", types.DefaultUserServer)
	at := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	msg := func(src types.MessageSource, m *waE2E.Message) *events.Message {
		return &events.Message{Info: types.MessageInfo{MessageSource: src, Timestamp: at}, Message: m}
	}
	direct := types.MessageSource{Chat: chat, Sender: chat}

	got, ok := inboundFrom(msg(direct, &waE2E.Message{Conversation: proto.String("quero saber mais")}))
	require.True(t, ok)
	assert.Equal(t, "5511987654321", got.Phone)
	assert.Equal(t, chat.String(), got.ChatID)
	assert.Equal(t, at, got.At)

	got, ok = inboundFrom(msg(direct, &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("link")}}))
	require.True(t, ok)
	assert.Equal(t, "link", got.Text)

	_, ok = inboundFrom(msg(types.MessageSource{Chat: chat, Sender: chat, IsFromMe: true}, &waE2E.Message{Conversation: proto.String("x")}))
	assert.False(t, ok)
	_, ok = inboundFrom(msg(types.MessageSource{Chat: chat, Sender: chat, IsGroup: true}, &waE2E.Message{Conversation: proto.String("x")}))
	assert.False(t, ok)
	_, ok = inboundFrom(msg(direct, &waE2E.Message{}))
	assert.False(t, ok)
}

func TestLoggerAdapter(t *testing.T) {
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(os.Stderr)

	l := NewLogger("acme", logger.WARN)
	l.Infof("dropped %d", 1)
	l.Sub("Client").Warnf("stream error: %s", "503")

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "stream error: 503")
	assert.Contains(t, out, "acme/Client")
}
