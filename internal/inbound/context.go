// Package inbound merges bursts of incoming chat messages and answers them
// through a Responder, logging both sides to the contact history.
package inbound

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/josuesantos-jjr/archer-online-sub001/internal/disparo"
	"github.com/josuesantos-jjr/archer-online-sub001/internal/pkg/logger"
	"github.com/josuesantos-jjr/archer-online-sub001/internal/pkg/retry"
)

const defaultDebounce = 10 * time.Second

// TextSender is the part of the transport used for replies.
type TextSender interface {
	SendText(ctx context.Context, chatID, text string) error
}

// Options wire a Context.
type Options struct {
	History   disparo.HistoryStore
	Responder Responder
	Sender    TextSender
	Debounce  time.Duration
	Policy    retry.Policy
	Timeout   time.Duration
	Now       func() time.Time
}

// Context owns one tenant's inbound state: a debounce timer and a message
// buffer per chat.
type Context struct {
	tenant string
	opts   Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	timers  map[string]*time.Timer
	buffers map[string][]string
	phones  map[string]string
	closed  bool
}

// NewContext creates the inbound state for tenant.
func NewContext(tenant string, opts Options) *Context {
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	if opts.Policy == (retry.Policy{}) {
		opts.Policy = retry.DefaultPolicy()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Context{
		tenant:  tenant,
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		timers:  make(map[string]*time.Timer),
		buffers: make(map[string][]string),
		phones:  make(map[string]string),
	}
}

// Handle buffers text for chatID and restarts its debounce timer.
func (c *Context) Handle(chatID, phone, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.buffers[chatID] = append(c.buffers[chatID], text)
	c.phones[chatID] = phone

	if t, ok := c.timers[chatID]; ok && t.Stop() {
		c.wg.Done()
	}
	c.wg.Add(1)
	c.timers[chatID] = time.AfterFunc(c.opts.Debounce, func() {
		defer c.wg.Done()
		if err := c.Flush(c.ctx, chatID); err != nil {
			logger.Warn("inbound flush failed", "tenant", c.tenant, "chat", chatID, "error", err.Error())
		}
	})
}

// Pending returns the number of chats with buffered messages.
func (c *Context) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffers)
}

// Flush answers the buffered messages of chatID now.
func (c *Context) Flush(ctx context.Context, chatID string) error {
	c.mu.Lock()
	msgs := c.buffers[chatID]
	phone := c.phones[chatID]
	delete(c.buffers, chatID)
	delete(c.phones, chatID)
	if t, ok := c.timers[chatID]; ok {
		if t.Stop() {
			c.wg.Done()
		}
		delete(c.timers, chatID)
	}
	c.mu.Unlock()

	if len(msgs) == 0 {
		return nil
	}
	if phone == "" {
		phone = strings.SplitN(chatID, "@", 2)[0]
	}
	text := strings.Join(msgs, "\n")

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	c.appendHistory(ctx, phone, disparo.DirectionUser, text)
	history, err := c.opts.History.Load(ctx, phone)
	if err != nil {
		logger.Warn("loading history", "tenant", c.tenant, "phone", phone, "error", err.Error())
	}

	req := Request{Tenant: c.tenant, Phone: phone, ChatID: chatID, Message: text, History: history}
	reply, err := retry.DoValue(ctx, c.opts.Policy, func(ctx context.Context) (string, error) {
		return c.opts.Responder.Respond(ctx, req)
	}, nil)
	if err != nil {
		return err
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return nil
	}

	if err := c.opts.Sender.SendText(ctx, chatID, reply); err != nil {
		return err
	}
	c.appendHistory(ctx, phone, disparo.DirectionAI, reply)
	return nil
}

// Close stops pending timers without answering and waits for running
// flushes.
func (c *Context) Close() {
	c.mu.Lock()
	c.closed = true
	for chatID, t := range c.timers {
		if t.Stop() {
			c.wg.Done()
		}
		delete(c.timers, chatID)
	}
	dropped := len(c.buffers)
	c.buffers = make(map[string][]string)
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	if dropped > 0 {
		log.Printf("[Inbound:%s] Closed with %d unanswered chats", c.tenant, dropped)
	}
}

func (c *Context) appendHistory(ctx context.Context, phone string, dir disparo.Direction, text string) {
	entry := disparo.NewHistoryEntry(c.opts.Now(), dir, text)
	if err := c.opts.History.Append(ctx, phone, entry); err != nil {
		logger.Warn("writing history", "tenant", c.tenant, "phone", phone, "error", err.Error())
	}
}
