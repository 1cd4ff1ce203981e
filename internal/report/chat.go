package report

import (
	"context"
	"fmt"
	"sort"

	"github.com/josuesantos-jjr/archer-online-sub001/internal/disparo"
	"github.com/josuesantos-jjr/archer-online-sub001/internal/render"
)

const (
	dailyTemplate = `📊 *Relatório diário* {{ date | brdate }}
Enviadas: {{ counts.sent | number_with_delimiter }} de {{ quota | number_with_delimiter }}
Sem WhatsApp: {{ counts.noWhatsApp }}
Falhas: {{ counts.failed }}
Pendentes: {{ counts.pending }}
Aquecimento: dia {{ day }}{% if warmupLeft > 0 %} ({{ warmupLeft }} restantes){% endif %}
{% for l in lists %}
• {{ l.name }}: {{ l.counts.sent }} enviadas{% endfor %}`

	listTemplate = `✅ *Lista concluída*: {{ list }}
Total: {{ counts.total }}
Enviadas: {{ counts.sent }}
Sem WhatsApp: {{ counts.noWhatsApp }}
Falhas: {{ counts.failed }}
Concluída em {{ completedAt | brdate }}`

	progressTemplate = `📈 Lista {{ list }}: {{ tier | percentage }} enviada ({{ sent }}/{{ total }}, {{ processed }} processados)`
)

// TextSender is the part of the transport the chat reporter needs.
type TextSender interface {
	SendText(ctx context.Context, chatID, text string) error
}

// ChatReporter sends reports as WhatsApp messages to the tenant admin chat.
type ChatReporter struct {
	chat   string
	sender TextSender
	tpl    *render.TemplateService
}

// NewChatReporter sends to adminChat through sender.
func NewChatReporter(adminChat string, sender TextSender, tpl *render.TemplateService) *ChatReporter {
	if tpl == nil {
		tpl = render.NewTemplateService()
	}
	return &ChatReporter{chat: adminChat, sender: sender, tpl: tpl}
}

// DailyReport implements disparo.Reporter.
func (c *ChatReporter) DailyReport(ctx context.Context, s disparo.DailySummary) error {
	return c.send(ctx, dailyTemplate, dailyVars(s))
}

// ListReport implements disparo.Reporter.
func (c *ChatReporter) ListReport(ctx context.Context, s disparo.ListSummary) error {
	return c.send(ctx, listTemplate, listVars(s))
}

// Progress implements disparo.Reporter.
func (c *ChatReporter) Progress(ctx context.Context, u disparo.ProgressUpdate) error {
	return c.send(ctx, progressTemplate, progressVars(u))
}

func (c *ChatReporter) send(ctx context.Context, tpl string, vars map[string]any) error {
	text, err := c.tpl.Render(tpl, vars)
	if err != nil {
		return fmt.Errorf("rendering report: %w", err)
	}
	if err := c.sender.SendText(ctx, c.chat, text); err != nil {
		return fmt.Errorf("sending report to admin chat: %w", err)
	}
	return nil
}

func sortedKeys(m map[string]disparo.OutcomeCounts) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
