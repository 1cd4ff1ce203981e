package report

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/josuesantos-jjr/archer-online-sub001/internal/disparo"
	"github.com/josuesantos-jjr/archer-online-sub001/internal/render"
)

const dailySubject = `[{{ tenant }}] Relatório de disparos {{ date | brdate }}`

// SESSendAPI is the part of the SES client the mailer uses.
type SESSendAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// EmailReporter mails the daily report. List and progress reports stay in
// the chat.
type EmailReporter struct {
	client SESSendAPI
	from   string
	to     []string
	tpl    *render.TemplateService
}

// NewEmailReporter sends from one address to every recipient in to.
func NewEmailReporter(client SESSendAPI, from string, to []string, tpl *render.TemplateService) *EmailReporter {
	if tpl == nil {
		tpl = render.NewTemplateService()
	}
	return &EmailReporter{client: client, from: from, to: to, tpl: tpl}
}

// DailyReport implements disparo.Reporter.
func (e *EmailReporter) DailyReport(ctx context.Context, s disparo.DailySummary) error {
	if len(e.to) == 0 {
		return nil
	}
	vars := dailyVars(s)
	subject, err := e.tpl.Render(dailySubject, vars)
	if err != nil {
		return fmt.Errorf("rendering subject: %w", err)
	}
	body, err := e.tpl.Render(dailyTemplate, vars)
	if err != nil {
		return fmt.Errorf("rendering body: %w", err)
	}

	_, err = e.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(e.from),
		Destination:      &types.Destination{ToAddresses: e.to},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(body), Charset: aws.String("UTF-8")},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("sending daily report email: %w", err)
	}
	return nil
}

// ListReport implements disparo.Reporter.
func (e *EmailReporter) ListReport(context.Context, disparo.ListSummary) error { return nil }

// Progress implements disparo.Reporter.
func (e *EmailReporter) Progress(context.Context, disparo.ProgressUpdate) error { return nil }
