package services

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/smtp"
	"net/url"

	"go.uber.org/zap"

	"github.com/speakerdesk/contract-engine/internal/config"
	"github.com/speakerdesk/contract-engine/internal/models"
)

// EmailService is the SMTP Notifier. With no SMTP_HOST configured it only
// logs the message, which is the development default.
type EmailService struct {
	config *config.Config
	log    *zap.Logger
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
	tmpl   *template.Template
}

func NewEmailService(cfg *config.Config, log *zap.Logger) *EmailService {
	return &EmailService{
		config: cfg,
		log:    log,
		send:   smtp.SendMail,
		tmpl:   template.Must(template.New("email").Parse(baseEmailTemplate)),
	}
}

// EmailData contains common email template data
type EmailData struct {
	AppName       string
	RecipientName string
	Subject       string
	Paragraphs    []string
	Details       []EmailDetail
	ActionURL     string
	ActionLabel   string
}

type EmailDetail struct {
	Label string
	Value string
}

const baseEmailTemplate = `
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>{{.Subject}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; }
        .container { max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { background: #1f2937; color: white; padding: 24px; text-align: center; border-radius: 8px 8px 0 0; }
        .content { background: #f9fafb; padding: 30px; border-radius: 0 0 8px 8px; }
        .button { display: inline-block; background: #2563eb; color: white; padding: 12px 30px; text-decoration: none; border-radius: 6px; margin: 20px 0; }
        .footer { text-align: center; color: #888; font-size: 12px; margin-top: 20px; }
    </style>
</head>
<body>
    <div class="container">
        <div class="header">
            <h1>{{.AppName}}</h1>
        </div>
        <div class="content">
            <p>Hi {{.RecipientName}},</p>
            {{range .Paragraphs}}<p>{{.}}</p>
            {{end}}
            {{if .Details}}
            <ul>
                {{range .Details}}<li><strong>{{.Label}}:</strong> {{.Value}}</li>
                {{end}}
            </ul>
            {{end}}
            {{if .ActionURL}}
            <p style="text-align: center;">
                <a href="{{.ActionURL}}" class="button">{{.ActionLabel}}</a>
            </p>
            {{end}}
        </div>
        <div class="footer">
            <p>&copy; {{.AppName}}. All rights reserved.</p>
            <p>This is an automated message. Please do not reply.</p>
        </div>
    </div>
</body>
</html>
`

// SigningURL is the link a party follows to review and sign.
func (s *EmailService) SigningURL(c *models.Contract, token string) string {
	return fmt.Sprintf("%s/contracts/%d/sign?token=%s", s.config.AppURL, c.ID, url.QueryEscape(token))
}

// SendInvite asks one party to sign.
func (s *EmailService) SendInvite(ctx context.Context, c *models.Contract, party models.SignerType, token string) error {
	p := c.Party(party)
	if p.Email == "" {
		return fmt.Errorf("no email address for %s", party)
	}

	data := EmailData{
		RecipientName: p.Name,
		Subject:       fmt.Sprintf("Please sign contract %s", c.ContractNumber),
		Paragraphs: []string{
			fmt.Sprintf("You have been asked to sign contract %s as the %s.", c.ContractNumber, party),
			"The link below is personal to you. Do not forward it.",
		},
		Details:     contractDetails(c),
		ActionURL:   s.SigningURL(c, token),
		ActionLabel: "Review and Sign",
	}
	if c.TokensExpireAt != nil {
		data.Details = append(data.Details, EmailDetail{
			Label: "Link expires",
			Value: c.TokensExpireAt.UTC().Format("January 2, 2006 15:04 MST"),
		})
	}

	return s.deliver(ctx, p.Email, data)
}

// SendConfirmation tells one party the contract is fully executed.
func (s *EmailService) SendConfirmation(ctx context.Context, c *models.Contract, party models.SignerType) error {
	p := c.Party(party)
	if p.Email == "" {
		return fmt.Errorf("no email address for %s", party)
	}

	data := EmailData{
		RecipientName: p.Name,
		Subject:       fmt.Sprintf("Contract %s is fully executed", c.ContractNumber),
		Paragraphs: []string{
			fmt.Sprintf("Contract %s has been signed by all required parties.", c.ContractNumber),
			"No further action is needed.",
		},
		Details: contractDetails(c),
	}
	if c.FullyExecutedAt != nil {
		data.Details = append(data.Details, EmailDetail{
			Label: "Executed",
			Value: c.FullyExecutedAt.UTC().Format("January 2, 2006 15:04 MST"),
		})
	}

	return s.deliver(ctx, p.Email, data)
}

func contractDetails(c *models.Contract) []EmailDetail {
	details := []EmailDetail{{Label: "Contract", Value: c.ContractNumber}}
	if c.EventName != "" {
		details = append(details, EmailDetail{Label: "Event", Value: c.EventName})
	}
	if c.EventDate != nil {
		details = append(details, EmailDetail{Label: "Event date", Value: c.EventDate.Format("January 2, 2006")})
	}
	return details
}

func (s *EmailService) deliver(ctx context.Context, to string, data EmailData) error {
	body, err := s.renderEmail(data)
	if err != nil {
		return err
	}
	return s.sendEmail(ctx, to, data.Subject, body)
}

// renderEmail renders an email using the base template
func (s *EmailService) renderEmail(data EmailData) (string, error) {
	data.AppName = s.config.AppName

	var buf bytes.Buffer
	if err := s.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render email: %w", err)
	}
	return buf.String(), nil
}

// sendEmail sends over SMTP, giving up when ctx is done.
func (s *EmailService) sendEmail(ctx context.Context, to, subject, body string) error {
	if s.config.SMTPHost == "" {
		s.log.Info("email not sent, smtp disabled",
			zap.String("to", to),
			zap.String("subject", subject),
		)
		return nil
	}

	from := s.config.FromEmail
	auth := smtp.PlainAuth("", s.config.SMTPUser, s.config.SMTPPassword, s.config.SMTPHost)

	headers := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/html; charset=UTF-8\r\n\r\n",
		from, to, subject)
	msg := []byte(headers + body)
	addr := fmt.Sprintf("%s:%d", s.config.SMTPHost, s.config.SMTPPort)

	errc := make(chan error, 1)
	go func() {
		errc <- s.send(addr, auth, from, []string{to}, msg)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("smtp send to %s: %w", to, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
