package adapters

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"go.uber.org/zap"
)

// EmailServiceConfig holds operator alert e-mail configuration
type EmailServiceConfig struct {
	APIKey      string
	FromEmail   string
	FromName    string
	Recipients  []string
	Environment string
}

type sendFunc func(ctx context.Context, message *mail.SGMailV3) (status int, body string, err error)

// EmailService sends operator alerts through SendGrid. Without an API key or
// recipients it only logs, which is what local and test environments get.
type EmailService struct {
	logger *zap.Logger
	config EmailServiceConfig
	send   sendFunc
}

// NewEmailService creates a new email service
func NewEmailService(logger *zap.Logger, config EmailServiceConfig) *EmailService {
	if config.FromName == "" {
		config.FromName = "Settlement Service"
	}
	e := &EmailService{logger: logger, config: config}

	if strings.TrimSpace(config.APIKey) != "" && len(config.Recipients) > 0 {
		client := sendgrid.NewSendClient(config.APIKey)
		e.send = func(ctx context.Context, message *mail.SGMailV3) (int, string, error) {
			response, err := client.SendWithContext(ctx, message)
			if err != nil {
				return 0, "", err
			}
			return response.StatusCode, response.Body, nil
		}
	} else {
		logger.Warn("Operator alert e-mail not configured, alerts will only be logged")
	}
	return e
}

// Enabled reports whether alerts leave the process.
func (e *EmailService) Enabled() bool {
	return e.send != nil
}

// Alert notifies every operator recipient. Failures are logged and returned;
// callers treat alerting as best effort.
func (e *EmailService) Alert(ctx context.Context, subject, body string) error {
	if e.config.Environment != "" {
		subject = fmt.Sprintf("[%s] %s", e.config.Environment, subject)
	}
	e.logger.Warn("Operator alert", zap.String("subject", subject), zap.String("body", body))
	if e.send == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	from := mail.NewEmail(e.config.FromName, e.config.FromEmail)
	htmlContent := "<pre>" + html.EscapeString(body) + "</pre>"

	var firstErr error
	for _, to := range e.config.Recipients {
		message := mail.NewSingleEmail(from, subject, mail.NewEmail("", to), body, htmlContent)
		status, respBody, err := e.send(ctx, message)
		if err == nil && status >= 400 {
			err = fmt.Errorf("email service error: status %d, body: %s", status, respBody)
		}
		if err != nil {
			e.logger.Error("Failed to send operator alert",
				zap.String("provider", "sendgrid"),
				zap.String("to", to),
				zap.String("subject", subject),
				zap.Error(err))
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to send email: %w", err)
			}
			continue
		}
		e.logger.Info("Operator alert sent",
			zap.String("provider", "sendgrid"),
			zap.String("to", to),
			zap.Int("status_code", status))
	}
	return firstErr
}
