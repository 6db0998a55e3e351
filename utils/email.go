// utils/email.go
package utils

import (
	"context"
	"fmt"

	"github.com/resend/resend-go/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// EmailService sends transactional mail through Resend.
type EmailService struct {
	client  *resend.Client
	from    string
	printer *message.Printer
}

// NewEmailService returns nil (mail disabled) when no API key is configured.
func NewEmailService(cfg *Config) *EmailService {
	if cfg.ResendAPIKey == "" || cfg.FromEmail == "" {
		return nil
	}
	return &EmailService{
		client:  resend.NewClient(cfg.ResendAPIKey),
		from:    cfg.FromEmail,
		printer: message.NewPrinter(language.English),
	}
}

// SendPaymentConfirmation emails the user after a deposit is credited.
func (s *EmailService) SendPaymentConfirmation(ctx context.Context, email, name string, amount decimal.Decimal, currency string) error {
	formatted := s.printer.Sprintf("%.2f", amount.InexactFloat64())

	html := fmt.Sprintf(`
<!DOCTYPE html>
<html lang="en">
<body style="margin: 0; padding: 0; font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, Arial, sans-serif; background-color: #f5f5f5;">
  <table role="presentation" cellpadding="0" cellspacing="0" width="100%%" style="background-color: #f5f5f5; padding: 40px 0;">
    <tr>
      <td align="center">
        <table role="presentation" cellpadding="0" cellspacing="0" width="100%%" style="max-width: 600px; background-color: #ffffff; border-radius: 8px;">
          <tr>
            <td style="padding: 40px 60px;">
              <h2 style="margin: 0 0 20px 0; font-size: 20px; color: #333333;">Hello %s,</h2>
              <p style="margin: 0 0 20px 0; font-size: 15px; color: #666666; line-height: 1.6;">
                Your deposit of <strong>%s %s</strong> has been confirmed and credited to your StocksCo wallet.
              </p>
              <p style="margin: 0; font-size: 13px; color: #999999;">
                If you did not make this deposit, please contact support immediately.
              </p>
            </td>
          </tr>
        </table>
      </td>
    </tr>
  </table>
</body>
</html>`, name, formatted, currency)

	params := &resend.SendEmailRequest{
		From:    s.from,
		To:      []string{email},
		Subject: "Deposit Confirmed",
		Html:    html,
	}

	if _, err := s.client.Emails.SendWithContext(ctx, params); err != nil {
		return fmt.Errorf("failed to send payment confirmation email: %w", err)
	}
	return nil
}
