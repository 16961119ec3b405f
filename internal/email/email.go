// Package email sends the signup welcome mail. With no SMTP host configured
// the sender logs the mail instead, which is what local development wants.
package email

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"

	"github.com/rs/zerolog"
)

type Sender struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	Log      zerolog.Logger
}

func NewSender(host, port, username, password, from string, logger zerolog.Logger) *Sender {
	return &Sender{
		Host:     host,
		Port:     port,
		Username: username,
		Password: password,
		From:     from,
		Log:      logger,
	}
}

const welcomeTemplate = `
<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; color: #333;">
    <h1>Welcome to Banter, {{.Username}}!</h1>
    <p>Your account is ready. Log in, start a chat, and say hi.</p>
    <p>If you didn't sign up, you can safely ignore this email.</p>
</body>
</html>
`

func (s *Sender) SendWelcome(to, username string) error {
	t, err := template.New("welcome").Parse(welcomeTemplate)
	if err != nil {
		return fmt.Errorf("parse template: %w", err)
	}

	var body bytes.Buffer
	if err := t.Execute(&body, map[string]string{"Username": username}); err != nil {
		return fmt.Errorf("execute template: %w", err)
	}

	headers := map[string]string{
		"From":         s.From,
		"To":           to,
		"Subject":      "Welcome to Banter",
		"MIME-Version": "1.0",
		"Content-Type": `text/html; charset="UTF-8"`,
	}

	message := ""
	for k, v := range headers {
		message += fmt.Sprintf("%s: %s\r\n", k, v)
	}
	message += "\r\n" + body.String()

	if s.Host == "" {
		s.Log.Info().Str("to", to).Str("subject", headers["Subject"]).Msg("mock email (no SMTP host configured)")
		return nil
	}

	smtpAuth := smtp.PlainAuth("", s.Username, s.Password, s.Host)
	addr := fmt.Sprintf("%s:%s", s.Host, s.Port)
	return smtp.SendMail(addr, smtpAuth, s.From, []string{to}, []byte(message))
}
