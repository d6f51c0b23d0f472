// FILE: internal/pkg/mailer/alert_service.go
package mailer

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/gomail.v2"
)

// IAlertService notifies operations of capture sessions that need a human.
type IAlertService interface {
	SendStuckSession(noteUUID string, waitingCycles []int, cycle int) error
}

// Sender abstracts the SMTP dialer.
type Sender interface {
	DialAndSend(m ...*gomail.Message) error
}

type alertService struct {
	sender      Sender
	senderEmail string
	senderName  string
	alertTo     []string
}

// NewAlertService returns a no-op service when no host or recipient is configured.
func NewAlertService(host string, port int, username, password, senderEmail, senderName, alertTo string) IAlertService {
	recipients := splitRecipients(alertTo)
	if host == "" || len(recipients) == 0 {
		return noopAlertService{}
	}
	return NewAlertServiceWithSender(gomail.NewDialer(host, port, username, password), senderEmail, senderName, recipients)
}

func NewAlertServiceWithSender(sender Sender, senderEmail, senderName string, alertTo []string) IAlertService {
	return &alertService{
		sender:      sender,
		senderEmail: senderEmail,
		senderName:  senderName,
		alertTo:     alertTo,
	}
}

func (s *alertService) SendStuckSession(noteUUID string, waitingCycles []int, cycle int) error {
	m := gomail.NewMessage()
	m.SetAddressHeader("From", s.senderEmail, s.senderName)
	m.SetHeader("To", s.alertTo...)
	m.SetHeader("Subject", fmt.Sprintf("[scribe] stuck capture session %s", noteUUID))

	body := fmt.Sprintf(`
		<div style="font-family: Arial, sans-serif; padding: 20px; color: #333;">
			<h2>Capture session stuck</h2>
			<p>Note: <b>%s</b></p>
			<p>Last rendered cycle: %d</p>
			<p>Waiting cycles: %v</p>
			<p>The running flag was cleared at %s so the next request can take over.</p>
		</div>
	`, noteUUID, cycle, waitingCycles, time.Now().UTC().Format(time.RFC3339))
	m.SetBody("text/html", body)

	if err := s.sender.DialAndSend(m); err != nil {
		return fmt.Errorf("send stuck session alert: %w", err)
	}
	return nil
}

type noopAlertService struct{}

func NewNoopAlertService() IAlertService {
	return noopAlertService{}
}

func (noopAlertService) SendStuckSession(string, []int, int) error { return nil }

func splitRecipients(list string) []string {
	var out []string
	for _, r := range strings.Split(list, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}
