package mail

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"gopkg.in/gomail.v2"

	"backbone/internal/config"
	"backbone/internal/domain"
	"backbone/internal/support"
)

const (
	alertSubject   = "You have received a new message"
	confirmSubject = "Your message has been sent"
)

var (
	//go:embed templates/*.html
	templateFS embed.FS

	templates = template.Must(template.ParseFS(templateFS, "templates/*.html"))
)

// Sender delivers prepared messages. *gomail.Dialer satisfies it.
type Sender interface {
	DialAndSend(m ...*gomail.Message) error
}

// Mailer sends contact notifications in the background. Failures are logged
// and never reach the request that triggered them.
type Mailer struct {
	sender   Sender
	settings func() config.MailConfig
	wg       sync.WaitGroup
}

func New(sender Sender, settings func() config.MailConfig) *Mailer {
	if settings == nil {
		settings = func() config.MailConfig { return config.GetConfig().Mail }
	}
	return &Mailer{sender: sender, settings: settings}
}

// NewFromEnv dials the SMTP server given by MAIL_HOST, MAIL_PORT,
// MAIL_USERNAME and MAIL_PASSWORD.
func NewFromEnv() *Mailer {
	host := support.GetEnv("MAIL_HOST", "")
	if host == "" {
		return New(nil, nil)
	}
	dialer := gomail.NewDialer(
		host,
		support.GetEnvInt("MAIL_PORT", 587),
		support.GetEnv("MAIL_USERNAME", ""),
		support.GetEnv("MAIL_PASSWORD", ""),
	)
	return New(dialer, nil)
}

type contactView struct {
	Contact  domain.Contact
	AdminURL string
	SiteURL  string
}

// SendNotifications alerts the admins and, when asked, confirms receipt to
// the sender. It returns immediately.
func (m *Mailer) SendNotifications(contact domain.Contact, notifyAdmin, notifyUser bool) {
	if m == nil {
		return
	}
	settings := m.settings()
	if !settings.Enabled || m.sender == nil {
		log.Debug("Mail disabled, skipping contact notifications", "contact_id", contact.ID)
		return
	}

	var messages []*gomail.Message
	view := contactView{
		Contact:  contact,
		AdminURL: adminURL(settings.SiteURL, contact.ID),
		SiteURL:  settings.SiteURL,
	}

	if notifyAdmin && len(settings.AdminRecipients) > 0 {
		msg, err := m.compose(settings.From, settings.AdminRecipients, alertSubject, "contact_alert.html", view)
		if err != nil {
			log.Error("Failed to render contact alert", "contact_id", contact.ID, "error", err)
		} else {
			msg.SetHeader("Reply-To", contact.Email)
			messages = append(messages, msg)
		}
	}
	if notifyUser && contact.Email != "" {
		msg, err := m.compose(settings.From, []string{contact.Email}, confirmSubject, "contact_confirm.html", view)
		if err != nil {
			log.Error("Failed to render contact confirmation", "contact_id", contact.ID, "error", err)
		} else {
			messages = append(messages, msg)
		}
	}
	if len(messages) == 0 {
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.sender.DialAndSend(messages...); err != nil {
			log.Error("Failed to send contact notifications", "contact_id", contact.ID, "error", err)
			return
		}
		log.Debug("Contact notifications sent", "contact_id", contact.ID, "count", len(messages))
	}()
}

// Wait blocks until every pending notification has been handed to the sender.
func (m *Mailer) Wait() {
	m.wg.Wait()
}

func (m *Mailer) compose(from string, to []string, subject, tmpl string, view contactView) (*gomail.Message, error) {
	var body bytes.Buffer
	if err := templates.ExecuteTemplate(&body, tmpl, view); err != nil {
		return nil, err
	}

	msg := gomail.NewMessage(gomail.SetEncoding(gomail.Unencoded))
	msg.SetHeader("From", from)
	msg.SetHeader("To", to...)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/html", body.String())
	return msg, nil
}

func adminURL(siteURL string, id uint64) string {
	if siteURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/admin/contacts/%d", strings.TrimRight(siteURL, "/"), id)
}
