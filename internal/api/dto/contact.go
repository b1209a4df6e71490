package dto

import (
	"time"

	"backbone/internal/contact"
	"backbone/internal/domain"
)

type ContactRequest struct {
	Name       string `json:"name"`
	Email      string `json:"email"`
	Subject    string `json:"subject"`
	Body       string `json:"body"`
	NotifyUser bool   `json:"notify_user"`
}

func (r ContactRequest) ToSubmission() contact.Submission {
	return contact.Submission{
		Name:       r.Name,
		Email:      r.Email,
		Subject:    r.Subject,
		Body:       r.Body,
		NotifyUser: r.NotifyUser,
	}
}

type Contact struct {
	ID        uint64    `json:"id"`
	IP        string    `json:"ip"`
	UserID    *uint     `json:"user_id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

type ContactPage struct {
	Items []Contact `json:"items"`
	Total int64     `json:"total"`
}

func NewContact(c domain.Contact) Contact {
	return Contact{
		ID:        c.ID,
		IP:        c.IP,
		UserID:    c.UserID,
		Name:      c.Name,
		Email:     c.Email,
		Subject:   c.Subject,
		Body:      c.Body,
		CreatedAt: c.CreatedAt,
	}
}

func NewContactPage(contacts []domain.Contact, total int64) ContactPage {
	page := ContactPage{Items: make([]Contact, 0, len(contacts)), Total: total}
	for _, c := range contacts {
		page.Items = append(page.Items, NewContact(c))
	}
	return page
}
