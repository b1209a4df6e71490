package domain

import "time"

const (
	ContactNameMinLength    = 3
	ContactNameMaxLength    = 100
	ContactSubjectMinLength = 3
	ContactSubjectMaxLength = 50
	ContactBodyMinLength    = 10
	ContactBodyMaxLength    = 2000
)

// Contact is a message sent through the public contact form.
type Contact struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"`

	IP     string `gorm:"size:45;not null;index:idx_contacts_ip_created,priority:1"`
	UserID *uint  `gorm:"index"`

	Name    string `gorm:"size:100;not null"`
	Email   string `gorm:"size:254;not null"`
	Subject string `gorm:"size:50;not null"`
	Body    string `gorm:"type:text;not null"`

	CreatedAt time.Time `gorm:"autoCreateTime;index:idx_contacts_ip_created,priority:2"`
}

func (Contact) TableName() string {
	return "contacts"
}

// HasExpired reports whether the contact is older than the retention window.
func (c *Contact) HasExpired(now time.Time, retentionDays int) bool {
	return c.CreatedAt.Before(now.AddDate(0, 0, -retentionDays))
}
