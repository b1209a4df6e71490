package domain

import "time"

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

type User struct {
	ID       uint   `gorm:"primaryKey;autoIncrement"`
	Email    string `gorm:"uniqueIndex;not null;size:255"`
	Password string `gorm:"not null;size:100" json:"-"`
	Role     string `gorm:"not null;default:'user';check:role IN ('user', 'admin')"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// HealthcheckDummy is written and removed by the database healthcheck.
type HealthcheckDummy struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement"`
	Content   string    `gorm:"size:64;not null"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (HealthcheckDummy) TableName() string {
	return "healthcheck_dummies"
}
