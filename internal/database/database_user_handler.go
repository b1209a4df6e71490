package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"backbone/internal/domain"
)

func GetUserFromId(id uint) (domain.User, error) {
	var user domain.User
	if err := DB.Where("id = ?", id).Take(&user).Error; err != nil {
		return user, notFound(err, fmt.Sprintf("user %d", id))
	}
	return user, nil
}

func GetUserByEmail(ctx context.Context, email string) (domain.User, error) {
	var user domain.User
	err := DB.WithContext(ctx).Where("email = ?", strings.ToLower(strings.TrimSpace(email))).Take(&user).Error
	if err != nil {
		return user, notFound(err, "user "+email)
	}
	return user, nil
}

// CreateUser stores a new account. The very first account becomes admin; a
// taken email yields domain.ErrConflict.
func CreateUser(ctx context.Context, user *domain.User) error {
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))

	err := DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing domain.User
		err := tx.Where("email = ?", user.Email).Take(&existing).Error
		if err == nil {
			return fmt.Errorf("user %s: %w", user.Email, domain.ErrConflict)
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		var count int64
		if err := tx.Model(&domain.User{}).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			user.Role = domain.RoleAdmin
		} else {
			user.Role = domain.RoleUser
		}

		return tx.Create(user).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("user %s: %w", user.Email, domain.ErrConflict)
	}
	return err
}

func ChangePassword(userID uint, password string) error {
	err := DB.Model(&domain.User{}).Where("ID = ?", userID).Update("password", password).Error
	return err
}
