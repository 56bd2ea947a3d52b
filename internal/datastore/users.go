package datastore

import (
	"fmt"

	"gorm.io/gorm"
)

// GetUser retrieves a user by username.
func (ds *DataStore) GetUser(username string) (*User, error) {
	var user User
	if err := ds.DB.First(&user, "username = ?", username).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("getting user %s: %w", username, err)
	}
	return &user, nil
}

// SaveUser creates or updates a user row.
func (ds *DataStore) SaveUser(user *User) error {
	if err := ds.DB.Save(user).Error; err != nil {
		return fmt.Errorf("saving user %s: %w", user.Username, err)
	}
	return nil
}
