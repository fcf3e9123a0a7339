package utils

import (
	"golang.org/x/crypto/bcrypt"

	"github.com/example/tempverify/internal/errs"
)

// MinPasswordLength is the shortest password accepted at registration.
const MinPasswordLength = 8

// HashPassword returns a bcrypt hash of the provided password.
func HashPassword(password string) (string, error) {
	if len(password) < MinPasswordLength {
		return "", errs.Validation("password", "password must be at least 8 characters")
	}
	// bcrypt ignores everything past 72 bytes.
	if len(password) > 72 {
		return "", errs.Validation("password", "password must be at most 72 bytes")
	}
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(bytes), err
}

// CheckPassword compares a bcrypt hashed password with its possible plaintext equivalent.
func CheckPassword(hashedPassword, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password)) == nil
}
