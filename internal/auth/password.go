package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// absentUserHash is compared against when the account does not exist so a
// failed sign-in costs the same whether or not the email is known.
var absentUserHash, _ = bcrypt.GenerateFromPassword([]byte("absent-user-placeholder"), bcrypt.DefaultCost)

// HashPassword hashes plaintext password using bcrypt.
func HashPassword(password string) (string, error) {
	if len(password) == 0 {
		return "", errors.New("password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword compares plaintext password with stored hash and reports
// ErrInvalidCredentials on any mismatch.
func VerifyPassword(hash, password string) error {
	if hash == "" {
		_ = bcrypt.CompareHashAndPassword(absentUserHash, []byte(password))
		return ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}
