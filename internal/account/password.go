package account

import "golang.org/x/crypto/bcrypt"

// DefaultBcryptCost matches golang.org/x/crypto/bcrypt's recommended default.
// HashPassword always hashes at this cost; it takes no cost argument.
const DefaultBcryptCost = bcrypt.DefaultCost

// HashPassword salts and hashes a plaintext password with bcrypt.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), DefaultBcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword reports whether password matches the stored bcrypt hash.
func VerifyPassword(hash, password string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrInvalidCredential
	}
	return nil
}
