// Package auth hashes and verifies session join codes. The code itself is
// never stored; only its bcrypt hash lives on the session row.
package auth

import "golang.org/x/crypto/bcrypt"

// HashJoinCode hashes a join code for storage.
func HashJoinCode(code string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyJoinCode reports whether code matches the stored hash. An empty hash
// means the session has no join code and accepts any.
func VerifyJoinCode(hash, code string) bool {
	if hash == "" {
		return true
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(code)) == nil
}
