package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

const (
	// MinPasswordLength is counted in characters, not bytes.
	MinPasswordLength = 12
	// PasswordSymbols is the accepted punctuation set.
	PasswordSymbols = "!@#$%^&*()_+-=[]{};':\"\\|,.<>/?`~"

	DefaultBcryptCost = 12

	argon2Prefix = "$argon2id$"
)

// ErrWeakPassword is wrapped by every PolicyViolation.
var ErrWeakPassword = errors.New("auth: password does not meet complexity requirements")

// PolicyViolation names the first complexity rule a password fails.
type PolicyViolation struct {
	Rule    string
	Message string
}

func (e *PolicyViolation) Error() string { return e.Message }

func (e *PolicyViolation) Unwrap() error { return ErrWeakPassword }

// ValidatePasswordComplexity checks length, uppercase, lowercase, digit and
// symbol in that order and reports only the first failing rule.
func ValidatePasswordComplexity(password string) error {
	if utf8.RuneCountInString(password) < MinPasswordLength {
		return &PolicyViolation{Rule: "length", Message: fmt.Sprintf("Password must be at least %d characters long", MinPasswordLength)}
	}
	var upper, lower, digit, symbol bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case strings.ContainsRune(PasswordSymbols, r):
			symbol = true
		}
	}
	switch {
	case !upper:
		return &PolicyViolation{Rule: "uppercase", Message: "Password must contain at least one uppercase letter"}
	case !lower:
		return &PolicyViolation{Rule: "lowercase", Message: "Password must contain at least one lowercase letter"}
	case !digit:
		return &PolicyViolation{Rule: "digit", Message: "Password must contain at least one number"}
	case !symbol:
		return &PolicyViolation{Rule: "symbol", Message: "Password must contain at least one special character"}
	}
	return nil
}

// PasswordHasher hashes and verifies passwords.
type PasswordHasher interface {
	Hash(password string) (string, error)
	// Verify returns false with a nil error on mismatch.
	Verify(hash, password string) (bool, error)
	NeedsRehash(hash string) bool
}

// BcryptHasher hashes with bcrypt and still verifies legacy argon2id hashes
// so they can be upgraded on the next successful login.
type BcryptHasher struct {
	Cost int
}

// NewBcryptHasher returns a hasher at cost, or DefaultBcryptCost when cost is out of range.
func NewBcryptHasher(cost int) BcryptHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultBcryptCost
	}
	return BcryptHasher{Cost: cost}
}

func (h BcryptHasher) Hash(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("%w: password is empty", ErrInvalidInput)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.cost())
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

func (h BcryptHasher) Verify(hash, password string) (bool, error) {
	if hash == "" {
		return false, errors.New("password hash is empty")
	}
	if strings.HasPrefix(hash, argon2Prefix) {
		return verifyArgon2(hash, password)
	}
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, fmt.Errorf("verify password: %w", err)
	}
}

func (h BcryptHasher) NeedsRehash(hash string) bool {
	if strings.HasPrefix(hash, argon2Prefix) {
		return true
	}
	cost, err := bcrypt.Cost([]byte(hash))
	return err != nil || cost < h.cost()
}

func (h BcryptHasher) cost() int {
	if h.Cost == 0 {
		return DefaultBcryptCost
	}
	return h.Cost
}

// verifyArgon2 checks "$argon2id$v=19$m=..,t=..,p=..$salt$hash" in constant time.
func verifyArgon2(encoded, password string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false, errors.New("malformed argon2id hash")
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return false, errors.New("unsupported argon2id version")
	}
	var memory, iterations uint32
	var parallelism uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &parallelism); err != nil {
		return false, fmt.Errorf("malformed argon2id params: %w", err)
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, fmt.Errorf("malformed argon2id salt: %w", err)
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, fmt.Errorf("malformed argon2id hash: %w", err)
	}
	got := argon2.IDKey([]byte(password), salt, iterations, memory, parallelism, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

const (
	tempPasswordLength = 16
	upperChars         = "ABCDEFGHJKLMNPQRSTUVWXYZ"
	lowerChars         = "abcdefghijkmnopqrstuvwxyz"
	digitChars         = "23456789"
	symbolChars        = "!@#$%^&*-_=+?"
)

// GenerateTemporaryPassword returns a random password that passes
// ValidatePasswordComplexity.
func GenerateTemporaryPassword() (string, error) {
	classes := []string{upperChars, lowerChars, digitChars, symbolChars}
	all := strings.Join(classes, "")
	out := make([]byte, 0, tempPasswordLength)
	for _, class := range classes {
		c, err := randomChar(class)
		if err != nil {
			return "", err
		}
		out = append(out, c)
	}
	for len(out) < tempPasswordLength {
		c, err := randomChar(all)
		if err != nil {
			return "", err
		}
		out = append(out, c)
	}
	for i := len(out) - 1; i > 0; i-- {
		j, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return "", fmt.Errorf("shuffle temporary password: %w", err)
		}
		out[i], out[j.Int64()] = out[j.Int64()], out[i]
	}
	return string(out), nil
}

func randomChar(set string) (byte, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(set))))
	if err != nil {
		return 0, fmt.Errorf("generate temporary password: %w", err)
	}
	return set[n.Int64()], nil
}
