package auth

import (
	"crypto/subtle"
	"encoding/base32"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	totpPeriod     = 30
	totpSkew       = 1
	totpSecretSize = 20
)

// TOTP generates and verifies RFC 6238 codes: 30 second period, 6 digits,
// SHA1, one step of drift tolerated either side.
type TOTP struct {
	Issuer string
}

// NewTOTP returns a TOTP bound to issuer for provisioning URIs.
func NewTOTP(issuer string) *TOTP {
	issuer = strings.TrimSpace(issuer)
	if issuer == "" {
		issuer = "CRM"
	}
	return &TOTP{Issuer: issuer}
}

func (t *TOTP) opts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      totpSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}
}

// GenerateSecret creates a fresh base32 secret and its provisioning URI.
func (t *TOTP) GenerateSecret(account string) (Enrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      t.Issuer,
		AccountName: account,
		Period:      totpPeriod,
		SecretSize:  totpSecretSize,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return Enrollment{}, fmt.Errorf("generate totp secret: %w", err)
	}
	return Enrollment{Secret: key.Secret(), URI: key.URL()}, nil
}

// URI rebuilds the otpauth:// URI for an existing secret.
func (t *TOTP) URI(secret, account string) (string, error) {
	raw, err := decodeSecret(secret)
	if err != nil {
		return "", err
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      t.Issuer,
		AccountName: account,
		Period:      totpPeriod,
		Secret:      raw,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", fmt.Errorf("build totp uri: %w", err)
	}
	return key.URL(), nil
}

// Generate returns the code for the step containing at.
func (t *TOTP) Generate(secret string, at time.Time) (string, error) {
	return totp.GenerateCodeCustom(secret, at, t.opts())
}

// Verify checks code against the steps around at and returns the matching step.
// The caller must still pass the step through a ReplayGuard.
func (t *TOTP) Verify(code, secret string, at time.Time) (uint64, bool) {
	code = strings.TrimSpace(code)
	if len(code) != otp.DigitsSix.Length() {
		return 0, false
	}
	for offset := -totpSkew; offset <= totpSkew; offset++ {
		ts := at.Add(time.Duration(offset*totpPeriod) * time.Second)
		want, err := totp.GenerateCodeCustom(secret, ts, t.opts())
		if err != nil {
			return 0, false
		}
		if subtle.ConstantTimeCompare([]byte(want), []byte(code)) == 1 {
			return uint64(ts.Unix()) / totpPeriod, true
		}
	}
	return 0, false
}

func decodeSecret(secret string) ([]byte, error) {
	s := strings.ToUpper(strings.TrimRight(strings.TrimSpace(secret), "="))
	raw, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed totp secret", ErrInvalidInput)
	}
	return raw, nil
}
