package auth

import (
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// MFAVerifier checks TOTP codes with a one-period skew in either direction
type MFAVerifier struct {
	now func() time.Time
}

// NewMFAVerifier creates an MFAVerifier
func NewMFAVerifier() *MFAVerifier {
	return &MFAVerifier{now: time.Now}
}

// Validate reports whether code is valid for secret at the current time
func (v *MFAVerifier) Validate(secret, code string) bool {
	if secret == "" || code == "" {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, v.now().UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}
