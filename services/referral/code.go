package referral

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base32"
	"strings"
)

var codeEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// CodeDeriver maps a visitor identity to its referral code. The same
// visitor always gets the same code and codes cannot be guessed without
// the secret.
type CodeDeriver struct {
	secret []byte
	length int
}

func NewCodeDeriver(secret string, length int) *CodeDeriver {
	if length <= 0 || length > 32 {
		length = 8
	}
	return &CodeDeriver{secret: []byte(secret), length: length}
}

func (d *CodeDeriver) Derive(visitorID string) string {
	mac := hmac.New(sha256.New, d.secret)
	mac.Write([]byte(visitorID))
	return codeEncoding.EncodeToString(mac.Sum(nil))[:d.length]
}

// NormalizeCode trims and upper-cases a user supplied code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
