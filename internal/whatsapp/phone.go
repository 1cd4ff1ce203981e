package whatsapp

import (
	"fmt"
	"strings"

	"github.com/josuesantos-jjr/archer-online-sub001/internal/disparo"
)

// NormalizePhone reduces raw to international digits. Numbers written
// without a country code (10 or 11 digits, area code included) get
// defaultCC. Anything that cannot be a phone number is a permanent failure.
func NormalizePhone(raw, defaultCC string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	digits = strings.TrimPrefix(digits, "00")

	hasPlus := strings.HasPrefix(strings.TrimSpace(raw), "+")
	if !hasPlus && defaultCC != "" && (len(digits) == 10 || len(digits) == 11) {
		digits = strings.TrimPrefix(digits, "0")
		if len(digits) >= 10 {
			digits = defaultCC + digits
		}
	}

	if len(digits) < 10 || len(digits) > 15 {
		return "", fmt.Errorf("invalid phone number %q: %w", raw, disparo.ErrPermanent)
	}
	return digits, nil
}
