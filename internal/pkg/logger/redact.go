package logger

import "strings"

// RedactEmail masks an email address for safe logging.
// "john.doe@example.com" → "jo***@example.com"
// Short local parts (≤2 chars) are fully masked: "ab@example.com" → "***@example.com"
func RedactEmail(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return "***@***"
	}
	name := parts[0]
	if len(name) > 2 {
		return name[:2] + "***@" + parts[1]
	}
	return "***@" + parts[1]
}

// RedactPhone keeps the country/area prefix and the last four digits.
// "5511987654321" → "5511*****4321"
// Eight digits or fewer are fully masked.
func RedactPhone(phone string) string {
	prefix := ""
	if strings.HasPrefix(phone, "+") {
		prefix, phone = "+", phone[1:]
	}
	if len(phone) <= 8 {
		return prefix + strings.Repeat("*", len(phone))
	}
	return prefix + phone[:4] + strings.Repeat("*", len(phone)-8) + phone[len(phone)-4:]
}
