package utils

import (
	"strings"
	"time"
	"unicode"

	"github.com/ttacon/libphonenumber"
)

var CountryCode = "MM"

// NormalizePhoneNumber returns the E.164 form of a phone number, or the trimmed
// input unchanged when it cannot be parsed. ERP phone fields are free text.
func NormalizePhoneNumber(phoneNumber, countryCode string) string {
	phoneNumber = strings.TrimSpace(phoneNumber)
	if phoneNumber == "" {
		return ""
	}
	if countryCode == "" {
		countryCode = CountryCode
	}
	p, err := libphonenumber.Parse(phoneNumber, countryCode)
	if err != nil || !libphonenumber.IsValidNumber(p) {
		return phoneNumber
	}
	return libphonenumber.Format(p, libphonenumber.E164)
}

// NormalizeTaxId keeps letters and digits only, upper-cased.
// "20-12345678-9 " and "20123456789" normalize to the same value.
func NormalizeTaxId(taxId string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(taxId) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}

func NewTrue() *bool {
	b := true
	return &b
}

func NewFalse() *bool {
	b := false
	return &b
}

func DereferencePtr[T any](ptr *T, defaults ...T) T {
	if ptr != nil {
		return *ptr
	}
	var zero T
	if len(defaults) > 0 {
		return defaults[0]
	}
	return zero
}

func SplitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// DateOnly truncates t to midnight UTC of its calendar date.
func DateOnly(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// DaysBetween counts whole calendar days from a to b (negative when b is before a).
func DaysBetween(a, b time.Time) int {
	return int(DateOnly(b).Sub(DateOnly(a)).Hours() / 24)
}
