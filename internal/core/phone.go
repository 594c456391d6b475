package core

import (
	"fmt"
	"regexp"
	"strings"
)

// e164Pattern is the full-number shape: plus sign, no leading zero, at most
// fifteen digits.
var e164Pattern = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// twoDigitCodes are the ITU calling codes of length two. Anything not here
// and not starting with 1 or 7 carries a three-digit code.
var twoDigitCodes = map[string]bool{
	"20": true, "27": true, "30": true, "31": true, "32": true, "33": true,
	"34": true, "36": true, "39": true, "40": true, "41": true, "43": true,
	"44": true, "45": true, "46": true, "47": true, "48": true, "49": true,
	"51": true, "52": true, "53": true, "54": true, "55": true, "56": true,
	"57": true, "58": true, "60": true, "61": true, "62": true, "63": true,
	"64": true, "65": true, "66": true, "81": true, "82": true, "84": true,
	"86": true, "90": true, "91": true, "92": true, "93": true, "94": true,
	"95": true, "98": true,
}

// PhoneNumber is an E.164 number split the way the store persists it.
type PhoneNumber struct {
	CountryCode string `json:"country_code"`
	BaseNumber  string `json:"base_number"`
}

// E164 reassembles the canonical form.
func (p PhoneNumber) E164() string {
	return "+" + p.CountryCode + p.BaseNumber
}

// ParsePhone validates an E.164 number and splits it into country code and
// base number. Whitespace and common separator characters are stripped before
// validation; everything else is rejected.
func ParsePhone(raw string) (PhoneNumber, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, strings.TrimSpace(raw))

	if !e164Pattern.MatchString(cleaned) {
		return PhoneNumber{}, NewError(ErrValidation,
			fmt.Sprintf("phone number %q is not a valid E.164 number", raw))
	}

	digits := cleaned[1:]
	cc := countryCodeOf(digits)
	base := digits[len(cc):]
	if base == "" {
		return PhoneNumber{}, NewError(ErrValidation,
			fmt.Sprintf("phone number %q has no subscriber digits", raw))
	}
	return PhoneNumber{CountryCode: cc, BaseNumber: base}, nil
}

// countryCodeOf picks the calling code by longest known match: the two
// single-digit zones (1, 7), then the two-digit table, else three digits.
func countryCodeOf(digits string) string {
	if digits[0] == '1' || digits[0] == '7' {
		return digits[:1]
	}
	if len(digits) >= 2 && twoDigitCodes[digits[:2]] {
		return digits[:2]
	}
	if len(digits) >= 3 {
		return digits[:3]
	}
	return digits[:2]
}
