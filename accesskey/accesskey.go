// CLAUDE:SUMMARY Extracts the 44-digit NFC-e access key from decoded QR text.
// Package accesskey finds and validates the 44-digit access key that
// identifies an NFC-e receipt. No module-11 check digit verification is
// done; any 44-digit run is accepted.
package accesskey

// Length is the number of digits in an access key.
const Length = 44

// Extract returns the first maximal run of exactly Length consecutive
// decimal digits in text. Runs shorter or longer than Length are skipped,
// so a 44-digit window inside a longer number never matches.
func Extract(text string) (string, bool) {
	start := -1
	for i := 0; i <= len(text); i++ {
		if i < len(text) && isDigit(text[i]) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			if i-start == Length {
				return text[start:i], true
			}
			start = -1
		}
	}
	return "", false
}

// Valid reports whether s is exactly an access key with nothing around it.
func Valid(s string) bool {
	if len(s) != Length {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isDigit(s[i]) {
			return false
		}
	}
	return true
}

// UF returns the two-digit IBGE state code at the head of the key.
func UF(key string) string {
	if !Valid(key) {
		return ""
	}
	return key[:2]
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }
