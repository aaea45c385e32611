package parser

import (
	"strings"
)

// bucketCodes are the rating bubble classes in scan order.
var bucketCodes = [...]int{10, 20, 30, 40, 50}

// BucketToStars converts a bubble code (10..50) to a star count (1..5).
func BucketToStars(code int) (int, bool) {
	for _, c := range bucketCodes {
		if c == code {
			return code / 10, true
		}
	}
	return 0, false
}

// SplitVisitDate returns the text after the colon of a "Date of visit: May
// 2019" label. Labels that do not split into exactly two parts yield false.
func SplitVisitDate(label string) (string, bool) {
	parts := strings.Split(label, ":")
	if len(parts) != 2 {
		return "", false
	}
	return NormalizeText(parts[1]), true
}

// FirstToken returns the first whitespace-delimited token of text.
func FirstToken(text string) (string, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", false
	}
	return fields[0], true
}

// NormalizeText trims surrounding whitespace.
func NormalizeText(text string) string {
	return strings.TrimSpace(text)
}
