package projector

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// maxSegment bounds a single path segment, in bytes.
const maxSegment = 200

var reservedNames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true, "COM5": true,
	"COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true, "LPT5": true,
	"LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

// Sanitize turns a display name into a single path segment that is valid on
// every common filesystem. Letters, digits, spaces and -_.()[] are kept;
// everything else is dropped.
func Sanitize(name string) string {
	var b strings.Builder
	lastSpace := false
	for _, r := range name {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), strings.ContainsRune("-_.()[]", r):
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r):
			if !lastSpace {
				b.WriteByte(' ')
			}
			lastSpace = true
		}
	}

	s := strings.Trim(b.String(), ". ")
	if len(s) > maxSegment {
		s = truncate(s, maxSegment)
		s = strings.TrimRight(s, ". ")
	}
	if s == "" {
		return "unnamed"
	}
	stem := s
	if i := strings.IndexByte(stem, '.'); i >= 0 {
		stem = stem[:i]
	}
	if reservedNames[strings.ToUpper(stem)] {
		s = "_" + s
	}
	return s
}

func truncate(s string, n int) string {
	for len(s) > n {
		_, size := utf8.DecodeLastRuneInString(s)
		s = s[:len(s)-size]
	}
	return s
}
