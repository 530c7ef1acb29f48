package services

import (
	"regexp"
	"strings"

	"roulette/internal/models"
)

var (
	statusURLPattern = regexp.MustCompile(`/status(?:es)?/(\d+)`)
	postIDPattern    = regexp.MustCompile(`\d{15,20}`)
)

// ParsePostID accepts a numeric post id or a post URL and returns the id.
func ParsePostID(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", models.ValidationError("post id or URL is required")
	}
	if isDigits(input) {
		return input, nil
	}
	if m := statusURLPattern.FindStringSubmatch(input); m != nil {
		return m[1], nil
	}
	if m := postIDPattern.FindString(input); m != "" {
		return m, nil
	}
	return "", models.ValidationError("could not find a post id in %q", input)
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
