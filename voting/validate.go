package voting

import (
	"strings"
	"unicode/utf8"

	"github.com/samber/lo"
)

const (
	MaxQuestionLength = 200
	MaxOptionLength   = 100
	MinOptions        = 2
)

// ValidatePoll trims the question and options, drops empty options and checks
// the limits. It returns the cleaned values.
func ValidatePoll(question string, options []string) (string, []string, error) {
	if question == "" || len(options) < MinOptions {
		return "", nil, invalid("Question and at least 2 options are required")
	}

	question = strings.TrimSpace(question)
	if question == "" {
		return "", nil, invalid("Question cannot be empty")
	}
	if utf8.RuneCountInString(question) > MaxQuestionLength {
		return "", nil, invalid("Question must be less than 200 characters")
	}

	trimmed := lo.Compact(lo.Map(options, func(opt string, _ int) string {
		return strings.TrimSpace(opt)
	}))
	if len(trimmed) < MinOptions {
		return "", nil, invalid("At least 2 non-empty options are required")
	}

	for _, opt := range trimmed {
		if utf8.RuneCountInString(opt) > MaxOptionLength {
			return "", nil, invalid("Each option must be less than 100 characters")
		}
	}

	if len(lo.Uniq(trimmed)) != len(trimmed) {
		return "", nil, invalid("Duplicate options are not allowed")
	}

	return question, trimmed, nil
}
