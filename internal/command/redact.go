package command

import (
	"net/url"
	"regexp"
	"strings"
)

const redactedValue = "[REDACTED]"

var (
	urlPattern         = regexp.MustCompile(`https?://[^\s"'` + "`" + `]+`)
	knownTokenPatterns = []*regexp.Regexp{
		regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{20,}`),
		regexp.MustCompile(`github_pat_[A-Za-z0-9_]{20,}`),
		regexp.MustCompile(`glpat-[A-Za-z0-9_-]{20,}`),
		regexp.MustCompile(`xox[baprs]-[A-Za-z0-9-]{10,}`),
		regexp.MustCompile(`oauth2:[^@/\s]+@`),
	}
)

// Redact removes credentials from command text before it is logged or shown
// to users.
func Redact(msg string) string {
	return redactSensitiveText(msg, nil)
}

func redactSensitiveText(msg string, secrets []string) string {
	if msg == "" {
		return msg
	}
	redacted := msg
	for _, secret := range secrets {
		if secret = strings.TrimSpace(secret); secret != "" {
			redacted = strings.ReplaceAll(redacted, secret, redactedValue)
		}
	}
	redacted = redactURLUserInfo(redacted)
	for _, pattern := range knownTokenPatterns {
		redacted = pattern.ReplaceAllString(redacted, redactedValue)
	}
	return redacted
}

func redactURLUserInfo(msg string) string {
	return urlPattern.ReplaceAllStringFunc(msg, func(match string) string {
		parsed, err := url.Parse(match)
		if err != nil || parsed.User == nil {
			return match
		}
		parsed.User = nil
		return parsed.String()
	})
}
