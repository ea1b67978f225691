package utils

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Schemes accepted for a server URL. nextcloud and caldav are shorthands
// resolved by the connector registry.
var serverSchemes = map[string]bool{
	"https":     true,
	"http":      true,
	"nextcloud": true,
	"caldav":    true,
}

// ServerURL is a validated, normalised server address.
type ServerURL struct {
	URL      *url.URL
	Insecure bool // plain http
}

func (s ServerURL) String() string {
	return s.URL.String()
}

// ValidateServerURL checks a user supplied server address and returns it
// normalised: whitespace trimmed, https added when no scheme is given and
// the path ending with a slash.
func ValidateServerURL(raw string) (ServerURL, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ServerURL{}, errors.New("server URL is empty")
	}
	if strings.ContainsAny(s, " \t\r\n") {
		return ServerURL{}, fmt.Errorf("server URL %q contains spaces", s)
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	if err := validate.Var(s, "url"); err != nil {
		return ServerURL{}, fmt.Errorf("invalid server URL %q", s)
	}

	u, err := url.Parse(s)
	if err != nil {
		return ServerURL{}, fmt.Errorf("invalid server URL %q: %w", s, err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if !serverSchemes[u.Scheme] {
		return ServerURL{}, fmt.Errorf("unsupported scheme %q (use https, http, nextcloud or caldav)", u.Scheme)
	}
	if u.Hostname() == "" {
		return ServerURL{}, fmt.Errorf("server URL %q has no host", s)
	}
	if u.RawQuery != "" || u.ForceQuery || u.Fragment != "" {
		return ServerURL{}, fmt.Errorf("server URL %q must not have a query or fragment", s)
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return ServerURL{}, fmt.Errorf("invalid port %q: must be between 1 and 65535", p)
		}
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	u.RawPath = ""

	return ServerURL{URL: u, Insecure: u.Scheme == "http"}, nil
}

// ValidatePriority checks if priority is within valid range (0-9)
func ValidatePriority(priority int) error {
	if priority < 0 || priority > 9 {
		return fmt.Errorf("priority must be between 0-9 (0=undefined, 1=highest, 9=lowest)")
	}
	return nil
}

// ValidatePercent checks a percent-complete value.
func ValidatePercent(percent int) error {
	if percent < 0 || percent > 100 {
		return fmt.Errorf("percent complete must be between 0 and 100, got %d", percent)
	}
	return nil
}

// ParseDateFlag parses a date string in ISO format (YYYY-MM-DD) as a
// calendar date, midnight UTC. An empty string returns nil, which clears
// the date.
func ParseDateFlag(dateStr string) (*time.Time, error) {
	if dateStr == "" {
		return nil, nil
	}

	parsedDate, err := time.ParseInLocation("2006-01-02", dateStr, time.UTC)
	if err != nil {
		return nil, fmt.Errorf("invalid date format '%s': expected YYYY-MM-DD (e.g., 2025-01-31)", dateStr)
	}
	return &parsedDate, nil
}

// ValidateDates requires start <= due when both are set.
func ValidateDates(startDate, dueDate *time.Time) error {
	if startDate == nil || dueDate == nil {
		return nil
	}
	if startDate.After(*dueDate) {
		return fmt.Errorf("start date (%s) cannot be after due date (%s)",
			startDate.Format("2006-01-02"),
			dueDate.Format("2006-01-02"))
	}
	return nil
}
