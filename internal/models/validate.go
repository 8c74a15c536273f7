package models

import (
	"fmt"
	"strings"
)

const (
	// MaxNameLength bounds usernames.
	MaxNameLength = 24
	// MaxQuipLength bounds the one-line profile quip.
	MaxQuipLength = 120
	// MaxBioLength bounds the profile bio.
	MaxBioLength = 4096
	// MaxTitleLength bounds thread titles.
	MaxTitleLength = 120
	// AuthHashLength is the hex length of a SHA-256 credential digest.
	AuthHashLength = 64
	// MaxColor is the highest palette index a profile may select.
	MaxColor = 8
)

// ValidationKeys lists the field names accepted by ValidateField, in the
// order they are documented to clients.
var ValidationKeys = []string{"user_name", "auth_hash", "quip", "bio", "title", "body", "color"}

// ValidationError is a field-rule failure with a client-facing description.
// The pipeline reports these as parameter errors rather than internal faults.
type ValidationError struct {
	Description string
}

func (e *ValidationError) Error() string {
	return e.Description
}

// Validationf constructs a ValidationError.
func Validationf(format string, args ...any) *ValidationError {
	return &ValidationError{Description: fmt.Sprintf(format, args...)}
}

// ValidateField checks a single field value against the storage rules for the
// named key. It returns a client-facing description on failure so clients can
// run the same checks before submitting.
func ValidateField(key, value string) error {
	switch key {
	case "user_name":
		return validateName(value)
	case "auth_hash":
		return validateAuthHash(value)
	case "quip":
		if len(value) > MaxQuipLength {
			return Validationf("quips cannot exceed %d characters", MaxQuipLength)
		}
		if strings.ContainsAny(value, "\n\r") {
			return Validationf("quips cannot contain newlines")
		}
	case "bio":
		if len(value) > MaxBioLength {
			return Validationf("bios cannot exceed %d characters", MaxBioLength)
		}
	case "title":
		if strings.TrimSpace(value) == "" {
			return Validationf("titles cannot be empty")
		}
		if len(value) > MaxTitleLength {
			return Validationf("titles cannot exceed %d characters", MaxTitleLength)
		}
		if strings.ContainsAny(value, "\n\r") {
			return Validationf("titles cannot contain newlines")
		}
	case "body":
		if strings.TrimSpace(value) == "" {
			return Validationf("bodies cannot be empty")
		}
	case "color":
		return validateColor(value)
	default:
		return Validationf("unknown validation key %q; valid keys are: %s",
			key, strings.Join(ValidationKeys, ", "))
	}
	return nil
}

func validateName(name string) error {
	if name == "" {
		return Validationf("usernames cannot be empty")
	}
	if len(name) > MaxNameLength {
		return Validationf("usernames cannot exceed %d characters", MaxNameLength)
	}
	if name != strings.TrimSpace(name) {
		return Validationf("usernames cannot begin or end with whitespace")
	}
	for _, r := range name {
		if r == ' ' {
			continue
		}
		if r < 0x21 {
			return Validationf("usernames cannot contain whitespace characters besides spaces")
		}
	}
	return nil
}

func validateAuthHash(hash string) error {
	if hash == "" {
		return Validationf("auth hashes cannot be empty")
	}
	if len(hash) != AuthHashLength {
		return Validationf("auth hashes must be %d hex characters", AuthHashLength)
	}
	for _, r := range strings.ToLower(hash) {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return Validationf("auth hashes must be hexadecimal")
		}
	}
	return nil
}

func validateColor(value string) error {
	var color int
	if _, err := fmt.Sscanf(value, "%d", &color); err != nil {
		return Validationf("colors must be an integer between 0 and %d", MaxColor)
	}
	if color < 0 || color > MaxColor {
		return Validationf("colors must be an integer between 0 and %d", MaxColor)
	}
	return nil
}
