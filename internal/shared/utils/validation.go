package utils

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// String length limits
const (
	MaxUserIDLength      = 254
	MaxPackageNameLength = 128
)

// Regular expressions for validation
var (
	// UserIDPattern allows plain ids and email addresses
	UserIDPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+@-]+$`)
	// PackageNamePattern allows reverse DNS names like com.example.captions
	PackageNamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
)

// ValidateString validates a string field with length and content checks
func ValidateString(value, fieldName string, minLen, maxLen int, required bool) error {
	if required && value == "" {
		return fmt.Errorf("%s is required", fieldName)
	}

	if value == "" && !required {
		return nil
	}

	length := utf8.RuneCountInString(value)
	if length < minLen {
		return fmt.Errorf("%s must be at least %d characters", fieldName, minLen)
	}
	if length > maxLen {
		return fmt.Errorf("%s must not exceed %d characters", fieldName, maxLen)
	}

	if strings.Contains(value, "\x00") {
		return fmt.Errorf("%s contains invalid characters", fieldName)
	}

	return nil
}

// ValidateUserID validates a user id
func ValidateUserID(userID string) error {
	if err := ValidateString(userID, "userId", 1, MaxUserIDLength, true); err != nil {
		return err
	}
	if !UserIDPattern.MatchString(userID) {
		return fmt.Errorf("userId contains invalid characters")
	}
	return nil
}

// ValidatePackageName validates an app package name
func ValidatePackageName(pkg string) error {
	if err := ValidateString(pkg, "packageName", 1, MaxPackageNameLength, true); err != nil {
		return err
	}
	if !PackageNamePattern.MatchString(pkg) {
		return fmt.Errorf("packageName contains invalid characters (only alphanumeric, dots, hyphens, and underscores allowed)")
	}
	if strings.HasPrefix(pkg, ".") || strings.HasSuffix(pkg, ".") || strings.Contains(pkg, "..") {
		return fmt.Errorf("packageName %q has an empty segment", pkg)
	}
	return nil
}
