package types

import (
	"fmt"
	"strings"
)

// ValidateSlug checks that a slug is DNS-safe: 3-63 characters, lowercase
// letters, digits and hyphens, starting and ending alphanumeric. reserved,
// when non-nil, rejects blocklisted names.
func ValidateSlug(slug string, reserved func(string) bool) error {
	if len(slug) < 3 || len(slug) > 63 {
		return fmt.Errorf("slug must be 3-63 characters, got %d", len(slug))
	}
	for i, ch := range slug {
		switch {
		case ch >= 'a' && ch <= 'z':
		case ch >= '0' && ch <= '9':
		case ch == '-':
			if i == 0 || i == len(slug)-1 {
				return fmt.Errorf("slug cannot start or end with a hyphen")
			}
		default:
			return fmt.Errorf("slug contains invalid character %q", ch)
		}
	}
	if reserved != nil && reserved(slug) {
		return fmt.Errorf("slug %q is reserved", slug)
	}
	return nil
}

// FullSlug composes the global sandbox identifier.
func FullSlug(workspaceSlug, sandboxSlug string) string {
	return workspaceSlug + "-" + sandboxSlug
}

// DatabaseName converts a slug into a safe database identifier.
func DatabaseName(slug string) string {
	return strings.ReplaceAll(slug, "-", "_")
}
