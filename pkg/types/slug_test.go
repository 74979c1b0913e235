package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateSlug(t *testing.T) {
	reserved := func(s string) bool { return s == "api" || s == "www" }

	tests := []struct {
		name    string
		slug    string
		wantErr string
	}{
		{"valid", "acme", ""},
		{"minimum length", "abc", ""},
		{"with digits and hyphens", "shop-2-eu", ""},
		{"too short", "ab", "3-63 characters"},
		{"too long", "a123456789012345678901234567890123456789012345678901234567890123", "3-63 characters"},
		{"uppercase", "Acme", "invalid character"},
		{"underscore", "my_shop", "invalid character"},
		{"leading hyphen", "-abc", "cannot start or end"},
		{"trailing hyphen", "abc-", "cannot start or end"},
		{"reserved", "api", "reserved"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSlug(tt.slug, reserved)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestValidateSlugNilReserved(t *testing.T) {
	assert.NoError(t, ValidateSlug("api", nil))
}

func TestFullSlug(t *testing.T) {
	assert.Equal(t, "shop-fix-login", FullSlug("shop", "fix-login"))
}

func TestDatabaseName(t *testing.T) {
	assert.Equal(t, "shop_fix_login", DatabaseName("shop-fix-login"))
	assert.Equal(t, "acme", DatabaseName("acme"))
}
