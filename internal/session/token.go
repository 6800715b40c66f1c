package session

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseToken extracts the tenant ID from a token shaped
// <prefix>_<tenantId>_<suffix>. The suffix is opaque and may itself
// contain underscores.
func ParseToken(token, prefix string) (string, error) {
	parts := strings.SplitN(strings.TrimSpace(token), "_", 3)
	if len(parts) != 3 || parts[0] != prefix || parts[2] == "" {
		return "", fmt.Errorf("%w: malformed session token", ErrSessionNotFound)
	}
	tenant := parts[1]
	if !ValidTenantID(tenant) {
		return "", fmt.Errorf("%w: invalid tenant in session token", ErrSessionNotFound)
	}
	return tenant, nil
}

// FormatToken mints a token for tenantID. The suffix is a base-36 timestamp.
func FormatToken(prefix, tenantID string) string {
	return prefix + "_" + tenantID + "_" + strconv.FormatInt(time.Now().UnixMilli(), 36)
}

// ValidTenantID reports whether id is 1-64 ASCII letters, digits or dashes.
// Tenant IDs end up in file paths and log lines.
func ValidTenantID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '-':
		default:
			return false
		}
	}
	return true
}
