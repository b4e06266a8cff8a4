package auth

import "strings"

const maxSubdomainLen = 30

// Slugify reduces s to a DNS-label-safe subdomain candidate: lower-cased,
// runs of non-alphanumeric characters collapsed to single hyphens, no
// leading or trailing hyphen, truncated to the label length limit.
func Slugify(s string) string {
	var b strings.Builder
	lastHyphen := true // suppress leading hyphen
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	slug := strings.TrimSuffix(b.String(), "-")
	if len(slug) > maxSubdomainLen {
		slug = strings.TrimSuffix(slug[:maxSubdomainLen], "-")
	}
	return slug
}

// SubdomainHint derives the deterministic default subdomain for a principal
// identifier.
func SubdomainHint(principalID string) string {
	return Slugify(principalID)
}

// keyOwnerLabel extracts the stable owner segment from a structured API key.
// Keys are issued as sk-<owner>-<secret>; the trailing secret segment is
// dropped so the principal identity does not leak key material. Opaque keys
// without that structure fall back to the whole (slugified) key, which the
// caller replaces with a digest-based label.
func keyOwnerLabel(key string) string {
	trimmed := strings.TrimPrefix(key, "sk-")
	parts := strings.Split(trimmed, "-")
	if len(parts) >= 2 {
		return strings.Join(parts[:len(parts)-1], "-")
	}
	return ""
}
