package mailbox

import "strings"

// DeriveSlug computes a project's deterministic, lowercase, path-safe
// slug from an absolute directory path. Two different
// human_keys that collapse to the same slug are not merged here — the
// store's unique constraint on slug surfaces that as apperr.Duplicate.
func DeriveSlug(humanKey string) string {
	var b strings.Builder
	prevDash := true // treat leading separators as already-collapsed
	for _, r := range strings.ToLower(humanKey) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			prevDash = false
		default:
			if !prevDash {
				b.WriteByte('-')
				prevDash = true
			}
		}
	}
	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		slug = "root"
	}
	return slug
}
