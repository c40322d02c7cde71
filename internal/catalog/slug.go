package catalog

import "strings"

const maxSlugLen = 100

// Slugify turns a product title into a URL slug: lowercase, only
// [a-z0-9-], runs of whitespace and hyphens collapsed to a single
// hyphen, capped at 100 characters. Idempotent: Slugify(Slugify(s)) ==
// Slugify(s).
func Slugify(name string) string {
	lower := strings.ToLower(name)

	var b strings.Builder
	b.Grow(len(lower))
	for _, r := range lower {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '\t' || r == '\n' || r == '-':
			b.WriteByte('-')
		}
	}

	slug := b.String()
	for strings.Contains(slug, "--") {
		slug = strings.ReplaceAll(slug, "--", "-")
	}
	slug = strings.Trim(slug, "-")

	if len(slug) > maxSlugLen {
		slug = strings.Trim(slug[:maxSlugLen], "-")
	}
	return slug
}
