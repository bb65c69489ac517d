package project

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Slugify derives a URL-safe slug from a project path's base name:
// lowercased, restricted to [a-z0-9_-], runs of other characters collapsed
// to a single dash.
func Slugify(path string) string {
	base := strings.ToLower(filepath.Base(filepath.Clean(path)))
	var b strings.Builder
	dash := false
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
			dash = false
		default:
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	s := strings.Trim(b.String(), "-")
	if s == "" {
		s = "project"
	}
	return s
}

// uniqueSlug appends a numeric suffix until the slug is unused. After 99
// collisions it falls back to a timestamp suffix, which cannot collide again
// within the same second for the same base.
func uniqueSlug(base string, taken func(string) bool) string {
	if !taken(base) {
		return base
	}
	for i := 2; i <= 99; i++ {
		s := fmt.Sprintf("%s-%d", base, i)
		if !taken(s) {
			return s
		}
	}
	return fmt.Sprintf("%s-%d", base, time.Now().Unix())
}
