package gateway

import (
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
)

// shellAllowed reports whether shell matches one of patterns, either as
// its full normalized path or by case-insensitive basename (so an
// allow-list entry of "bash" matches both "/bin/bash" and "/usr/bin/bash").
func shellAllowed(patterns []string, shell string) bool {
	if matchAny(patterns, filepath.Clean(shell)) {
		return true
	}
	base := strings.ToLower(filepath.Base(shell))
	for _, p := range patterns {
		if strings.ToLower(p) == base {
			return true
		}
	}
	return false
}

// pathAllowed reports whether path, once cleaned, falls within one of
// the allowed (also cleaned) directories — not a glob match, and not a
// raw string prefix: the spec's allowed_paths contract is a
// directory-prefix whitelist, e.g. "/home/user" permits
// "/home/user/projects/foo" but not the sibling "/home/user2".
func pathAllowed(patterns []string, path string) bool {
	if len(patterns) == 0 {
		return true
	}
	clean := filepath.Clean(path)
	for _, p := range patterns {
		allowed := filepath.Clean(p)
		if clean == allowed || strings.HasPrefix(clean, allowed+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func matchAny(patterns []string, value string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			continue
		}
		if g.Match(value) {
			return true
		}
	}
	return false
}
