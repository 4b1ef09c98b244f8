package gateway

import "testing"

func TestShellAllowedEmptyListAllowsAny(t *testing.T) {
	if !shellAllowed(nil, "/bin/zsh") {
		t.Errorf("shellAllowed(nil, ...) = false, want true")
	}
}

func TestShellAllowedByNormalizedPath(t *testing.T) {
	if !shellAllowed([]string{"/bin/bash"}, "/bin/bash") {
		t.Errorf("shellAllowed() = false for exact path match")
	}
}

func TestShellAllowedByBasename(t *testing.T) {
	if !shellAllowed([]string{"bash"}, "/usr/bin/bash") {
		t.Errorf("shellAllowed() = false, want true (basename match)")
	}
	if !shellAllowed([]string{"BASH"}, "/usr/bin/bash") {
		t.Errorf("shellAllowed() = false, want true (case-insensitive basename)")
	}
}

func TestShellAllowedRejectsUnlisted(t *testing.T) {
	if shellAllowed([]string{"bash"}, "/bin/zsh") {
		t.Errorf("shellAllowed() = true, want false for unlisted shell")
	}
}

func TestPathAllowedEmptyListAllowsAny(t *testing.T) {
	if !pathAllowed(nil, "/anywhere") {
		t.Errorf("pathAllowed(nil, ...) = false, want true")
	}
}

func TestPathAllowedPrefixMatch(t *testing.T) {
	if !pathAllowed([]string{"/home/user"}, "/home/user/projects/foo") {
		t.Errorf("pathAllowed() = false, want true for prefix match")
	}
}

func TestPathAllowedRejectsNonPrefix(t *testing.T) {
	if pathAllowed([]string{"/home/user"}, "/etc") {
		t.Errorf("pathAllowed() = true, want false")
	}
}

func TestPathAllowedRejectsSiblingDirectory(t *testing.T) {
	// "/home/user2" must not be treated as inside "/home/user" just
	// because the raw strings share a prefix before normalization.
	if pathAllowed([]string{"/home/user"}, "/home/user2") {
		t.Errorf("pathAllowed() = true, want false for sibling directory with shared string prefix")
	}
}
