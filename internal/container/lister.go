// Package container lists and addresses containers that gateway
// sessions may exec into or attach to.
package container

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"github.com/trybotster/gatewayd/internal/proto"
)

const psFormat = "{{.ID}}\t{{.Names}}\t{{.Image}}\t{{.Status}}\t{{.State}}"

// Lister queries a docker-compatible runtime for running containers.
type Lister struct {
	// RuntimePath is the executable to invoke (e.g. "docker", "podman").
	RuntimePath string
	// Patterns restricts the containers List returns to those whose id
	// or name matches at least one entry. An empty set allows everything.
	Patterns []string
}

// NewLister creates a Lister for runtimePath. allowPatterns are never
// rejected at construction time: each is tried as a regular expression
// at match time and, only if it fails to compile, falls back to an
// exact-or-prefix string match against the candidate — per the
// configuration contract, a malformed regex degrades gracefully
// instead of refusing to start the gateway.
func NewLister(runtimePath string, allowPatterns []string) (*Lister, error) {
	if runtimePath == "" {
		runtimePath = "docker"
	}
	return &Lister{RuntimePath: runtimePath, Patterns: allowPatterns}, nil
}

// matchesPattern reports whether candidate satisfies pattern: as a
// compiled regular expression when pattern compiles, otherwise as an
// exact match or a plain string-prefix match.
func matchesPattern(pattern, candidate string) bool {
	if re, err := regexp.Compile(pattern); err == nil {
		return re.MatchString(candidate)
	}
	return candidate == pattern || strings.HasPrefix(candidate, pattern)
}

// List returns the running containers visible to the runtime, filtered
// by the Lister's allow patterns.
func (l *Lister) List(ctx context.Context) ([]proto.ContainerInfo, error) {
	cmd := exec.CommandContext(ctx, l.RuntimePath, "ps", "--format", psFormat)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("container: %s ps: %w: %s", l.RuntimePath, err, strings.TrimSpace(stderr.String()))
	}

	all, err := parsePS(stdout.String())
	if err != nil {
		return nil, err
	}
	return l.filter(all), nil
}

func (l *Lister) filter(containers []proto.ContainerInfo) []proto.ContainerInfo {
	if len(l.Patterns) == 0 {
		return containers
	}
	out := make([]proto.ContainerInfo, 0, len(containers))
	for _, c := range containers {
		if l.Allowed(c.ID) || l.Allowed(c.Name) {
			out = append(out, c)
		}
	}
	return out
}

// parsePS parses tab-delimited `docker ps --format` output into
// ContainerInfo records, skipping blank lines.
func parsePS(output string) ([]proto.ContainerInfo, error) {
	var out []proto.ContainerInfo
	for _, line := range strings.Split(output, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 5 {
			return nil, fmt.Errorf("container: unexpected ps output line: %q", line)
		}
		out = append(out, proto.ContainerInfo{
			ID:     fields[0],
			Name:   fields[1],
			Image:  fields[2],
			Status: fields[3],
			State:  fields[4],
		})
	}
	return out, nil
}

// Allowed reports whether containerName matches the Lister's allow
// patterns. With no patterns configured, everything is allowed.
func (l *Lister) Allowed(containerName string) bool {
	if len(l.Patterns) == 0 {
		return true
	}
	for _, p := range l.Patterns {
		if matchesPattern(p, containerName) {
			return true
		}
	}
	return false
}
