package ptyadapter

import "testing"

func TestBuildCommandShellDefault(t *testing.T) {
	name, args, err := buildCommand(Spec{Mode: ModeShell})
	if err != nil {
		t.Fatalf("buildCommand() error: %v", err)
	}
	if name != "/bin/sh" || len(args) != 0 {
		t.Errorf("buildCommand(shell) = (%q, %v), want (/bin/sh, [])", name, args)
	}
}

func TestBuildCommandShellCustom(t *testing.T) {
	name, _, err := buildCommand(Spec{Mode: ModeShell, Shell: "/bin/zsh"})
	if err != nil {
		t.Fatalf("buildCommand() error: %v", err)
	}
	if name != "/bin/zsh" {
		t.Errorf("buildCommand(shell) name = %q, want /bin/zsh", name)
	}
}

func TestBuildCommandExec(t *testing.T) {
	name, args, err := buildCommand(Spec{
		Mode:      ModeExec,
		Container: "web-1",
		Shell:     "/bin/bash",
		User:      "root",
		Cwd:       "/app",
		Env:       map[string]string{"FOO": "bar"},
	})
	if err != nil {
		t.Fatalf("buildCommand() error: %v", err)
	}
	want := []string{"exec", "-it", "-u", "root", "-w", "/app", "-e", "FOO=bar", "web-1", "/bin/bash"}
	if name != "docker" || !equalStrings(args, want) {
		t.Errorf("buildCommand(exec) = (%q, %v), want (docker, %v)", name, args, want)
	}
}

func TestBuildCommandExecRequiresContainer(t *testing.T) {
	if _, _, err := buildCommand(Spec{Mode: ModeExec}); err == nil {
		t.Errorf("buildCommand(exec, no container) returned nil error")
	}
}

func TestBuildCommandAttach(t *testing.T) {
	name, args, err := buildCommand(Spec{Mode: ModeAttach, Container: "web-1", ContainerRuntime: "podman"})
	if err != nil {
		t.Fatalf("buildCommand() error: %v", err)
	}
	want := []string{"attach", "--sig-proxy=false", "--detach-keys=ctrl-p,ctrl-q", "web-1"}
	if name != "podman" || !equalStrings(args, want) {
		t.Errorf("buildCommand(attach) = (%q, %v), want (podman, %v)", name, args, want)
	}
}

func TestBuildCommandUnknownMode(t *testing.T) {
	if _, _, err := buildCommand(Spec{Mode: "bogus"}); err == nil {
		t.Errorf("buildCommand(bogus) returned nil error")
	}
}

func TestWithTermAddsDefault(t *testing.T) {
	env := withTerm([]string{"FOO=bar"})
	found := false
	for _, kv := range env {
		if kv == "TERM="+DefaultTerm {
			found = true
		}
	}
	if !found {
		t.Errorf("withTerm() = %v, want TERM=%s present", env, DefaultTerm)
	}
}

func TestWithTermPreservesExisting(t *testing.T) {
	env := withTerm([]string{"TERM=vt100"})
	for _, kv := range env {
		if kv == "TERM="+DefaultTerm {
			t.Errorf("withTerm() overrode an existing TERM")
		}
	}
}

func TestWriteBeforeSpawnErrors(t *testing.T) {
	a := New(nil, nil)
	if _, err := a.Write([]byte("hi")); err == nil {
		t.Errorf("Write() before Spawn() returned nil error")
	}
}

func TestResizeBeforeSpawnErrors(t *testing.T) {
	a := New(nil, nil)
	if err := a.Resize(24, 80); err == nil {
		t.Errorf("Resize() before Spawn() returned nil error")
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
