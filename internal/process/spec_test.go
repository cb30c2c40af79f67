package process

import (
	"strings"
	"testing"
	"time"
)

func TestBuildCommand_ExplicitShellNoDoubleWrap(t *testing.T) {
	s := Spec{Name: "x", Command: "sh -c 'echo hi'"}
	cmd, err := s.BuildCommand()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(cmd.Args) != 3 || cmd.Args[1] != "-c" {
		t.Fatalf("unexpected argv: %#v", cmd.Args)
	}
	if cmd.Args[2] != "echo hi" {
		t.Fatalf("script not unquoted: %q", cmd.Args[2])
	}
}

func TestBuildCommand_MetacharTriggersShell(t *testing.T) {
	s := Spec{Name: "y", Command: "echo hi | wc -c"}
	cmd, err := s.BuildCommand()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(cmd.Args) < 3 || cmd.Args[1] != "-c" {
		t.Fatalf("expected shell -c wrapping, got argv=%#v", cmd.Args)
	}
}

func TestBuildCommand_PlainArgs(t *testing.T) {
	s := Spec{Name: "z", Command: "sleep 5"}
	cmd, err := s.BuildCommand()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(cmd.Args) != 2 || cmd.Args[1] != "5" {
		t.Fatalf("argv=%#v", cmd.Args)
	}
}

func TestBuildCommand_Empty(t *testing.T) {
	if _, err := (Spec{Name: "e", Command: "  "}).BuildCommand(); err == nil {
		t.Fatalf("expected error for empty command")
	}
}

func TestSpec_Validate(t *testing.T) {
	tests := []struct {
		name        string
		spec        Spec
		errContains string
	}{
		{name: "valid", spec: Spec{Name: "backend", Command: "sleep 1"}},
		{name: "missing name", spec: Spec{Command: "sleep 1"}, errContains: "name is required"},
		{name: "unsafe name", spec: Spec{Name: "../x", Command: "sleep 1"}, errContains: "may only contain"},
		{name: "missing command", spec: Spec{Name: "a"}, errContains: "command is required"},
		{name: "self dependency", spec: Spec{Name: "a", Command: "true", DependsOn: "a"}, errContains: "itself"},
		{name: "negative grace", spec: Spec{Name: "a", Command: "true", StartupGrace: -time.Second}, errContains: "negative"},
		{name: "bad env", spec: Spec{Name: "a", Command: "true", Env: []string{"NOVALUE"}}, errContains: "KEY=VALUE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.errContains == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errContains) {
				t.Fatalf("error %v does not contain %q", err, tt.errContains)
			}
		})
	}
}

func TestSpec_WithDefaults(t *testing.T) {
	s := Spec{Name: "a", Command: " python -m app "}.WithDefaults()
	if s.StartupGrace != DefaultStartupGrace || s.StopTimeout != DefaultStopTimeout || s.ReadyTimeout != DefaultReadyTimeout {
		t.Fatalf("defaults not applied: %+v", s)
	}
	if s.Signature != "python -m app" {
		t.Fatalf("signature: %q", s.Signature)
	}
	kept := Spec{Name: "a", Command: "x", StartupGrace: time.Second, Signature: "sig"}.WithDefaults()
	if kept.StartupGrace != time.Second || kept.Signature != "sig" {
		t.Fatalf("explicit values overwritten: %+v", kept)
	}
}
