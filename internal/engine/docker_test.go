package engine

import (
	"strings"
	"testing"

	"codegate/internal/runtime"
)

func argsContain(args []string, needle string) bool {
	for _, a := range args {
		if a == needle {
			return true
		}
	}
	return false
}

func argsContainPrefix(args []string, prefix string) bool {
	for _, a := range args {
		if strings.HasPrefix(a, prefix) {
			return true
		}
	}
	return false
}

func TestBuildDockerArgs_Isolation(t *testing.T) {
	registry := runtime.NewRegistry()
	rt, err := registry.Get("python")
	if err != nil {
		t.Fatalf("Get(python): %v", err)
	}

	job := testJob("print(1)")
	job.Limits = DefaultLimits()

	args := buildDockerArgs(job, rt, "/tmp/code.py", "/workspace/code.py", "/tmp/seccomp.json")

	if !argsContain(args, "--rm") {
		t.Error("missing --rm")
	}
	if !argsContain(args, "none") || !argsContain(args, "--network") {
		t.Error("network not disabled")
	}
	if !argsContain(args, "--read-only") {
		t.Error("rootfs not read-only")
	}
	if !argsContain(args, "ALL") || !argsContain(args, "--cap-drop") {
		t.Error("capabilities not dropped")
	}
	if !argsContain(args, "seccomp=/tmp/seccomp.json") {
		t.Error("seccomp profile not applied")
	}
	if !argsContain(args, "65534:65534") {
		t.Error("not running as nobody")
	}
	if !argsContain(args, "256m") {
		t.Error("memory limit missing")
	}
	if !argsContainPrefix(args, "/tmp/code.py:/workspace/code.py:ro") {
		t.Error("code mount missing or not read-only")
	}
	if !argsContain(args, "codegate-job-"+job.ID) {
		t.Error("container name missing job id")
	}
}

func TestBuildDockerArgs_EndsWithRuntimeCommand(t *testing.T) {
	registry := runtime.NewRegistry()
	rt, _ := registry.Get("python")

	job := testJob("print(1)")
	job.Limits = DefaultLimits()

	args := buildDockerArgs(job, rt, "/tmp/code.py", "/workspace/code.py", "/tmp/seccomp.json")

	command := rt.Command("/workspace/code.py")
	if len(args) < len(command)+1 {
		t.Fatal("args too short")
	}
	tail := args[len(args)-len(command):]
	for i, want := range command {
		if tail[i] != want {
			t.Errorf("command arg %d = %q, want %q", i, tail[i], want)
		}
	}
	if args[len(args)-len(command)-1] != rt.Image {
		t.Error("image reference not placed before command")
	}
}
