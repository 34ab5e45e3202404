package sink

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSubprocessDeliverPassesArgsAndStdin(t *testing.T) {
	dir := t.TempDir()
	outPath := filepath.Join(dir, "out")

	script := filepath.Join(dir, "capture.sh")
	contents := "#!/bin/sh\necho \"$1|$2|$3\" > " + outPath + "\ncat >> " + outPath + "\n"
	if err := os.WriteFile(script, []byte(contents), 0o755); err != nil {
		t.Fatal(err)
	}

	s := NewSubprocess(script, nil)
	err := s.Deliver(Message{
		UID:          42,
		InternalDate: "01-Jan-2020 10:20:30 +0000",
		Body:         []byte("hello body"),
		Status:       StatusSent,
	})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("reading capture output: %v", err)
	}
	content := string(data)
	if !strings.HasPrefix(content, "01-Jan-2020 10:20:30 +0000|42|Sent\n") {
		t.Errorf("args line = %q", content)
	}
	if !strings.Contains(content, "hello body") {
		t.Errorf("stdin not piped through: %q", content)
	}
}

func TestSubprocessDeliverSpawnFailureIsWarnedNotError(t *testing.T) {
	s := NewSubprocess(filepath.Join(t.TempDir(), "does-not-exist"), nil)
	err := s.Deliver(Message{UID: 1, InternalDate: "x", Body: []byte("body")})
	if err != nil {
		t.Fatalf("Deliver: %v, want nil per legacy checkpoint-anyway behavior", err)
	}
}

func TestSubprocessClose(t *testing.T) {
	s := NewSubprocess("true", nil)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
