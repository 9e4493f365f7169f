package logging

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "tunnel.log")
	Init(path)
	defer Close()

	log.Printf("[tunnel] hello from test")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "[tunnel] hello from test") {
		t.Errorf("log file missing entry: %q", data)
	}
}

func TestReadTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tail.log")
	content := "one\ntwo\nthree\nfour\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	got, err := ReadTail(path, 2)
	if err != nil {
		t.Fatalf("ReadTail: %v", err)
	}
	if got != "three\nfour" {
		t.Errorf("expected last two lines, got %q", got)
	}

	got, err = ReadTail(path, 10)
	if err != nil {
		t.Fatalf("ReadTail: %v", err)
	}
	if got != "one\ntwo\nthree\nfour" {
		t.Errorf("expected all lines, got %q", got)
	}
}

func TestReadTailMissingFile(t *testing.T) {
	got, err := ReadTail(filepath.Join(t.TempDir(), "missing.log"), 5)
	if err != nil {
		t.Fatalf("expected nil error for missing file, got %v", err)
	}
	if got != "" {
		t.Errorf("expected empty output, got %q", got)
	}
}
