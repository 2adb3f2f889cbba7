package stt

import "testing"

func TestTranscriptJoinsFinalSegments(t *testing.T) {
	var tr Transcript
	tr.Append("hello")
	if got := tr.Append("world"); got != "hello world" {
		t.Fatalf("expected %q, got %q", "hello world", got)
	}
	tr.Append("   ")
	tr.Append("  again ")
	if got := tr.Text(); got != "hello world again" {
		t.Fatalf("unexpected transcript %q", got)
	}
}

func TestTranscriptInterimDoesNotAccumulate(t *testing.T) {
	var tr Transcript
	if got := tr.WithInterim("hel"); got != "hel" {
		t.Fatalf("unexpected interim render %q", got)
	}
	tr.Append("hello")
	if got := tr.WithInterim("there"); got != "hello there" {
		t.Fatalf("unexpected interim render %q", got)
	}
	if got := tr.Text(); got != "hello" {
		t.Fatalf("interim leaked into transcript: %q", got)
	}
	tr.Reset()
	if got := tr.Text(); got != "" {
		t.Fatalf("expected empty transcript after reset, got %q", got)
	}
}
