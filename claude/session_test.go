package claude

import (
	"slices"
	"testing"
)

func TestNewSession(t *testing.T) {
	session := NewSession("session-123")
	if session == nil {
		t.Fatal("NewSession returned nil")
	}
	if session.ID != "session-123" {
		t.Errorf("ID = %q, want %q", session.ID, "session-123")
	}
	if session.IsForked {
		t.Error("IsForked should be false")
	}
	if session.ParentID != "" {
		t.Error("ParentID should be empty")
	}
}

func TestSession_Fork(t *testing.T) {
	original := NewSession("session-123")
	forked := original.Fork()

	if forked == nil {
		t.Fatal("Fork returned nil")
	}
	if forked.ParentID != "session-123" {
		t.Errorf("ParentID = %q, want %q", forked.ParentID, "session-123")
	}
	if !forked.IsForked {
		t.Error("IsForked should be true")
	}
	if forked.ID != "" {
		t.Error("ID should be empty (assigned by CLI)")
	}
}

func TestSession_Apply(t *testing.T) {
	tests := []struct {
		name    string
		session *Session
		resume  string
		fork    bool
		at      string
	}{
		{"resume", NewSession("s1"), "s1", false, ""},
		{"resume at", NewSession("s1").At("u-parent"), "s1", false, "u-parent"},
		{"fork", NewSession("s1").Fork(), "s1", true, ""},
		{"fork at", NewSession("s1").At("u-parent").Fork(), "s1", true, "u-parent"},
		{"empty id drops resume at", NewSession("").At("u-parent"), "", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := &Options{}
			tt.session.Apply(opts)

			if opts.Resume != tt.resume {
				t.Errorf("Resume = %q, want %q", opts.Resume, tt.resume)
			}
			if opts.ForkSession != tt.fork {
				t.Errorf("ForkSession = %v, want %v", opts.ForkSession, tt.fork)
			}
			if opts.ResumeSessionAt != tt.at {
				t.Errorf("ResumeSessionAt = %q, want %q", opts.ResumeSessionAt, tt.at)
			}
		})
	}
}

func TestSession_ApplyArgs(t *testing.T) {
	opts := &Options{}
	NewSession("s1").At("u-parent").Apply(opts)

	args := opts.cliArgs()
	for _, want := range [][]string{{"--resume", "s1"}, {"--resume-session-at", "u-parent"}} {
		i := slices.Index(args, want[0])
		if i < 0 || i+1 >= len(args) || args[i+1] != want[1] {
			t.Errorf("cliArgs() = %v, want %s %s", args, want[0], want[1])
		}
	}
}
