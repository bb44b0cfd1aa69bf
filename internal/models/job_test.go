package models

import "testing"

func TestParseStage(t *testing.T) {
	for _, s := range Stages {
		got, err := ParseStage(string(s))
		if err != nil || got != s {
			t.Fatalf("ParseStage(%q) = %v, %v", s, got, err)
		}
	}
	if _, err := ParseStage("shipped"); err == nil {
		t.Fatal("expected error for unknown stage")
	}
	if _, err := ParseStage("Intake"); err == nil {
		t.Fatal("stage parsing is case-sensitive")
	}
}

func TestTerminalStages(t *testing.T) {
	for _, s := range Stages {
		want := s == StageCompleted || s == StageFailed
		if s.Terminal() != want {
			t.Fatalf("%s.Terminal() = %v, want %v", s, s.Terminal(), want)
		}
	}
}
