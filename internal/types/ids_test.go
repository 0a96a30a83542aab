package types

import (
	"testing"

	"github.com/google/uuid"
)

func TestNewJobID(t *testing.T) {
	id := NewJobID()
	if id == uuid.Nil {
		t.Error("expected non-nil job id")
	}
	if len(id.String()) != 36 {
		t.Errorf("expected UUID format, got %s", id)
	}
}

func TestParseID(t *testing.T) {
	id, err := ParseID("")
	if err != nil || id != uuid.Nil {
		t.Errorf("expected nil id for empty input, got %s (%v)", id, err)
	}

	want := uuid.New()
	got, err := ParseID(want.String())
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Errorf("expected %s, got %s", want, got)
	}

	if _, err := ParseID("not-a-uuid"); err == nil {
		t.Error("expected error for malformed id")
	}
}
