package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"bare apperr", New(KindNotFound, "no such character"), KindNotFound},
		{"wrapped apperr", fmt.Errorf("loading character: %w", New(KindNotFound, "no such character")), KindNotFound},
		{"plain error", errors.New("boom"), KindInternal},
		{"nil", nil, KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestErrorIs(t *testing.T) {
	err := New(KindConflict, "username taken")
	if !errors.Is(err, New(KindConflict, "")) {
		t.Error("errors.Is should match on Kind regardless of Message")
	}
	if errors.Is(err, New(KindNotFound, "")) {
		t.Error("errors.Is should not match a different Kind")
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("unique_violation")
	err := Wrap(KindConflict, "username taken", cause)
	if !errors.Is(err, cause) {
		t.Error("Wrap should preserve the underlying cause for errors.Is")
	}
}

func TestAsFrame(t *testing.T) {
	frame := AsFrame(New(KindAlreadyClaimed, "you already claimed this redpacket"))
	if frame.Code != string(KindAlreadyClaimed) {
		t.Errorf("frame.Code = %q, want %q", frame.Code, KindAlreadyClaimed)
	}
	if frame.Message == "" {
		t.Error("frame.Message should not be empty")
	}

	generic := AsFrame(errors.New("unexpected panic recovery"))
	if generic.Code != string(KindInternal) {
		t.Errorf("generic frame.Code = %q, want %q", generic.Code, KindInternal)
	}
	if generic.Message != "internal error" {
		t.Error("unclassified errors must not leak their message to the client")
	}
}
