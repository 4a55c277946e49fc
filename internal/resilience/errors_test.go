package resilience

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsTransient_ExplicitTransient(t *testing.T) {
	err := NewTransientError(errors.New("rate limited"), 429)
	if !IsTransient(err) {
		t.Error("expected transient")
	}

	wrapped := fmt.Errorf("outer: %w", err)
	if !IsTransient(wrapped) {
		t.Error("expected transient through wrap")
	}
}

func TestIsTransient_TerminalWins(t *testing.T) {
	err := NewTerminalError(errors.New("i/o timeout"), 0)
	// The message matches a transient heuristic, but the explicit terminal
	// classification must win.
	if IsTransient(err) {
		t.Error("terminal error must not be transient")
	}
	if !IsTerminal(err) {
		t.Error("expected terminal")
	}
}

func TestIsTransient_NetworkHeuristics(t *testing.T) {
	cases := []string{
		"read tcp: connection reset by peer",
		"dial tcp: i/o timeout",
		"lookup host: no such host",
	}
	for _, msg := range cases {
		if !IsTransient(errors.New(msg)) {
			t.Errorf("expected %q transient", msg)
		}
	}

	if IsTransient(errors.New("invalid payload shape")) {
		t.Error("plain error should not be transient")
	}
	if IsTransient(nil) {
		t.Error("nil should not be transient")
	}
}

func TestClassifyHTTPStatus(t *testing.T) {
	base := errors.New("upstream said no")

	if err := ClassifyHTTPStatus(base, 429); !IsTransient(err) {
		t.Error("429 should classify transient")
	}
	if err := ClassifyHTTPStatus(base, 503); !IsTransient(err) {
		t.Error("503 should classify transient")
	}
	if err := ClassifyHTTPStatus(base, 422); !IsTerminal(err) {
		t.Error("422 should classify terminal")
	}
	if err := ClassifyHTTPStatus(base, 404); !IsTerminal(err) {
		t.Error("404 should classify terminal")
	}
	if ClassifyHTTPStatus(nil, 500) != nil {
		t.Error("nil error should stay nil")
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		if !IsTransientHTTPStatus(code) {
			t.Errorf("expected %d transient", code)
		}
	}
	for _, code := range []int{200, 400, 401, 403, 404, 422} {
		if IsTransientHTTPStatus(code) {
			t.Errorf("expected %d not transient", code)
		}
	}
}
