package menu

import (
	"bytes"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	m := New("Test Menu")
	if m.Title != "Test Menu" {
		t.Errorf("Title = %q, want %q", m.Title, "Test Menu")
	}
}

func TestNewWithOptions(t *testing.T) {
	input := strings.NewReader("q\n")
	output := &bytes.Buffer{}

	m := New("Test", WithInput(input), WithOutput(output))

	if m.input != input {
		t.Error("WithInput option not applied")
	}
	if m.output != output {
		t.Error("WithOutput option not applied")
	}
}

func TestAddItem(t *testing.T) {
	m := New("Test")
	m.AddItem(Item{Key: "1", Label: "Option One"})

	if len(m.Items) != 1 {
		t.Fatalf("len(Items) = %d, want 1", len(m.Items))
	}
	if m.Items[0].Key != "1" {
		t.Errorf("Items[0].Key = %q, want %q", m.Items[0].Key, "1")
	}
}

func TestDisplayWithScannerRunsSelectedAction(t *testing.T) {
	input := strings.NewReader("1\nq\n")
	output := &bytes.Buffer{}

	var ran bool
	m := New("Test", WithInput(input), WithOutput(output))
	m.AddItem(Item{Key: "1", Label: "Do thing", Action: func() error {
		ran = true
		return nil
	}})

	if err := m.Display(); err != nil {
		t.Fatalf("Display: %v", err)
	}
	if !ran {
		t.Fatal("expected action to run")
	}
}

func TestDisplayWithScannerQuitsImmediately(t *testing.T) {
	input := strings.NewReader("q\n")
	output := &bytes.Buffer{}

	var ran bool
	m := New("Test", WithInput(input), WithOutput(output))
	m.AddItem(Item{Key: "1", Label: "Do thing", Action: func() error {
		ran = true
		return nil
	}})

	if err := m.Display(); err != nil {
		t.Fatalf("Display: %v", err)
	}
	if ran {
		t.Fatal("action should not have run")
	}
}

// TestDisplayWithScannerThreadsRemainingInputIntoAction exercises an
// Action that itself calls Input mid-selection: the menu's selection
// read and the action's prompt read must share one buffered reader so
// lines typed ahead of time aren't dropped (a prior version wrapped the
// same io.Reader in a second bufio.Scanner per call and lost them).
func TestDisplayWithScannerThreadsRemainingInputIntoAction(t *testing.T) {
	input := strings.NewReader("1\nlobby\nq\n")
	output := &bytes.Buffer{}

	var got string
	m := New("Test", WithInput(input), WithOutput(output))
	m.AddItem(Item{Key: "1", Label: "Ask for channel", Action: func() error {
		got = m.Input("channel")
		return nil
	}})

	if err := m.Display(); err != nil {
		t.Fatalf("Display: %v", err)
	}
	if got != "lobby" {
		t.Fatalf("Input() inside action = %q, want lobby", got)
	}
}

func TestConfirmWithScanner(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"y\n", true},
		{"yes\n", true},
		{"n\n", false},
		{"\n", false},
	}
	for _, tt := range tests {
		out := &bytes.Buffer{}
		m := New("Test", WithInput(strings.NewReader(tt.in)), WithOutput(out))
		got := m.Confirm("continue?")
		if got != tt.want {
			t.Errorf("Confirm(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestInputWithScanner(t *testing.T) {
	out := &bytes.Buffer{}
	m := New("Test", WithInput(strings.NewReader("lobby\n")), WithOutput(out))
	got := m.Input("channel")
	if got != "lobby" {
		t.Errorf("Input = %q, want lobby", got)
	}
}
