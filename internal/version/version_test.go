package version

import "testing"

func TestString(t *testing.T) {
	if Get() == "" {
		t.Fatal("Get() is empty")
	}
	old := Commit
	t.Cleanup(func() { Commit = old })

	Commit = ""
	if got := String(); got != Get() {
		t.Errorf("String() = %q, want %q", got, Get())
	}
	Commit = "abc123"
	if got, want := String(), Get()+" (abc123)"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
