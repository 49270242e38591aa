package util

import "testing"

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"Checkout Flow":   "checkout-flow",
		"a/b\\c:d":        "a-b-c-d",
		"plain":           "plain",
		"what?<is>|this*": "what--is--this-",
	}
	for in, want := range cases {
		if got := SanitizeFilename(in); got != want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("hello", 10); got != "hello" {
		t.Errorf("Truncate short = %q", got)
	}
	if got := Truncate("hello world", 5); got != "hello..." {
		t.Errorf("Truncate long = %q", got)
	}
}

func TestCap(t *testing.T) {
	if got := Cap("hello world", 5); got != "hello" {
		t.Errorf("Cap = %q", got)
	}
	if got := Cap("hi", 5); got != "hi" {
		t.Errorf("Cap short = %q", got)
	}
}
