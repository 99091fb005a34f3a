package policy

import "testing"

func TestMatch(t *testing.T) {
	cases := []struct {
		pattern, value string
		want           bool
	}{
		{"api:openai:*", "api:openai:gpt-4", true},
		{"api:openai:*", "api:openai:", true},
		{"api:openai:*", "api:anthropic:claude", false},
		{"*", "", true},
		{"*", "anything", true},
		{"", "", true},
		{"", "x", false},
		{"a*c", "abc", true},
		{"a*c", "ac", true},
		{"a*c", "abx", false},
		{"a*b*c", "aXbYc", true},
		{"a*b*c", "abYcZ", false},
		{"exact", "exact", true},
		{"exact", "exact2", false},
	}
	for _, c := range cases {
		if got := Match(c.pattern, c.value); got != c.want {
			t.Errorf("Match(%q, %q) = %v, want %v", c.pattern, c.value, got, c.want)
		}
	}
}

func TestCovers(t *testing.T) {
	cases := []struct {
		p, q string
		want bool
	}{
		// Literal q: plain match against p.
		{"api:openai:*", "api:openai:gpt-4", true},
		{"api:openai:*", "api:anthropic:claude", false},
		{"exact", "exact", true},
		{"exact", "other", false},

		// Wildcard q: p needs a trailing star with a shorter-or-equal prefix.
		{"api:*", "api:openai:*", true},
		{"api:openai:*", "api:openai:*", true},
		{"api:openai:*", "api:*", false}, // q matches api:x which p does not
		{"*", "api:*", true},
		{"*", "*", true},
		{"api:openai:gpt-4", "api:openai:*", false}, // literal p cannot cover a family

		// Interior stars only cover themselves.
		{"a*b", "a*b", true},
		{"a*b", "a*", false},
		{"a*", "a*b", true}, // all a...b strings start with a
	}
	for _, c := range cases {
		if got := Covers(c.p, c.q); got != c.want {
			t.Errorf("Covers(%q, %q) = %v, want %v", c.p, c.q, got, c.want)
		}
	}
}

func TestCoveredAll(t *testing.T) {
	allowed := []string{"api:openai:*", "db:readonly"}

	if !CoveredAll(allowed, []string{"api:openai:gpt-4", "db:readonly"}) {
		t.Error("expected full coverage")
	}
	if CoveredAll(allowed, []string{"api:openai:gpt-4", "db:admin"}) {
		t.Error("db:admin must not be covered")
	}
	if !CoveredAll(allowed, nil) {
		t.Error("empty request is trivially covered")
	}
}

func TestContainsAll(t *testing.T) {
	allowed := []string{"api_call", "read"}

	if !ContainsAll(allowed, []string{"read"}) {
		t.Error("read should be allowed")
	}
	if ContainsAll(allowed, []string{"read", "write"}) {
		t.Error("write should not be allowed")
	}
	if !ContainsAll(allowed, nil) {
		t.Error("empty request is trivially contained")
	}
}
