package merge

import "testing"

func TestCanonicalURL(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"HTTPS://Example.COM/Path/", "https://example.com/Path"},
		{"https://example.com:443/a", "https://example.com/a"},
		{"http://example.com:80/a", "http://example.com/a"},
		{"https://example.com/a?utm_source=x&utm_medium=y&id=7", "https://example.com/a?id=7"},
		{"https://example.com/a?fbclid=abc", "https://example.com/a"},
		{"https://example.com/a#section", "https://example.com/a"},
		{"https://example.com/", "https://example.com/"},
		{"not a url at all", "not a url at all"},
	}
	for _, c := range cases {
		if got := CanonicalURL(c.in); got != c.want {
			t.Errorf("CanonicalURL(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestCanonicalURLFixedPoint(t *testing.T) {
	inputs := []string{
		"https://example.com/a?id=7",
		"http://example.com/path",
		"https://example.com/",
		"https://example.com/a?b=2&c=3",
	}
	for _, in := range inputs {
		once := CanonicalURL(in)
		twice := CanonicalURL(once)
		if once != twice {
			t.Errorf("canonicalization is not a fixed point: %q -> %q -> %q", in, once, twice)
		}
	}
}

func TestUpgradeSchemes(t *testing.T) {
	canonicals := []string{
		"http://ex.com/a",
		"https://ex.com/a",
		"http://only-http.com/b",
	}
	upgraded := upgradeSchemes(canonicals)

	if upgraded["http://ex.com/a"] != "https://ex.com/a" {
		t.Error("expected http variant upgraded when https was observed")
	}
	if upgraded["http://only-http.com/b"] != "http://only-http.com/b" {
		t.Error("http-only URL must not be upgraded")
	}
	if upgraded["https://ex.com/a"] != "https://ex.com/a" {
		t.Error("https URL must pass through unchanged")
	}
}

func TestNormalizeTitle(t *testing.T) {
	if got := NormalizeTitle("  X Wins: The FINAL!  "); got != "x wins the final" {
		t.Errorf("unexpected normalization %q", got)
	}
	if got := NormalizeTitle("ΑΕΚ κερδίζει"); got != "αεκ κερδίζει" {
		t.Errorf("expected unicode letters kept, got %q", got)
	}
}

func TestTitleSimilarity(t *testing.T) {
	if sim := TitleSimilarity("X wins the final", "X wins the final"); sim != 1 {
		t.Errorf("identical titles should score 1, got %v", sim)
	}
	if sim := TitleSimilarity("alpha beta gamma", "delta epsilon zeta"); sim != 0 {
		t.Errorf("disjoint titles should score 0, got %v", sim)
	}
	if sim := TitleSimilarity("", "anything"); sim != 0 {
		t.Errorf("empty title should score 0, got %v", sim)
	}
	high := TitleSimilarity("X wins the big final", "X wins the big final tonight")
	low := TitleSimilarity("X wins the big final", "Y loses an away match")
	if high <= low {
		t.Errorf("expected near-duplicate to outscore unrelated title: %v vs %v", high, low)
	}
}
