package scraper

import (
	"testing"
)

func TestBuildMapSearchURL(t *testing.T) {
	got := BuildMapSearchURL("https://maps.example.com/search", "plumber", "Osaka")
	want := "https://maps.example.com/search?near=Osaka&q=plumber"
	if got != want {
		t.Fatalf("url = %q, want %q", got, want)
	}
}

func TestBuildMapSearchURLEncodesSpaces(t *testing.T) {
	got := BuildMapSearchURL("https://maps.example.com/search", "dental clinic", "New York")
	want := "https://maps.example.com/search?near=New%20York&q=dental%20clinic"
	if got != want {
		t.Fatalf("url = %q, want %q", got, want)
	}
}

func TestBuildLookupURLNormalizesNumber(t *testing.T) {
	got := BuildLookupURL("https://portability.example.net/lookup", "03-1234-5678")
	want := "https://portability.example.net/lookup?number=0312345678"
	if got != want {
		t.Fatalf("url = %q, want %q", got, want)
	}
}

func TestNormalizePhone(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"03-1234-5678", "0312345678"},
		{"(03) 1234 5678", "0312345678"},
		{"0312345678", "0312345678"},
		{"+81 3-1234-5678", "+81312345678"},
	}
	for _, tc := range cases {
		if got := NormalizePhone(tc.in); got != tc.want {
			t.Errorf("NormalizePhone(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestPhoneRegexp(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Tel: 03-1234-5678", "03-1234-5678"},
		{"Call (03) 1234 5678 now", "03) 1234 5678"},
		{"no number here", ""},
	}
	for _, tc := range cases {
		if got := phoneRe.FindString(tc.in); got != tc.want {
			t.Errorf("phoneRe.FindString(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
