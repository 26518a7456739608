package store

import (
	"net/url"
	"testing"
)

func TestParseQuery_KeyIgnoresFilters(t *testing.T) {
	a, err := ParseQuery(url.Values{"repo": {"autoland"}, "fromchange": {"abc"}, "filter-tier": {"1", "2"}})
	if err != nil {
		t.Fatalf("ParseQuery() error = %v", err)
	}
	b, err := ParseQuery(url.Values{"fromchange": {"abc"}, "selectedJob": {"42"}})
	if err != nil {
		t.Fatalf("ParseQuery() error = %v", err)
	}

	if a.Key() != b.Key() {
		t.Errorf("Key() differs: %q vs %q", a.Key(), b.Key())
	}
	if got := a.Filters.Get("filter-tier"); got != "1" {
		t.Errorf("Filters[filter-tier] = %q, want 1", got)
	}
	if _, ok := a.Filters["repo"]; ok {
		t.Error("repo must not be treated as a filter")
	}
}

func TestParseQuery_InvalidDate(t *testing.T) {
	if _, err := ParseQuery(url.Values{"startdate": {"yesterday"}}); err == nil {
		t.Error("expected error for invalid startdate")
	}
}

func TestQuery_PollingEnabled(t *testing.T) {
	tests := []struct {
		name   string
		values url.Values
		want   bool
	}{
		{"empty", url.Values{}, true},
		{"filters only", url.Values{"filter-searchStr": {"mochitest"}}, true},
		{"author only", url.Values{"author": {"someone@example.com"}}, true},
		{"revision", url.Values{"revision": {"abc"}}, false},
		{"fromchange", url.Values{"fromchange": {"abc"}}, false},
		{"tochange", url.Values{"tochange": {"abc"}}, false},
		{"startdate", url.Values{"startdate": {"2024-01-01"}}, false},
		{"enddate", url.Values{"enddate": {"2024-01-01"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := ParseQuery(tt.values)
			if err != nil {
				t.Fatalf("ParseQuery() error = %v", err)
			}
			if got := q.PollingEnabled(); got != tt.want {
				t.Errorf("PollingEnabled() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestQuery_Values(t *testing.T) {
	q, err := ParseQuery(url.Values{"tochange": {"def"}, "filter-tier": {"3"}})
	if err != nil {
		t.Fatalf("ParseQuery() error = %v", err)
	}
	want := "filter-tier=3&tochange=def"
	if got := q.Values().Encode(); got != want {
		t.Errorf("Values() = %q, want %q", got, want)
	}
	if got := (Query{}).String(); got != "(live)" {
		t.Errorf("String() = %q, want (live)", got)
	}
}
