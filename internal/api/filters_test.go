package api

import (
	"net/url"
	"testing"

	"github.com/lei/pushwatch/internal/models"
)

func testPush() *models.Push {
	return &models.Push{
		ID:       1,
		Revision: "abcdef123456",
		Author:   "dev@example.com",
		Platforms: []*models.Platform{
			{Name: "linux64", Groups: []*models.Group{
				{Symbol: "M", Jobs: []*models.Job{
					{ID: 1, Symbol: "1", GroupSymbol: "M", Tier: 1, State: models.StateCompleted, Result: models.ResultSuccess},
					{ID: 2, Symbol: "2", GroupSymbol: "M", Tier: 1, State: models.StateCompleted, Result: models.ResultTestFailed, FailureClassificationID: models.UnclassifiedFailureID},
				}},
			}},
			{Name: "windows11", Groups: []*models.Group{
				{Symbol: "?", Jobs: []*models.Job{
					{ID: 3, Symbol: "B", Name: "build-windows", Tier: 2, State: models.StateRunning},
				}},
			}},
		},
	}
}

func countJobs(p *models.Push) int {
	n := 0
	for _, plat := range p.Platforms {
		for _, g := range plat.Groups {
			n += len(g.Jobs)
		}
	}
	return n
}

func TestFilterPush(t *testing.T) {
	tests := []struct {
		name      string
		query     string
		jobs      int
		platforms int
	}{
		{"no filters", "", 3, 2},
		{"tier 1", "filter-tier=1", 2, 1},
		{"tier list", "filter-tier=1,2", 3, 2},
		{"bad tier ignored", "filter-tier=x", 3, 2},
		{"status", "filter-resultStatus=running", 1, 1},
		{"repeated status", "filter-resultStatus=running&filter-resultStatus=success", 2, 2},
		{"search name", "filter-searchStr=BUILD", 1, 1},
		{"unclassified", "filter-unclassified=true", 1, 1},
		{"classified or passing", "filter-unclassified=false", 2, 2},
		{"nothing matches", "filter-resultStatus=busted", 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := url.ParseQuery(tt.query)
			if err != nil {
				t.Fatal(err)
			}
			p := testPush()
			got := FilterPush(p, ParseJobFilter(v))
			if n := countJobs(got); n != tt.jobs {
				t.Errorf("FilterPush() kept %d jobs, want %d", n, tt.jobs)
			}
			if len(got.Platforms) != tt.platforms {
				t.Errorf("FilterPush() kept %d platforms, want %d", len(got.Platforms), tt.platforms)
			}
			if countJobs(p) != 3 {
				t.Error("FilterPush() modified its input")
			}
		})
	}
}

func TestFilterPushes(t *testing.T) {
	pushes := []*models.Push{
		{ID: 1, Revision: "aaa111", Author: "ann@example.com"},
		{ID: 2, Revision: "bbb222", Author: "bob@example.com", Revisions: []models.Revision{
			{Revision: "bbb222", Comments: "Bug 123 - fix crash"},
		}},
		{ID: 3, Revision: "ccc333", Author: "Ann@Example.com"},
	}

	tests := []struct {
		name   string
		author string
		search string
		want   int
	}{
		{"no filters", "", "", 3},
		{"author case-insensitive", "ann@example.com", "", 2},
		{"revision prefix", "", "bbb", 1},
		{"commit message", "", "fix crash", 1},
		{"author + search", "ann@example.com", "ccc", 1},
		{"no match", "", "zzz", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FilterPushes(pushes, tt.author, tt.search)
			if len(got) != tt.want {
				t.Errorf("FilterPushes() = %d pushes, want %d", len(got), tt.want)
			}
		})
	}
}

func TestMergeFilters(t *testing.T) {
	base := url.Values{"filter-tier": {"1"}, "filter-resultStatus": {"success"}}
	req := url.Values{"filter-tier": {"2"}, "expand": {"all"}}

	got := mergeFilters(base, req)
	if got.Get("filter-tier") != "2" {
		t.Errorf("filter-tier = %q, want request value", got.Get("filter-tier"))
	}
	if got.Get("filter-resultStatus") != "success" {
		t.Errorf("filter-resultStatus = %q, want repository value", got.Get("filter-resultStatus"))
	}
	if got.Has("expand") {
		t.Error("non-filter parameters must not be merged")
	}
	if base.Get("filter-tier") != "1" {
		t.Error("mergeFilters() modified its base")
	}
}

func TestParseBoolParam(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  *bool
	}{
		{"empty", "", nil},
		{"true", "true", boolPtr(true)},
		{"1", "1", boolPtr(true)},
		{"false", "false", boolPtr(false)},
		{"0", "0", boolPtr(false)},
		{"invalid", "invalid", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseBoolParam(tt.value)
			if (got == nil) != (tt.want == nil) {
				t.Errorf("parseBoolParam() = %v, want %v", got, tt.want)
				return
			}
			if got != nil && tt.want != nil && *got != *tt.want {
				t.Errorf("parseBoolParam() = %v, want %v", *got, *tt.want)
			}
		})
	}
}

func boolPtr(b bool) *bool {
	return &b
}
