package api

import (
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/lei/pushwatch/internal/models"
)

// Job filter parameters, shared by repository queries and view requests
const (
	filterTier         = "filter-tier"
	filterResultStatus = "filter-resultStatus"
	filterSearch       = "filter-searchStr"
	filterUnclassified = "filter-unclassified"
)

// JobFilter selects which jobs of a push are rendered
type JobFilter struct {
	Tiers        []int
	Statuses     []string
	Search       string
	Unclassified *bool
}

// ParseJobFilter reads the filter-* parameters. Multi-valued parameters may
// be repeated or comma separated; unparseable tiers are ignored.
func ParseJobFilter(v url.Values) JobFilter {
	var f JobFilter
	for _, s := range splitValues(v[filterTier]) {
		if tier, err := strconv.Atoi(s); err == nil {
			f.Tiers = append(f.Tiers, tier)
		}
	}
	f.Statuses = splitValues(v[filterResultStatus])
	f.Search = strings.ToLower(strings.TrimSpace(v.Get(filterSearch)))
	f.Unclassified = parseBoolParam(v.Get(filterUnclassified))
	return f
}

// Empty reports whether the filter keeps every job
func (f JobFilter) Empty() bool {
	return len(f.Tiers) == 0 && len(f.Statuses) == 0 && f.Search == "" && f.Unclassified == nil
}

// Match reports whether a job passes the filter
func (f JobFilter) Match(j *models.Job) bool {
	if len(f.Tiers) > 0 && !slices.Contains(f.Tiers, j.Tier) {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, j.ResultStatus()) {
		return false
	}
	if f.Unclassified != nil && j.IsUnclassifiedFailure() != *f.Unclassified {
		return false
	}
	if f.Search != "" {
		fields := []string{j.Symbol, j.Name, j.GroupSymbol, j.GroupName, j.Platform}
		found := false
		for _, s := range fields {
			if strings.Contains(strings.ToLower(s), f.Search) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// FilterPush returns a copy of p holding only the jobs that match f.
// Groups and platforms left without jobs are dropped.
func FilterPush(p *models.Push, f JobFilter) *models.Push {
	if f.Empty() {
		return p
	}

	out := *p
	out.Platforms = nil
	for _, plat := range p.Platforms {
		pc := *plat
		pc.Groups = nil
		for _, g := range plat.Groups {
			gc := *g
			gc.Jobs = nil
			for _, j := range g.Jobs {
				if f.Match(j) {
					gc.Jobs = append(gc.Jobs, j)
				}
			}
			if len(gc.Jobs) > 0 {
				pc.Groups = append(pc.Groups, &gc)
			}
		}
		if len(pc.Groups) > 0 {
			out.Platforms = append(out.Platforms, &pc)
		}
	}
	return &out
}

// FilterPushes filters pushes by author and by a search string matched
// against revisions and commit messages.
func FilterPushes(pushes []*models.Push, author, search string) []*models.Push {
	if author == "" && search == "" {
		return pushes
	}

	filtered := make([]*models.Push, 0, len(pushes))
	searchLower := strings.ToLower(search)

	for _, p := range pushes {
		// Author filter
		if author != "" && !strings.EqualFold(p.Author, author) {
			continue
		}

		// Search filter
		if search != "" && !pushContains(p, searchLower) {
			continue
		}

		filtered = append(filtered, p)
	}

	return filtered
}

func pushContains(p *models.Push, needle string) bool {
	if strings.HasPrefix(strings.ToLower(p.Revision), needle) {
		return true
	}
	for _, r := range p.Revisions {
		if strings.HasPrefix(strings.ToLower(r.Revision), needle) ||
			strings.Contains(strings.ToLower(r.Comments), needle) {
			return true
		}
	}
	return false
}

// mergeFilters overlays the filter-* parameters of a request on the ones a
// repository was watched with.
func mergeFilters(base, req url.Values) url.Values {
	out := url.Values{}
	for k, v := range base {
		out[k] = v
	}
	for k, v := range req {
		if strings.HasPrefix(k, "filter-") {
			out[k] = v
		}
	}
	return out
}

func splitValues(values []string) []string {
	var out []string
	for _, v := range values {
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// parseBoolParam parses boolean query parameters
func parseBoolParam(value string) *bool {
	if value == "" {
		return nil
	}

	if value == "true" || value == "1" {
		result := true
		return &result
	}

	if value == "false" || value == "0" {
		result := false
		return &result
	}

	return nil
}
