// Package view derives what a dashboard renders for a push: per platform and
// group, the jobs to draw one by one and the rest collapsed into counts.
package view

import (
	"slices"
	"strings"
	"sync"

	"github.com/lei/pushwatch/internal/models"
)

// statusOrder fixes the order of count badges
var statusOrder = []string{
	string(models.StateRunning),
	string(models.StatePending),
	string(models.ResultSuccess),
	string(models.ResultRetry),
	string(models.ResultUserCancel),
	string(models.ResultUnknown),
}

// JobView is a job drawn individually
type JobView struct {
	ID           int64  `json:"id"`
	Symbol       string `json:"symbol"`
	Status       string `json:"status"`
	Tier         int    `json:"tier"`
	Unclassified bool   `json:"unclassified"`
}

// CountBadge stands in for Count jobs sharing a status
type CountBadge struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}

// GroupView is the rendering of one group
type GroupView struct {
	Key      string       `json:"key"`
	Symbol   string       `json:"symbol"`
	Name     string       `json:"name"`
	Expanded bool         `json:"expanded"`
	Jobs     []JobView    `json:"jobs"`
	Counts   []CountBadge `json:"counts,omitempty"`
}

// PlatformView is the rendering of one platform row
type PlatformView struct {
	Name   string      `json:"name"`
	Option string      `json:"option"`
	Groups []GroupView `json:"groups"`
}

// GroupKey identifies a group across renders
func GroupKey(platform, option, symbol string) string {
	return strings.Join([]string{platform, option, symbol}, "/")
}

// Project renders every platform of p. Groups for which expanded returns
// true show all their jobs; a nil expanded collapses every group.
func Project(p *models.Push, expanded func(key string) bool) []PlatformView {
	out := make([]PlatformView, 0, len(p.Platforms))
	for _, plat := range p.Platforms {
		pv := PlatformView{
			Name:   plat.Name,
			Option: plat.Option,
			Groups: make([]GroupView, 0, len(plat.Groups)),
		}
		for _, g := range plat.Groups {
			key := GroupKey(plat.Name, plat.Option, g.Symbol)
			// Ungrouped jobs have no group button to collapse into.
			exp := g.Symbol == models.UngroupedSymbol || (expanded != nil && expanded(key))
			pv.Groups = append(pv.Groups, projectGroup(key, g, exp))
		}
		out = append(out, pv)
	}
	return out
}

func projectGroup(key string, g *models.Group, expanded bool) GroupView {
	gv := GroupView{
		Key:      key,
		Symbol:   g.Symbol,
		Name:     g.Name,
		Expanded: expanded,
		Jobs:     []JobView{},
	}

	if expanded {
		for _, j := range g.Jobs {
			gv.Jobs = append(gv.Jobs, jobView(j))
		}
		return gv
	}

	counts := make(map[string]int)
	for _, j := range g.Jobs {
		if !j.IsFailure() {
			counts[j.ResultStatus()]++
		}
	}

	for _, j := range g.Jobs {
		// A count of one is drawn as the job itself.
		if j.IsFailure() || counts[j.ResultStatus()] == 1 {
			gv.Jobs = append(gv.Jobs, jobView(j))
		}
	}

	for _, status := range orderedStatuses(counts) {
		if n := counts[status]; n > 1 {
			gv.Counts = append(gv.Counts, CountBadge{Status: status, Count: n})
		}
	}
	return gv
}

func orderedStatuses(counts map[string]int) []string {
	out := make([]string, 0, len(counts))
	for _, s := range statusOrder {
		if _, ok := counts[s]; ok {
			out = append(out, s)
		}
	}
	var extra []string
	for s := range counts {
		if !slices.Contains(statusOrder, s) {
			extra = append(extra, s)
		}
	}
	slices.Sort(extra)
	return append(out, extra...)
}

func jobView(j *models.Job) JobView {
	return JobView{
		ID:           j.ID,
		Symbol:       j.Symbol,
		Status:       j.ResultStatus(),
		Tier:         j.Tier,
		Unclassified: j.IsUnclassifiedFailure(),
	}
}

// PushSummary totals a push's jobs by status
type PushSummary struct {
	PushID               int64          `json:"push_id"`
	Total                int            `json:"total"`
	ByStatus             map[string]int `json:"by_status"`
	UnclassifiedFailures int            `json:"unclassified_failures"`
}

// Summarize counts the jobs of p
func Summarize(p *models.Push) PushSummary {
	s := PushSummary{PushID: p.ID, ByStatus: make(map[string]int)}
	for _, plat := range p.Platforms {
		for _, g := range plat.Groups {
			for _, j := range g.Jobs {
				s.Total++
				s.ByStatus[j.ResultStatus()]++
				if j.IsUnclassifiedFailure() {
					s.UnclassifiedFailures++
				}
			}
		}
	}
	return s
}

// Expansion is the presentation-only set of groups a viewer expanded. It is
// independent of the repository map.
type Expansion struct {
	mu   sync.RWMutex
	all  bool
	keys map[string]bool
}

// NewExpansion creates an expansion from group keys; the key "all" expands every group
func NewExpansion(keys ...string) *Expansion {
	e := &Expansion{keys: make(map[string]bool)}
	for _, k := range keys {
		if k == "all" {
			e.all = true
			continue
		}
		if k != "" {
			e.keys[k] = true
		}
	}
	return e
}

// Toggle flips one group and returns its new state
func (e *Expansion) Toggle(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.keys[key] {
		delete(e.keys, key)
		return false
	}
	e.keys[key] = true
	return true
}

// IsExpanded reports whether a group is expanded
func (e *Expansion) IsExpanded(key string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.all || e.keys[key]
}
