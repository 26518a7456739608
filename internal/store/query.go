package store

import (
	"fmt"
	"net/url"
	"sort"
	"time"
)

// DateLayout is the layout of the startdate/enddate parameters
const DateLayout = "2006-01-02"

// serverParams are the query parameters that change what the backend returns.
// Everything else (filter-*, selectedJob, searchStr, ...) is applied on the
// client and does not affect the repository key.
var serverParams = []string{"revision", "fromchange", "tochange", "startdate", "enddate", "author"}

// Query is the effective view query of a repository
type Query struct {
	Revision   string
	FromChange string
	ToChange   string
	Author     string
	StartDate  time.Time
	EndDate    time.Time

	// Filters holds client-side filter parameters
	Filters url.Values
}

// ParseQuery splits url parameters into the server-side part and client-side filters
func ParseQuery(values url.Values) (Query, error) {
	q := Query{
		Revision:   values.Get("revision"),
		FromChange: values.Get("fromchange"),
		ToChange:   values.Get("tochange"),
		Author:     values.Get("author"),
		Filters:    url.Values{},
	}

	if s := values.Get("startdate"); s != "" {
		t, err := time.ParseInLocation(DateLayout, s, time.UTC)
		if err != nil {
			return Query{}, fmt.Errorf("parse startdate: %w", err)
		}
		q.StartDate = t
	}
	if s := values.Get("enddate"); s != "" {
		t, err := time.ParseInLocation(DateLayout, s, time.UTC)
		if err != nil {
			return Query{}, fmt.Errorf("parse enddate: %w", err)
		}
		q.EndDate = t
	}

	for k, v := range values {
		if isServerParam(k) || k == "repo" {
			continue
		}
		q.Filters[k] = append([]string(nil), v...)
	}

	return q, nil
}

func isServerParam(name string) bool {
	for _, p := range serverParams {
		if p == name {
			return true
		}
	}
	return false
}

// Key identifies what the backend would return for this query. Two queries
// with equal keys differ only in client-side filters.
func (q Query) Key() string {
	v := url.Values{}
	if q.Revision != "" {
		v.Set("revision", q.Revision)
	}
	if q.FromChange != "" {
		v.Set("fromchange", q.FromChange)
	}
	if q.ToChange != "" {
		v.Set("tochange", q.ToChange)
	}
	if q.Author != "" {
		v.Set("author", q.Author)
	}
	if !q.StartDate.IsZero() {
		v.Set("startdate", q.StartDate.Format(DateLayout))
	}
	if !q.EndDate.IsZero() {
		v.Set("enddate", q.EndDate.Format(DateLayout))
	}
	// Encode sorts by key
	return v.Encode()
}

// PollingEnabled is false when the query pins a fixed window of pushes
func (q Query) PollingEnabled() bool {
	return q.Revision == "" && q.FromChange == "" && q.ToChange == "" &&
		q.StartDate.IsZero() && q.EndDate.IsZero()
}

// AcceptsNewPushes is false when the query names its newest push, so pushes
// discovered later never belong to the view.
func (q Query) AcceptsNewPushes() bool {
	return q.Revision == "" && q.ToChange == ""
}

// InRange reports whether a push timestamp falls inside the startdate/enddate
// window. The end date is inclusive of the whole day.
func (q Query) InRange(pushTimestamp int64) bool {
	if !q.StartDate.IsZero() && pushTimestamp < q.StartDate.Unix() {
		return false
	}
	if !q.EndDate.IsZero() && pushTimestamp >= q.EndDate.AddDate(0, 0, 1).Unix() {
		return false
	}
	return true
}

// Values renders the query back into url parameters, filters included
func (q Query) Values() url.Values {
	v, _ := url.ParseQuery(q.Key())
	keys := make([]string, 0, len(q.Filters))
	for k := range q.Filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, val := range q.Filters[k] {
			v.Add(k, val)
		}
	}
	return v
}

// String implements fmt.Stringer
func (q Query) String() string {
	if s := q.Values().Encode(); s != "" {
		return s
	}
	return "(live)"
}
