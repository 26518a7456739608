package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lei/pushwatch/internal/models"
)

// maxJobPages bounds how many "next" links ListJobs follows
const maxJobPages = 50

// PushQuery selects pushes of a repository
type PushQuery struct {
	Count      int
	BeforeID   int64 // id__lt, pages back from an offset
	IDs        []int64
	Revision   string
	FromChange string
	ToChange   string
	StartDate  string
	EndDate    string
	Author     string
}

func (q PushQuery) values() url.Values {
	v := url.Values{}
	if q.Count > 0 {
		v.Set("count", strconv.Itoa(q.Count))
	}
	if q.BeforeID > 0 {
		v.Set("id__lt", strconv.FormatInt(q.BeforeID, 10))
	}
	if len(q.IDs) > 0 {
		v.Set("id__in", joinInts(q.IDs))
	}
	setIf(v, "revision", q.Revision)
	setIf(v, "fromchange", q.FromChange)
	setIf(v, "tochange", q.ToChange)
	setIf(v, "startdate", q.StartDate)
	setIf(v, "enddate", q.EndDate)
	setIf(v, "author", q.Author)
	return v
}

// JobQuery selects jobs of a repository
type JobQuery struct {
	PushIDs           []int64
	IDs               []int64
	GUIDs             []string
	LastModifiedSince time.Time
	Count             int
}

func (q JobQuery) values() url.Values {
	v := url.Values{}
	if len(q.PushIDs) > 0 {
		v.Set("push_id__in", joinInts(q.PushIDs))
	}
	if len(q.IDs) > 0 {
		v.Set("id__in", joinInts(q.IDs))
	}
	if len(q.GUIDs) > 0 {
		v.Set("job_guid__in", strings.Join(q.GUIDs, ","))
	}
	if !q.LastModifiedSince.IsZero() {
		v.Set("last_modified__gt", q.LastModifiedSince.UTC().Format(time.RFC3339))
	}
	if q.Count > 0 {
		v.Set("count", strconv.Itoa(q.Count))
	}
	return v
}

type pushList struct {
	Results []*models.Push `json:"results"`
}

type jobList struct {
	Results []*models.Job `json:"results"`
	Next    string        `json:"next"`
}

// ListPushes lists pushes of repo matching q
func (c *Client) ListPushes(ctx context.Context, repo string, q PushQuery) ([]*models.Push, error) {
	target := projectPath(repo, "push")
	if v := q.values(); len(v) > 0 {
		target += "?" + v.Encode()
	}

	var out pushList
	if err := c.getJSON(ctx, target, ErrPushNotFound, &out); err != nil {
		return nil, fmt.Errorf("list pushes: %w", err)
	}
	return out.Results, nil
}

// ListJobs lists jobs of repo matching q, following pagination links
func (c *Client) ListJobs(ctx context.Context, repo string, q JobQuery) ([]*models.Job, error) {
	target := projectPath(repo, "jobs")
	if v := q.values(); len(v) > 0 {
		target += "?" + v.Encode()
	}

	var jobs []*models.Job
	for page := 0; target != "" && page < maxJobPages; page++ {
		var out jobList
		if err := c.getJSON(ctx, target, nil, &out); err != nil {
			return nil, fmt.Errorf("list jobs: %w", err)
		}
		jobs = append(jobs, out.Results...)
		target = out.Next
	}
	if target != "" {
		c.logger.Warn("client: job listing truncated", "repo", repo, "pages", maxJobPages)
	}
	return jobs, nil
}

// GetJob retrieves one job by id
func (c *Client) GetJob(ctx context.Context, repo string, id int64) (*models.Job, error) {
	target := projectPath(repo, "jobs/"+strconv.FormatInt(id, 10))

	var job models.Job
	if err := c.getJSON(ctx, target, ErrJobNotFound, &job); err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &job, nil
}

// CancelJob asks the backend to cancel a pending or running job
func (c *Client) CancelJob(ctx context.Context, repo string, id int64) error {
	target := projectPath(repo, "jobs/"+strconv.FormatInt(id, 10)+"/cancel")

	resp, err := c.doRequest(ctx, http.MethodPost, target, nil)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("cancel job: %w", parseError(resp, ErrJobNotFound))
	}
	return nil
}

func joinInts(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

func setIf(v url.Values, key, value string) {
	if value != "" {
		v.Set(key, value)
	}
}
