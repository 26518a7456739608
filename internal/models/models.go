package models

import (
	"fmt"
	"time"
)

// UngroupedSymbol is the group symbol for jobs that have no logical group
const UngroupedSymbol = "?"

// UnclassifiedFailureID is the classification id the backend assigns to failures nobody has triaged
const UnclassifiedFailureID = 1

// Push represents one commit set submitted to a repository
type Push struct {
	ID            int64       `json:"id"`
	Revision      string      `json:"revision"`
	Author        string      `json:"author"`
	PushTimestamp int64       `json:"push_timestamp"` // unix seconds
	RepositoryID  int64       `json:"repository_id"`
	RevisionCount int         `json:"revision_count"`
	Revisions     []Revision  `json:"revisions"`
	Platforms     []*Platform `json:"platforms,omitempty"`
}

// Revision is a single commit inside a push
type Revision struct {
	Revision string `json:"revision"`
	Author   string `json:"author"`
	Comments string `json:"comments"`
}

// Time returns the push timestamp as a time.Time
func (p *Push) Time() time.Time {
	return time.Unix(p.PushTimestamp, 0)
}

// Platform is a build/test configuration scoped to one push
type Platform struct {
	Name   string   `json:"name"`
	Option string   `json:"option"`
	Groups []*Group `json:"groups"`
}

// Key identifies a platform within its push
func (p *Platform) Key() string {
	return PlatformKey(p.Name, p.Option)
}

// PlatformKey builds the composite (name, option) key
func PlatformKey(name, option string) string {
	return name + "|" + option
}

// Group is a named cluster of jobs within a platform
type Group struct {
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
	Tier   int    `json:"tier"`
	Jobs   []*Job `json:"jobs"`
}

// JobState is the scheduling state of a job
type JobState string

const (
	StatePending   JobState = "pending"
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
)

// JobResult is the outcome of a completed job
type JobResult string

const (
	ResultSuccess    JobResult = "success"
	ResultTestFailed JobResult = "testfailed"
	ResultBusted     JobResult = "busted"
	ResultException  JobResult = "exception"
	ResultRetry      JobResult = "retry"
	ResultUserCancel JobResult = "usercancel"
	ResultUnknown    JobResult = "unknown"
)

// Job is a single unit of build or test work
type Job struct {
	ID                      int64     `json:"id"`
	GUID                    string    `json:"job_guid"`
	PushID                  int64     `json:"push_id"`
	State                   JobState  `json:"state"`
	Result                  JobResult `json:"result"`
	FailureClassificationID int       `json:"failure_classification_id"`
	Symbol                  string    `json:"job_type_symbol"`
	Name                    string    `json:"job_type_name"`
	GroupSymbol             string    `json:"job_group_symbol"`
	GroupName               string    `json:"job_group_name"`
	Platform                string    `json:"platform"`
	PlatformOption          string    `json:"platform_option"`
	Tier                    int       `json:"tier"`
	SubmitTimestamp         int64     `json:"submit_timestamp"`
	StartTimestamp          int64     `json:"start_timestamp"`
	EndTimestamp            int64     `json:"end_timestamp"`
	LastModified            time.Time `json:"last_modified"`
}

// ResultStatus is what the dashboard colors a job by: the result once the
// job completed, the state before that.
func (j *Job) ResultStatus() string {
	if j.State == StateCompleted {
		if j.Result == "" {
			return string(ResultUnknown)
		}
		return string(j.Result)
	}
	return string(j.State)
}

// IsFailure reports whether the job completed with a failing result
func (j *Job) IsFailure() bool {
	switch j.Result {
	case ResultTestFailed, ResultBusted, ResultException:
		return j.State == StateCompleted
	}
	return false
}

// IsUnclassifiedFailure reports whether the job failed and nobody classified it yet
func (j *Job) IsUnclassifiedFailure() bool {
	return j.IsFailure() && j.FailureClassificationID == UnclassifiedFailureID
}

// IsTerminal reports whether no further status change is expected
func (j *Job) IsTerminal() bool {
	return j.State == StateCompleted
}

// GroupKey returns the group symbol, substituting the ungrouped symbol when empty
func (j *Job) GroupKey() string {
	if j.GroupSymbol == "" {
		return UngroupedSymbol
	}
	return j.GroupSymbol
}

// Merge replaces the fields of j with those of other in place, so pointers
// to j stay valid. The backend always sends whole job records; a partial
// other zeroes the fields it leaves out. Merge reports whether the job
// changed push, platform or group and so has to be re-nested.
func (j *Job) Merge(other *Job) (moved bool) {
	moved = j.PushID != other.PushID ||
		PlatformKey(j.Platform, j.PlatformOption) != PlatformKey(other.Platform, other.PlatformOption) ||
		j.GroupKey() != other.GroupKey()
	*j = *other
	return moved
}

// Clone returns a copy of the job
func (j *Job) Clone() *Job {
	c := *j
	return &c
}

// String implements fmt.Stringer
func (j *Job) String() string {
	return fmt.Sprintf("job %d (%s %s/%s %s)", j.ID, j.Platform, j.GroupKey(), j.Symbol, j.ResultStatus())
}

// Clone returns a deep copy of the push, including its platforms, groups and jobs
func (p *Push) Clone() *Push {
	c := *p
	c.Revisions = append([]Revision(nil), p.Revisions...)
	if p.Platforms != nil {
		c.Platforms = make([]*Platform, len(p.Platforms))
		for i, plat := range p.Platforms {
			c.Platforms[i] = plat.Clone()
		}
	}
	return &c
}

// Clone returns a deep copy of the platform
func (p *Platform) Clone() *Platform {
	c := *p
	c.Groups = make([]*Group, len(p.Groups))
	for i, g := range p.Groups {
		gc := *g
		gc.Jobs = make([]*Job, len(g.Jobs))
		for k, job := range g.Jobs {
			gc.Jobs[k] = job.Clone()
		}
		c.Groups[i] = &gc
	}
	return &c
}

// JobNotice is the per-job payload of a push-notification event
type JobNotice struct {
	PushID        int64 `json:"push_id"`
	PushTimestamp int64 `json:"push_timestamp"`
}
