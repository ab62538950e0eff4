package models

import "time"

type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether no more pages of the run will be fetched.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

type PageStatus string

const (
	PageStatusPending   PageStatus = "pending"
	PageStatusRunning   PageStatus = "running"
	PageStatusCompleted PageStatus = "completed"
	PageStatusFailed    PageStatus = "failed"
)

// Run is one tracked attempt to collect every page of listings for a query signature.
type Run struct {
	ID          int64      `json:"id" db:"id"`
	Region      string     `json:"region" db:"region"`
	Category    string     `json:"category" db:"category"`
	SearchTerm  string     `json:"searchTerm" db:"search_term"`
	QueryHash   string     `json:"queryHash" db:"query_hash"`
	MaxPages    int        `json:"maxPages" db:"max_pages"`
	Status      RunStatus  `json:"status" db:"status"`
	StartedAt   *time.Time `json:"startedAt,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completedAt,omitempty" db:"completed_at"`
	CreatedAt   time.Time  `json:"createdAt" db:"created_at"`
	ArchivedAt  *time.Time `json:"archivedAt,omitempty" db:"archived_at"`
}

// RunParams is what the orchestrator hands the store to open a run.
type RunParams struct {
	Region     string
	Category   string
	SearchTerm string
	MaxPages   int
}

type RunPage struct {
	RunID      int64      `json:"runId" db:"run_id"`
	PageNumber int        `json:"pageNumber" db:"page_number"`
	Status     PageStatus `json:"status" db:"status"`
	Attempts   int        `json:"attempts" db:"attempts"`
	Error      string     `json:"error,omitempty" db:"error"`
	FetchedAt  *time.Time `json:"fetchedAt,omitempty" db:"fetched_at"`
	UpdatedAt  time.Time  `json:"updatedAt" db:"updated_at"`
}

// PageRef addresses one page of one run.
type PageRef struct {
	RunID      int64
	PageNumber int
}

// PageStats are the aggregate page status counts of a run.
type PageStats struct {
	Completed int `json:"completed"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Failed    int `json:"failed"`
}

func (s PageStats) Total() int {
	return s.Completed + s.Pending + s.Running + s.Failed
}

// Resolve applies the run lifecycle rules to the counts. ok is false when
// the counts do not settle the run either way.
func (s PageStats) Resolve() (status RunStatus, ok bool) {
	if s.Pending+s.Running == 0 && s.Completed > 0 {
		return RunStatusCompleted, true
	}
	if s.Failed > 0 && s.Completed == 0 && s.Pending == 0 && s.Running == 0 {
		return RunStatusFailed, true
	}
	return "", false
}

type RunProgress struct {
	PageStats
	PagesCompleted []int `json:"pagesCompleted"`
	PagesPending   []int `json:"pagesPending"`
	ListingsCount  int   `json:"listingsCount"`
}

// PaginationHints are what the extraction routine observed about the
// source's own pagination on a fetched page.
type PaginationHints struct {
	CurrentPage int   `json:"currentPage"`
	TotalPages  int   `json:"totalPages"`
	Pages       []int `json:"pages"`
	HasNext     bool  `json:"hasNext"`
	HasPrev     bool  `json:"hasPrev"`
	NextPage    int   `json:"nextPage,omitempty"`
	PrevPage    int   `json:"prevPage,omitempty"`
	Found       bool  `json:"found"`
}

// Resolution is the orchestrator's answer to which run serves a query.
type Resolution struct {
	// Run serves listings. Nil while Building.
	Run *Run
	// BuildingRun is the run whose pages are being fetched, when it is not
	// the one serving.
	BuildingRun *Run
	Signature   string
	Reused      bool
	Stale       bool
	Building    bool
	Created     bool
	Joined      bool
}
