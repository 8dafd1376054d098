// Package orchestration implements the Reactive Review Core: DAG-based plan
// synthesis, bounded-worker-pool concurrent execution, a three-tier
// content-addressed cache, and long-lived review session management.
package orchestration

import "time"

// FileChange describes one file touched by a plan step.
type FileChange struct {
	Path         string `json:"path"`
	ChangeType   string `json:"change_type"` // create, modify, delete
	EstimatedLOC int    `json:"estimated_loc,omitempty"`
	Complexity   string `json:"complexity,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// StepPriority orders ready-step selection: high before medium before low.
type StepPriority string

const (
	PriorityHigh   StepPriority = "high"
	PriorityMedium StepPriority = "medium"
	PriorityLow    StepPriority = "low"
)

// priorityRank returns a sort weight; lower runs first.
func priorityRank(p StepPriority) int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// PlanStep is one unit of review work within a Plan.
type PlanStep struct {
	StepNumber      int          `json:"step_number"`
	ID              string       `json:"id"`
	Title           string       `json:"title"`
	Description     string       `json:"description"`
	Priority        StepPriority `json:"priority"`
	EstimatedEffort string       `json:"estimated_effort,omitempty"`
	FilesToModify   []FileChange `json:"files_to_modify,omitempty"`
	FilesToCreate   []FileChange `json:"files_to_create,omitempty"`
	FilesToDelete   []FileChange `json:"files_to_delete,omitempty"`
	DependsOn       []int        `json:"depends_on,omitempty"`
	Blocks          []int        `json:"blocks,omitempty"`
	CanParallelWith []int        `json:"can_parallel_with,omitempty"`
}

// Plan is a review task description: a versioned, ordered sequence of steps.
type Plan struct {
	ID               string     `json:"id"`
	Version          int        `json:"version"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	Goal             string     `json:"goal"`
	Steps            []PlanStep `json:"steps"`
	Scope            string     `json:"scope,omitempty"`
	Risks            []string   `json:"risks,omitempty"`
	Architecture     string     `json:"architecture,omitempty"`
	TestingStrategy  string     `json:"testing_strategy,omitempty"`
	ConfidenceScore  float64    `json:"confidence_score,omitempty"`
	ContextFiles     []string   `json:"context_files,omitempty"`
	CodebaseInsights string     `json:"codebase_insights,omitempty"`
}

// DependencyGraph is the pure transformation output of DependencyAnalyzer (C4).
type DependencyGraph struct {
	Nodes          []int         `json:"nodes"`
	Edges          map[int][]int `json:"edges"` // dependency -> dependents
	ExecutionOrder []int         `json:"execution_order"`
	CriticalPath   []int         `json:"critical_path"`
	ParallelGroups [][]int       `json:"parallel_groups"`
}

// StepStatus is the per-step runtime state machine (spec §4.5).
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepReady      StepStatus = "ready"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailedSt   StepStatus = "failed"
	StepSkipped    StepStatus = "skipped"
)

// StepExecutionRecord is per-step runtime state tracked by ExecutionTracker (C5).
type StepExecutionRecord struct {
	StepNumber  int        `json:"step_number"`
	Status      StepStatus `json:"status"`
	StartedAt   time.Time  `json:"started_at,omitempty"`
	CompletedAt time.Time  `json:"completed_at,omitempty"`
	Retries     int        `json:"retries"`
	Error       string     `json:"error,omitempty"`
	DurationMS  int64      `json:"duration_ms"`
}

// PlanExecutionState is the per-plan runtime aggregate owned by ExecutionTracker.
type PlanExecutionState struct {
	PlanID         string                       `json:"plan_id"`
	Steps          map[int]*StepExecutionRecord `json:"steps"`
	ReadySteps     map[int]bool                 `json:"-"`
	CurrentSteps   map[int]bool                 `json:"-"`
	CompletedSteps []int                        `json:"completed_steps"`
	LastAccessed   time.Time                    `json:"last_accessed"`
	Aborted        bool                         `json:"aborted"`
}

// StepResult is what a caller-supplied executor_fn returns for one step.
type StepResult struct {
	StepNumber    int           `json:"step_number"`
	Success       bool          `json:"success"`
	Error         string        `json:"error,omitempty"`
	FilesModified []string      `json:"files_modified,omitempty"`
	Duration      time.Duration `json:"duration"`
}

// PRMetadata is the immutable input describing the pull request under review.
type PRMetadata struct {
	CommitHash    string   `json:"commit_hash"`
	BaseRef       string   `json:"base_ref"`
	ChangedFiles  []string `json:"changed_files"`
	Title         string   `json:"title,omitempty"`
	Author        string   `json:"author,omitempty"`
	LinesAdded    int      `json:"lines_added,omitempty"`
	LinesRemoved  int      `json:"lines_removed,omitempty"`
}

// SessionStatus is the ReviewSession state machine (spec §4.7).
type SessionStatus string

const (
	SessionInitializing SessionStatus = "initializing"
	SessionAnalyzing    SessionStatus = "analyzing"
	SessionExecuting    SessionStatus = "executing"
	SessionPaused       SessionStatus = "paused"
	SessionCompleted    SessionStatus = "completed"
	SessionFailed       SessionStatus = "failed"
	SessionCancelled    SessionStatus = "cancelled"
)

// IsTerminal reports whether status is one of completed/failed/cancelled.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionCompleted || s == SessionFailed || s == SessionCancelled
}

// ReviewSession is one PR review's lifecycle state.
type ReviewSession struct {
	SessionID   string        `json:"session_id"`
	PlanID      string        `json:"plan_id"`
	Status      SessionStatus `json:"status"`
	PRMetadata  PRMetadata    `json:"pr_metadata"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	TotalSteps  int           `json:"total_steps"`
	CurrentStep int           `json:"current_step"`
	Error       string        `json:"error,omitempty"`
}

// FindingSeverity classifies a single review finding.
type FindingSeverity string

const (
	SeverityInfo     FindingSeverity = "info"
	SeverityWarning  FindingSeverity = "warning"
	SeverityError    FindingSeverity = "error"
	SeverityCritical FindingSeverity = "critical"
)

// Finding is one review comment produced by an executor for one file.
type Finding struct {
	File       string          `json:"file"`
	Severity   FindingSeverity `json:"severity"`
	Category   string          `json:"category"`
	Message    string          `json:"message"`
	Line       int             `json:"line,omitempty"`
	Suggestion string          `json:"suggestion,omitempty"`
}

// CacheKey identifies one cached review result.
type CacheKey struct {
	CommitHash      string `json:"commit_hash"`
	FilePath        string `json:"file_path"`
	ContentHash     string `json:"content_hash"`     // 16-hex truncation of SHA-256(file content)
	StepFingerprint string `json:"step_fingerprint"` // 16-hex truncation of SHA-256(step description)
}

// SourceLayer identifies which cache tier served a CachedResult.
type SourceLayer string

const (
	SourceMemory   SourceLayer = "memory"
	SourceCommit   SourceLayer = "commit"
	SourceFileHash SourceLayer = "file_hash"
)

// CachedResult is one cache entry's payload.
type CachedResult struct {
	Findings    []Finding   `json:"findings"`
	CachedAt    time.Time   `json:"cached_at"`
	SourceLayer SourceLayer `json:"source_layer"`
}

// PlanMetadata is the lightweight record PlanStore indexes without loading
// the full plan blob.
type PlanMetadata struct {
	PlanID    string    `json:"plan_id"`
	Name      string    `json:"name"`
	Goal      string    `json:"goal"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	StepCount int       `json:"step_count"`
	FilePath  string    `json:"file_path"`
}

// ChangeType classifies a HistoryStore version entry.
type ChangeType string

const (
	ChangeCreated    ChangeType = "created"
	ChangeModified   ChangeType = "modified"
	ChangeRolledBack ChangeType = "rolled_back"
)

// VersionRecord is one entry in a plan's append-only version history.
type VersionRecord struct {
	PlanID     string     `json:"plan_id"`
	Version    int        `json:"version"`
	ChangeType ChangeType `json:"change_type"`
	Summary    string     `json:"summary"`
	RecordedAt time.Time  `json:"recorded_at"`
	Plan       *Plan      `json:"plan"`
}

// History is the ordered (oldest-first) version list for one plan.
type History struct {
	PlanID   string          `json:"plan_id"`
	Versions []VersionRecord `json:"versions"`
}

// Diff summarizes the structural delta between two plan versions.
type Diff struct {
	PlanID        string   `json:"plan_id"`
	FromVersion   int      `json:"from_version"`
	ToVersion     int      `json:"to_version"`
	StepsAdded    []int    `json:"steps_added"`
	StepsRemoved  []int    `json:"steps_removed"`
	StepsModified []int    `json:"steps_modified"`
	GoalChanged   bool     `json:"goal_changed"`
	Summary       string   `json:"summary"`
}
