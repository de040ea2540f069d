package casedata

import "time"

// Status tracks an analysis or export record through its lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// allowedFrom maps a target status to the statuses it may be entered from.
// Status moves forward only, except that processing can be re-entered for
// recalculation or a re-triggered analysis.
var allowedFrom = map[Status][]Status{
	StatusProcessing: {StatusPending, StatusCompleted, StatusFailed},
	StatusCompleted:  {StatusProcessing},
	StatusFailed:     {StatusProcessing},
}

// ValidTransition reports whether from -> to is a legal status transition.
func ValidTransition(from, to Status) bool {
	for _, s := range allowedFrom[to] {
		if s == from {
			return true
		}
	}
	return false
}

// TransitionsInto returns the statuses from which `to` may be entered.
func TransitionsInto(to Status) []Status {
	return allowedFrom[to]
}

// AnalysisResult is the single analysis record owned by a case. Only
// workflow steps mutate it; the UI layer polls Status and Explanation.
type AnalysisResult struct {
	CaseID                  string
	Status                  Status
	Explanation             *string
	TotalCounts             map[string]int
	OldestStageDetected     *string
	PMIDays                 *float64
	PMIHours                *float64
	PMIMinutes              *float64
	StageUsedForCalculation *string
	TemperatureProvided     *float64
	CalculatedADH           *float64
	LDTUsed                 *float64
	PMISourceImageKey       *string
	UpdatedAt               time.Time
}

// ExportScope discriminates case-level from image-level exports.
type ExportScope string

const (
	ExportScopeCase  ExportScope = "case"
	ExportScopeImage ExportScope = "image"
)

// Export is created by a server action before the workflow event is emitted
// and mutated only by the export workflow steps.
type Export struct {
	ID            string
	Status        Status
	FailureReason *string
	Scope         ExportScope
	CaseID        *string
	UploadID      *string
	Format        string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// User is the subset of the account record the deletion workflow touches.
// A non-nil DeletionScheduledAt in the future means deletion is pending and
// cancellable by clearing the field.
type User struct {
	ID                  string
	Email               string
	Name                string
	DeletionScheduledAt *time.Time
}

// DeletionToken is a single-use account-deletion confirmation token.
type DeletionToken struct {
	Token      string
	Identifier string // email
	Expires    time.Time
}
