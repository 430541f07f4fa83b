package experiments

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ExperimentStatus represents the lifecycle status of an experiment
type ExperimentStatus string

const (
	StatusDraft     ExperimentStatus = "draft"
	StatusRunning   ExperimentStatus = "running"
	StatusPaused    ExperimentStatus = "paused"
	StatusConcluded ExperimentStatus = "concluded"
	StatusArchived  ExperimentStatus = "archived"
)

// ExperimentType tags what part of the product an experiment touches
type ExperimentType string

const (
	TypeFeature ExperimentType = "feature"
	TypePricing ExperimentType = "pricing"
	TypeUI      ExperimentType = "ui"
	TypeFunnel  ExperimentType = "funnel"
)

// AssignmentSource records how an assignment came to exist
type AssignmentSource string

const (
	SourceAuto     AssignmentSource = "auto"
	SourceOverride AssignmentSource = "override"
)

// Experiment represents an A/B experiment scoped to a workspace
type Experiment struct {
	ID               int64            `json:"id"`
	WorkspaceID      int64            `json:"workspace_id"`
	Key              string           `json:"key"`
	Name             string           `json:"name"`
	Description      string           `json:"description,omitempty"`
	Type             ExperimentType   `json:"type"`
	Status           ExperimentStatus `json:"status"`
	TrafficPct       int              `json:"traffic_pct"`
	Targeting        map[string]any   `json:"targeting,omitempty"`
	StartAt          *time.Time       `json:"start_at,omitempty"`
	EndAt            *time.Time       `json:"end_at,omitempty"`
	ConcludedAt      *time.Time       `json:"concluded_at,omitempty"`
	WinningVariantID *int64           `json:"winning_variant_id,omitempty"`
	Metadata         map[string]any   `json:"metadata,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// Variant represents one arm of an experiment. Position fixes the order the
// selector walks variants in; reordering would re-bucket every subject.
type Variant struct {
	ID           int64          `json:"id"`
	ExperimentID int64          `json:"experiment_id"`
	Key          string         `json:"key"`
	Name         string         `json:"name"`
	Weight       int            `json:"weight"`
	Config       map[string]any `json:"config,omitempty"`
	IsControl    bool           `json:"is_control"`
	Position     int            `json:"position"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Subject identifies the entity being bucketed. Any non-empty subset of the
// three identifiers is valid.
type Subject struct {
	CustomerID string `json:"customer_id,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	UserID     string `json:"user_id,omitempty"`
}

// IsEmpty reports whether no identifier is present
func (s Subject) IsEmpty() bool {
	return s.CustomerID == "" && s.SessionID == "" && s.UserID == ""
}

// Key returns the canonical subject key used for both bucketing and the
// store-level uniqueness constraint. Precedence: customer > user > session.
func (s Subject) Key() string {
	switch {
	case s.CustomerID != "":
		return "customer:" + s.CustomerID
	case s.UserID != "":
		return "user:" + s.UserID
	case s.SessionID != "":
		return "session:" + s.SessionID
	}
	return ""
}

// Assignment represents the durable binding of a subject to a variant
type Assignment struct {
	ID                 string           `json:"id"`
	ExperimentID       int64            `json:"experiment_id"`
	VariantID          int64            `json:"variant_id"`
	SubjectKey         string           `json:"subject_key"`
	CustomerID         string           `json:"customer_id,omitempty"`
	SessionID          string           `json:"session_id,omitempty"`
	UserID             string           `json:"user_id,omitempty"`
	Source             AssignmentSource `json:"source"`
	FirstExposureAt    time.Time        `json:"first_exposure_at"`
	LastExposureAt     time.Time        `json:"last_exposure_at"`
	ExposureCount      int64            `json:"exposure_count"`
	ConvertedAt        *time.Time       `json:"converted_at,omitempty"`
	ConversionValue    *float64         `json:"conversion_value,omitempty"`
	ConversionMetadata map[string]any   `json:"conversion_metadata,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
}

// Decision is what callers receive from an assignment request
type Decision struct {
	ExperimentKey   string         `json:"experiment_key"`
	VariantKey      string         `json:"variant_key"`
	VariantConfig   map[string]any `json:"variant_config,omitempty"`
	IsControl       bool           `json:"is_control"`
	AssignmentID    string         `json:"assignment_id,omitempty"`
	IsNewAssignment bool           `json:"is_new_assignment"`
}

// VariantStats holds the rollup for one variant
type VariantStats struct {
	VariantID      int64   `json:"variant_id"`
	VariantKey     string  `json:"variant_key"`
	IsControl      bool    `json:"is_control"`
	Assignments    int64   `json:"assignments"`
	Exposures      int64   `json:"exposures"`
	Conversions    int64   `json:"conversions"`
	ConversionRate float64 `json:"conversion_rate"`
	TotalValue     float64 `json:"total_value"`
}

// ExperimentStats holds the rollup for an experiment and all of its variants
type ExperimentStats struct {
	ExperimentID   int64          `json:"experiment_id"`
	ExperimentKey  string         `json:"experiment_key"`
	Variants       []VariantStats `json:"variants"`
	Assignments    int64          `json:"assignments"`
	Exposures      int64          `json:"exposures"`
	Conversions    int64          `json:"conversions"`
	ConversionRate float64        `json:"conversion_rate"`
	TotalValue     float64        `json:"total_value"`
}

// CreateExperimentRequest represents request to create an experiment
type CreateExperimentRequest struct {
	Key         string         `json:"key"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Type        ExperimentType `json:"type,omitempty"`
	TrafficPct  *int           `json:"traffic_pct,omitempty"`
	Targeting   map[string]any `json:"targeting,omitempty"`
	StartAt     *time.Time     `json:"start_at,omitempty"`
	EndAt       *time.Time     `json:"end_at,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// UpdateExperimentRequest represents request to update experiment metadata
type UpdateExperimentRequest struct {
	Name        *string        `json:"name,omitempty"`
	Description *string        `json:"description,omitempty"`
	TrafficPct  *int           `json:"traffic_pct,omitempty"`
	Targeting   map[string]any `json:"targeting,omitempty"`
	EndAt       *time.Time     `json:"end_at,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// AddVariantRequest represents request to add a variant to a draft experiment
type AddVariantRequest struct {
	Key       string         `json:"key"`
	Name      string         `json:"name"`
	Weight    int            `json:"weight"`
	Config    map[string]any `json:"config,omitempty"`
	IsControl bool           `json:"is_control"`
}

// UpdateVariantRequest represents request to update a variant
type UpdateVariantRequest struct {
	Name   *string        `json:"name,omitempty"`
	Weight *int           `json:"weight,omitempty"`
	Config map[string]any `json:"config,omitempty"`
}

// ConcludeExperimentRequest represents request to conclude an experiment
type ConcludeExperimentRequest struct {
	WinningVariantID *int64 `json:"winning_variant_id,omitempty"`
}

// Sentinel errors surfaced at the service boundary. Silent no-decision
// outcomes (targeting mismatch, traffic exclusion, experiment not running)
// are not errors and return a nil decision instead.
var (
	ErrExperimentNotFound = errors.New("experiment not found")
	ErrVariantNotFound    = errors.New("variant not found")
	ErrDuplicateKey       = errors.New("duplicate key")
	ErrNoSubject          = errors.New("at least one subject identifier is required")
	ErrInvalidWeight      = errors.New("variant weight must be >= 1")
)

// InvalidStateError reports a lifecycle operation attempted from a status
// that does not allow it
type InvalidStateError struct {
	Op     string
	Status ExperimentStatus
	Reason string
}

func (e *InvalidStateError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("cannot %s experiment in status %q: %s", e.Op, e.Status, e.Reason)
	}
	return fmt.Sprintf("cannot %s experiment in status %q", e.Op, e.Status)
}

// IsInvalidState checks if an error is an invalid state error
func IsInvalidState(err error) bool {
	var ise *InvalidStateError
	return errors.As(err, &ise)
}

// Service defines the interface for experiment management and assignment
type Service interface {
	// Experiment lifecycle
	CreateExperiment(ctx context.Context, workspaceID int64, req *CreateExperimentRequest) (*Experiment, error)
	GetExperiment(ctx context.Context, workspaceID, id int64) (*Experiment, error)
	GetExperimentByKey(ctx context.Context, workspaceID int64, key string) (*Experiment, error)
	ListExperiments(ctx context.Context, workspaceID int64, includeArchived bool) ([]*Experiment, error)
	UpdateExperiment(ctx context.Context, workspaceID, id int64, req *UpdateExperimentRequest) (*Experiment, error)
	StartExperiment(ctx context.Context, workspaceID, id int64) (*Experiment, error)
	PauseExperiment(ctx context.Context, workspaceID, id int64) (*Experiment, error)
	ConcludeExperiment(ctx context.Context, workspaceID, id int64, req *ConcludeExperimentRequest) (*Experiment, error)
	ArchiveExperiment(ctx context.Context, workspaceID, id int64) (*Experiment, error)

	// Variant management
	AddVariant(ctx context.Context, workspaceID, experimentID int64, req *AddVariantRequest) (*Variant, error)
	UpdateVariant(ctx context.Context, workspaceID, experimentID, variantID int64, req *UpdateVariantRequest) (*Variant, error)
	RemoveVariant(ctx context.Context, workspaceID, experimentID, variantID int64) error
	ListVariants(ctx context.Context, experimentID int64) ([]*Variant, error)

	// Assignment decisions
	GetAssignment(ctx context.Context, workspaceID int64, experimentKey string, subject Subject, attributes map[string]any) (*Decision, error)
	GetActiveAssignments(ctx context.Context, workspaceID int64, subject Subject, attributes map[string]any) ([]*Decision, error)
	OverrideAssignment(ctx context.Context, workspaceID, experimentID, variantID int64, subject Subject) (*Decision, error)

	// Conversions and statistics
	RecordConversion(ctx context.Context, workspaceID int64, experimentKey string, subject Subject, value *float64, metadata map[string]any) (bool, error)
	GetStats(ctx context.Context, workspaceID, experimentID int64) (*ExperimentStats, error)
}
