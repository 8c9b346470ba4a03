// Package domain holds the core data model of the deployment orchestrator:
// modules, environments, nodes, and the DeploymentExecution aggregate with
// its stages and node results, plus the approval, job, and message records
// that the rest of the core persists and reasons about.
package domain

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Environment is one of the fixed, ordered deployment targets.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvQA          Environment = "qa"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// Environments lists the fixed ordered set, lowest risk first.
var Environments = []Environment{EnvDevelopment, EnvQA, EnvStaging, EnvProduction}

func (e Environment) Valid() bool {
	for _, known := range Environments {
		if e == known {
			return true
		}
	}
	return false
}

var moduleNamePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{1,62}[a-z0-9])?$`)

// ModuleName validates and wraps a module identifier: lowercase, 3-64 chars,
// alphanumeric with hyphens, not starting or ending with a hyphen.
type ModuleName string

func NewModuleName(s string) (ModuleName, error) {
	if len(s) < 3 || len(s) > 64 {
		return "", fmt.Errorf("%w: module name must be 3-64 chars, got %d", ErrValidation, len(s))
	}
	if !moduleNamePattern.MatchString(s) {
		return "", fmt.Errorf("%w: module name %q must be lowercase alphanumeric with internal hyphens", ErrValidation, s)
	}
	return ModuleName(s), nil
}

func (m ModuleName) String() string { return string(m) }

// Version is a parsed semantic version: MAJOR.MINOR.PATCH with an optional
// pre-release suffix (e.g. "2.4.0-rc1").
type Version struct {
	Major, Minor, Patch int
	PreRelease          string
	raw                 string
}

var versionPattern = regexp.MustCompile(`^(\d+)\.(\d+)\.(\d+)(?:-([0-9A-Za-z.-]+))?$`)

func ParseVersion(s string) (Version, error) {
	m := versionPattern.FindStringSubmatch(s)
	if m == nil {
		return Version{}, fmt.Errorf("%w: %q is not a valid semantic version", ErrValidation, s)
	}
	major, _ := strconv.Atoi(m[1])
	minor, _ := strconv.Atoi(m[2])
	patch, _ := strconv.Atoi(m[3])
	return Version{Major: major, Minor: minor, Patch: patch, PreRelease: m[4], raw: s}, nil
}

func (v Version) String() string {
	if v.raw != "" {
		return v.raw
	}
	s := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.PreRelease != "" {
		s += "-" + v.PreRelease
	}
	return s
}

// Equal compares two versions by their normalized string form.
func (v Version) Equal(other Version) bool { return v.String() == other.String() }

// Artifact is a deployable unit: a module at a version, with the content
// digest and detached signature the Verify stage checks before any node is
// touched.
type Artifact struct {
	Module    ModuleName
	Version   Version
	Digest    string // content digest, e.g. "sha256:..."
	Signature string // detached signature over Digest
	Ref       string // opaque storage reference (object storage is out of scope)
}

// NodeHealthStatus is the health state a node client reports.
type NodeHealthStatus string

const (
	HealthUnknown   NodeHealthStatus = "unknown"
	HealthHealthy   NodeHealthStatus = "healthy"
	HealthDegraded  NodeHealthStatus = "degraded"
	HealthUnhealthy NodeHealthStatus = "unhealthy"
)

// Node is a single deployment target within an environment.
type Node struct {
	ID              string
	Hostname        string
	Environment     Environment
	Pool            string // "blue"/"green" when the environment uses Blue/Green pools; "" otherwise
	CurrentVersions map[ModuleName]Version
	Health          NodeHealthStatus
	LastHeartbeat   time.Time
}

// HealthSample is a point-in-time health reading used by stabilization and
// canary observation windows.
type HealthSample struct {
	Status       NodeHealthStatus
	LatencyMs    float64
	ErrorRatePct float64
	CPUPct       float64
	MemPct       float64
	SampledAt    time.Time
}

// Strategy is the sealed set of rollout algorithms.
type Strategy string

const (
	StrategyDirect    Strategy = "direct"
	StrategyRolling   Strategy = "rolling"
	StrategyBlueGreen Strategy = "blue_green"
	StrategyCanary    Strategy = "canary"
)

func (s Strategy) Valid() bool {
	switch s {
	case StrategyDirect, StrategyRolling, StrategyBlueGreen, StrategyCanary:
		return true
	}
	return false
}

// ExecutionStatus is the DeploymentExecution state machine.
type ExecutionStatus string

const (
	StatusCreated            ExecutionStatus = "created"
	StatusValidating         ExecutionStatus = "validating"
	StatusVerifying          ExecutionStatus = "verifying"
	StatusAwaitingApproval   ExecutionStatus = "awaiting_approval"
	StatusDeploying          ExecutionStatus = "deploying"
	StatusStabilizing        ExecutionStatus = "stabilizing"
	StatusRollingBack        ExecutionStatus = "rolling_back"
	StatusSucceeded          ExecutionStatus = "succeeded"
	StatusFailed             ExecutionStatus = "failed"
	StatusRolledBack         ExecutionStatus = "rolled_back"
	StatusRolledBackWithErrs ExecutionStatus = "rolled_back_with_errors"
	StatusRejectedApproval   ExecutionStatus = "rejected_approval"
	StatusExpired            ExecutionStatus = "expired"
	StatusCancelled          ExecutionStatus = "cancelled"
)

// Terminal reports whether status is a stable end state.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusRolledBack, StatusRolledBackWithErrs,
		StatusRejectedApproval, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is one of the known state-machine statuses, for
// rejecting a malformed ListDeployments filter before it reaches a Store.
func (s ExecutionStatus) Valid() bool {
	switch s {
	case StatusCreated, StatusValidating, StatusVerifying, StatusAwaitingApproval,
		StatusDeploying, StatusStabilizing, StatusRollingBack, StatusSucceeded,
		StatusFailed, StatusRolledBack, StatusRolledBackWithErrs, StatusRejectedApproval,
		StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// transitions enumerates the legal edges of the execution state machine.
var transitions = map[ExecutionStatus][]ExecutionStatus{
	StatusCreated:          {StatusValidating, StatusCancelled},
	StatusValidating:       {StatusVerifying, StatusFailed, StatusCancelled},
	StatusVerifying:        {StatusAwaitingApproval, StatusDeploying, StatusFailed, StatusCancelled},
	StatusAwaitingApproval: {StatusDeploying, StatusRejectedApproval, StatusExpired, StatusCancelled},
	StatusDeploying:        {StatusStabilizing, StatusRollingBack, StatusCancelled},
	StatusStabilizing:      {StatusSucceeded, StatusRollingBack, StatusCancelled},
	StatusRollingBack:      {StatusRolledBack, StatusRolledBackWithErrs},
}

// CanTransition reports whether moving from `from` to `to` is a legal edge.
// Terminal states never transition further.
func CanTransition(from, to ExecutionStatus) bool {
	if from.Terminal() {
		return false
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// StageName identifies a pipeline stage.
type StageName string

const (
	StageValidate        StageName = "validate"
	StageVerify          StageName = "verify"
	StagePreflightHealth StageName = "preflight_health"
	StageApprove         StageName = "approve"
	StageDeploy          StageName = "deploy"
	StageStabilize       StageName = "stabilize"
	StageCommit          StageName = "commit"
	StageRollback        StageName = "rollback"
)

// StageStatus is the lifecycle of a single stage row.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageSucceeded StageStatus = "succeeded"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
)

// Stage is one append-only entry of DeploymentExecution.Stages.
type Stage struct {
	Name      StageName
	Status    StageStatus
	StartedAt time.Time
	EndedAt   time.Time
	Message   string
	// Context carries enough state to resume this stage on a different
	// worker after a suspension point: e.g. batch index for
	// Rolling, step index for Canary, list of deployed node IDs so far.
	Context map[string]any
}

// NodeResultStatus is the outcome of one node operation within a stage.
type NodeResultStatus string

const (
	NodeResultSuccess    NodeResultStatus = "success"
	NodeResultFailed     NodeResultStatus = "failed"
	NodeResultRolledBack NodeResultStatus = "rolled_back"
)

// NodeResult records the outcome of applying (or rolling back) a module
// version on a single node during one execution.
type NodeResult struct {
	NodeID      string
	FromVersion Version
	ToVersion   Version
	Status      NodeResultStatus
	DurationMs  int64
	Error       string
	RetryCount  int
	RolledBack  bool
}

// DeploymentExecution is the aggregate root: one attempt to bring a
// (module, version) to an environment.
type DeploymentExecution struct {
	ExecutionID       string
	ModuleName        ModuleName
	TargetVersion     Version
	PreviousVersions  map[string]Version // nodeID -> version snapshotted before Deploy
	Environment       Environment
	Strategy          Strategy
	RequesterEmail    string
	Description       string
	Metadata          map[string]string
	CreatedAt         time.Time
	StartedAt         time.Time
	EndedAt           time.Time
	Status            ExecutionStatus
	Message           string
	Stages            []Stage
	NodeResults       []NodeResult
	TraceID           string
	Force             bool
	RequireApproval   bool
	ClientKey         string
}

// ApprovalStatus is the ApprovalRequest state machine.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

func (s ApprovalStatus) Terminal() bool { return s != ApprovalPending }

// ApprovalRequest gates a pipeline's Deploy stage behind a human decision.
type ApprovalRequest struct {
	ApprovalID          string
	DeploymentExecID    string
	ModuleName          ModuleName
	Version             Version
	Environment         Environment
	RequesterEmail      string
	ApproverEmails      []string
	Status              ApprovalStatus
	RequestedAt         time.Time
	TimeoutAt           time.Time
	RespondedAt         time.Time
	RespondedByEmail    string
	ResponseReason      string
}

// JobStatus is the Durable Job Queue lifecycle.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Job is the durable record of an in-flight or pending pipeline execution.
type Job struct {
	ID                 string
	DeploymentExecID   string
	Status             JobStatus
	Payload            []byte // serialized command
	CreatedAt          time.Time
	StartedAt          time.Time
	EndedAt            time.Time
	ErrorMessage       string
	RetryCount         int
	MaxRetries         int
	NextRetryAt        time.Time
	LockedUntil        time.Time
	ProcessingInstance string
	Priority           int
}

// TopicType distinguishes queue-semantics topics from fan-out topics.
type TopicType string

const (
	TopicQueue  TopicType = "queue"
	TopicPubSub TopicType = "pubsub"
)

// RoutingStrategy is the sealed set of message-bus routing algorithms.
type RoutingStrategy string

const (
	RouteDirect       RoutingStrategy = "direct"
	RouteLoadBalanced RoutingStrategy = "load_balanced"
	RouteFanOut       RoutingStrategy = "fan_out"
	RoutePriority     RoutingStrategy = "priority"
	RouteContentBased RoutingStrategy = "content_based"
)

// DefaultRoutingStrategy returns the default router for a topic type.
func DefaultRoutingStrategy(t TopicType) RoutingStrategy {
	if t == TopicQueue {
		return RouteLoadBalanced
	}
	return RouteFanOut
}

// MessageStatus is the Message Bus delivery lifecycle, mirroring the job
// queue's claim/lease pattern.
type MessageStatus string

const (
	MessagePending    MessageStatus = "pending"
	MessageProcessing MessageStatus = "processing"
	MessageAcked      MessageStatus = "acked"
	MessageDeadLetter MessageStatus = "dead_letter"
)

// Message is one unit published on the bus.
type Message struct {
	MessageID          string
	Topic              string
	SchemaVersion      int
	Payload            []byte
	Priority           int // 0-9
	Headers            map[string]string
	CreatedAt          time.Time
	Status             MessageStatus
	DeliveryAttempts   int
	AcknowledgedAt     time.Time
	LockedUntil        time.Time
	ProcessingInstance string
	ErrorMessage       string
}

// IdempotencyRecord remembers a processed request key and its outcome.
type IdempotencyRecord struct {
	Key        string
	ValueRef   string // messageId or executionId
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// IdempotencyKey derives the caller-visible idempotency key for
// CreateDeployment.
func IdempotencyKey(moduleName ModuleName, version Version, env Environment, requester, clientKey string) string {
	parts := []string{string(moduleName), version.String(), string(env), requester}
	if clientKey != "" {
		parts = append(parts, clientKey)
	}
	return strings.Join(parts, "|")
}
