package domain

import "github.com/google/uuid"

// NewExecutionID generates a UUID v4 for a DeploymentExecution.
func NewExecutionID() string { return uuid.New().String() }

// NewApprovalID generates a UUID v4 for an ApprovalRequest.
func NewApprovalID() string { return uuid.New().String() }

// NewJobID generates a UUID v4 for a Job.
func NewJobID() string { return uuid.New().String() }

// NewMessageID generates a UUID v4 for a Message.
func NewMessageID() string { return uuid.New().String() }

// NewLockOwnerID generates an opaque, unguessable value identifying one
// lock holder.
func NewLockOwnerID() string { return uuid.New().String() }

// NewEventID generates a UUID v4 for an audit event.
func NewEventID() string { return uuid.New().String() }
