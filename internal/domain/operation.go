package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// OperationKind names a user-initiated workflow.
type OperationKind string

const (
	OpApprove       OperationKind = "APPROVE"
	OpDepositNative OperationKind = "DEPOSIT_NATIVE"
	OpDepositToken  OperationKind = "DEPOSIT_TOKEN"
	OpOpen          OperationKind = "OPEN"
	OpClose         OperationKind = "CLOSE"
	OpWithdraw      OperationKind = "WITHDRAW"
)

// OperationStatus is the lifecycle state of a PendingOperation.
type OperationStatus string

const (
	OpRunning   OperationStatus = "RUNNING"
	OpSucceeded OperationStatus = "SUCCEEDED"
	OpFailed    OperationStatus = "FAILED"
)

// StepStatus tracks a single write call inside an operation.
type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepSubmitted StepStatus = "SUBMITTED"
	StepIncluded  StepStatus = "INCLUDED"
	StepFailed    StepStatus = "FAILED"
	StepSkipped   StepStatus = "SKIPPED"
)

// Step is one ordered sub-call of an operation.
type Step struct {
	Method string     `json:"method"`
	TxHash string     `json:"tx_hash,omitempty"`
	Status StepStatus `json:"status"`
	Error  string     `json:"error,omitempty"`
}

// PendingOperation is a workflow in flight or just finished.
type PendingOperation struct {
	ID        string          `json:"id"`
	Key       string          `json:"key"`
	Kind      OperationKind   `json:"kind"`
	Account   common.Address  `json:"account"`
	Steps     []Step          `json:"steps"`
	Status    OperationStatus `json:"status"`
	StartedAt time.Time       `json:"started_at"`
	EndedAt   time.Time       `json:"ended_at,omitempty"`
}

// Result is the aggregate outcome delivered to the caller.
type Result struct {
	OperationID string          `json:"operation_id"`
	Kind        OperationKind   `json:"kind"`
	Status      OperationStatus `json:"status"`
	Success     bool            `json:"success"`
	Partial     bool            `json:"partial"`
	Message     string          `json:"message"`
	Steps       []Step          `json:"steps"`
}

// OperationRecord is a finished operation as kept in the history stream and
// the audit log.
type OperationRecord struct {
	PendingOperation
	Partial bool   `json:"partial"`
	Message string `json:"message"`
}
