package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/alanyoungcy/marginbot/internal/domain"
)

func successMessage(op *domain.PendingOperation, w workflow) string {
	switch op.Kind {
	case domain.OpApprove:
		return fmt.Sprintf("Approved %s tokens for the margin manager.", w.amount)
	case domain.OpDepositNative:
		return fmt.Sprintf("Deposited %s as native margin.", w.amount)
	case domain.OpDepositToken:
		if op.Steps[0].Status == domain.StepSkipped {
			return fmt.Sprintf("Deposited %s tokens as margin (existing allowance used).", w.amount)
		}
		return fmt.Sprintf("Approved and deposited %s tokens as margin.", w.amount)
	case domain.OpOpen:
		return fmt.Sprintf("Opened %s position of size %s at %dx.", w.open.Type, w.open.Size, w.open.Leverage)
	case domain.OpClose:
		return fmt.Sprintf("Closed position #%d.", w.positionID)
	case domain.OpWithdraw:
		return fmt.Sprintf("Withdrew %s margin from position #%d.", w.amount, w.positionID)
	}
	return "Operation completed."
}

// Describe turns an operation error into a message for the account holder.
func Describe(err error) string {
	var (
		rev *domain.RevertError
		pre *domain.PreconditionError
	)
	switch {
	case err == nil:
		return "Operation completed."
	case errors.As(err, &pre):
		return "Not submitted: " + pre.Reason + "."
	case errors.Is(err, domain.ErrOutcomeUnknown):
		return "An earlier attempt with this key was sent but never confirmed. Wait for the account to sync before issuing it again."
	case errors.Is(err, domain.ErrOperationInFlight):
		return "Another operation is already running for this account; wait for it to finish."
	case errors.Is(err, domain.ErrStaleContext):
		return "The account or network changed during the operation; please issue it again."
	case errors.Is(err, domain.ErrInsufficientGasLimit):
		return "The transaction ran out of gas. Raise the gas limit and try again."
	case errors.As(err, &rev):
		if rev.Reason == "" {
			return "The ledger rejected the transaction."
		}
		return "The ledger rejected the transaction: " + rev.Reason + "."
	case errors.Is(err, domain.ErrInclusionTimeout):
		return "The transaction was submitted but not confirmed in time. Check its status before retrying."
	case errors.Is(err, domain.ErrTransactionFailed):
		return "The transaction failed on-chain."
	case errors.Is(err, domain.ErrNetwork):
		return "Could not reach the network. Please try again."
	case errors.Is(err, domain.ErrUnknownAccount):
		return "No signing key is configured for the active account."
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "The request ended before anything was sent. Please try again."
	}
	return "The operation failed: " + err.Error()
}

func partialMessage(err error) string {
	return "Tokens approved, but the deposit did not complete. The approval is already final; retry the deposit only. " + Describe(err)
}
