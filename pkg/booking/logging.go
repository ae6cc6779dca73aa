package booking

import "context"

// OperationLogger records domain-level events emitted by state-changing operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing booking or escrow operation.
type OperationLog struct {
	Operation string
	BookingID string
	UserID    string
	Amount    AmountCents
	Detail    string
	Status    string
	Error     error
}

func logOperation(ctx context.Context, logger OperationLogger, entry OperationLog) {
	if logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	logger.LogOperation(ctx, entry)
}
