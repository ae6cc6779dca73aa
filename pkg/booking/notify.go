package booking

import (
	"context"
	"fmt"
)

// notify delivers notification through the configured Notifier. Failures are
// logged and swallowed.
func notify(ctx context.Context, current settings, notification Notification) {
	if current.notifier == nil || notification.UserID == "" {
		return
	}
	if err := current.notifier.Notify(ctx, notification); err != nil {
		logOperation(ctx, current.logger, OperationLog{
			Operation: operationNotify,
			UserID:    notification.UserID,
			Detail:    notification.Type,
			Error:     fmt.Errorf("%w: %v", ErrUpstreamFailure, err),
		})
	}
}
