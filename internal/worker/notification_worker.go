package worker

import (
	"context"

	"github.com/omnichannel-hub/session-queue/internal/service"
)

// StartNotificationWorker registers notification handlers and starts webhook delivery.
// Delivery stops when ctx is cancelled.
func StartNotificationWorker(ctx context.Context, notificationService *service.NotificationService) {
	if notificationService == nil {
		return
	}
	notificationService.RegisterHandlers()
	go notificationService.Run(ctx)
}
