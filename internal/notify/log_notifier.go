package notify

import (
	"context"
	"log"
)

// LogNotifier は通知をログに出すだけ（dev 用）
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, n Notification) error {
	req := ""
	if n.RequestID != nil {
		req = *n.RequestID
	}
	log.Printf("[INFO] notify user=%s kind=%s request=%s title=%q", n.UserID, n.Kind, req, n.Title)
	return nil
}
