package audit

import (
	"context"
	"sync"

	"github.com/gen2brain/beeep"

	"github.com/turtacn/closedloop/pkg/logger"
)

// Notifier shows a message to the user.
type Notifier interface {
	Notify(ctx context.Context, title, message string) error
}

// DesktopNotifier raises a system notification.
type DesktopNotifier struct {
	AppName string
	send    func(title, message, icon string) error
}

func NewDesktopNotifier(appName string) *DesktopNotifier {
	return &DesktopNotifier{
		AppName: appName,
		send: func(title, message, icon string) error {
			return beeep.Notify(title, message, icon)
		},
	}
}

func (n *DesktopNotifier) Notify(_ context.Context, title, message string) error {
	if n.AppName != "" {
		title = n.AppName + ": " + title
	}
	return n.send(title, message, "")
}

// BestEffort wraps a Notifier so delivery failures are logged and dropped.
// Its Notify never returns an error.
type BestEffort struct {
	next Notifier
	log  logger.Logger
}

// NewBestEffort wraps next. A notifier that is already best effort is
// returned as is.
func NewBestEffort(next Notifier, l logger.Logger) *BestEffort {
	if b, ok := next.(*BestEffort); ok {
		return b
	}
	return &BestEffort{next: next, log: logger.OrDefault(l)}
}

func (b *BestEffort) Notify(ctx context.Context, title, message string) error {
	if b.next == nil {
		return nil
	}
	if err := b.next.Notify(ctx, title, message); err != nil {
		b.log.Warn("Notification dropped", "title", title, "err", err)
	}
	return nil
}

// Discard drops every notification.
type Discard struct{}

func (Discard) Notify(context.Context, string, string) error { return nil }

// Recorder keeps notifications in memory.
type Recorder struct {
	mu       sync.Mutex
	Messages []string
}

func (r *Recorder) Notify(_ context.Context, title, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Messages = append(r.Messages, title+": "+message)
	return nil
}

func (r *Recorder) All() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.Messages...)
}

// Personal.AI order the ending
