package enforce

import (
	"time"

	"github.com/dray-io/autoprune/internal/trigger"
)

// Task is one requested enforcement pass. It is never persisted: the
// work it stands for is re-derived from the policy store when it runs.
type Task struct {
	Namespace  string
	EnqueuedAt time.Time
	Reason     trigger.Reason
}
