package queue

import "log/slog"

// SendJob is the unit of work dispatched by the async-send endpoint.
// The registry already holds the full message; only the guid travels
// through the queue.
type SendJob struct {
	Guid string
}

func (j *SendJob) LogValue() slog.Value {
	return slog.GroupValue(slog.String("guid", j.Guid))
}
