package abstract

import "time"

type WorkerStatus string

const (
	WorkerIdle     = WorkerStatus("idle")
	WorkerBusy     = WorkerStatus("busy")
	WorkerDraining = WorkerStatus("draining")
)

// WorkerInfo is the best-effort presence record of one worker process.
type WorkerInfo struct {
	ID           string
	LastSeen     time.Time
	CurrentChunk string
	Status       WorkerStatus
}

func (w *WorkerInfo) Dead(now time.Time, liveness time.Duration) bool {
	return now.Sub(w.LastSeen) > liveness
}
