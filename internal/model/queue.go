package model

import "time"

// QueueTask is one pending chunk commitment. It is also the element type of the
// persisted JSON record, hence the camelCase JSON names.
type QueueTask struct {
	ChunkX     int       `json:"chunkX" yaml:"chunk_x"`
	ChunkZ     int       `json:"chunkZ" yaml:"chunk_z"`
	AddedAt    time.Time `json:"addedAt" yaml:"added_at"`
	RetryCount int       `json:"retryCount" yaml:"retry_count"`
	WasActive  bool      `json:"wasActive,omitempty" yaml:"was_active,omitempty"`
}

func (t QueueTask) Key() ChunkKey {
	return ChunkKey{X: t.ChunkX, Z: t.ChunkZ}
}

// QueueStatus is a read-only projection of the queue. Counters are cumulative
// for the process lifetime.
type QueueStatus struct {
	Queued          int        `json:"queued" yaml:"queued"`
	Processed       int        `json:"processed" yaml:"processed"`
	Failed          int        `json:"failed" yaml:"failed"`
	Retried         int        `json:"retried" yaml:"retried"`
	InFlight        []string   `json:"in_flight" yaml:"in_flight"`
	Retrying        int        `json:"retrying" yaml:"retrying"`
	LastProcessedAt *time.Time `json:"last_processed_at,omitempty" yaml:"last_processed_at,omitempty"`
	LastError       string     `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	Paused          bool       `json:"paused" yaml:"paused"`
	Ready           bool       `json:"ready" yaml:"ready"`
	MaxConcurrent   int        `json:"max_concurrent" yaml:"max_concurrent"`
}

// Idle reports whether no work is queued, in flight or waiting on a retry.
func (s QueueStatus) Idle() bool {
	return s.Queued == 0 && len(s.InFlight) == 0 && s.Retrying == 0
}
