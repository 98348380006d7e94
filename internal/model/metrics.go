package model

import "time"

type Metrics struct {
	SchemaVersion   int             `yaml:"schema_version"`
	FileType        string          `yaml:"file_type"`
	Queue           QueueStatus     `yaml:"queue"`
	Counters        MetricsCounters `yaml:"counters"`
	DaemonHeartbeat *string         `yaml:"daemon_heartbeat"`
	UpdatedAt       *string         `yaml:"updated_at"`
}

type MetricsCounters struct {
	ChunksDiscovered int `yaml:"chunks_discovered"`
	InboxFiles       int `yaml:"inbox_files"`
	DeadLetters      int `yaml:"dead_letters"`
	Restored         int `yaml:"restored"`
}

// DeadLetter is the archived record of a chunk whose commitment was abandoned.
type DeadLetter struct {
	SchemaVersion  int       `yaml:"schema_version"`
	FileType       string    `yaml:"file_type"`
	ID             string    `yaml:"id"`
	Task           QueueTask `yaml:"task"`
	Reason         string    `yaml:"reason"`
	DeadLetteredAt string    `yaml:"dead_lettered_at"`
}

// ChunkDiscovery is the inbox file format written by the game client.
type ChunkDiscovery struct {
	SchemaVersion int        `yaml:"schema_version"`
	FileType      string     `yaml:"file_type"`
	Chunks        []ChunkKey `yaml:"chunks"`
}

// DaemonStatus answers the status command.
type DaemonStatus struct {
	PID         int         `json:"pid"`
	StartedAt   time.Time   `json:"started_at"`
	Identity    string      `json:"identity,omitempty"`
	Discovered  int         `json:"discovered"`
	InboxFiles  int         `json:"inbox_files"`
	DeadLetters int         `json:"dead_letters"`
	Queue       QueueStatus `json:"queue"`
}
