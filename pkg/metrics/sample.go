package metrics

import "time"

// SystemSample is one point-in-time reading of host health, streamed to
// metrics subscribers.
type SystemSample struct {
	Timestamp       time.Time `json:"timestamp"`
	CPUPercent      float64   `json:"cpuPercent"`
	MemoryTotal     uint64    `json:"memoryTotalBytes"`
	MemoryAvailable uint64    `json:"memoryAvailableBytes"`
	Load1           float64   `json:"load1"`
	Load5           float64   `json:"load5"`
	Load15          float64   `json:"load15"`
	DiskTotal       uint64    `json:"diskTotalBytes"`
	DiskFree        uint64    `json:"diskFreeBytes"`
}
