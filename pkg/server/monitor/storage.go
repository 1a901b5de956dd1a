package monitor

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nicktill/vitalsync/pkg/config"
)

// StorageMonitor tracks disk usage of a data directory, caching the result
// so the directory is walked at most once per cache period.
type StorageMonitor struct {
	dataDir       string
	maxBytes      int64
	cachedUsage   int64
	lastCheck     time.Time
	cacheDuration time.Duration
	mu            sync.Mutex
}

// NewStorageMonitor creates a monitor for dataDir. maxBytes <= 0 disables
// the limit.
func NewStorageMonitor(dataDir string, maxBytes int64) *StorageMonitor {
	return &StorageMonitor{
		dataDir:       dataDir,
		maxBytes:      maxBytes,
		cacheDuration: config.StorageCheckCache,
	}
}

// GetUsage returns the directory's disk usage in bytes (cached).
func (sm *StorageMonitor) GetUsage() (int64, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.lastCheck.IsZero() && time.Since(sm.lastCheck) < sm.cacheDuration {
		return sm.cachedUsage, nil
	}

	usage, err := calculateDirSize(sm.dataDir)
	if err != nil {
		return 0, err
	}

	sm.cachedUsage = usage
	sm.lastCheck = time.Now()
	return usage, nil
}

// GetLimit returns the configured limit in bytes.
func (sm *StorageMonitor) GetLimit() int64 {
	return sm.maxBytes
}

// Exceeded reports whether usage is at or over the limit.
func (sm *StorageMonitor) Exceeded() (bool, error) {
	if sm.maxBytes <= 0 {
		return false, nil
	}
	usage, err := sm.GetUsage()
	if err != nil {
		return false, err
	}
	return usage >= sm.maxBytes, nil
}

// StorageStatus is the storage section of a health report.
type StorageStatus struct {
	UsageBytes   int64   `json:"usage_bytes"`
	LimitBytes   int64   `json:"limit_bytes,omitempty"`
	UsagePercent float64 `json:"usage_percent,omitempty"`
	Error        string  `json:"error,omitempty"`
}

// Status returns the current usage report. A failed walk is reported in
// Error rather than returned.
func (sm *StorageMonitor) Status() StorageStatus {
	usage, err := sm.GetUsage()
	if err != nil {
		return StorageStatus{LimitBytes: sm.maxBytes, Error: fmt.Sprintf("measure %s: %v", sm.dataDir, err)}
	}
	status := StorageStatus{UsageBytes: usage, LimitBytes: sm.maxBytes}
	if sm.maxBytes > 0 {
		status.UsagePercent = float64(usage) / float64(sm.maxBytes) * 100
	}
	return status
}

// calculateDirSize sums actual disk usage, not logical size, so sparse
// files are counted correctly.
func calculateDirSize(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(filePath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			actualSize, err := getActualFileSize(filePath, info)
			if err != nil {
				size += info.Size()
			} else {
				size += actualSize
			}
		}
		return nil
	})
	return size, err
}
