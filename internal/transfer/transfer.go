// SPDX-License-Identifier: MIT

// Package transfer tracks in-flight response deliveries for the
// bandwidth dashboard. Each transfer samples instantaneous speed on a
// half-second cadence into a small ring and reports the smoothed mean;
// aggregate bandwidth also counts transfers that finished within the
// last two seconds so short segment fetches register at all.
package transfer

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	sampleInterval  = 500 * time.Millisecond
	historyCap      = 10
	completedWindow = 2 * time.Second
	initialWindow   = 500 * time.Millisecond
	staleAfter      = 30 * time.Second
	removeAfter     = 5 * time.Second

	smallFileBytes = 1 << 20
	maxDetailed    = 20
)

// Transfer states.
const (
	StatusActive       = "active"
	StatusCompleted    = "completed"
	StatusDisconnected = "disconnected"
	StatusError        = "error"
)

// Info describes a transfer at registration time.
type Info struct {
	FileName  string
	FullPath  string
	UID       string
	SessionID string
	ClientIP  string
	FileType  string
	StartByte int64
	EndByte   int64 // -1 when unknown
	TotalSize int64 // 0 when unknown
}

type entry struct {
	Info

	id               string
	bytesTransferred int64
	speedBPS         float64
	startTime        time.Time
	lastUpdate       time.Time
	firstByteTime    time.Time
	status           string
	errMsg           string

	speedHistory    []float64
	lastBytes       int64
	lastSpeedUpdate time.Time
}

// Tracker is the process-wide live transfer registry.
type Tracker struct {
	mu        sync.Mutex
	transfers map[string]*entry
	now       func() time.Time

	startTime   time.Time
	totalBytes  int64
	bytesByUID  map[string]int64
	bytesByType map[string]int64
}

// NewTracker builds an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		transfers:   make(map[string]*entry),
		now:         time.Now,
		startTime:   time.Now(),
		bytesByUID:  make(map[string]int64),
		bytesByType: make(map[string]int64),
	}
}

// Start registers a transfer and returns its id.
func (t *Tracker) Start(info Info) string {
	id := uuid.NewString()
	now := t.now()
	e := &entry{
		Info:            info,
		id:              id,
		startTime:       now,
		lastUpdate:      now,
		status:          StatusActive,
		lastSpeedUpdate: now,
	}
	t.mu.Lock()
	t.transfers[id] = e
	t.mu.Unlock()
	return id
}

// Record accounts n delivered bytes against a transfer and refreshes
// the smoothed speed when the sample interval has elapsed.
func (t *Tracker) Record(id string, n int64) {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.transfers[id]
	if !ok {
		return
	}
	if e.firstByteTime.IsZero() && n > 0 {
		e.firstByteTime = now
	}
	e.bytesTransferred += n
	e.lastUpdate = now

	t.totalBytes += n
	if e.UID != "" {
		t.bytesByUID[e.UID] += n
	}
	if e.FileType != "" {
		t.bytesByType[e.FileType] += n
	}

	elapsed := now.Sub(e.lastSpeedUpdate)
	if elapsed >= sampleInterval {
		instant := float64(e.bytesTransferred-e.lastBytes) / elapsed.Seconds()
		e.speedHistory = append(e.speedHistory, instant)
		if len(e.speedHistory) > historyCap {
			e.speedHistory = e.speedHistory[1:]
		}
		var sum float64
		for _, s := range e.speedHistory {
			sum += s
		}
		e.speedBPS = sum / float64(len(e.speedHistory))
		e.lastBytes = e.bytesTransferred
		e.lastSpeedUpdate = now
	}
}

// Finish moves a transfer into a terminal state and schedules its
// removal. errMsg is recorded for StatusError only.
func (t *Tracker) Finish(id, status, errMsg string) {
	t.mu.Lock()
	if e, ok := t.transfers[id]; ok {
		e.status = status
		e.lastUpdate = t.now()
		if status == StatusError {
			e.errMsg = errMsg
		}
	}
	t.mu.Unlock()

	time.AfterFunc(removeAfter, func() {
		t.mu.Lock()
		delete(t.transfers, id)
		t.mu.Unlock()
	})
}

// effectiveSpeed picks the reported speed for one transfer. Completed
// and very young or very small transfers fall back to the average so a
// fast segment fetch never reads as zero.
func (e *entry) effectiveSpeed(now time.Time) float64 {
	elapsed := now.Sub(e.startTime).Seconds()
	speed := e.speedBPS
	switch {
	case e.status == StatusCompleted || now.Sub(e.startTime) < initialWindow:
		if elapsed > 0 {
			speed = float64(e.bytesTransferred) / elapsed
		}
	case speed == 0 && elapsed > 0:
		speed = float64(e.bytesTransferred) / elapsed
	case (e.TotalSize > 0 && e.TotalSize < smallFileBytes) || elapsed < 2.0:
		if elapsed > 0 {
			if avg := float64(e.bytesTransferred) / elapsed; avg > speed {
				speed = avg
			}
		}
	}
	return speed
}

// Snapshot reports active and recently finished transfers plus the
// aggregate bandwidth. Entries idle past the stale bound are dropped.
func (t *Tracker) Snapshot() map[string]any {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, e := range t.transfers {
		if now.Sub(e.lastUpdate) > staleAfter {
			delete(t.transfers, id)
		}
	}

	var (
		activeCount    int
		completedCount int
		totalSpeed     float64
	)
	for _, e := range t.transfers {
		switch e.status {
		case StatusActive:
			activeCount++
			speed := e.speedBPS
			if speed == 0 && e.bytesTransferred > 0 {
				if elapsed := now.Sub(e.startTime).Seconds(); elapsed > 0 {
					speed = float64(e.bytesTransferred) / elapsed
				}
			}
			totalSpeed += speed
		case StatusCompleted:
			completedCount++
			elapsed := now.Sub(e.startTime).Seconds()
			if now.Sub(e.lastUpdate) < completedWindow && elapsed > 0 {
				totalSpeed += float64(e.bytesTransferred) / elapsed
			}
		}
	}

	details := make([]map[string]any, 0, maxDetailed)
	for _, e := range t.transfers {
		if len(details) >= maxDetailed {
			break
		}
		d := map[string]any{
			"transfer_id":       e.id,
			"file_path":         e.FileName,
			"full_path":         e.FullPath,
			"uid":               e.UID,
			"session_id":        e.SessionID,
			"status":            e.status,
			"bytes_transferred": e.bytesTransferred,
			"total_size":        e.TotalSize,
			"speed_bps":         e.effectiveSpeed(now),
			"elapsed":           now.Sub(e.startTime).Seconds(),
			"client_ip":         e.ClientIP,
			"file_type":         e.FileType,
		}
		if !e.firstByteTime.IsZero() {
			d["first_byte_latency_ms"] = e.firstByteTime.Sub(e.startTime).Seconds() * 1000
		}
		if e.TotalSize > 0 {
			d["progress_percent"] = float64(e.bytesTransferred) / float64(e.TotalSize) * 100
		}
		details = append(details, d)
	}

	return map[string]any{
		"active_transfers":        activeCount,
		"uptime_seconds":          int64(now.Sub(t.startTime).Seconds()),
		"completed_transfers":     completedCount,
		"total_speed_bps":         totalSpeed,
		"total_speed_mbps":        totalSpeed * 8 / (1 << 20),
		"transfers":               details,
		"timestamp":               now.Unix(),
		"total_tracked_transfers": len(t.transfers),
	}
}

// Traffic reports cumulative delivered bytes, total and broken down by
// uid and file type.
func (t *Tracker) Traffic() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()

	byUID := make(map[string]int64, len(t.bytesByUID))
	for k, v := range t.bytesByUID {
		byUID[k] = v
	}
	byType := make(map[string]int64, len(t.bytesByType))
	for k, v := range t.bytesByType {
		byType[k] = v
	}
	return map[string]any{
		"total_bytes":  t.totalBytes,
		"by_uid":       byUID,
		"by_file_type": byType,
		"since":        t.startTime.Unix(),
		"timestamp":    t.now().Unix(),
		"total_uids":   len(byUID),
	}
}
