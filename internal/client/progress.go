package client

import "time"

// Progress is a point-in-time snapshot of a transfer's state, reported to a
// Callback. It mirrors original_source's TransferProgress dataclass; its
// rendering (the original's console progress bar) is out of scope per
// spec.md §1, but the data points it computed are kept since callers other
// than a console renderer (structured logs, a CLI percent counter) need
// them.
type Progress struct {
	Filepath         string
	BytesTransferred int64
	TotalBytes       int64
	Operation        string // "upload" or "download"
	startTime        time.Time
}

// Percentage returns 0-100, or 0 if TotalBytes is 0.
func (p Progress) Percentage() float64 {
	if p.TotalBytes == 0 {
		return 0
	}
	return float64(p.BytesTransferred) / float64(p.TotalBytes) * 100
}

// Rate returns the average transfer rate in bytes/second since the
// transfer began.
func (p Progress) Rate() float64 {
	elapsed := time.Since(p.startTime).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(p.BytesTransferred) / elapsed
}

// Complete reports whether the transfer has reached its total.
func (p Progress) Complete() bool {
	return p.BytesTransferred >= p.TotalBytes
}

// Callback receives progress updates during upload/download and checksum
// computation. It must not block or panic; a callback that panics would
// abort the transfer, so tracker.update recovers and drops the update.
type Callback func(Progress)

// tracker accumulates byte counts and throttles callback invocation to
// updateInterval, matching ProgressTracker.update's rate limiting so a
// naive callback (e.g. writing a log line) isn't hammered once per chunk.
type tracker struct {
	filepath       string
	totalBytes     int64
	operation      string
	callback       Callback
	updateInterval time.Duration

	bytesTransferred int64
	startTime        time.Time
	lastCallback     time.Time
}

func newTracker(filepath string, totalBytes int64, operation string, cb Callback) *tracker {
	return &tracker{
		filepath:       filepath,
		totalBytes:     totalBytes,
		operation:      operation,
		callback:       cb,
		updateInterval: 500 * time.Millisecond,
		startTime:      time.Now(),
	}
}

func (t *tracker) update(n int64) {
	t.bytesTransferred += n
	if t.callback == nil {
		return
	}
	now := time.Now()
	if now.Sub(t.lastCallback) < t.updateInterval {
		return
	}
	t.lastCallback = now
	t.invoke()
}

func (t *tracker) complete() {
	t.bytesTransferred = t.totalBytes
	if t.callback != nil {
		t.invoke()
	}
}

func (t *tracker) invoke() {
	defer func() { _ = recover() }()
	t.callback(Progress{
		Filepath:         t.filepath,
		BytesTransferred: t.bytesTransferred,
		TotalBytes:       t.totalBytes,
		Operation:        t.operation,
		startTime:        t.startTime,
	})
}
