package progress

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Tracker accounts for the committed progress of a single transfer.
// Parts are committed strictly in order, so the tracker only ever
// moves forward. Safe for concurrent reads while one writer commits.
type Tracker struct {
	total int64 // -1 when the source did not declare a length
	start time.Time

	committed atomic.Int64
	parts     atomic.Int32

	lastMark  atomic.Int64 // unix nanos of the previous snapshot
	lastBytes atomic.Int64
}

// NewTracker returns a tracker for a transfer of total bytes.
// Pass -1 when the total is unknown.
func NewTracker(total int64) *Tracker {
	t := &Tracker{total: total, start: time.Now()}
	t.lastMark.Store(t.start.UnixNano())
	return t
}

// Resume seeds the tracker with bytes and parts committed by earlier runs.
func (t *Tracker) Resume(bytes int64, parts int) {
	t.committed.Store(bytes)
	t.parts.Store(int32(parts))
	t.lastBytes.Store(bytes)
}

// PartCommitted records one durably acknowledged part.
func (t *Tracker) PartCommitted(size int64) {
	t.committed.Add(size)
	t.parts.Add(1)
}

// Committed returns the bytes acknowledged so far.
func (t *Tracker) Committed() int64 {
	return t.committed.Load()
}

// Parts returns the number of parts acknowledged so far.
func (t *Tracker) Parts() int {
	return int(t.parts.Load())
}

// Snapshot summarizes progress at one instant.
type Snapshot struct {
	Bytes   int64
	Total   int64
	Parts   int
	Percent float64       // 0 when the total is unknown
	Rate    int64         // bytes/s since the previous snapshot
	ETA     time.Duration // 0 when unknown
	Elapsed time.Duration
}

// Snapshot computes the current snapshot and advances the rate window.
func (t *Tracker) Snapshot() Snapshot {
	now := time.Now()
	bytes := t.committed.Load()

	prevMark := t.lastMark.Swap(now.UnixNano())
	prevBytes := t.lastBytes.Swap(bytes)

	window := now.Sub(time.Unix(0, prevMark)).Seconds()
	if window < 0.1 {
		window = 0.1
	}
	rate := int64(float64(bytes-prevBytes) / window)

	s := Snapshot{
		Bytes:   bytes,
		Total:   t.total,
		Parts:   int(t.parts.Load()),
		Rate:    rate,
		Elapsed: now.Sub(t.start),
	}
	if t.total > 0 {
		s.Percent = float64(bytes) / float64(t.total) * 100
		if rate > 0 && bytes < t.total {
			s.ETA = time.Duration(float64(t.total-bytes) / float64(rate) * float64(time.Second))
		}
	}
	return s
}

// MarshalZerologObject lets a snapshot be logged as a structured object.
func (s Snapshot) MarshalZerologObject(e *zerolog.Event) {
	e.Int64("bytes", s.Bytes).
		Int("parts", s.Parts).
		Str("rate", FormatBytes(s.Rate)+"/s").
		Str("elapsed", FormatDuration(s.Elapsed))
	if s.Total > 0 {
		e.Int64("total", s.Total).
			Str("percent", fmt.Sprintf("%.1f%%", s.Percent)).
			Str("eta", FormatDuration(s.ETA))
	}
}

// LogLoop logs a progress snapshot every interval until ctx is done.
// Runs in the calling goroutine; start it with go.
func (t *Tracker) LogLoop(ctx context.Context, log *zerolog.Logger, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Info().Object("progress", t.Snapshot()).Msg("transfer progress")
		}
	}
}

// FormatBytes renders b using IEC units ("1.5 KiB", "256 MiB").
func FormatBytes(b int64) string {
	const (
		kib = 1024
		mib = kib * 1024
		gib = mib * 1024
		tib = gib * 1024
	)

	unit := ""
	value := float64(b)
	switch {
	case b >= tib:
		unit, value = "TiB", value/tib
	case b >= gib:
		unit, value = "GiB", value/gib
	case b >= mib:
		unit, value = "MiB", value/mib
	case b >= kib:
		unit, value = "KiB", value/kib
	default:
		return fmt.Sprintf("%d B", b)
	}

	if value == math.Trunc(value) && value >= 10 {
		return fmt.Sprintf("%.0f %s", value, unit)
	}
	return fmt.Sprintf("%.1f %s", value, unit)
}

// FormatDuration renders d in coarse human units ("18m 32s").
func FormatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm %ds", int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60)
}

// ParseBytes parses human-readable sizes. IEC suffixes (KiB, MiB, GiB,
// TiB) are 1024-based, SI suffixes (KB, MB, GB, TB) are 1000-based, and
// a bare number or B suffix is bytes.
func ParseBytes(s string) (int64, error) {
	s = strings.TrimSpace(s)

	multiplier := int64(1)
	switch {
	case strings.HasSuffix(s, "TiB"):
		multiplier, s = 1<<40, s[:len(s)-3]
	case strings.HasSuffix(s, "GiB"):
		multiplier, s = 1<<30, s[:len(s)-3]
	case strings.HasSuffix(s, "MiB"):
		multiplier, s = 1<<20, s[:len(s)-3]
	case strings.HasSuffix(s, "KiB"):
		multiplier, s = 1<<10, s[:len(s)-3]
	case strings.HasSuffix(s, "TB"):
		multiplier, s = 1e12, s[:len(s)-2]
	case strings.HasSuffix(s, "GB"):
		multiplier, s = 1e9, s[:len(s)-2]
	case strings.HasSuffix(s, "MB"):
		multiplier, s = 1e6, s[:len(s)-2]
	case strings.HasSuffix(s, "KB"):
		multiplier, s = 1e3, s[:len(s)-2]
	case strings.HasSuffix(s, "B"):
		s = s[:len(s)-1]
	}

	value, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("invalid byte size: %q", s)
	}

	return int64(value * float64(multiplier)), nil
}
