package upgrade

import (
	"fmt"
	"sync"
	"time"

	"github.com/hako/durafmt"
	"golang.org/x/time/rate"
)

// ProgressSink receives human-readable status text, typically a status line
// in a UI.
type ProgressSink interface {
	SetStatus(msg string)
}

// ProgressFunc adapts a function to ProgressSink.
type ProgressFunc func(msg string)

func (f ProgressFunc) SetStatus(msg string) { f(msg) }

// Progress forwards status text to an optional sink at a bounded rate. The
// final update of a counted task is always forwarded.
type Progress struct {
	mu        sync.Mutex
	sink      ProgressSink
	sometimes *rate.Sometimes
	start     time.Time
}

// NewProgress returns a reporter forwarding at most once per interval. A nil
// sink makes every call a no-op.
func NewProgress(sink ProgressSink, interval time.Duration) *Progress {
	return &Progress{
		sink:      sink,
		sometimes: newSometimes(interval),
		start:     time.Now(),
	}
}

func newSometimes(interval time.Duration) *rate.Sometimes {
	if interval <= 0 {
		return &rate.Sometimes{Every: 1}
	}
	return &rate.Sometimes{Interval: interval}
}

// Set forwards msg immediately.
func (p *Progress) Set(msg string) {
	if p == nil || p.sink == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sink.SetStatus(msg)
}

// Update reports done out of total for label. Intermediate updates are
// throttled; done == total is always sent.
func (p *Progress) Update(label string, done, total int64) {
	if p == nil || p.sink == nil {
		return
	}
	if done >= total {
		p.Set(p.format(label, done, total))
		return
	}
	p.mu.Lock()
	s := p.sometimes
	p.mu.Unlock()
	s.Do(func() {
		p.Set(p.format(label, done, total))
	})
}

// Restart resets the throttle and the elapsed clock for a new task.
func (p *Progress) Restart() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sometimes = newSometimes(p.sometimes.Interval)
	p.start = time.Now()
}

func (p *Progress) format(label string, done, total int64) string {
	if p == nil {
		return ""
	}
	pct := int64(100)
	if total > 0 {
		pct = done * 100 / total
	}
	p.mu.Lock()
	elapsed := time.Since(p.start)
	p.mu.Unlock()
	return fmt.Sprintf("%s: %d/%d (%d%%), %s", label, done, total, pct,
		formatDuration(elapsed))
}

// formatDuration renders d like "2 minutes 3 seconds".
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return durafmt.Parse(d.Round(time.Second)).LimitFirstN(2).String()
}
