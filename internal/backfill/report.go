package backfill

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	ErrUnknownExchange = errors.New("backfill: unknown exchange")
	ErrInvalidRange    = errors.New("backfill: invalid range")
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Report is the progress of one backfill run. Processed counts candles
// written, Expected the minutes in range times the markets covered.
type Report struct {
	ID          string    `json:"id"`
	Base        string    `json:"base"`
	Exchanges   []string  `json:"exchanges"`
	Markets     []string  `json:"markets"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Processed   int       `json:"processed"`
	Expected    int       `json:"expected"`
	Windows     int       `json:"windows"`
	WindowsDone int       `json:"windowsDone"`
	Status      Status    `json:"status"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"startedAt"`
	FinishedAt  time.Time `json:"finishedAt,omitempty"`
}

// PartialFailureError carries the progress made before a fetch or write failed.
type PartialFailureError struct {
	Report Report
	Err    error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("backfill %s %s failed after %d/%d candles (%d/%d windows): %v",
		e.Report.ID, e.Report.Base, e.Report.Processed, e.Report.Expected,
		e.Report.WindowsDone, e.Report.Windows, e.Err)
}

func (e *PartialFailureError) Unwrap() error { return e.Err }

// Progress keeps the latest report of every run in this process.
type Progress struct {
	mu   sync.RWMutex
	runs map[string]Report
}

func NewProgress() *Progress {
	return &Progress{runs: make(map[string]Report)}
}

func (p *Progress) Update(r Report) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runs[r.ID] = r
}

func (p *Progress) Get(id string) (Report, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.runs[id]
	return r, ok
}

// List returns all runs, most recently started first.
func (p *Progress) List() []Report {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Report, 0, len(p.runs))
	for _, r := range p.runs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}
