package builder

import (
	"fmt"
	"io"
	"time"
)

// Reporter renders build step progress to an output stream, in the
// `[N/TOTAL] KIND ARGS` form described in §4.8.
type Reporter struct {
	out   io.Writer
	total int
}

// NewReporter returns a Reporter for a build of total non-FROM steps.
func NewReporter(out io.Writer, total int) *Reporter {
	return &Reporter{out: out, total: total}
}

// stepTimer tracks the start time of one step so Done can render its
// elapsed-seconds tail.
type stepTimer struct {
	r       *Reporter
	index   int
	kind    Kind
	args    string
	started time.Time
}

// Start records the start time of step index (1-based) without printing
// anything, and returns a timer to pair with a later Done call.
func (r *Reporter) Start(index int, kind Kind, args string) *stepTimer {
	return &stepTimer{r: r, index: index, kind: kind, args: args, started: time.Now()}
}

// Done renders the step's completion line, marking cache hits.
func (t *stepTimer) Done(cached bool) {
	elapsed := time.Since(t.started)
	marker := ""
	if cached {
		marker = " CACHED"
	}
	fmt.Fprintf(t.r.out, "[%d/%d] %s %s%s (%.1fs)\n", t.index, t.r.total, t.kind, t.args, marker, elapsed.Seconds())
}
