package containers

import (
	"bytes"
	"fmt"
	"io"

	"github.com/octaviocubillos/proobox/lib/paths"
)

// timestampWriter prefixes every line written to out with an ISO-8601
// millisecond timestamp, so container.log lines carry the sortable prefix
// that logs' since/until filtering and --timestamps rely on.
type timestampWriter struct {
	out     io.Writer
	pending bool
}

func newTimestampWriter(out io.Writer) *timestampWriter {
	return &timestampWriter{out: out}
}

func (tw *timestampWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		chunk := p
		complete := false
		if idx := bytes.IndexByte(p, '\n'); idx >= 0 {
			chunk = p[:idx+1]
			complete = true
		}

		if !tw.pending {
			if _, err := fmt.Fprintf(tw.out, "%s ", paths.Now()); err != nil {
				return written, err
			}
			tw.pending = true
		}

		n, err := tw.out.Write(chunk)
		written += n
		if err != nil {
			return written, err
		}
		if complete {
			tw.pending = false
		}
		p = p[len(chunk):]
	}
	return written, nil
}
