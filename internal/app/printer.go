package app

import (
	"fmt"
	"io"
	"sync"

	"github.com/rbright/hark/internal/listen"
)

// printer writes final transcripts as plain lines and interim ones with a
// leading marker so scripts can filter on it.
type printer struct {
	mu sync.Mutex
	w  io.Writer
}

func newPrinter(w io.Writer) *printer {
	return &printer{w: w}
}

func (p *printer) Deliver(t listen.Transcript) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t.Final {
		fmt.Fprintln(p.w, t.Text)
		return
	}
	fmt.Fprintf(p.w, "~ %s\n", t.Text)
}
