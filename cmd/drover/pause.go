package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
)

// pauser blocks a lane at a breakpoint until a line is read from in.
// Lanes pause one at a time.
type pauser struct {
	mu    sync.Mutex
	lines chan struct{}
	out   io.Writer
}

func newPauser(in io.Reader, out io.Writer) *pauser {
	p := &pauser{lines: make(chan struct{}), out: out}

	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			p.lines <- struct{}{}
		}

		close(p.lines)
	}()

	return p
}

func (p *pauser) wait(ctx context.Context, file string, line int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.out, "paused at %s:%d, press Enter to continue\n", file, line)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.lines:
		return nil
	}
}
