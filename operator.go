package upgrade

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Operator is whoever is responsible for the database: asked before a
// one-way upgrade, told when it is done.
type Operator interface {
	Confirm(ctx context.Context, prompt string) (bool, error)
	Inform(msg string)
}

// TerminalOperator asks on a terminal. Anything but "y" or "yes" declines.
//
// In is read by a single goroutine for the life of the operator, one line
// per answer. A prompt abandoned through its ctx leaves its answer to the
// next prompt.
type TerminalOperator struct {
	In  io.Reader
	Out io.Writer

	once  sync.Once
	lines chan answer
}

type answer struct {
	line string
	err  error
}

func (o *TerminalOperator) Confirm(ctx context.Context, prompt string) (bool, error) {
	o.once.Do(func() {
		o.lines = make(chan answer)
		go o.read()
	})
	fmt.Fprintf(o.Out, "%s Proceed? y/N: ", prompt)

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case a, ok := <-o.lines:
		if !ok {
			// End of input.
			return false, nil
		}
		if a.err != nil {
			return false, errors.Wrap(a.err, "read response")
		}
		yn := strings.TrimSpace(strings.ToLower(a.line))
		return yn == "y" || yn == "yes", nil
	}
}

func (o *TerminalOperator) read() {
	defer close(o.lines)
	r := bufio.NewReader(o.In)
	for {
		line, err := r.ReadString('\n')
		if line != "" {
			o.lines <- answer{line: line}
		}
		switch {
		case err == io.EOF:
			return
		case err != nil:
			o.lines <- answer{err: err}
			return
		}
	}
}

func (o *TerminalOperator) Inform(msg string) {
	fmt.Fprintln(o.Out, msg)
}
