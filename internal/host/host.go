// Package host provides the SuspensionProvider and Prompter implementations
// used by the command-line front-ends: an interactive console backed by a
// line editor and a headless provider fed from a fixed list of answers.
package host

import (
	"context"
	"sync"
	"time"

	kernel "github.com/daios-ai/nbkernel"
)

// LineReader is the part of *liner.State the console needs.
type LineReader interface {
	Prompt(prompt string) (string, error)
	PasswordPrompt(prompt string) (string, error)
}

// Console answers input requests by reading a line from the terminal.
// Suspended reads run on their own goroutine and settle the future when
// the user presses enter.
type Console struct {
	r  LineReader
	mu sync.Mutex // one terminal read at a time
}

var (
	_ kernel.SuspensionProvider = (*Console)(nil)
	_ kernel.Prompter           = (*Console)(nil)
)

func NewConsole(r LineReader) *Console {
	return &Console{r: r}
}

func (c *Console) InputAsync(_ context.Context, prompt string, password bool, _ map[string]any) *kernel.Future[string] {
	f := kernel.NewFuture[string]()
	go func() {
		s, err := c.read(prompt, password)
		if err != nil {
			f.Reject(err)
			return
		}
		f.Resolve(s)
	}()
	return f
}

// Prompt answers a blocking input() call. The engine has already written
// the prompt to the chunk's stdout, so the line is read without one.
func (c *Console) Prompt(_ string, password bool) (string, error) {
	return c.read("", password)
}

func (c *Console) read(prompt string, password bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if password {
		return c.r.PasswordPrompt(prompt)
	}
	return c.r.Prompt(prompt)
}

func (c *Console) SleepAsync(ctx context.Context, seconds float64) *kernel.Future[struct{}] {
	return sleepAsync(ctx, seconds)
}

// Headless serves non-interactive runs. Input requests consume Answers in
// order and fail with kernel.ErrNoInput once they run out.
type Headless struct {
	mu      sync.Mutex
	answers []string
}

var (
	_ kernel.SuspensionProvider = (*Headless)(nil)
	_ kernel.Prompter           = (*Headless)(nil)
)

func NewHeadless(answers ...string) *Headless {
	return &Headless{answers: answers}
}

// Feed replaces the pending answers.
func (h *Headless) Feed(answers ...string) {
	h.mu.Lock()
	h.answers = append([]string(nil), answers...)
	h.mu.Unlock()
}

func (h *Headless) InputAsync(_ context.Context, prompt string, password bool, _ map[string]any) *kernel.Future[string] {
	s, err := h.Prompt(prompt, password)
	if err != nil {
		return kernel.Rejected[string](err)
	}
	return kernel.Resolved(s)
}

func (h *Headless) Prompt(string, bool) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.answers) == 0 {
		return "", kernel.ErrNoInput
	}
	s := h.answers[0]
	h.answers = h.answers[1:]
	return s, nil
}

func (h *Headless) SleepAsync(ctx context.Context, seconds float64) *kernel.Future[struct{}] {
	return sleepAsync(ctx, seconds)
}

// sleepAsync settles after seconds, or early with ctx's error.
func sleepAsync(ctx context.Context, seconds float64) *kernel.Future[struct{}] {
	f := kernel.NewFuture[struct{}]()
	if seconds <= 0 {
		f.Resolve(struct{}{})
		return f
	}
	timer := time.NewTimer(time.Duration(seconds * float64(time.Second)))
	go func() {
		defer timer.Stop()
		select {
		case <-timer.C:
			f.Resolve(struct{}{})
		case <-ctx.Done():
			f.Reject(ctx.Err())
		}
	}()
	return f
}
