package kernel

import (
	"io"
	"sync"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// capture routes text the running chunk writes to stdout or stderr. Sinks
// are bound by Eval and unbound when it returns; outside an Eval all
// output is discarded.
type capture struct {
	mu     sync.Mutex
	stdout io.Writer
	stderr io.Writer
}

// install binds the sinks and returns the function that restores the
// previous ones. A nil sink discards.
func (c *capture) install(stdout, stderr io.Writer) (restore func()) {
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	c.mu.Lock()
	prevOut, prevErr := c.stdout, c.stderr
	c.stdout, c.stderr = stdout, stderr
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		c.stdout, c.stderr = prevOut, prevErr
		c.mu.Unlock()
	}
}

func (c *capture) writeStdout(s string) error { return c.write(false, s) }

func (c *capture) writeStderr(s string) error { return c.write(true, s) }

func (c *capture) write(toStderr bool, s string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.stdout
	if toStderr {
		w = c.stderr
	}
	if w == nil {
		return nil
	}
	_, err := io.WriteString(w, s)
	return err
}

// print is the thread's Print hook.
func (c *capture) print(msg string) {
	_ = c.writeStdout(msg + "\n")
}

// streamValue exposes one sink to Starlark as an object with write/flush,
// bound as sys.stdout and sys.stderr.
func (c *capture) streamValue(name string, toStderr bool) starlark.Value {
	write := starlark.NewBuiltin("write", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var s string
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &s); err != nil {
			return nil, err
		}
		if err := c.write(toStderr, s); err != nil {
			return nil, err
		}
		return starlark.MakeInt(len(s)), nil
	})
	flush := starlark.NewBuiltin("flush", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
			return nil, err
		}
		return starlark.None, nil
	})
	return starlarkstruct.FromStringDict(starlark.String("stream"), starlark.StringDict{
		"name":  starlark.String(name),
		"write": write,
		"flush": flush,
	})
}
