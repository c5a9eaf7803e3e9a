package kernel

import (
	"fmt"

	"github.com/google/uuid"
	"go.starlark.net/starlark"
)

// DisplayChannel receives display events. Each event holds the payload of
// the current Eval followed by display_type ("multiple"), content (a
// media-type map) and, when requested, display_id.
type DisplayChannel interface {
	Display(event map[string]any)
}

// DisplayFunc adapts a function to DisplayChannel.
type DisplayFunc func(event map[string]any)

func (f DisplayFunc) Display(event map[string]any) { f(event) }

// Display merges the current payload with event (event keys win) and
// forwards the result to the configured channel.
func (e *Engine) Display(event map[string]any) {
	if e.cfg.Display == nil {
		e.log.Debug("display event dropped, no channel configured")
		return
	}
	merged := make(map[string]any, len(e.payload)+len(event))
	for k, v := range e.payload {
		merged[k] = v
	}
	for k, v := range event {
		merged[k] = v
	}
	e.cfg.Display.Display(merged)
}

// display(*objs, raw=False, display_id=None)
func (e *Engine) builtinDisplay(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var raw bool
	var id starlark.Value = starlark.None
	if err := starlark.UnpackArgs(b.Name(), nil, kwargs, "raw?", &raw, "display_id?", &id); err != nil {
		return nil, err
	}
	displayID, err := displayIdent(id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}

	for _, obj := range args {
		var content map[string]string
		if raw {
			if content, err = stringMap(obj); err != nil {
				return nil, fmt.Errorf("%s: raw content: %w", b.Name(), err)
			}
		} else {
			content = FormatRepr(thread, obj)
		}
		event := map[string]any{"display_type": "multiple", "content": content}
		if displayID != "" {
			event["display_id"] = displayID
		}
		e.Display(event)
	}

	if displayID == "" {
		return starlark.None, nil
	}
	return starlark.String(displayID), nil
}

// displayIdent: None/False for no id, True for a fresh one, or a string.
func displayIdent(v starlark.Value) (string, error) {
	switch x := v.(type) {
	case starlark.NoneType:
		return "", nil
	case starlark.Bool:
		if x {
			return uuid.NewString(), nil
		}
		return "", nil
	case starlark.String:
		return string(x), nil
	}
	return "", fmt.Errorf("display_id: got %s, want str, bool or None", v.Type())
}
