package cliclient

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"github.com/fswatchd/fswatchd/internal/wire"
)

// IsTTY reports whether w is an interactive terminal, used to decide
// between human-friendly and machine-friendly (JSON) rendering.
func IsTTY(w *os.File) bool {
	return isatty.IsTerminal(w.Fd()) || isatty.IsCygwinTerminal(w.Fd())
}

// RenderResponse writes resp to w, as pretty-printed JSON when forceJSON
// is set or w isn't a terminal, otherwise as a short human summary.
func RenderResponse(w io.Writer, resp wire.Object, forceJSON bool) error {
	if f, ok := w.(*os.File); forceJSON || !ok || !IsTTY(f) {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(objectToAny(resp))
	}
	return renderHuman(w, resp)
}

func renderHuman(w io.Writer, resp wire.Object) error {
	if files, ok := resp.Get("files").AsArray(); ok {
		fmt.Fprintf(w, "%d file(s)\n", len(files))
		for _, f := range files {
			obj, _ := f.AsObject()
			name, _ := obj.Get("name").AsString()
			mtime, _ := obj.Get("mtime").AsInt64()
			exists := obj.Get("exists")
			state := "deleted"
			if exists.Kind == wire.KindBool && exists.Bool {
				state = "exists"
			}
			fmt.Fprintf(w, "  %-40s %-8s tick=%s\n", name, state, humanize.Comma(mtime))
		}
		return nil
	}
	for k, v := range resp {
		if k == "version" {
			continue
		}
		fmt.Fprintf(w, "%s: %s\n", k, v.String())
	}
	return nil
}

// RenderLatency is a small humanize.go-backed helper the "call"
// subcommand's --verbose mode uses to report round-trip time after
// rendering a response.
func RenderLatency(w io.Writer, d time.Duration) {
	fmt.Fprintf(w, "(%s)\n", humanize.RelTime(time.Now().Add(-d), time.Now(), "", ""))
}

func objectToAny(o wire.Object) map[string]any {
	out := make(map[string]any, len(o))
	for k, v := range o {
		out[k] = valueToAny(v)
	}
	return out
}

func valueToAny(v wire.Value) any {
	switch v.Kind {
	case wire.KindNull:
		return nil
	case wire.KindBool:
		return v.Bool
	case wire.KindInt64:
		return v.Int
	case wire.KindString:
		return v.Str
	case wire.KindArray:
		out := make([]any, len(v.Arr))
		for i, item := range v.Arr {
			out[i] = valueToAny(item)
		}
		return out
	case wire.KindObject:
		return objectToAny(v.Obj)
	default:
		return nil
	}
}
