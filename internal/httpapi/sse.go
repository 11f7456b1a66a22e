package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/CZERTAINLY/pipewatch/internal/bus"
	"github.com/go-chi/chi/v5"
)

// events streams the events of one run. The subscription is taken before the
// snapshot, so no event is lost between the two; a client may see the current
// stage twice.
func (a *api) events(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	sub := a.hub.Subscribe(id)
	defer sub.Close()

	snapshot, err := a.runs.Snapshot(id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	rc := http.NewResponseController(w)
	// the stream is bounded by the run, not by the server write timeout
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for _, ev := range snapshot {
		if err := writeEvent(w, ev); err != nil {
			return
		}
		if ev.Name == bus.EventComplete {
			_ = rc.Flush()
			return
		}
	}
	if err := rc.Flush(); err != nil {
		slog.DebugContext(ctx, "streaming unsupported", "error", err)
		return
	}

	for {
		nextCtx, cancel := context.WithTimeout(ctx, a.keepAlive)
		ev, err := sub.Next(nextCtx)
		cancel()
		switch {
		case err == nil:
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			_ = rc.Flush()
			continue
		default:
			return
		}

		if err := writeEvent(w, ev); err != nil {
			return
		}
		_ = rc.Flush()
		if ev.Name == bus.EventComplete {
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, ev bus.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, data)
	return err
}
