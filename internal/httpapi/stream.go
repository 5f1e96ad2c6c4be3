package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"opinions.market/internal/ids"
)

// Stream serves committed market events as Server-Sent Events. ?post=<id>
// narrows the stream to one post.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	if a.stream == nil {
		writeError(w, r, http.StatusServiceUnavailable, "streaming disabled")
		return
	}
	var only ids.Pubkey
	if raw := strings.TrimSpace(r.URL.Query().Get("post")); raw != "" {
		k, err := ids.Parse(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "post must be a base58 key")
			return
		}
		only = k
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := a.stream.Subscribe(ctx)

	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	for event := range ch {
		if !only.IsZero() && event.Post != only {
			continue
		}
		payload, err := json.Marshal(event)
		if err != nil {
			continue
		}
		_, _ = w.Write([]byte("event: " + event.Type + "\nid: " + event.ID + "\ndata: "))
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}
}
