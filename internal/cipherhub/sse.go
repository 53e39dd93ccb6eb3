package cipherhub

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/owulveryck/cipherhub/internal/exchange"
)

// wantsEventStream reports whether the client negotiated SSE.
func wantsEventStream(c *gin.Context) bool {
	return strings.Contains(c.GetHeader("Accept"), "text/event-stream")
}

// sseWriter frames exchange stream events as server-sent events and
// flushes after each one.
type sseWriter struct {
	w       gin.ResponseWriter
	flusher http.Flusher
}

// newSSEWriter writes the stream headers and returns the framer. The
// 200 goes out immediately; everything after travels as events.
func newSSEWriter(c *gin.Context) *sseWriter {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()
	return &sseWriter{w: c.Writer, flusher: c.Writer}
}

// Emit frames one event. A payload that fails to serialize is
// replaced by an error event so the client learns something went
// wrong instead of silently missing a result.
func (s *sseWriter) Emit(ev exchange.StreamEvent) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		ev = exchange.StreamEvent{Name: exchange.EventError, Data: nil}
		data = []byte(`"serialization failure"`)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Name, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
