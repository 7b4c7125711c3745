package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
)

// ndjsonContentType is the content type of streamed selector results.
const ndjsonContentType = "application/x-ndjson; charset=utf-8"

// ndjsonHighWater is the buffered byte count that triggers a flush to the
// response writer, aligning back-pressure with the HTTP connection.
const ndjsonHighWater = 8 * 1024

// ndjsonWriter frames one JSON document per line, flushing whenever the
// running buffer exceeds the high-water mark.
type ndjsonWriter struct {
	w   http.ResponseWriter
	f   http.Flusher
	buf bytes.Buffer
}

func newNDJSONWriter(w http.ResponseWriter) *ndjsonWriter {
	f, _ := w.(http.Flusher)
	return &ndjsonWriter{w: w, f: f}
}

func (n *ndjsonWriter) Write(doc any) error {
	line, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	n.buf.Write(line)
	n.buf.WriteByte('\n')
	if n.buf.Len() >= ndjsonHighWater {
		return n.Flush()
	}
	return nil
}

func (n *ndjsonWriter) Flush() error {
	if n.buf.Len() == 0 {
		return nil
	}
	if _, err := n.w.Write(n.buf.Bytes()); err != nil {
		return err
	}
	n.buf.Reset()
	if n.f != nil {
		n.f.Flush()
	}
	return nil
}
