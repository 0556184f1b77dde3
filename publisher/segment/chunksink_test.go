package segment

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

type nonFlushingWriter struct {
	http.ResponseWriter
}

func TestNewChunkSinkRejectsNonFlushingWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	_, err := NewChunkSink(nonFlushingWriter{rec})
	if err == nil {
		t.Error("expected an error when the ResponseWriter does not implement http.Flusher")
	}
}

func TestChunkSinkWritesAndFlushes(t *testing.T) {
	rec := httptest.NewRecorder()
	sink, err := NewChunkSink(rec)
	if err != nil {
		t.Fatalf("NewChunkSink: %v", err)
	}

	if err := sink.WriteChunk([]byte("chunk1")); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	if err := sink.WriteChunk([]byte("chunk2")); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}

	if got := rec.Body.String(); got != "chunk1chunk2" {
		t.Errorf("body = %q, want concatenated chunks", got)
	}
	if ct := rec.Header().Get("Transfer-Encoding"); ct != "chunked" {
		t.Errorf("expected Transfer-Encoding: chunked header, got %q", ct)
	}
}
