package segment

import (
	"fmt"
	"net/http"
)

// ChunkSink streams an in-progress LL-DASH/CMAF segment to one client
// chunk-by-chunk as the encoder (StreamMuxer) produces partial segment
// data, rather than waiting for the whole segment to close — the
// low-latency delivery path spec.md §4.4's last paragraph describes.
// Grounded on the teacher's io.Pipe-coupling idiom in ingest.Registry:
// there a writer and reader rendezvous on a byte stream; here the
// writer is an http.ResponseWriter and the "reader" is whatever
// consumes the HTTP response as it streams.
type ChunkSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewChunkSink wraps w for chunked delivery. It returns an error if the
// ResponseWriter doesn't support flushing mid-response, since without
// it every "chunk" would buffer until the handler returns, defeating
// the point.
func NewChunkSink(w http.ResponseWriter) (*ChunkSink, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("segment: response writer does not support flushing")
	}
	w.Header().Set("Transfer-Encoding", "chunked")
	w.Header().Set("Cache-Control", "no-cache")
	return &ChunkSink{w: w, flusher: f}, nil
}

// WriteChunk writes and immediately flushes one partial-segment chunk
// (e.g. one fMP4 moof+mdat as each sample becomes available).
func (s *ChunkSink) WriteChunk(b []byte) error {
	if _, err := s.w.Write(b); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
