package om

import "errors"

var (
	errClosed       = errors.New("om: slot closed")
	errQueueFull    = errors.New("om: queue full")
	errBackpressure = errors.New("om: backpressure")
)

// chunkPayload splits payload into ordered pieces no larger than
// maxSize (spec.md §4.5). Chunking here is pure TCP-stream splitting:
// there is no framing header, since a byte stream's client-visible
// content is identical whether written in one Write call or several
// smaller ones written back to back on the same slot.
func chunkPayload(payload []byte, maxSize int) [][]byte {
	if maxSize <= 0 || len(payload) <= maxSize {
		return [][]byte{payload}
	}
	chunks := make([][]byte, 0, (len(payload)/maxSize)+1)
	for len(payload) > 0 {
		n := maxSize
		if n > len(payload) {
			n = len(payload)
		}
		chunks = append(chunks, payload[:n])
		payload = payload[n:]
	}
	return chunks
}
