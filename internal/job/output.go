package job

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"
)

// ExcerptSize is how much of the output tail is kept in a RunRecord.
const ExcerptSize = 4 << 10

// outputBuffer collects combined stdout and stderr up to a limit. Bytes
// past the limit are counted and reported by a marker line.
type outputBuffer struct {
	mu      sync.Mutex
	limit   int64
	buf     []byte
	dropped int64
	stdout  int64
	stderr  int64
}

func newOutputBuffer(limit int64) *outputBuffer {
	return &outputBuffer{limit: limit}
}

func (b *outputBuffer) write(p []byte, counter *int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	*counter += int64(len(p))
	room := b.limit - int64(len(b.buf))
	if room <= 0 {
		b.dropped += int64(len(p))
		return
	}
	if int64(len(p)) > room {
		b.dropped += int64(len(p)) - room
		p = p[:room]
	}
	b.buf = append(b.buf, p...)
}

// Stdout returns a writer accounting bytes as stdout.
func (b *outputBuffer) Stdout() io.Writer {
	return streamWriter{b: b, counter: &b.stdout}
}

// Stderr returns a writer accounting bytes as stderr.
func (b *outputBuffer) Stderr() io.Writer {
	return streamWriter{b: b, counter: &b.stderr}
}

// Bytes returns the captured output, ending with the truncation marker if
// anything was dropped.
func (b *outputBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]byte, len(b.buf), len(b.buf)+64)
	copy(out, b.buf)
	if b.dropped > 0 {
		if len(out) > 0 && out[len(out)-1] != '\n' {
			out = append(out, '\n')
		}
		out = append(out, truncationMarker(b.dropped)...)
	}
	return out
}

// Counts returns stdout bytes, stderr bytes, and whether output was dropped.
func (b *outputBuffer) Counts() (stdout, stderr int64, truncated bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stdout, b.stderr, b.dropped > 0
}

func truncationMarker(dropped int64) string {
	return fmt.Sprintf("[... output truncated: %d bytes dropped ...]\n", dropped)
}

type streamWriter struct {
	b       *outputBuffer
	counter *int64
}

// Write always reports the full length, even for dropped bytes.
func (w streamWriter) Write(p []byte) (int, error) {
	w.b.write(p, w.counter)
	return len(p), nil
}

// excerpt returns the last ExcerptSize bytes of out as valid NFC text.
func excerpt(out []byte) string {
	if len(out) > ExcerptSize {
		out = out[len(out)-ExcerptSize:]
	}
	s := strings.ToValidUTF8(string(out), "\uFFFD")
	return norm.NFC.String(s)
}
