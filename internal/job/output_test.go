package job

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputBuffer(t *testing.T) {
	tests := []struct {
		name          string
		limit         int64
		stdout        []string
		stderr        []string
		want          string
		wantTruncated bool
	}{
		{
			name:   "under limit",
			limit:  64,
			stdout: []string{"one\n", "two\n"},
			stderr: []string{"err\n"},
			want:   "one\ntwo\nerr\n",
		},
		{
			name:          "write split at limit",
			limit:         5,
			stdout:        []string{"abcdefgh"},
			want:          "abcde\n[... output truncated: 3 bytes dropped ...]\n",
			wantTruncated: true,
		},
		{
			name:          "writes after limit are counted",
			limit:         4,
			stdout:        []string{"abc\n", "more\n"},
			stderr:        []string{"x"},
			want:          "abc\n[... output truncated: 6 bytes dropped ...]\n",
			wantTruncated: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newOutputBuffer(tt.limit)
			var wantOut, wantErr int64
			for _, s := range tt.stdout {
				n, err := b.Stdout().Write([]byte(s))
				require.NoError(t, err)
				assert.Equal(t, len(s), n)
				wantOut += int64(len(s))
			}
			for _, s := range tt.stderr {
				_, err := b.Stderr().Write([]byte(s))
				require.NoError(t, err)
				wantErr += int64(len(s))
			}

			assert.Equal(t, tt.want, string(b.Bytes()))
			stdout, stderr, truncated := b.Counts()
			assert.Equal(t, wantOut, stdout)
			assert.Equal(t, wantErr, stderr)
			assert.Equal(t, tt.wantTruncated, truncated)
		})
	}
}

func TestOutputBuffer_ConcurrentWriters(t *testing.T) {
	b := newOutputBuffer(1 << 10)
	var wg sync.WaitGroup
	for _, w := range []interface{ Write([]byte) (int, error) }{b.Stdout(), b.Stderr()} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_, _ = w.Write([]byte("0123456789"))
			}
		}()
	}
	wg.Wait()

	stdout, stderr, truncated := b.Counts()
	assert.Equal(t, int64(1000), stdout)
	assert.Equal(t, int64(1000), stderr)
	assert.True(t, truncated)
	assert.Contains(t, string(b.Bytes()), "976 bytes dropped")
}

func TestExcerpt(t *testing.T) {
	long := strings.Repeat("x", ExcerptSize) + "tail"
	got := excerpt([]byte(long))
	assert.Len(t, got, ExcerptSize)
	assert.True(t, strings.HasSuffix(got, "tail"))

	assert.Equal(t, "ok\uFFFD", excerpt([]byte("ok\xff")))
	assert.Equal(t, "caf\u00e9", excerpt([]byte("cafe\u0301")), "normalized to NFC")
	assert.Empty(t, excerpt(nil))
}

func TestGuard_Skip(t *testing.T) {
	g := NewGuard(OverlapSkip)

	release, err := g.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, g.Busy())

	_, err = g.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrBusy)

	release()
	release()
	assert.False(t, g.Busy())

	release, err = g.Acquire(context.Background())
	require.NoError(t, err)
	release()
}

func TestGuard_QueueKeepsOnePending(t *testing.T) {
	g := NewGuard(OverlapQueue)

	release, err := g.Acquire(context.Background())
	require.NoError(t, err)

	acquired := make(chan func(), 1)
	go func() {
		r, err := g.Acquire(context.Background())
		if err == nil {
			acquired <- r
		}
	}()
	require.Eventually(t, g.Pending, 2*time.Second, 5*time.Millisecond)

	_, err = g.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrBusy, "only one request may wait")

	release()
	select {
	case r := <-acquired:
		assert.True(t, g.Busy())
		assert.False(t, g.Pending())
		r()
	case <-time.After(2 * time.Second):
		t.Fatal("queued request never acquired the slot")
	}
}

func TestGuard_QueuedRequestCancelled(t *testing.T) {
	g := NewGuard(OverlapQueue)
	release, err := g.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = g.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, g.Pending())
}

func TestParseOverlap(t *testing.T) {
	assert.Equal(t, OverlapSkip, ParseOverlap("skip"))
	assert.Equal(t, OverlapQueue, ParseOverlap("queue"))
	assert.Equal(t, OverlapQueue, ParseOverlap(""))
}
