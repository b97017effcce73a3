package channel

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// drain reads everything currently pending in chunks of size n
func drain(c Channel, n int) string {
	var out bytes.Buffer
	buf := make([]byte, n)
	for {
		got := c.ReadNext(buf)
		if got == 0 {
			return out.String()
		}
		out.Write(buf[:got])
	}
}

func TestSlotPublishRead(t *testing.T) {
	s := NewSlot()
	assert.False(t, s.Pending())
	assert.Equal(t, 0, s.ReadNext(make([]byte, 16)))

	rec := "stream port:443 addr:93.184.216.34 from curl pid 1234\n"
	s.Publish([]byte(rec))
	require.True(t, s.Pending())

	buf := make([]byte, 256)
	n := s.ReadNext(buf)
	assert.Equal(t, rec, string(buf[:n]))
	assert.Equal(t, 0, s.ReadNext(buf))
	assert.False(t, s.Pending())
}

func TestSlotByteByByte(t *testing.T) {
	s := NewSlot()
	s.Publish([]byte("abc\n"))
	assert.Equal(t, "abc\n", drain(s, 1))
	assert.Equal(t, 0, s.ReadNext(make([]byte, 1)))
}

func TestSlotOverwrite(t *testing.T) {
	s := NewSlot()
	s.Publish([]byte("record A\n"))

	// partially read A, then B replaces it
	buf := make([]byte, 3)
	require.Equal(t, 3, s.ReadNext(buf))
	s.Publish([]byte("record B\n"))

	assert.Equal(t, "record B\n", drain(s, 64))
	stats := s.Stats()
	assert.Equal(t, uint64(2), stats.Published)
	assert.Equal(t, uint64(1), stats.Dropped)
	assert.Equal(t, uint64(1), stats.Delivered)
}

func TestSlotPublishAfterExhausted(t *testing.T) {
	s := NewSlot()
	s.Publish([]byte("one\n"))
	assert.Equal(t, "one\n", drain(s, 64))
	s.Publish([]byte("two\n"))
	assert.Equal(t, "two\n", drain(s, 64))
	assert.Equal(t, uint64(0), s.Stats().Dropped)
}

func TestSlotCopiesInput(t *testing.T) {
	s := NewSlot()
	in := []byte("abc\n")
	s.Publish(in)
	in[0] = 'z'
	assert.Equal(t, "abc\n", drain(s, 64))
}

func TestQueueFIFO(t *testing.T) {
	q := NewQueue(4)
	q.Publish([]byte("a\n"))
	q.Publish([]byte("b\n"))
	q.Publish([]byte("c\n"))

	buf := make([]byte, 64)
	for _, want := range []string{"a\n", "b\n", "c\n"} {
		n := q.ReadNext(buf)
		assert.Equal(t, want, string(buf[:n]))
	}
	assert.Equal(t, 0, q.ReadNext(buf))
	assert.Equal(t, uint64(3), q.Stats().Delivered)
}

func TestQueueReadDoesNotCrossRecords(t *testing.T) {
	q := NewQueue(4)
	q.Publish([]byte("first\n"))
	q.Publish([]byte("second\n"))

	buf := make([]byte, 4)
	n := q.ReadNext(buf)
	assert.Equal(t, "firs", string(buf[:n]))
	n = q.ReadNext(buf)
	assert.Equal(t, "t\n", string(buf[:n]))
	n = q.ReadNext(buf)
	assert.Equal(t, "seco", string(buf[:n]))
}

func TestQueueOverflowDropsOldest(t *testing.T) {
	q := NewQueue(2)
	q.Publish([]byte("a\n"))
	q.Publish([]byte("b\n"))
	q.Publish([]byte("c\n"))

	assert.Equal(t, 2, q.Len())
	assert.Equal(t, "b\nc\n", drain(q, 64))
	stats := q.Stats()
	assert.Equal(t, uint64(3), stats.Published)
	assert.Equal(t, uint64(1), stats.Dropped)
}

func TestQueueOverflowKeepsPartiallyReadRecord(t *testing.T) {
	q := NewQueue(2)
	q.Publish([]byte("alpha-record\n"))
	q.Publish([]byte("beta-record\n"))

	buf := make([]byte, 5)
	n := q.ReadNext(buf)
	require.Equal(t, "alpha", string(buf[:n]))

	q.Publish([]byte("gamma-record\n"))
	q.Publish([]byte("delta-record\n"))
	assert.Equal(t, 3, q.Len())

	out := "alpha" + drain(q, 5)
	assert.Equal(t, "alpha-record\ngamma-record\ndelta-record\n", out)
	for _, line := range strings.SplitAfter(out, "\n") {
		if line == "" {
			continue
		}
		assert.Regexp(t, `^[a-z]+-record\n$`, line)
	}
	stats := q.Stats()
	assert.Equal(t, uint64(1), stats.Dropped)
	assert.Equal(t, uint64(3), stats.Delivered)
}

func TestQueueSizeOnePartialRead(t *testing.T) {
	q := NewQueue(1)
	q.Publish([]byte("A-record\n"))

	buf := make([]byte, 2)
	n := q.ReadNext(buf)
	require.Equal(t, "A-", string(buf[:n]))

	q.Publish([]byte("B-record\n"))
	q.Publish([]byte("C-record\n"))
	assert.Equal(t, "A-record\nC-record\n", "A-"+drain(q, 64))
}

func TestQueueSizeOneMatchesLatestPolicy(t *testing.T) {
	q := NewQueue(1)
	q.Publish([]byte("A\n"))
	q.Publish([]byte("B\n"))
	assert.Equal(t, "B\n", drain(q, 64))
}

func TestNew(t *testing.T) {
	c, err := New(PolicyLatest, 0)
	require.NoError(t, err)
	assert.IsType(t, &Slot{}, c)

	c, err = New(PolicyQueue, 8)
	require.NoError(t, err)
	assert.IsType(t, &Queue{}, c)

	_, err = New(PolicyQueue, 0)
	assert.Error(t, err)

	_, err = New(Policy("fanout"), 8)
	assert.Error(t, err)
}

func TestConcurrentPublishAndRead(t *testing.T) {
	for _, policy := range []Policy{PolicyLatest, PolicyQueue} {
		t.Run(string(policy), func(t *testing.T) {
			c, err := New(policy, 16)
			require.NoError(t, err)

			var wg sync.WaitGroup
			for w := 0; w < 8; w++ {
				wg.Add(1)
				go func(w int) {
					defer wg.Done()
					for i := 0; i < 200; i++ {
						c.Publish([]byte(fmt.Sprintf("worker-%d event-%03d\n", w, i)))
					}
				}(w)
			}

			done := make(chan struct{})
			var out bytes.Buffer
			go func() {
				defer close(done)
				buf := make([]byte, 1024)
				for i := 0; i < 5000; i++ {
					if n := c.ReadNext(buf); n > 0 {
						out.Write(buf[:n])
					}
				}
			}()

			wg.Wait()
			<-done
			out.WriteString(drain(c, 1024))

			// every delivered line is intact: records never interleave
			for _, line := range bytes.Split(bytes.TrimSuffix(out.Bytes(), []byte("\n")), []byte("\n")) {
				if len(line) == 0 {
					continue
				}
				assert.Regexp(t, `^worker-\d event-\d{3}$`, string(line))
			}
			stats := c.Stats()
			assert.Equal(t, uint64(1600), stats.Published)
		})
	}
}
