package main

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnesss/connwatch/channel"
	"github.com/jnesss/connwatch/device"
	"github.com/jnesss/connwatch/state"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestPumpCopiesRecords(t *testing.T) {
	ch := channel.NewQueue(8)
	dev := device.New("connwatch", ch, nil)
	sess, err := dev.Open()
	require.NoError(t, err)
	defer sess.Release()

	ch.Publish([]byte("stream port:443 addr:93.184.216.34 from curl pid 1234\n"))

	var out syncBuffer
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pump(ctx, sess, &out, 5*time.Millisecond) }()

	ch.Publish([]byte("dgram port:53 addr:8.8.8.8 from dig pid 7\n"))
	assert.Eventually(t, func() bool {
		return out.String() == "stream port:443 addr:93.184.216.34 from curl pid 1234\n"+
			"dgram port:53 addr:8.8.8.8 from dig pid 7\n"
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestPumpStopsOnRelease(t *testing.T) {
	dev := device.New("connwatch", channel.NewSlot(), nil)
	sess, err := dev.Open()
	require.NoError(t, err)
	sess.Release()

	err = pump(context.Background(), sess, &syncBuffer{}, time.Millisecond)
	assert.ErrorIs(t, err, device.ErrClosed)
}

func TestPrintStatus(t *testing.T) {
	dir := t.TempDir()
	store, err := state.Open(dir)
	require.NoError(t, err)
	require.NoError(t, store.ReplaceRegistrations([]state.Registration{
		{Target: "inet_stream_connect", Kind: "stream", Address: 0xffffffff81a0c0d0, State: "registered"},
	}))
	require.NoError(t, store.UpdateCounters(state.Counters{Observed: 3, Filtered: 1, Published: 2, Delivered: 2}))
	require.NoError(t, store.Close())

	var out bytes.Buffer
	require.NoError(t, printStatus(&out, dir))
	assert.Contains(t, out.String(), "inet_stream_connect")
	assert.Contains(t, out.String(), "0xffffffff81a0c0d0")
	assert.Contains(t, out.String(), "observed=3 filtered=1 suppressed=0 published=2 dropped=0 delivered=2")
}

func TestPrintStatusEmpty(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printStatus(&out, t.TempDir()))
	assert.Contains(t, out.String(), "no probes registered")
}

func TestPrintStatusNoDir(t *testing.T) {
	assert.Error(t, printStatus(&bytes.Buffer{}, ""))
}

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "connwatch dev\n", out.String())
}

func TestStreamDeviceOmittedForStdout(t *testing.T) {
	dev := device.New("connwatch", channel.NewSlot(), nil)

	assert.Same(t, dev, streamDevice(Config{}, dev))
	assert.Nil(t, streamDevice(Config{Stdout: true}, dev))
}
