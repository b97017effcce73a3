package platform

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var errSourceClosed = errors.New("closed")

// scriptedSource replays a fixed sequence of reads, then reports closed
type scriptedSource struct {
	steps []error
	pos   int
}

func (s *scriptedSource) read() ([]byte, error) {
	if s.pos >= len(s.steps) {
		return nil, errSourceClosed
	}
	err := s.steps[s.pos]
	s.pos++
	if err != nil {
		return nil, err
	}
	return []byte{byte(s.pos)}, nil
}

func newTestLoop(src *scriptedSource, logger *zap.Logger) (*recordLoop, *[]time.Duration, *[][]byte) {
	var sleeps []time.Duration
	var delivered [][]byte
	l := newRecordLoop(src.read,
		func(err error) bool { return errors.Is(err, errSourceClosed) },
		func(raw []byte) { delivered = append(delivered, raw) },
		logger)
	l.sleep = func(d time.Duration) { sleeps = append(sleeps, d) }
	return l, &sleeps, &delivered
}

func TestRecordLoopBacksOffOnPersistentErrors(t *testing.T) {
	errRead := errors.New("read failed")
	src := &scriptedSource{steps: []error{errRead, errRead, errRead, errRead, errRead, errRead, errRead, errRead}}

	core, logs := observer.New(zap.WarnLevel)
	l, sleeps, delivered := newTestLoop(src, zap.New(core))
	l.run()

	require.Len(t, *sleeps, 8)
	assert.Equal(t, readRetryInitial, (*sleeps)[0])
	for i := 1; i < len(*sleeps); i++ {
		assert.GreaterOrEqual(t, (*sleeps)[i], (*sleeps)[i-1])
		assert.LessOrEqual(t, (*sleeps)[i], readRetryMax)
	}
	assert.Greater(t, (*sleeps)[7], (*sleeps)[0])
	assert.Empty(t, *delivered)

	assert.Equal(t, 1, logs.FilterMessage("error reading ring buffer").Len())
}

func TestRecordLoopResetsAfterSuccess(t *testing.T) {
	errRead := errors.New("read failed")
	src := &scriptedSource{steps: []error{errRead, errRead, errRead, nil, errRead, nil}}

	core, logs := observer.New(zap.InfoLevel)
	l, sleeps, delivered := newTestLoop(src, zap.New(core))
	l.run()

	require.Len(t, *sleeps, 4)
	assert.Greater(t, (*sleeps)[2], (*sleeps)[0])
	assert.Equal(t, readRetryInitial, (*sleeps)[3])
	assert.Equal(t, [][]byte{{4}, {6}}, *delivered)
	assert.Equal(t, 2, logs.FilterMessage("ring buffer reads recovered").Len())
}

func TestRecordLoopStopsWhenClosed(t *testing.T) {
	src := &scriptedSource{steps: []error{nil, nil}}
	l, sleeps, delivered := newTestLoop(src, zap.NewNop())
	l.run()

	assert.Empty(t, *sleeps)
	assert.Len(t, *delivered, 2)
}
