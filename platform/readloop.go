package platform

import (
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	readRetryInitial = 10 * time.Millisecond
	readRetryMax     = time.Second
	readWarnInterval = 10 * time.Second
)

// recordLoop drains a record source until it reports closed. Consecutive
// read failures back off exponentially and are logged at most once per
// readWarnInterval.
type recordLoop struct {
	read    func() ([]byte, error)
	closed  func(error) bool
	deliver func([]byte)
	sleep   func(time.Duration)
	logger  *zap.Logger

	retry *backoff.ExponentialBackOff
	warn  rate.Sometimes
}

func newRecordLoop(read func() ([]byte, error), closed func(error) bool, deliver func([]byte), logger *zap.Logger) *recordLoop {
	retry := &backoff.ExponentialBackOff{
		InitialInterval:     readRetryInitial,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         readRetryMax,
	}
	retry.Reset()
	return &recordLoop{
		read:    read,
		closed:  closed,
		deliver: deliver,
		sleep:   time.Sleep,
		logger:  logger,
		retry:   retry,
		warn:    rate.Sometimes{First: 1, Interval: readWarnInterval},
	}
}

func (l *recordLoop) run() {
	failures := 0
	for {
		raw, err := l.read()
		if err != nil {
			if l.closed(err) {
				return
			}
			failures++
			wait := l.retry.NextBackOff()
			l.warn.Do(func() {
				l.logger.Warn("error reading ring buffer",
					zap.Error(err),
					zap.Int("consecutive", failures),
					zap.Duration("retry_in", wait))
			})
			l.sleep(wait)
			continue
		}
		if failures > 0 {
			l.logger.Info("ring buffer reads recovered", zap.Int("failures", failures))
			l.retry.Reset()
			failures = 0
		}
		l.deliver(raw)
	}
}
