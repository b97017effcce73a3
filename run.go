package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/jnesss/connwatch/channel"
	"github.com/jnesss/connwatch/device"
	"github.com/jnesss/connwatch/hooks"
	"github.com/jnesss/connwatch/monitor"
	"github.com/jnesss/connwatch/platform"
	"github.com/jnesss/connwatch/process"
	"github.com/jnesss/connwatch/rules"
	"github.com/jnesss/connwatch/state"
	"github.com/jnesss/connwatch/web"
)

func runMonitor(ctx context.Context, cfg Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger, err := newLogger(cfg.Log.Level)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	targets, err := cfg.HookTargets()
	if err != nil {
		return err
	}

	ch, err := channel.New(channel.Policy(cfg.Delivery.Policy), cfg.Delivery.QueueSize)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	detector, err := rules.NewDetector(cfg.Rules.Dir, logger)
	if err != nil {
		return err
	}
	names, err := process.NewNameCache(cfg.Process.CacheSize)
	if err != nil {
		return err
	}

	mon, err := monitor.New(ch, monitor.Options{
		RecordCapacity: cfg.Delivery.RecordCapacity,
		Rules:          detector,
		Names:          names,
		Registerer:     registry,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create monitor: %w", err)
	}
	dev := device.New("connwatch", ch, logger)
	defer dev.Close()

	var store *state.Store
	if cfg.State.Dir != "" {
		if store, err = state.Open(cfg.State.Dir); err != nil {
			return err
		}
		defer store.Close()
	}

	registrar, err := platform.NewKprobeRegistrar(cfg.Object, logger)
	if err != nil {
		return fmt.Errorf("failed to load probes: %w", err)
	}
	defer registrar.Close()

	resolver := platform.NewKallsyms(cfg.Kallsyms)
	if err := resolver.Err(); err != nil {
		return err
	}

	mgr := hooks.NewManager(resolver, registrar, mon.Observe, logger)
	if err := mgr.Start(targets); err != nil {
		return fmt.Errorf("failed to install hooks: %w", err)
	}
	defer func() {
		mgr.Stop()
		mon.SetHooksRegistered(0)
		saveRegistrations(store, nil, logger)
		logger.Info("unregistered all probes")
	}()
	mon.SetHooksRegistered(len(mgr.Registrations()))
	saveRegistrations(store, mgr.Registrations(), logger)

	if cfg.DropPrivileges {
		if c, err := dropToCaller(); err != nil {
			logger.Warn("failed to drop privileges", zap.Error(err))
		} else {
			logger.Info("dropped privileges", zap.String("user", c.name), zap.Int("uid", c.uid), zap.Int("gid", c.gid))
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := detector.Watch(ctx); err != nil {
			logger.Warn("rule watcher stopped", zap.Error(err))
		}
	}()

	if store != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			store.Sync(ctx, cfg.State.SyncInterval, func() state.Counters {
				st := mon.Stats()
				return state.Counters{
					Observed:   st.Observed,
					Filtered:   st.Filtered,
					Suppressed: st.Suppressed,
					Published:  st.Published,
					Dropped:    st.Dropped,
					Delivered:  st.Delivered,
				}
			}, logger)
		}()
	}

	if cfg.Stdout {
		sess, err := dev.Open()
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sess.Release()
			if err := pump(ctx, sess, os.Stdout, cfg.Stream.PollInterval); err != nil {
				logger.Warn("stdout consumer stopped", zap.Error(err))
			}
		}()
	}

	srv := web.NewServer(web.Config{
		ListenAddr:   cfg.Listen,
		PollInterval: cfg.Stream.PollInterval,
		Hooks:        mgr,
		Stats:        mon,
		Rules:        detector,
		Device:       streamDevice(cfg, dev),
		Gatherer:     registry,
		Logger:       logger,
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Start(ctx); err != nil {
			logger.Error("web server error", zap.Error(err))
		}
	}()

	logger.Info("connwatch running",
		zap.Int("hooks", len(targets)),
		zap.String("policy", cfg.Delivery.Policy),
		zap.String("listen", cfg.Listen))

	<-ctx.Done()
	logger.Info("shutting down")
	wg.Wait()
	return nil
}

// streamDevice returns the device /api/stream should serve, or nil when the
// stdout consumer owns the only session for the whole run.
func streamDevice(cfg Config, dev *device.Device) *device.Device {
	if cfg.Stdout {
		return nil
	}
	return dev
}

func saveRegistrations(store *state.Store, regs []hooks.Registration, logger *zap.Logger) {
	if store == nil {
		return
	}
	rows := make([]state.Registration, 0, len(regs))
	for _, r := range regs {
		rows = append(rows, state.Registration{
			Target:  r.Target.Name,
			Kind:    r.Target.Kind.String(),
			Address: r.Address,
			State:   r.State.String(),
		})
	}
	if err := store.ReplaceRegistrations(rows); err != nil {
		logger.Warn("failed to store registrations", zap.Error(err))
	}
}

// reader is the part of a consumer session pump needs
type reader interface {
	Read(p []byte) (int, error)
}

// pump copies records from r to w until ctx is done, polling every interval
// when nothing is pending.
func pump(ctx context.Context, r reader, w io.Writer, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	buf := make([]byte, 512)
	for {
		for {
			n, err := r.Read(buf)
			if err != nil {
				return err
			}
			if n == 0 {
				break
			}
			if _, err := w.Write(buf[:n]); err != nil {
				return err
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func printStatus(w io.Writer, dir string) error {
	if dir == "" {
		return fmt.Errorf("state.dir is not configured")
	}
	store, err := state.Open(dir)
	if err != nil {
		return err
	}
	defer store.Close()

	regs, err := store.Registrations()
	if err != nil {
		return fmt.Errorf("failed to read registrations: %w", err)
	}
	counters, err := store.Counters()
	if err != nil {
		return fmt.Errorf("failed to read counters: %w", err)
	}

	if len(regs) == 0 {
		fmt.Fprintln(w, "no probes registered")
	}
	for _, r := range regs {
		fmt.Fprintf(w, "%-24s %-6s %#x %s\n", r.Target, r.Kind, r.Address, r.State)
	}
	fmt.Fprintf(w, "observed=%d filtered=%d suppressed=%d published=%d dropped=%d delivered=%d\n",
		counters.Observed, counters.Filtered, counters.Suppressed,
		counters.Published, counters.Dropped, counters.Delivered)
	return nil
}
