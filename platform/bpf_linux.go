//go:build linux

package platform

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
	"go.uber.org/zap"

	"github.com/jnesss/connwatch/hooks"
	"github.com/jnesss/connwatch/network"
)

// DefaultObjectPath is the compiled probe object produced by `make -C bpf`
const DefaultObjectPath = "bpf/connwatch.bpf.o"

const eventsMap = "events"

// programs maps a connection kind to the kprobe program that tags records with it
var programs = map[network.Kind]string{
	network.KindStream:   "trace_stream_connect",
	network.KindDatagram: "trace_dgram_connect",
}

// KprobeRegistrar plants kprobes from a compiled eBPF object and feeds the
// shared ring buffer back to the registered handlers.
type KprobeRegistrar struct {
	logger *zap.Logger
	coll   *ebpf.Collection
	reader *ringbuf.Reader
	disp   *dispatcher

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewKprobeRegistrar loads objectPath into the kernel and starts reading its
// ring buffer. Nothing is attached until Register is called.
func NewKprobeRegistrar(objectPath string, logger *zap.Logger) (*KprobeRegistrar, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if objectPath == "" {
		objectPath = DefaultObjectPath
	}

	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("failed to remove memlock: %w", err)
	}

	spec, err := ebpf.LoadCollectionSpec(objectPath)
	if err != nil {
		return nil, fmt.Errorf("load collection spec: %w", err)
	}
	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("new collection: %w", err)
	}

	events := coll.Maps[eventsMap]
	if events == nil {
		coll.Close()
		return nil, fmt.Errorf("ring buffer map %q not found in object", eventsMap)
	}
	reader, err := ringbuf.NewReader(events)
	if err != nil {
		coll.Close()
		return nil, fmt.Errorf("failed to create ringbuf reader: %w", err)
	}

	r := &KprobeRegistrar{
		logger: logger.Named("kprobe"),
		coll:   coll,
		reader: reader,
		stop:   make(chan struct{}),
	}
	r.disp = newDispatcher(r.logger)

	r.wg.Add(1)
	go r.readLoop()
	return r, nil
}

// Register attaches the program for target.Kind at target.Name. Attachment
// is by symbol name; address is only reported back in logs.
func (r *KprobeRegistrar) Register(target hooks.Target, address uint64, handler hooks.Handler) (hooks.Handle, error) {
	name, ok := programs[target.Kind]
	if !ok {
		return nil, fmt.Errorf("no program for kind %s", target.Kind)
	}
	prog := r.coll.Programs[name]
	if prog == nil {
		return nil, fmt.Errorf("program %q not found in object", name)
	}

	// handler first so the first record after attach is not lost
	id := r.disp.add(target.Kind, handler)
	kp, err := link.Kprobe(target.Name, prog, nil)
	if err != nil {
		r.disp.remove(target.Kind, id)
		return nil, fmt.Errorf("attach kprobe/%s: %w", target.Name, err)
	}

	r.logger.Debug("attached kprobe",
		zap.String("target", target.Name),
		zap.String("program", name),
		zap.String("address", fmt.Sprintf("%#x", address)))

	return &kprobeHandle{link: kp, disp: r.disp, kind: target.Kind, id: id}, nil
}

// Close stops the reader and unloads the collection. Handles must be closed first.
func (r *KprobeRegistrar) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.stop)
		err = r.reader.Close()
		r.wg.Wait()
		r.coll.Close()
	})
	return err
}

func (r *KprobeRegistrar) readLoop() {
	defer r.wg.Done()

	loop := newRecordLoop(
		func() ([]byte, error) {
			record, err := r.reader.Read()
			return record.RawSample, err
		},
		func(err error) bool { return errors.Is(err, ringbuf.ErrClosed) },
		r.disp.deliver,
		r.logger,
	)
	loop.sleep = func(d time.Duration) {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
		case <-r.stop:
		}
	}
	loop.run()
}

type kprobeHandle struct {
	link link.Link
	disp *dispatcher
	kind network.Kind
	id   int
	once sync.Once
}

func (h *kprobeHandle) Close() error {
	var err error
	h.once.Do(func() {
		err = h.link.Close()
		h.disp.remove(h.kind, h.id)
	})
	return err
}
