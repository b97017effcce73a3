//go:build !linux

package platform

import (
	"errors"

	"go.uber.org/zap"

	"github.com/jnesss/connwatch/hooks"
)

// DefaultObjectPath is the compiled probe object produced by `make -C bpf`
const DefaultObjectPath = "bpf/connwatch.bpf.o"

// ErrUnsupported is returned on platforms without eBPF kprobes
var ErrUnsupported = errors.New("kprobes are only supported on linux")

// KprobeRegistrar is unavailable on this platform
type KprobeRegistrar struct{}

func NewKprobeRegistrar(objectPath string, logger *zap.Logger) (*KprobeRegistrar, error) {
	return nil, ErrUnsupported
}

func (r *KprobeRegistrar) Register(hooks.Target, uint64, hooks.Handler) (hooks.Handle, error) {
	return nil, ErrUnsupported
}

func (r *KprobeRegistrar) Close() error {
	return nil
}
