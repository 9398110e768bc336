//go:build govips && cgo

package pipeline

import (
	"runtime"
	"sync"

	"github.com/davidbyttow/govips/v2/vips"
)

var (
	vipsOnce    sync.Once
	vipsMu      sync.Mutex
	vipsRunning bool
)

// Startup initializes libvips once per process. Editors built afterwards
// share its operation cache.
func Startup() error {
	vipsOnce.Do(func() {
		vips.LoggingSettings(nil, vips.LogLevelWarning)
		vips.Startup(&vips.Config{
			ConcurrencyLevel: runtime.NumCPU(),
			MaxCacheFiles:    0,
			MaxCacheMem:      64 * 1024 * 1024,
			MaxCacheSize:     64,
		})

		vipsMu.Lock()
		vipsRunning = true
		vipsMu.Unlock()
	})
	return nil
}

func Shutdown() {
	vipsMu.Lock()
	defer vipsMu.Unlock()
	if !vipsRunning {
		return
	}
	vips.Shutdown()
	vipsRunning = false
}

func newTransformer(opts Options) (Transformer, error) {
	if err := Startup(); err != nil {
		return nil, err
	}
	return govipsTransformer{opts: opts}, nil
}
