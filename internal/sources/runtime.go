package sources

import (
	"context"
	"runtime"

	"github.com/funf-org/funf/internal/ir"
	"github.com/funf-org/funf/internal/probe"
)

// Runtime samples Go runtime statistics of the collecting process.
type Runtime struct{}

func (Runtime) OnEnable(context.Context) error  { return nil }
func (Runtime) OnStop(context.Context) error    { return nil }
func (Runtime) OnDisable(context.Context) error { return nil }

// OnRun emits one sample and completes.
func (Runtime) OnRun(_ context.Context, _ ir.RunParams, run *probe.Run) error {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	run.Emit(ir.Object{
		"goroutines":   ir.Int(runtime.NumGoroutine()),
		"heap_alloc":   ir.Int(int64(ms.HeapAlloc)),
		"heap_objects": ir.Int(int64(ms.HeapObjects)),
		"num_gc":       ir.Int(int64(ms.NumGC)),
		"cpus":         ir.Int(runtime.NumCPU()),
	})
	run.Complete()
	return nil
}
