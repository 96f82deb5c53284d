package runtime

import (
	"log/slog"

	"github.com/funf-org/funf/internal/alarm"
	"github.com/funf-org/funf/internal/compiler"
	"github.com/funf-org/funf/internal/pipeline"
	"github.com/funf-org/funf/internal/probe"
	"github.com/funf-org/funf/internal/registry"
	"github.com/funf-org/funf/internal/sources"
)

// Offline builds a compiler for checking documents. Sources keep their
// requests in memory and never fire, and pipelines have no record store
// or archive, so compiling has no effect outside the process.
func Offline(logger *slog.Logger) (*compiler.Compiler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	reg, err := OfflineRegistry(logger)
	if err != nil {
		return nil, err
	}
	return compiler.New(reg, compiler.WithLogger(logger)), nil
}

// OfflineRegistry returns a registry holding every type funf knows,
// built on the same stand-ins as Offline.
func OfflineRegistry(logger *slog.Logger) (*registry.Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	mgr := probe.NewManager(probe.Deps{Store: probe.NewMemoryStore(), Logger: logger})
	reg := registry.New(nil)
	if err := compiler.RegisterBuiltins(reg, logger); err != nil {
		return nil, err
	}
	if err := sources.Register(reg, mgr, alarm.SystemClock{}); err != nil {
		return nil, err
	}
	if err := pipeline.Register(reg, pipeline.Deps{Logger: logger}); err != nil {
		return nil, err
	}
	return reg, nil
}
