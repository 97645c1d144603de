package deps

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// LibraryFetcher retrieves a shared library into the library directory.
// The marketplace client implements this.
type LibraryFetcher interface {
	FetchLibrary(ctx context.Context, name, version, dstDir string) error
}

// Installer installs an extension's declared dependencies. Installation is
// blocking I/O and must never run while the registry lock is held; the
// caller computes its plan under the lock, releases it, and then installs.
type Installer struct {
	fetcher             LibraryFetcher
	libDir              string
	autoInstallOptional bool
	logger              *zap.Logger
}

// NewInstaller creates an installer placing libraries under libDir.
func NewInstaller(fetcher LibraryFetcher, libDir string, autoInstallOptional bool, logger *zap.Logger) *Installer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Installer{
		fetcher:             fetcher,
		libDir:              libDir,
		autoInstallOptional: autoInstallOptional,
		logger:              logger.Named("extension.deps"),
	}
}

// InstallResult records the per-package outcome of an installation pass.
type InstallResult struct {
	Installed []string
	Skipped   []string
	Failed    map[string]error
}

// OK reports whether every non-optional dependency installed successfully.
// Failures are tracked per package in Failed.
func (r *InstallResult) OK() bool {
	return len(r.Failed) == 0
}

// Err summarizes failures, or returns nil when the pass succeeded.
func (r *InstallResult) Err() error {
	if r.OK() {
		return nil
	}
	return fmt.Errorf("failed to install %d package(s)", len(r.Failed))
}

// InstallAll attempts each dependency in turn. Optional dependencies are
// skipped unless auto-install is enabled; an individual failure is recorded
// and does not abort the remaining packages. Extension-kind dependencies are
// not fetched here; the resolver verifies those against the registry.
func (i *Installer) InstallAll(ctx context.Context, deps []Dependency) *InstallResult {
	result := &InstallResult{Failed: make(map[string]error)}

	for _, d := range deps {
		if d.Kind != KindLibrary {
			continue
		}
		if d.Optional && !i.autoInstallOptional {
			result.Skipped = append(result.Skipped, d.Name)
			i.logger.Debug("skipping optional dependency", zap.String("package", d.Name))
			continue
		}

		if err := i.fetcher.FetchLibrary(ctx, d.Name, d.Version, i.libDir); err != nil {
			if d.Optional {
				// Optional failures never fail the pass.
				result.Skipped = append(result.Skipped, d.Name)
				i.logger.Warn("optional dependency failed to install",
					zap.String("package", d.Name), zap.Error(err))
				continue
			}
			result.Failed[d.Name] = err
			i.logger.Error("dependency failed to install",
				zap.String("package", d.Name), zap.Error(err))
			continue
		}
		result.Installed = append(result.Installed, d.Name)
		i.logger.Info("dependency installed",
			zap.String("package", d.Name), zap.String("version", d.Version))
	}

	return result
}
