package config

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/aethelgard/core/internal/domain"
)

// DynamicParamsWatcher watches the on-disk tuning overrides file named by
// Config.DynamicOverridesPath and invokes registered callbacks when its
// contents change. It is distinct from the DB-backed DynamicParams store,
// which remains the authoritative runtime copy; this watcher only seeds
// and refreshes local overrides at cycle boundaries, it never writes back.
type DynamicParamsWatcher struct {
	path     string
	logger   *zap.Logger
	mu       sync.RWMutex
	current  *domain.DynamicParams
	onChange []func(old, new *domain.DynamicParams)
	watcher  *fsnotify.Watcher
	done     chan struct{}
	stopped  bool
}

// NewDynamicParamsWatcher creates a watcher seeded with initial. It does
// not start watching until Start is called.
func NewDynamicParamsWatcher(path string, initial *domain.DynamicParams, logger *zap.Logger) *DynamicParamsWatcher {
	return &DynamicParamsWatcher{
		path:    path,
		logger:  logger.Named("config-watcher"),
		current: initial,
		done:    make(chan struct{}),
	}
}

// OnChange registers a callback invoked whenever the overrides file
// changes and parses successfully. Only applies at the next scanner cycle
// boundary; callers are expected to swap DynamicParams between cycles,
// never mid-cycle.
func (w *DynamicParamsWatcher) OnChange(fn func(old, new *domain.DynamicParams)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = append(w.onChange, fn)
}

// Current returns the most recently loaded valid DynamicParams.
func (w *DynamicParamsWatcher) Current() *domain.DynamicParams {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Start begins watching the overrides file in a background goroutine.
func (w *DynamicParamsWatcher) Start() error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(w.path); err != nil {
		fw.Close()
		return err
	}
	w.watcher = fw
	w.logger.Info("watching dynamic params overrides", zap.String("path", w.path))

	go w.loop()
	return nil
}

// Stop stops the watcher. Safe to call multiple times.
func (w *DynamicParamsWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	close(w.done)
	if w.watcher != nil {
		w.watcher.Close()
	}
}

func (w *DynamicParamsWatcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("fsnotify error", zap.Error(err))
		}
	}
}

func (w *DynamicParamsWatcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.logger.Warn("read overrides failed, keeping current", zap.Error(err))
		return
	}

	var next domain.DynamicParams
	if err := json.Unmarshal(data, &next); err != nil {
		w.logger.Warn("parse overrides failed, keeping current", zap.Error(err))
		return
	}
	if err := validateDynamicParams(&next); err != nil {
		w.logger.Warn("overrides failed validation, keeping current", zap.Error(err))
		return
	}

	w.mu.Lock()
	old := w.current
	if old != nil && next.Version <= old.Version {
		w.mu.Unlock()
		w.logger.Info("overrides file changed but version did not advance, skipping",
			zap.Int64("current_version", old.Version), zap.Int64("file_version", next.Version))
		return
	}
	w.current = &next
	callbacks := make([]func(old, new *domain.DynamicParams), len(w.onChange))
	copy(callbacks, w.onChange)
	w.mu.Unlock()

	w.logger.Info("dynamic params reloaded", zap.Int64("version", next.Version))
	for _, fn := range callbacks {
		fn(old, &next)
	}
}

func validateDynamicParams(p *domain.DynamicParams) error {
	if p.ADXThreshold.LessThanOrEqual(decimal.Zero) {
		return errValidation("adx_threshold must be positive")
	}
	if p.PerTradeRiskFraction.LessThanOrEqual(decimal.Zero) || p.PerTradeRiskFraction.GreaterThan(decimal.NewFromFloat(0.1)) {
		return errValidation("per_trade_risk_fraction out of sane bounds")
	}
	return nil
}

type validationError string

func (e validationError) Error() string { return string(e) }

func errValidation(msg string) error { return validationError(msg) }
