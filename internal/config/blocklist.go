package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/deepyad/helpdesk/internal/logging"
)

// Blocklist holds the guardrail pattern lists. InputPatterns block user input
// outright; OutputPatterns are redacted from agent replies.
type Blocklist struct {
	InputPatterns  []string `koanf:"input_patterns"`
	OutputPatterns []string `koanf:"output_patterns"`
}

// DefaultBlocklist returns the built-in pattern lists used when no blocklist
// file is configured.
func DefaultBlocklist() *Blocklist {
	return &Blocklist{
		InputPatterns: []string{
			"hack", "exploit", "ddos", "password crack", "credential steal",
			"ignore previous instructions", "disregard your instructions",
		},
		OutputPatterns: []string{
			"internal api key", "secret token", "admin password",
		},
	}
}

// LoadBlocklistFile loads and validates a blocklist YAML file.
func LoadBlocklistFile(path string) (*Blocklist, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load blocklist from %q: %w", path, err)
	}
	var bl Blocklist
	if err := k.UnmarshalWithConf("", &bl, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("failed to parse blocklist from %q: %w", path, err)
	}
	if len(bl.InputPatterns) == 0 && len(bl.OutputPatterns) == 0 {
		return nil, fmt.Errorf("blocklist %q contains no patterns", path)
	}
	return &bl, nil
}

// BlocklistCallback is invoked when the blocklist file is reloaded.
type BlocklistCallback func(*Blocklist)

// BlocklistWatcher watches the blocklist file and pushes updates into the
// guardrail service. Editor save sequences are debounced; an invalid file is
// logged and the previous patterns stay active.
type BlocklistWatcher struct {
	path     string
	debounce time.Duration
	callback BlocklistCallback
	logger   *logging.Logger

	mu            sync.Mutex
	debounceTimer *time.Timer
}

// NewBlocklistWatcher creates a watcher for the given blocklist file.
func NewBlocklistWatcher(path string, callback BlocklistCallback) (*BlocklistWatcher, error) {
	if path == "" {
		return nil, fmt.Errorf("blocklist path cannot be empty")
	}
	if callback == nil {
		return nil, fmt.Errorf("callback cannot be nil")
	}
	return &BlocklistWatcher{
		path:     path,
		debounce: 500 * time.Millisecond,
		callback: callback,
		logger:   logging.GetLogger("config.blocklist"),
	}, nil
}

// Start loads the initial blocklist, invokes the callback, and watches for
// changes until ctx is cancelled.
func (w *BlocklistWatcher) Start(ctx context.Context) error {
	bl, err := LoadBlocklistFile(w.path)
	if err != nil {
		return fmt.Errorf("failed to load initial blocklist: %w", err)
	}
	w.callback(bl)
	w.logger.Info("loaded blocklist from %s (%d input, %d output patterns)",
		w.path, len(bl.InputPatterns), len(bl.OutputPatterns))

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(w.path); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %q: %w", w.path, err)
	}

	go w.watchLoop(ctx, watcher)
	return nil
}

func (w *BlocklistWatcher) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer func() { _ = watcher.Close() }()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.scheduleReload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("blocklist watcher error: %v", err)
		}
	}
}

// scheduleReload coalesces bursts of file events into one reload.
func (w *BlocklistWatcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.debounce, func() {
		bl, err := LoadBlocklistFile(w.path)
		if err != nil {
			w.logger.Warn("blocklist reload failed, keeping previous patterns: %v", err)
			return
		}
		w.callback(bl)
		w.logger.Info("reloaded blocklist from %s", w.path)
	})
}
