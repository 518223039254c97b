/* Copyright (c) 2018-2021 Waldemar Augustyn */

// Package config mirrors cli.go: a single struct populated from flags at
// each entry point, with a handful of tunables additionally hot-reloadable
// from an optional JSON file via fsnotify.
package config

import (
	"encoding/json"
	"flag"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"chatstack/internal/logging"
)

const (
	DefaultTTL          = 16
	DefaultAckTimeout   = 500 * time.Millisecond
	DefaultRetryCeiling = 20
	DefaultMSS          = 1024
)

// Tunable holds the subset of configuration that may change without a
// restart: the noisy channel's fault rates and the transport's timing
// knobs.
type Tunable struct {
	LossProb     float64 `json:"loss_prob"`
	CorruptProb  float64 `json:"corrupt_prob"`
	MaxDelayMs   int     `json:"max_delay_ms"`
	AckTimeoutMs int     `json:"ack_timeout_ms"`
	RetryCeiling int     `json:"retry_ceiling"`
}

// Config is populated once, at flag-parse time, and then only the
// Tunable fields inside it are ever replaced (atomically) by the watcher.
type Config struct {
	DataDir   string
	GUI       bool
	DebugList string

	tunable atomic.Pointer[Tunable]
	watchMu sync.Mutex
	watcher *fsnotify.Watcher
}

// Parse registers and parses the flags common to every entry point.
// withGUI reports whether --gui should be registered (server and router
// don't take it).
func Parse(withGUI bool) *Config {
	c := &Config{}
	c.tunable.Store(&Tunable{
		AckTimeoutMs: int(DefaultAckTimeout / time.Millisecond),
		RetryCeiling: DefaultRetryCeiling,
	})

	var debugList, dataDir string
	var gui bool
	var loss, corrupt float64
	var maxDelay int
	var configPath string
	var stamps bool

	flag.StringVar(&debugList, "debug", "", "enable debug in listed packages, comma separated, or \"all\"")
	flag.BoolVar(&stamps, "time-stamps", false, "print logs with time stamps")
	flag.StringVar(&dataDir, "data", ".", "data directory for downloads and persistence")
	flag.Float64Var(&loss, "loss", 0, "probability [0,1] a frame is dropped by the noisy channel")
	flag.Float64Var(&corrupt, "corrupt", 0, "probability [0,1] a delivered frame is corrupted")
	flag.IntVar(&maxDelay, "max-delay", 0, "maximum extra delay, in ms, the noisy channel may add")
	flag.StringVar(&configPath, "config", "chatstack.json", "optional JSON file of hot-reloadable tunables")
	if withGUI {
		flag.BoolVar(&gui, "gui", false, "force the graphical UI even when a terminal is attached")
	}
	flag.Parse()

	logging.Log.SetLevel(logging.INFO, stamps)
	debugSet := map[string]bool{}
	for _, name := range splitNonEmpty(debugList) {
		debugSet[name] = true
	}
	logging.Log.SetDebug(debugSet)

	c.DataDir = dataDir
	c.GUI = gui
	c.DebugList = debugList
	c.tunable.Store(&Tunable{
		LossProb:     loss,
		CorruptProb:  corrupt,
		MaxDelayMs:   maxDelay,
		AckTimeoutMs: int(DefaultAckTimeout / time.Millisecond),
		RetryCeiling: DefaultRetryCeiling,
	})

	c.watchConfigFile(configPath)
	return c
}

func splitNonEmpty(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func (c *Config) Tunable() Tunable {
	return *c.tunable.Load()
}

func (c *Config) AckTimeout() time.Duration {
	return time.Duration(c.Tunable().AckTimeoutMs) * time.Millisecond
}

func (c *Config) RetryCeiling() int {
	return c.Tunable().RetryCeiling
}

func (c *Config) MaxDelay() time.Duration {
	return time.Duration(c.Tunable().MaxDelayMs) * time.Millisecond
}

// watchConfigFile loads path if present and, following dns.go's
// fsnotify-on-/etc/hosts pattern, re-loads it whenever it changes. The
// file's absence is not an error: defaults apply.
func (c *Config) watchConfigFile(path string) {
	c.reloadFrom(path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logging.Log.Err("config: cannot start file watcher: %v", err)
		return
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		logging.Log.Debug("config: not watching %v: %v", dir, err)
		watcher.Close()
		return
	}

	c.watchMu.Lock()
	c.watcher = watcher
	c.watchMu.Unlock()

	go func() {
		for event := range watcher.Events {
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if event.Op&fsnotify.Remove != 0 {
				continue
			}
			c.reloadFrom(path)
		}
	}()
}

func (c *Config) reloadFrom(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return // absence is not an error
	}

	var overlay Tunable
	current := c.Tunable()
	overlay = current
	if err := json.Unmarshal(data, &overlay); err != nil {
		logging.Log.Err("config: malformed %v, ignoring: %v", path, err)
		return
	}
	c.tunable.Store(&overlay)
	logging.Log.Info("config: reloaded tunables from %v", path)
}

// Close stops the background watcher, if one is running.
func (c *Config) Close() {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	if c.watcher != nil {
		c.watcher.Close()
	}
}
