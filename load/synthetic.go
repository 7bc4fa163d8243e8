// Package load generates synthetic diag dumps and replays them through a
// full sensor to measure capture and analysis throughput.
package load

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"EnigmaNetz/Enigma-Cell-Sensor/config"
	"EnigmaNetz/Enigma-Cell-Sensor/internal/diag"
	"EnigmaNetz/Enigma-Cell-Sensor/internal/store"
)

// ErrNoEntry is returned when the replay finished without producing a
// finalized recording.
var ErrNoEntry = errors.New("replay produced no finalized recording")

const pollInterval = 50 * time.Millisecond

// DefaultPattern is planted in warning frames and matched by the
// signature the load run installs.
var DefaultPattern = []byte{0xde, 0xad, 0xbe, 0xef}

// Config controls the synthetic dump.
type Config struct {
	// Frames is the number of userspace containers to generate
	Frames int
	// MessagesPerFrame is the number of HDLC messages in each container
	MessagesPerFrame int
	// MessageSize is the body length of each message, before the terminator
	MessageSize int
	// WarningEvery plants the pattern in every Nth frame; 0 disables it
	WarningEvery int
	// OtherEvery inserts a non-userspace container every N frames; 0 disables it
	OtherEvery int
	Pattern    []byte
	Seed       uint64
	// Timeout bounds the replay
	Timeout time.Duration
}

func (c *Config) setDefaults() {
	if c.Frames <= 0 {
		c.Frames = 1000
	}
	if c.MessagesPerFrame <= 0 {
		c.MessagesPerFrame = 4
	}
	if c.MessageSize <= 0 {
		c.MessageSize = 64
	}
	if len(c.Pattern) == 0 {
		c.Pattern = DefaultPattern
	}
	if c.Timeout <= 0 {
		c.Timeout = time.Minute
	}
}

// DumpStats describes a generated dump.
type DumpStats struct {
	Frames        int
	OtherFrames   int
	UserSpaceSize int64
	Warnings      int
}

// WriteSyntheticDump writes cfg.Frames userspace containers to w. Random
// message bodies never contain the HDLC terminator or the pattern's first
// byte, so the only matches are the planted ones.
func WriteSyntheticDump(w io.Writer, cfg Config) (DumpStats, error) {
	cfg.setDefaults()
	if cfg.MessageSize < len(cfg.Pattern) {
		return DumpStats{}, fmt.Errorf("message size %d is smaller than the pattern", cfg.MessageSize)
	}
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))

	var stats DumpStats
	for i := 0; i < cfg.Frames; i++ {
		if cfg.OtherEvery > 0 && i%cfg.OtherEvery == 0 {
			if err := diag.WriteContainer(w, diag.UserSpace+1, randomMessage(rng, cfg)); err != nil {
				return stats, err
			}
			stats.OtherFrames++
		}

		messages := make([][]byte, cfg.MessagesPerFrame)
		for m := range messages {
			messages[m] = randomMessage(rng, cfg)
		}
		if cfg.WarningEvery > 0 && i%cfg.WarningEvery == 0 {
			copy(messages[0], cfg.Pattern)
			stats.Warnings++
		}
		if err := diag.WriteContainer(w, diag.UserSpace, messages...); err != nil {
			return stats, err
		}
		stats.Frames++
		for _, m := range messages {
			stats.UserSpaceSize += int64(len(m))
		}
	}
	return stats, nil
}

func randomMessage(rng *rand.Rand, cfg Config) []byte {
	msg := make([]byte, cfg.MessageSize+1)
	for i := 0; i < cfg.MessageSize; i++ {
		b := byte(rng.UintN(256))
		for b == diag.HDLCTerminator || b == cfg.Pattern[0] {
			b = byte(rng.UintN(256))
		}
		msg[i] = b
	}
	msg[cfg.MessageSize] = diag.HDLCTerminator
	return msg
}

// Runner runs a sensor until ctx ends. sensor.RunSensor with signals
// disabled satisfies it.
type Runner func(ctx context.Context, cfg *config.Config) error

// Result summarizes a load run.
type Result struct {
	Dump         DumpStats
	Entry        store.Entry
	Elapsed      time.Duration
	FramesPerSec float64
	BytesPerSec  float64
}

// RunSyntheticCaptureLoad writes a dump under outputDir, replays it through
// run with a fresh store, and waits for the recording to be finalized.
func RunSyntheticCaptureLoad(ctx context.Context, run Runner, cfg Config, outputDir string) (Result, error) {
	cfg.setDefaults()
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return Result{}, fmt.Errorf("failed to create output directory: %w", err)
	}

	dumpPath := filepath.Join(outputDir, "synthetic.bin")
	f, err := os.Create(dumpPath)
	if err != nil {
		return Result{}, fmt.Errorf("failed to create dump: %w", err)
	}
	dump, err := WriteSyntheticDump(f, cfg)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return Result{}, fmt.Errorf("failed to write dump: %w", err)
	}

	sensorCfg := sensorConfig(cfg, dumpPath, filepath.Join(outputDir, "qmdl"))
	runCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- run(runCtx, sensorCfg) }()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			if err == nil {
				err = ErrNoEntry
			}
			return Result{Dump: dump}, fmt.Errorf("sensor stopped before finalizing: %w", err)
		case <-runCtx.Done():
			return Result{Dump: dump}, fmt.Errorf("replay did not finish: %w", runCtx.Err())
		case <-ticker.C:
		}

		entry, ok := finalizedEntry(sensorCfg.Store.Path, dump.Warnings)
		if !ok {
			continue
		}
		elapsed := time.Since(start)
		cancel()
		if err := <-done; err != nil {
			return Result{Dump: dump, Entry: entry}, err
		}
		secs := elapsed.Seconds()
		return Result{
			Dump:         dump,
			Entry:        entry,
			Elapsed:      elapsed,
			FramesPerSec: float64(dump.Frames) / secs,
			BytesPerSec:  float64(entry.CaptureSize) / secs,
		}, nil
	}
}

// finalizedEntry reports the replayed entry once it is closed and its
// warning count has been recorded.
func finalizedEntry(dir string, wantWarnings int) (store.Entry, bool) {
	entries, err := store.ReadManifest(dir)
	if err != nil || len(entries) == 0 {
		return store.Entry{}, false
	}
	e := entries[len(entries)-1]
	if e.Current() || e.Warnings != wantWarnings {
		return store.Entry{}, false
	}
	return e, true
}

func sensorConfig(cfg Config, device, storeDir string) *config.Config {
	return &config.Config{
		Store:   config.StoreConfig{Path: storeDir},
		Capture: config.CaptureConfig{Device: device, ControlBuffer: 4},
		Server:  config.ServerConfig{Host: "127.0.0.1", Port: 0},
		Display: config.DisplayConfig{UILevel: 0, Driver: "log", Buffer: 16, Policy: "drop"},
		Analysis: config.AnalysisConfig{
			QueueSize: 8,
			Signatures: []config.SignatureConfig{{
				Name:        "synthetic",
				Description: "planted load-test pattern",
				Pattern:     hex.EncodeToString(cfg.Pattern),
				Severity:    "high",
			}},
		},
		Logging: config.LoggingConfig{Level: "info"},
	}
}
