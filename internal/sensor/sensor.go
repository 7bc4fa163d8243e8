// Package sensor wires the recording store, capture loop, analysis worker,
// indicator and servers into one process.
package sensor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"EnigmaNetz/Enigma-Cell-Sensor/config"
	"EnigmaNetz/Enigma-Cell-Sensor/internal/analysis"
	"EnigmaNetz/Enigma-Cell-Sensor/internal/capture"
	"EnigmaNetz/Enigma-Cell-Sensor/internal/diag"
	"EnigmaNetz/Enigma-Cell-Sensor/internal/display"
	"EnigmaNetz/Enigma-Cell-Sensor/internal/health"
	"EnigmaNetz/Enigma-Cell-Sensor/internal/logger"
	"EnigmaNetz/Enigma-Cell-Sensor/internal/metadata"
	"EnigmaNetz/Enigma-Cell-Sensor/internal/metrics"
	"EnigmaNetz/Enigma-Cell-Sensor/internal/server"
	"EnigmaNetz/Enigma-Cell-Sensor/internal/store"
)

const shutdownGrace = 5 * time.Second

// Source is a closable frame source. Closing a replay file or the idle
// source unblocks a pending Next; a read on the diag device may stay blocked
// until the next container arrives.
type Source interface {
	capture.FrameSource
	io.Closer
}

// SourceOpener opens the frame source at path.
type SourceOpener func(path string) (Source, error)

// OpenDiag opens the diag device, or replays a container dump.
func OpenDiag(path string) (Source, error) {
	d, err := diag.OpenDevice(path)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// replayer is implemented by sources that read a finite dump.
type replayer interface {
	Replay() bool
}

// idleSource stands in for the device in debug mode. It yields no frames.
type idleSource struct {
	done chan struct{}
	once sync.Once
}

func newIdleSource() *idleSource {
	return &idleSource{done: make(chan struct{})}
}

func (s *idleSource) Next() (diag.Frame, error) {
	<-s.done
	return diag.Frame{}, io.EOF
}

func (s *idleSource) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// RunSensor runs the sensor until ctx is canceled, a signal arrives, or the
// capture loop fails. A nil open uses OpenDiag.
// If disableSignals is true, signal handling is skipped (for tests).
func RunSensor(ctx context.Context, cfg *config.Config, open SourceOpener, disableSignals ...bool) error {
	log := logger.GetLogger()
	if open == nil {
		open = OpenDiag
	}
	if len(disableSignals) == 0 || !disableSignals[0] {
		var stop context.CancelFunc
		ctx, stop = signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		defer stop()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	st, err := store.Open(cfg.Store.Path, store.WithMinFreeBytes(cfg.Store.MinFreeBytes))
	if err != nil {
		return fmt.Errorf("failed to open recording store: %w", err)
	}
	harness, err := analysis.HarnessFromConfig(cfg.Analysis)
	if err != nil {
		return fmt.Errorf("failed to build analyzers: %w", err)
	}
	m, err := metrics.New()
	if err != nil {
		return fmt.Errorf("failed to set up metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := m.Shutdown(shutdownCtx); err != nil {
			log.Warn("[sensor] Metrics shutdown failed: %v", err)
		}
	}()

	drivers, healthSrv, err := buildDrivers(cfg)
	if err != nil {
		return err
	}

	var source Source
	if cfg.Server.DebugMode {
		log.Info("[sensor] Debug mode: not opening %s", cfg.Capture.Device)
		source = newIdleSource()
	} else {
		source, err = open(cfg.Capture.Device)
		if err != nil {
			return fmt.Errorf("failed to open frame source: %w", err)
		}
	}
	defer source.Close()

	control := capture.NewControl(cfg.Capture.ControlBuffer)
	sender := display.NewSender(cfg.Display.Buffer, display.Policy(cfg.Display.Policy), m)
	worker := analysis.NewWorker(st, harness, cfg.Analysis.QueueSize)
	disp := display.New(sender.Updates(), display.DefaultTick, drivers...)
	orch := capture.NewOrchestrator(capture.FromStore(st), control.Messages(), source, harness, sender, worker,
		capture.Options{StartPaused: cfg.Capture.StartPaused || cfg.Server.DebugMode, Metrics: m})
	srv := server.New(st, control, worker, metadata.NewCollector(st), server.Options{
		DebugMode: cfg.Server.DebugMode,
		Metrics:   m,
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		worker.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		disp.Run(ctx)
	}()

	httpErr := make(chan error, 1)
	go func() { httpErr <- srv.Run(ctx, cfg.Address()) }()

	if healthSrv != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := healthSrv.ListenAndServe(cfg.Health.Address); err != nil {
				log.Error("[sensor] Health server failed: %v", err)
			}
		}()
	}

	captureDone := make(chan error, 1)
	go func() { captureDone <- orch.Run(ctx) }()

	// finishCapture stops the producers of control and indicator messages
	// once the capture loop has returned.
	finishCapture := func() {
		control.Close()
		sender.Close()
		source.Close()
	}

	var runErr error
	captureRunning := true
	httpRunning := true
	for captureRunning || httpRunning {
		select {
		case <-ctx.Done():
			log.Info("[sensor] Shutting down")
			if captureRunning {
				if err := <-captureDone; err != nil && runErr == nil {
					runErr = fmt.Errorf("capture loop: %w", err)
				}
				captureRunning = false
				finishCapture()
			}
			if httpRunning {
				if err := <-httpErr; err != nil && runErr == nil {
					runErr = err
				}
				httpRunning = false
			}

		case err := <-captureDone:
			captureRunning = false
			finishCapture()
			if r, ok := source.(replayer); ok && r.Replay() && errors.Is(err, io.EOF) {
				log.Info("[sensor] Replay finished, serving recordings until shutdown")
				finishReplay(st, worker)
				continue
			}
			if err != nil {
				log.Error("[sensor] Capture loop failed: %v", err)
				runErr = fmt.Errorf("capture loop: %w", err)
			}
			cancel()

		case err := <-httpErr:
			httpRunning = false
			if err != nil {
				log.Error("[sensor] HTTP server failed: %v", err)
				runErr = err
			}
			cancel()
		}
	}

	if healthSrv != nil {
		healthSrv.Stop()
	}
	wg.Wait()
	log.Info("[sensor] Shutdown complete. Indicator updates sent=%d dropped=%d", sender.Sent(), sender.Dropped())
	return runErr
}

// finishReplay closes the entry left current when a dump runs out and
// queues its finalization.
func finishReplay(st *store.Store, worker *analysis.Worker) {
	log := logger.GetLogger()
	current, ok := st.CurrentEntry()
	if !ok {
		return
	}
	if err := st.CloseCurrentEntry(); err != nil {
		log.Error("[sensor] Failed to close replayed entry %s: %v", current.Name, err)
		return
	}
	if err := worker.RecordingFinished(current.Name); err != nil {
		log.Warn("[sensor] Failed to queue finalization of %s: %v", current.Name, err)
	}
}

// buildDrivers returns the configured visual driver plus the gRPC health
// server when an address is set, which also follows indicator state.
func buildDrivers(cfg *config.Config) ([]display.Driver, *health.Server, error) {
	log := logger.GetLogger()
	var drivers []display.Driver

	drv, err := display.NewDriver(cfg.Display)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up display: %w", err)
	}
	if drv != nil {
		if t, ok := drv.(interface{ SelfTest() error }); ok {
			if err := t.SelfTest(); err != nil {
				log.Warn("[sensor] Display self-test failed: %v", err)
			}
		}
		drivers = append(drivers, drv)
	}

	var healthSrv *health.Server
	if cfg.Health.Address != "" {
		healthSrv = health.NewServer()
		drivers = append(drivers, healthSrv)
	}
	return drivers, healthSrv, nil
}
