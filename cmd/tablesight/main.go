// Tablesight watches card tables over RTSP, recognizes the card at
// each marked position, and pushes results to the game service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/tablevision/tablesight/internal/config"
	"github.com/tablevision/tablesight/internal/log"
	"github.com/tablevision/tablesight/pkg/capture"
	"github.com/tablevision/tablesight/pkg/crop"
	"github.com/tablevision/tablesight/pkg/dispatch"
	"github.com/tablevision/tablesight/pkg/hub"
	"github.com/tablevision/tablesight/pkg/recognize"
	"github.com/tablevision/tablesight/pkg/scheduler"
	"github.com/tablevision/tablesight/pkg/web"
)

func main() {
	configPath := flag.String("config", config.Path(), "Path to the JSON configuration file")
	logLevel := flag.String("log-level", config.LogLevel(), "Log level: debug, info, warn, error")
	flag.Parse()

	log.Init(*logLevel)

	if err := run(*configPath); err != nil {
		log.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log.Info("configuration loaded", "path", configPath, "cameras", len(cfg.Cameras))

	defaultEng, fallbackEng, err := scheduler.BuildEngines(cfg.Engines)
	if err != nil {
		return fmt.Errorf("build engines: %w", err)
	}

	orch, err := recognize.New(defaultEng, fallbackEng, recognize.Options{
		Threshold:       cfg.Engines.AcceptThreshold,
		GateParallelism: cfg.Pipeline.GateParallelism,
		InvokeTimeout:   cfg.Engines.InvokeTimeout(),
	})
	if err != nil {
		if defaultEng != nil {
			defaultEng.Close()
		}
		if fallbackEng != nil {
			fallbackEng.Close()
		}
		return err
	}
	// The orchestrator owns the installed engines from here; it also
	// closes pairs replaced via the engines API.
	defer orch.Close()

	dispatcher := dispatch.New(cfg.Push, nil)
	updates := hub.New()

	onResult := func(cameraID string, result recognize.Result) {
		updates.Publish(map[string]any{
			"type":      "camera_update",
			"camera_id": cameraID,
			"status":    result.Status.String(),
		})
	}

	sched, err := scheduler.New(cfg, capture.NewFFmpeg(cfg.Pipeline.MinFrameBytes), crop.NewMat(), orch, dispatcher, onResult)
	if err != nil {
		return err
	}

	server := web.NewServer(":"+cfg.Web.Port, cfg, sched, dispatcher, updates)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		updates.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		dispatcher.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Listen()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			cancel()
			wg.Wait()
			return fmt.Errorf("web server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Push.FlushGrace())
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("web server shutdown", "error", err)
	}

	// Pipelines stop on ctx cancellation; the dispatcher flushes its
	// queue within the configured grace before Run returns.
	wg.Wait()
	log.Info("stopped")
	return nil
}
