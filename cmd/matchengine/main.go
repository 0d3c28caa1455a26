// Command matchengine runs the matching engine as a stdin/stdout
// filter: it reads one line-delimited JSON command per line and
// writes exactly one JSON response per line, recovering prior state
// from its event log and snapshot directory on startup.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/orbitcex/matching-engine/internal/config"
	"github.com/orbitcex/matching-engine/internal/protocol"
	"github.com/orbitcex/matching-engine/internal/trading/engine"
	"github.com/orbitcex/matching-engine/internal/trading/eventjournal"
	"github.com/orbitcex/matching-engine/internal/trading/model"
	"github.com/orbitcex/matching-engine/internal/trading/risk"
	"github.com/orbitcex/matching-engine/internal/trading/snapshot"
	"github.com/orbitcex/matching-engine/pkg/logger"
)

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Fprintln(os.Stderr, "warning: .env file not found, using environment variables")
	}

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	zapLogger, err := logger.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLogger.Sync()

	if err := run(cfg, zapLogger); err != nil {
		zapLogger.Fatal("matchengine exited with error", zap.Error(err))
	}
}

func run(cfg config.Config, zapLogger *zap.Logger) error {
	var journal *eventjournal.EventJournal
	if cfg.EventLogPath != "" {
		var err error
		journal, err = eventjournal.NewEventJournal(zapLogger.Sugar(), cfg.EventLogPath)
		if err != nil {
			return fmt.Errorf("open event journal: %w", err)
		}
		defer journal.Close()
	} else {
		zapLogger.Warn("no event log path configured, running without durability")
	}

	var snapshots *snapshot.Manager
	if cfg.SnapshotDir != "" {
		var err error
		snapshots, err = snapshot.NewManager(cfg.SnapshotDir, cfg.SnapshotInterval)
		if err != nil {
			return fmt.Errorf("open snapshot manager: %w", err)
		}
	} else {
		zapLogger.Warn("no snapshot directory configured, running without snapshots")
	}

	limits := risk.NewLimits(
		cfg.MaxOrderSize*model.PriceScale,
		cfg.MaxNotional*model.PriceScale,
		cfg.Symbols,
	)
	checker := risk.NewChecker(limits)

	eng := engine.New(zapLogger, journal, snapshots, checker)

	recovered, err := eng.Recover()
	if err != nil {
		return fmt.Errorf("recover engine state: %w", err)
	}
	if recovered {
		zapLogger.Info("recovered from existing state")
	} else {
		zapLogger.Info("starting fresh, no prior state found")
	}

	handler := protocol.NewHandler(eng, zapLogger, model.NowNs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return waitForSignal(ctx)
	})
	group.Go(func() error {
		defer cancel()
		return serve(ctx, handler, zapLogger)
	})

	zapLogger.Info("ready, reading commands from stdin")
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	zapLogger.Info("exiting")
	return nil
}

func waitForSignal(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-sigCh:
		return context.Canceled
	case <-ctx.Done():
		return nil
	}
}

// serve reads one command per line from stdin and writes one response
// per line to stdout, stopping when stdin closes, the context is
// cancelled, or a shutdown/exit/quit command is handled.
func serve(ctx context.Context, handler *protocol.Handler, zapLogger *zap.Logger) error {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	writer := bufio.NewWriter(os.Stdout)
	defer writer.Flush()

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			cp := make([]byte, len(line))
			copy(cp, line)
			lines <- cp
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return <-scanErr
			}
			resp, err := handler.Handle(line)
			if encodeErr := writeResponse(writer, resp); encodeErr != nil {
				zapLogger.Error("failed to write response", zap.Error(encodeErr))
			}
			if _, isShutdown := err.(protocol.ShutdownRequested); isShutdown {
				zapLogger.Info("shutdown requested")
				return nil
			}
		}
	}
}

func writeResponse(w *bufio.Writer, resp protocol.Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if err := w.WriteByte('\n'); err != nil {
		return err
	}
	return w.Flush()
}
