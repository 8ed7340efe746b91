package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/WendelHime/goppspp/internal/config"
	"github.com/WendelHime/goppspp/internal/decoder"
	"github.com/WendelHime/goppspp/internal/node"
	"github.com/WendelHime/goppspp/internal/shared/models"
	"github.com/WendelHime/goppspp/internal/tracker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "mkswarm" {
		if err := mkswarm(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Parse(os.Args[0], os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	// Create a new logger and generate log file
	logOut, err := os.Create(cfg.LogPath)
	if err != nil {
		panic(err)
	}
	defer logOut.Close()
	level, _ := cfg.Level()
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.ServeTracker != "" {
		err = serveTracker(ctx, cfg.ServeTracker, logger)
	} else {
		err = runNode(ctx, cfg, logger)
	}
	if err != nil {
		logger.Error("ppspp stopped with error", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runNode(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	f, err := os.Open(cfg.SwarmPath)
	if err != nil {
		return err
	}
	meta, err := decoder.NewDecoder().Decode(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("decode %s: %w", cfg.SwarmPath, err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("metrics server stopped", slog.Any("error", err))
			}
		}()
		defer srv.Close()
	}

	n, err := node.New(cfg, meta, reg, logger)
	if err != nil {
		return err
	}
	go func() {
		select {
		case <-n.Done():
			fmt.Fprintln(os.Stderr, "download complete, seeding until interrupted")
		case <-ctx.Done():
		}
	}()

	runErr := n.Run(ctx)
	return multierr.Append(runErr, n.Close())
}

func serveTracker(ctx context.Context, addr string, logger *slog.Logger) error {
	srv := tracker.NewServer(logger)
	if err := srv.Listen(addr); err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	return srv.Serve()
}

func mkswarm(args []string) error {
	m, err := config.ParseMkSwarm(args, os.Stderr)
	if err != nil {
		return err
	}
	stat, err := os.Stat(m.ContentPath)
	if err != nil {
		return err
	}
	name := m.Name
	if name == "" {
		name = filepath.Base(m.ContentPath)
	}
	info := models.SwarmInfo{Name: name, Length: stat.Size(), ChunkSize: m.ChunkSize, Live: m.Live}
	if m.Live {
		info.Length = 0
	}
	meta, err := decoder.NewSwarmMeta(m.Tracker, info)
	if err != nil {
		return err
	}

	out, err := os.Create(m.Out)
	if err != nil {
		return err
	}
	defer out.Close()
	if err := decoder.NewDecoder().Encode(out, meta); err != nil {
		return err
	}
	fmt.Printf("swarm %s written to %s\n", meta.ID, m.Out)
	return nil
}
