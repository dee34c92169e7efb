// ════════════════════════════════════════════════════════════════════════════════════════════════
// Real-time Kernel - Main Entry Point
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Component: Command Line and Process Orchestration
//
// Description:
//   rtkernel run    load a configuration document, start the kernel, serve metrics, stop on
//                   SIGINT/SIGTERM
//   rtkernel check  load and validate a document, print what it would build
//   rtkernel kinds  list the module kinds compiled in
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	rtdebug "runtime/debug"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"rtkernel/config"
	"rtkernel/control"
	"rtkernel/debug"
	"rtkernel/kernel"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		debug.DropError("FATAL", err)
		os.Exit(1)
	}
}

type runFlags struct {
	config        string
	metricsAddr   string
	lockMemory    bool
	gcPercent     int
	statsInterval time.Duration
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "rtkernel",
		Short:         "Cyclic real-time module kernel",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(), newCheckCmd(), newKindsCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the kernel described by a configuration document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(f)
		},
	}
	cmd.Flags().StringVarP(&f.config, "config", "c", "rtkernel.yaml", "configuration document")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "serve /metrics here (overrides metrics_addr)")
	cmd.Flags().BoolVar(&f.lockMemory, "lock-memory", false, "lock current and future pages into RAM")
	cmd.Flags().IntVar(&f.gcPercent, "gc-percent", 100, "GOGC value while running; -1 disables the collector")
	cmd.Flags().DurationVar(&f.statsInterval, "stats-interval", 0, "log kernel stats at this interval (0 = never)")
	return cmd
}

func newCheckCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a configuration document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			summarize(cmd.OutOrStdout(), cfg)
			return nil
		},
	}
	cmd.Flags().StringVarP(&path, "config", "c", "rtkernel.yaml", "configuration document")
	return cmd
}

func newKindsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kinds",
		Short: "List the available module kinds",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			for _, k := range kernel.Builtins().Kinds() {
				fmt.Fprintln(cmd.OutOrStdout(), k)
			}
		},
	}
}

func summarize(w io.Writer, cfg *config.Kernel) {
	fmt.Fprintf(w, "ok: %d devices, %d modules\n", len(cfg.Devices), len(cfg.Modules))
	for _, d := range cfg.Devices {
		src := "external"
		if d.Rate > 0 {
			src = fmt.Sprintf("%g Hz", d.Rate)
		}
		fmt.Fprintf(w, "  device %-16s %s\n", d.Name, src)
	}
	for _, m := range cfg.Modules {
		mode := fmt.Sprintf("worker prio %d affinity %s", m.Trigger.Prio, m.Trigger.Affinity.Mask())
		if m.Trigger.DirectMode {
			mode = "direct"
		}
		fmt.Fprintf(w, "  module %-16s %-8s on %s /%d %s, publishes to %s\n",
			m.Name, m.Kind, m.Trigger.Device, m.Trigger.Divisor, mode, m.OutputsDevice())
	}
}

func run(f runFlags) error {
	cfg, err := config.Load(f.config)
	if err != nil {
		return err
	}
	if f.metricsAddr != "" {
		cfg.MetricsAddr = f.metricsAddr
	}
	if f.lockMemory {
		if err := lockMemory(); err != nil {
			return fmt.Errorf("lock memory: %w", err)
		}
	}
	rtdebug.SetGCPercent(f.gcPercent)

	k, err := kernel.New(cfg, kernel.Builtins())
	if err != nil {
		return err
	}
	ctl := control.New()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)
	go func() {
		select {
		case s := <-sig:
			k.Logger().Infof("main", "%s received, shutting down", s)
			ctl.Shutdown()
		case <-ctl.Done():
		}
	}()

	if err := k.Start(); err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: k.Metrics().Handler(), ReadHeaderTimeout: 5 * time.Second}
		ctl.Go(func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				k.Logger().Errorf("main", "metrics server: %v", err)
				ctl.Shutdown()
			}
		})
		ctl.Go(func() {
			<-ctl.Done()
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		})
	}
	if f.statsInterval > 0 {
		ctl.Go(func() { logStats(ctl, k, f.statsInterval) })
	}

	<-ctl.Done()
	ctl.Wait()
	return k.Stop()
}

func logStats(ctl *control.Control, k *kernel.Kernel, every time.Duration) {
	tick := time.NewTicker(every)
	defer tick.Stop()
	for {
		select {
		case <-ctl.Done():
			return
		case <-tick.C:
			b, err := k.StatsJSON()
			if err != nil {
				k.Logger().Warnf("main", "stats: %v", err)
				continue
			}
			k.Logger().Infof("main", "stats %s", b)
		}
	}
}
