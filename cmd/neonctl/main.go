// Command neonctl starts a NEON module against a simulated device probe,
// prints the polling/malicious knob values once at startup, and then
// periodically dumps ctx_live and scheduling metrics: flag-parsed
// startup, a signal handler for clean shutdown, and plain-text status
// lines instead of a long-running daemon protocol.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kmenycht/neon"
	"github.com/kmenycht/neon/internal/interfaces"
	"github.com/kmenycht/neon/internal/knobs"
	"github.com/kmenycht/neon/internal/logging"
)

func main() {
	var (
		device = flag.String("device", "tesla-gtx275", "simulated device to probe: tesla-gtx275, tesla-nvs295, kepler-gtx670")
		policy = flag.String("policy", "fcfs", "scheduling policy: fcfs, timeslice, sampling")
		interval = flag.Duration("interval", time.Second, "status dump interval")
		verbose = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	probe, err := deviceProbe(*device)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	m, err := neon.Init(neon.Options{
		Devices: []interfaces.DeviceProbe{probe},
		Policy: knobs.Policy(*policy),
		Logger: logger,
	})
	if err != nil {
		logger.Error("failed to start neon module", "error", err)
		os.Exit(1)
	}

	logger.Info("neon module started", "device", *device, "policy", *policy)
	fmt.Printf("neon: %s, policy=%s, polling_T=%s, malicious_T=%s\n",
		*device, *policy, m.Knobs.PollingT(), m.Knobs.MaliciousT())
	fmt.Println("Press Ctrl+C to stop...")

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-ticker.C:
			dumpStatus(m)
		case <-sigCh:
			logger.Info("received shutdown signal")
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := m.Shutdown(shutdownCtx); err != nil {
				logger.Error("shutdown error", "error", err)
			}
			shutdownCancel()
			return
		}
	}
}

func dumpStatus(m *neon.Module) {
	snap := m.Metrics.Snapshot()
	fmt.Printf("ctx_live=%d submit=%d issue=%d complete=%d errors=%.1f%% kills=%d avg_wait=%s avg_exe=%s\n",
		m.Registry.Global.CtxLive(),
		snap.SubmitOps, snap.IssueOps, snap.CompleteOps,
		snap.ErrorRate, snap.MaliciousKills,
		time.Duration(snap.AvgWaitNs), time.Duration(snap.AvgExeNs))
}

// deviceProbe resolves a friendly device name to the probe payload
// matching one of internal/devprofile.Catalog's entries.
func deviceProbe(name string) (interfaces.DeviceProbe, error) {
	switch name {
	case "tesla-gtx275":
		return interfaces.DeviceProbe{VendorID: 0x10de, DeviceID: 0x05e6, SubsystemID: 0x06c7}, nil
	case "tesla-nvs295":
		return interfaces.DeviceProbe{VendorID: 0x10de, DeviceID: 0x06fd, SubsystemID: 0x0364}, nil
	case "kepler-gtx670":
		return interfaces.DeviceProbe{VendorID: 0x10de, DeviceID: 0x1189, SubsystemID: 0x2430}, nil
	default:
		return interfaces.DeviceProbe{}, fmt.Errorf("neonctl: unknown device %q (try tesla-gtx275, tesla-nvs295, kepler-gtx670)", name)
	}
}
