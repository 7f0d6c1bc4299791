//go:build fuse

package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-lfs/lfs"
	"github.com/jacobsa/daemonize"
	"github.com/kardianos/osext"
	"github.com/moby/sys/mountinfo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	mountForeground bool
	mountReadOnly   bool
	mountDebug      bool
	mountMetricAddr string
)

var mountCmd = &cobra.Command{
	Use:   "mount <path> <mountpoint>",
	Short: "Mount a backing image at mountpoint via FUSE",
	Args:  cobra.ExactArgs(2),
	RunE:  runMount,
}

func init() {
	mountCmd.Flags().BoolVar(&mountForeground, "foreground", false, "run in the foreground instead of daemonizing")
	mountCmd.Flags().BoolVar(&mountReadOnly, "read-only", false, "mount read-only")
	mountCmd.Flags().BoolVar(&mountDebug, "debug", false, "log every FUSE operation")
	mountCmd.Flags().StringVar(&mountMetricAddr, "metrics-addr", "", "if set, serve Prometheus metrics on this address")
}

func runMount(cmd *cobra.Command, args []string) error {
	imagePath, mountPoint := args[0], args[1]

	if mounted, err := mountinfo.Mounted(mountPoint); err == nil && mounted {
		return fmt.Errorf("%s is already a mount point", mountPoint)
	}

	if !mountForeground {
		return daemonizeMount(imagePath, mountPoint)
	}

	metrics := lfs.NewMetrics()
	var opts []lfs.MountOption
	opts = append(opts, lfs.WithMetrics(metrics))
	if mountReadOnly {
		opts = append(opts, lfs.WithReadOnly())
	}

	fsys, err := lfs.Mount(imagePath, opts...)
	if err != nil {
		signalDaemonOutcome(err)
		return fmt.Errorf("mount: %w", err)
	}

	if mountMetricAddr != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(metrics.Collectors()...)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		go http.ListenAndServe(mountMetricAddr, mux)
	}

	server, err := lfs.MountFUSE(fsys, mountPoint, mountDebug)
	if err != nil {
		fsys.Unmount()
		signalDaemonOutcome(err)
		return fmt.Errorf("fuse mount: %w", err)
	}

	signalDaemonOutcome(nil)
	fmt.Printf("mounted %s at %s\n", imagePath, mountPoint)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	if err := server.Unmount(); err != nil {
		fmt.Fprintf(os.Stderr, "lfsctl: unmount: %s\n", err)
	}
	return fsys.Unmount()
}

// signalDaemonOutcome reports the mount's success or failure to a waiting
// parent process, if this process was launched by daemonizeMount. Outside
// of a daemonized run (LFSCTL_IN_BACKGROUND unset) it does nothing.
func signalDaemonOutcome(err error) {
	if os.Getenv(lfsInBackgroundEnv) == "" {
		return
	}
	if err2 := daemonize.SignalOutcome(err); err2 != nil {
		fmt.Fprintf(os.Stderr, "lfsctl: signaling daemon outcome: %s\n", err2)
	}
}

const lfsInBackgroundEnv = "LFSCTL_IN_BACKGROUND"

// daemonizeMount re-execs this binary with --foreground set and waits for
// the child to report a successful mount, the way gcsfuse's legacy runner
// daemonizes its own mount command.
func daemonizeMount(imagePath, mountPoint string) error {
	path, err := osext.Executable()
	if err != nil {
		return fmt.Errorf("osext.Executable: %w", err)
	}

	args := []string{"mount", "--foreground"}
	if mountReadOnly {
		args = append(args, "--read-only")
	}
	if mountDebug {
		args = append(args, "--debug")
	}
	if mountMetricAddr != "" {
		args = append(args, "--metrics-addr", mountMetricAddr)
	}
	args = append(args, imagePath, mountPoint)

	env := []string{
		fmt.Sprintf("PATH=%s", os.Getenv("PATH")),
		fmt.Sprintf("%s=true", lfsInBackgroundEnv),
	}
	if err := daemonize.Run(path, args, env, os.Stdout); err != nil {
		return fmt.Errorf("daemonize.Run: %w", err)
	}
	fmt.Printf("mounted %s at %s\n", imagePath, mountPoint)
	return nil
}
