// Command qmi-proxyd multiplexes many local clients onto one QMI
// character device per path, the way libqmi-glib's qmi-proxy does for
// its callers.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/linux-mobile-broadband/qmi-go/daemonconfig"
	"github.com/linux-mobile-broadband/qmi-go/device"
	"github.com/linux-mobile-broadband/qmi-go/logctx"
	"github.com/linux-mobile-broadband/qmi-go/proxy"
	"github.com/linux-mobile-broadband/qmi-go/qrtr"
	"github.com/linux-mobile-broadband/qmi-go/transaction"
)

const programVersion = "0.1.0"

type flags struct {
	configPath   string
	noExit       bool
	emptyTimeout int
	verbose      bool
	verboseFull  bool
	version      bool
}

func main() {
	f := &flags{emptyTimeout: -1}
	cmd := &cobra.Command{
		Use:           "qmi-proxyd",
		Short:         "Proxy for QMI character devices",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(f)
		},
	}

	pf := cmd.Flags()
	pf.StringVar(&f.configPath, "config", "", "Path to a JSON config file (optional)")
	pf.BoolVar(&f.noExit, "no-exit", false, "Don't exit after being idle without clients")
	pf.IntVar(&f.emptyTimeout, "empty-timeout", -1, "If no clients, exit after this many seconds; 0 is equivalent to --no-exit")
	pf.BoolVarP(&f.verbose, "verbose", "v", false, "Run with verbose logs, including debug")
	pf.BoolVar(&f.verboseFull, "verbose-full", false, "Run with verbose logs, including debug and personal info")
	pf.BoolVarP(&f.version, "version", "V", false, "Print version and exit")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(f *flags) error {
	if f.version {
		fmt.Printf("qmi-proxyd %s\n", programVersion)
		return nil
	}
	if f.verbose && f.verboseFull {
		return fmt.Errorf("cannot specify --verbose and --verbose-full at the same time")
	}

	cfg, err := daemonconfig.Load(f.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if f.noExit {
		cfg.NoExit = true
	}
	if f.emptyTimeout >= 0 {
		cfg.EmptyTimeoutSeconds = f.emptyTimeout
	}

	level := logrus.InfoLevel
	if f.verbose || f.verboseFull {
		level = logrus.DebugLevel
	}
	log := logctx.New(level, f.verboseFull)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		sig := <-sigCh
		log.Warnf("caught signal %v, stopping", sig)
		cancel()
	}()

	listener, err := net.Listen("unix", cfg.LocalEndpoint)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.LocalEndpoint, err)
	}
	defer listener.Close()
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	dial, closeDial := newDialer(ctx, cfg, log)
	defer closeDial()

	idleCh := make(chan struct{})
	p := proxy.New(dial, cfg.EmptyTimeout(), func() { close(idleCh) }, log)

	go func() {
		select {
		case <-idleCh:
			log.Infof("idle for %s with no clients, exiting", cfg.EmptyTimeout())
			cancel()
		case <-ctx.Done():
		}
	}()

	log.Infof("listening on %s", cfg.LocalEndpoint)
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}
		go func() {
			if err := proxy.ServeConn(ctx, p, conn); err != nil {
				log.Debugf("client connection ended: %v", err)
			}
		}()
	}
}

// newDialer builds a proxy.TransportDialer that opens a client hello's
// device path either as a QMI character device (the common case,
// retrying with backoff across a USB re-enumeration) or, for a hello
// naming "qrtr" or "qrtr:<node>:<port>", as a QRTR client obtained
// from a lazily-opened bus (C4/C5, per spec §2's Flow). The returned
// func releases that bus, if one was ever opened.
func newDialer(ctx context.Context, cfg daemonconfig.Config, log *logctx.Context) (proxy.TransportDialer, func()) {
	var (
		busMu sync.Mutex
		bus   *qrtr.Bus
	)
	getBus := func() (*qrtr.Bus, error) {
		busMu.Lock()
		defer busMu.Unlock()
		if bus != nil {
			return bus, nil
		}
		b, err := qrtr.New(ctx, log, cfg.LookupTimeout())
		if err != nil {
			return nil, err
		}
		bus = b
		return bus, nil
	}

	dial := func(devicePath string) (transaction.Transport, error) {
		node, port, isQRTR, err := parseQRTRAddress(devicePath, cfg)
		if err != nil {
			return nil, err
		}
		if !isQRTR {
			return device.DialWithBackoff(ctx, devicePath, log)
		}
		b, err := getBus()
		if err != nil {
			return nil, err
		}
		if _, err := b.WaitForNode(ctx, node); err != nil {
			return nil, err
		}
		return b.DialClient(node, port)
	}

	closeFn := func() {
		busMu.Lock()
		defer busMu.Unlock()
		if bus != nil {
			bus.Close()
		}
	}
	return dial, closeFn
}

// parseQRTRAddress recognizes the two QRTR hello spellings: bare
// "qrtr", which selects cfg's configured node/port, and an explicit
// "qrtr:<node>:<port>". Anything else is a char-device path.
func parseQRTRAddress(devicePath string, cfg daemonconfig.Config) (node, port uint32, isQRTR bool, err error) {
	if devicePath == "qrtr" {
		if cfg.QRTRNode == 0 {
			return 0, 0, false, fmt.Errorf("device path %q requires a configured qrtr_node", devicePath)
		}
		return cfg.QRTRNode, cfg.QRTRPort, true, nil
	}
	if !strings.HasPrefix(devicePath, "qrtr:") {
		return 0, 0, false, nil
	}
	parts := strings.SplitN(strings.TrimPrefix(devicePath, "qrtr:"), ":", 2)
	if len(parts) != 2 {
		return 0, 0, false, fmt.Errorf("malformed qrtr device path %q, want qrtr:<node>:<port>", devicePath)
	}
	n, errN := strconv.ParseUint(parts[0], 10, 32)
	p, errP := strconv.ParseUint(parts[1], 10, 32)
	if errN != nil || errP != nil {
		return 0, 0, false, fmt.Errorf("malformed qrtr device path %q, want qrtr:<node>:<port>", devicePath)
	}
	return uint32(n), uint32(p), true, nil
}
