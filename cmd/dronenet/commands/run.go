package commands

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/spf13/cobra"

	"github.com/raskyld/dronenet"
	"github.com/raskyld/dronenet/pkg/link"
	"github.com/raskyld/dronenet/pkg/message"
	"github.com/raskyld/dronenet/pkg/wire"
)

var (
	useQUIC      bool
	duration     time.Duration
	seed         uint64
	listenOn     string
	dialTimeout  time.Duration
	fragmentSize int
)

var runCmd = &cobra.Command{
	Use:   "run <topology.toml>",
	Short: "Starts every node of a topology and lets clients discover the servers",
	Long: `Starts every node of a topology in this process. Each client floods the
network, then asks every server it finds for its type. The simulation stops
after --duration or on SIGINT/SIGTERM, and prints what each client received.

Send SIGUSR1 to dump the collected metrics to stderr.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		handler, err := newLogHandler()
		if err != nil {
			log.Fatalf("invalid log level: %v", err)
		}

		topo, err := dronenet.LoadConfig(args[0])
		if err != nil {
			log.Fatal(err)
		}

		sink := metrics.NewInmemSink(time.Second, 5*time.Minute)
		sig := metrics.DefaultInmemSignal(sink)
		defer sig.Stop()

		opts := []dronenet.Option{
			dronenet.WithLog(handler),
			dronenet.WithMetricSink(sink),
			dronenet.WithRandSeed(seed),
			dronenet.WithFragmentSize(fragmentSize),
		}
		if useQUIC {
			tlsConf, err := link.DevTLSConfig()
			if err != nil {
				log.Fatalf("failed to generate tls creds: %v", err)
			}
			opts = append(opts, dronenet.WithQUIC(tlsConf),
				dronenet.WithListenOn(listenOn),
				dronenet.WithDialTimeout(dialTimeout),
			)
		}

		nw, err := dronenet.NewNetwork(topo, opts...)
		if err != nil {
			log.Fatalf("failed to start network: %v", err)
		}
		defer func() {
			if err := nw.Shutdown(); err != nil {
				slog.Error("shutdown failed", "error", err)
			}
		}()

		for _, c := range topo.Clients {
			n, err := nw.Node(c.ID)
			if err != nil {
				log.Fatal(err)
			}
			if err := n.StartFlood(); err != nil {
				slog.Error("flood failed", "client", c.ID, "error", err)
			}
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if duration > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, duration)
			defer cancel()
		}
		<-ctx.Done()

		printInboxes(cmd, nw, topo)
	},
}

func init() {
	runCmd.Flags().BoolVar(&useQUIC, "quic", false, "link nodes with QUIC on the loopback instead of channels")
	runCmd.Flags().StringVar(&listenOn, "listen-on", "127.0.0.1", "address the QUIC transports bind to")
	runCmd.Flags().DurationVarP(&duration, "duration", "d", 5*time.Second, "how long to run, 0 waits for a signal")
	runCmd.Flags().DurationVar(&dialTimeout, "dial-timeout", 10*time.Second, "how long to wait for a QUIC link")
	runCmd.Flags().Uint64Var(&seed, "seed", 0, "seed of the drop decisions of drones")
	runCmd.Flags().IntVar(&fragmentSize, "fragment-size", wire.FragmentSize, "maximum payload of a fragment")
}

func printInboxes(cmd *cobra.Command, nw *dronenet.Network, topo *dronenet.Config) {
	out := cmd.OutOrStdout()
	for _, c := range topo.Clients {
		app, err := nw.Client(c.ID)
		if err != nil {
			continue
		}
		fmt.Fprintf(out, "client %d:\n", c.ID)
		for _, rcv := range app.Inbox() {
			fmt.Fprintf(out, "  from %d: %s\n", rcv.From, describe(rcv.Response))
		}
	}
}

func describe(r message.Response) string {
	switch r.Kind {
	case message.ServerTypeKind:
		return fmt.Sprintf("%s server", r.ServerType)
	case message.Err:
		return fmt.Sprintf("error %q", r.Reason)
	case message.ListFiles, message.ListUsers:
		return fmt.Sprintf("%s %v", r.Kind, r.Names)
	default:
		return string(r.Kind)
	}
}
