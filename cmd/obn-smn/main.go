// obn-smn runs the system management node of an openBuildNet federation
// from a YAML system description.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	obnsmn "github.com/sduerr85/OpenBuildNet"
	"github.com/sduerr85/OpenBuildNet/report"
	"github.com/sduerr85/OpenBuildNet/transport"
	"github.com/sduerr85/OpenBuildNet/transport/kafka"
	"github.com/sduerr85/OpenBuildNet/transport/nameserver"
)

var (
	flagConfig     string
	flagTransport  string
	flagBrokers    []string
	flagListen     string
	flagNameServer string
	flagPacing     int64
	flagVerbose    bool
)

var rootCmd = &cobra.Command{
	Use:          "obn-smn",
	Short:        "openBuildNet system management node",
	Long:         "Coordinates a federation of simulation nodes: owns the virtual clock, schedules block updates, and drives the per-tick barrier protocol.",
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVarP(&flagConfig, "config", "c", "", "YAML system description (required)")
	rootCmd.Flags().StringVarP(&flagTransport, "transport", "t", "kafka", "transport back-end: kafka or nameserver")
	rootCmd.Flags().StringSliceVar(&flagBrokers, "brokers", []string{"localhost:9092"}, "Kafka bootstrap brokers (kafka transport)")
	rootCmd.Flags().StringVar(&flagListen, "listen", ":7740", "listen address (nameserver transport)")
	rootCmd.Flags().StringVar(&flagNameServer, "nameserver", "", "name server address to publish the SMN under (nameserver transport)")
	rootCmd.Flags().Int64Var(&flagPacing, "pacing", 0, "wall-clock pacing in atoms per second; 0 runs free")
	rootCmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")
	_ = rootCmd.MarkFlagRequired("config")
}

func run(cmd *cobra.Command, args []string) error {
	level := slog.LevelInfo
	if flagVerbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	sys, err := loadSystem(flagConfig)
	if err != nil {
		return err
	}

	var tr transport.Transport
	switch flagTransport {
	case "kafka":
		tr, err = kafka.New(flagBrokers, sys.Workspace, kafka.WithLog(log.WithGroup("kafka")))
	case "nameserver":
		var opts []nameserver.Option
		opts = append(opts, nameserver.WithLog(log.WithGroup("transport")))
		if flagNameServer != "" {
			opts = append(opts, nameserver.WithNameServer(flagNameServer))
		}
		tr, err = nameserver.New(flagListen, sys.Workspace, opts...)
	default:
		return fmt.Errorf("unknown transport %q", flagTransport)
	}
	if err != nil {
		return err
	}

	smn, err := obnsmn.New(sys, tr,
		obnsmn.WithLog(log),
		obnsmn.WithReportSink(report.SlogSink{Log: log.WithGroup("report")}),
		obnsmn.WithPacing(flagPacing),
	)
	if err != nil {
		tr.Close()
		return err
	}
	defer smn.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return smn.RunContext(ctx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
