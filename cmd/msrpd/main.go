// Command msrpd is a demo MSRP endpoint binary: it binds config.Endpoint
// to flags and runs a server.Endpoint until interrupted. It exists to
// exercise the full config -> server -> session -> transport wiring end
// to end; it is not itself part of the protocol core (spec.md §1 scopes
// CLI wrappers out).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ossrs-msrp/msrp/config"
	"github.com/ossrs-msrp/msrp/logger"
	"github.com/ossrs-msrp/msrp/server"
)

func main() {
	cfg := config.NewEndpoint("0.0.0.0", 2855)

	root := &cobra.Command{
		Use:   "msrpd",
		Short: "Run an MSRP (RFC 4975) endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfg)
		},
	}

	flags := root.Flags()
	flags.StringVar(&cfg.Host, "host", cfg.Host, "local bind address")
	flags.StringVar(&cfg.SignalingHost, "signaling-host", cfg.SignalingHost, "address advertised in SDP/path (can differ from --host under NAT)")
	flags.Uint16Var(&cfg.Port, "port", cfg.Port, "listen port")
	flags.Uint16Var(&cfg.OutboundBasePort, "outbound-base-port", cfg.OutboundBasePort, "lowest ephemeral port used for outbound connects")
	flags.Uint16Var(&cfg.OutboundHighestPort, "outbound-highest-port", cfg.OutboundHighestPort, "highest ephemeral port used for outbound connects")
	flags.StringVar(&cfg.Setup, "setup", cfg.Setup, "default local SDP role: active, passive, or actpass")
	flags.StringVar(&cfg.SessionName, "session-name", cfg.SessionName, "s= line advertised in the local SDP")
	flags.StringSliceVar(&cfg.AcceptTypes, "accept-types", cfg.AcceptTypes, "comma-separated MIME types accepted")
	flags.BoolVar(&cfg.EnableHeartbeats, "enable-heartbeats", cfg.EnableHeartbeats, "send periodic text/x-msrp-heartbeat SENDs")
	flags.DurationVar(&cfg.HeartbeatInterval, "heartbeat-interval", cfg.HeartbeatInterval, "time between heartbeat SENDs")
	flags.DurationVar(&cfg.HeartbeatTimeout, "heartbeat-timeout", cfg.HeartbeatTimeout, "time to wait for a heartbeat's 200 OK before failing it")
	flags.DurationVar(&cfg.SocketTimeout, "socket-timeout", cfg.SocketTimeout, "idle socket disconnect timeout")
	flags.BoolVar(&cfg.ManualReports, "manual-reports", cfg.ManualReports, "defer Success REPORTs until the application resolves them")
	flags.BoolVar(&cfg.TraceMsrp, "trace-msrp", cfg.TraceMsrp, "log every parsed frame at info level")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg *config.Endpoint) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ep := server.NewEndpoint(cfg)
	logger.T(nil, fmt.Sprintf("msrpd listening on %s:%d (signaling host %s), outbound range [%d, %d]",
		cfg.Host, cfg.Port, cfg.SignalingHost, cfg.OutboundBasePort, cfg.OutboundHighestPort))

	if err := ep.Run(ctx); err != nil {
		return fmt.Errorf("msrpd: %w", err)
	}
	logger.T(nil, "msrpd shut down")
	return nil
}
