// Package main is a terminal viewer for the relay's transcript stream.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-webinar/rtms-relay/internal/realtime"
	"github.com/aura-webinar/rtms-relay/pkg/viewerclient"
)

func main() {
	if err := newRootCommand(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(out io.Writer) *cobra.Command {
	var (
		cfg     viewerclient.Config
		verbose bool
	)
	cmd := &cobra.Command{
		Use:   "viewer",
		Short: "Print live meeting transcripts from an RTMS relay",
		Long: `viewer connects to a relay's /ws endpoint and prints every transcript line.

In room mode pass --meeting to join one meeting; in broadcast mode leave it empty.

Example:
  viewer --url ws://localhost:8080/ws --meeting abc123==`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runViewer(ctx, cfg, verbose, out)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.URL, "url", "ws://localhost:8080/ws", "relay viewer socket")
	flags.StringVar(&cfg.MeetingID, "meeting", "", "meeting to join (room mode)")
	flags.StringVar(&cfg.Token, "token", "", "viewer token when the relay requires one")
	flags.DurationVar(&cfg.InitialInterval, "retry-initial", time.Second, "first reconnect delay")
	flags.DurationVar(&cfg.MaxInterval, "retry-max", 30*time.Second, "longest reconnect delay")
	flags.Uint64Var(&cfg.MaxAttempts, "retry-attempts", 10, "reconnects before giving up")
	flags.BoolVarP(&verbose, "verbose", "v", false, "log connection details to stderr")
	return cmd
}

func runViewer(ctx context.Context, cfg viewerclient.Config, verbose bool, out io.Writer) error {
	logger := zap.NewNop()
	if verbose {
		zcfg := zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		if l, err := zcfg.Build(); err == nil {
			logger = l
		}
	}
	defer logger.Sync()

	client := viewerclient.New(cfg, logger)
	client.OnState(func(s viewerclient.State) {
		fmt.Fprintf(os.Stderr, "-- %s\n", s)
	})
	client.OnMessage(func(msg realtime.OutboundMessage) {
		printMessage(out, msg)
	})
	return client.Run(ctx)
}

func printMessage(out io.Writer, msg realtime.OutboundMessage) {
	switch msg.Type {
	case realtime.TypeTranscript:
		if msg.Data == nil {
			return
		}
		ev := msg.Data
		fmt.Fprintf(out, "[%s] %s %s: %s\n", ev.Timestamp.Local().Format("15:04:05"), ev.MeetingID, ev.Speaker, ev.Text)
	case realtime.TypeJoined:
		fmt.Fprintf(out, "joined %s\n", msg.MeetingID)
	case realtime.TypeConnected:
		fmt.Fprintln(out, msg.Message)
	case realtime.TypeMeetingEnded:
		fmt.Fprintf(out, "meeting %s ended\n", msg.MeetingID)
	}
}
