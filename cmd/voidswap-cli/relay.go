package main

import (
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/voidswap/voidswap/relay"
)

var relayListenAddr string

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the two-peer room relay",
	Long:  `Host the WebSocket relay peers use to exchange protocol messages.`,
	RunE:  runRelay,
}

func init() {
	relayCmd.Flags().StringVar(&relayListenAddr, "listen", ":8787", "listen address")
}

func runRelay(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	srv := relay.NewServer(logrus.NewEntry(log))
	return srv.ListenAndServe(ctx, relayListenAddr)
}
