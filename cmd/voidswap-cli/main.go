// voidswap-cli drives the voidswap protocol: it hosts the message relay,
// runs a live peer against a relay and a chain endpoint, simulates a
// complete swap in-process, and inspects archived session snapshots.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	// Global flags.
	verbose bool
	envFile string

	log = logrus.New()

	rootCmd = &cobra.Command{
		Use:   "voidswap-cli",
		Short: "Two-party atomic swap protocol tooling",
		Long: `voidswap-cli hosts the message relay, runs swap peers, and simulates
complete protocol executions against an in-memory chain.`,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if envFile != "" {
				if err := godotenv.Load(envFile); err != nil {
					return fmt.Errorf("load env file %s: %w", envFile, err)
				}
			} else {
				// A missing default .env is fine.
				_ = godotenv.Load()
			}
			log.SetLevel(logrus.InfoLevel)
			if verbose {
				log.SetLevel(logrus.DebugLevel)
			}
			return nil
		},
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "load environment from this file")

	rootCmd.AddCommand(relayCmd)
	rootCmd.AddCommand(peerCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(exportCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
