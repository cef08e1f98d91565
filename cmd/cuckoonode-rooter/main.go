// Command cuckoonode-rooter is the privileged daemon fronting iptables for
// per-task network routes, fronted by a unix control socket the Task Flow
// Runner talks to via pkg/rooter.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cert-ee/cuckoonode/pkg/log"
	"github.com/cert-ee/cuckoonode/pkg/rooter"
)

var (
	logLevel   string
	logJSON    bool
	socketPath string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "cuckoonode-rooter",
	Short: "Privileged iptables route daemon for cuckoonode task flows",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.Flags().BoolVar(&logJSON, "log-json", false, "Output logs in JSON format")
	rootCmd.Flags().StringVar(&socketPath, "socket", "/run/cuckoonode/rooter.sock", "Unix control socket path")
}

func run(cmd *cobra.Command, args []string) error {
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
	logger := log.WithComponent("rooter")

	d := rooter.NewDaemon(logger)
	if err := d.Listen(socketPath); err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	logger.Info().Str("socket", socketPath).Msg("rooter daemon listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("rooter daemon shutting down")
	d.Close()
	return nil
}
