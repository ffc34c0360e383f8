// Enclave — identity-bound sandbox orchestration for autonomous agents.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "enclave",
	Short: "Enclave — attested sandbox orchestration for autonomous agents.",
	Long: `Enclave provisions isolated execution sandboxes for AI agents and other
untrusted workloads. Every sandbox is bound to the identity that requested it,
carries a signed attestation of its image and configuration, and runs behind
default-deny egress policy. Warm pools keep pre-spawned sandboxes ready so
claims complete in milliseconds instead of cold-spawn seconds.`,
	RunE:          runServe, // Default to server mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
