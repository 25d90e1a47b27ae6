// Command relay-keygen generates a Noise static keypair and writes it as
// a PEM file for use as a relay server's or client's --config key.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/polysig/relay/keypair"
)

var outPath string

var rootCmd = &cobra.Command{
	Use:   "relay-keygen",
	Short: "Generate a Noise static keypair PEM file",
	RunE:  runKeygen,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.Flags().StringVarP(&outPath, "out", "o", "relay.key.pem", "output path for the generated PEM keypair")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "relay-keygen: %v\n", err)
		os.Exit(1)
	}
}

func runKeygen(cmd *cobra.Command, args []string) error {
	log := logrus.WithFields(logrus.Fields{"function": "runKeygen", "component": "cmd.relay-keygen"})

	kp, err := keypair.Generate()
	if err != nil {
		log.WithError(err).Error("failed to generate keypair")
		return err
	}

	if err := os.WriteFile(outPath, []byte(keypair.Encode(kp)), 0o600); err != nil {
		log.WithError(err).Error("failed to write keypair file")
		return err
	}

	log.WithField("path", outPath).Info("wrote keypair")
	fmt.Printf("wrote keypair to %s\n", outPath)
	return nil
}
