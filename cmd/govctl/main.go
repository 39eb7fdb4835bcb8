package main

import (
	"fmt"
	"os"
	"time"

	"github.com/jmerrifield20/govledger/pkg/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	serverURL string
	digestAlg string
	cfgFile   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "govctl",
	Short: "Inspect and verify governance audit chains",
	Long: `govctl is the command-line interface for govledger.

It verifies exported audit chains offline, appends entries, exports chains
and fetches signed checkpoints from a running ledgerd.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.govctl")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("govctl")
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if serverURL == "" {
			serverURL = viper.GetString("server")
		}
		if serverURL == "" {
			serverURL = "http://localhost:8080"
		}
		if digestAlg == "" {
			digestAlg = viper.GetString("digest")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.govctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "ledgerd base URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&digestAlg, "digest", "", "hash algorithm: sha256, blake2b-256 or legacy32 (default sha256)")

	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(appendCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(headCmd)
	rootCmd.AddCommand(checkpointCmd)
	rootCmd.AddCommand(versionCmd)
}

func newClient() (*client.Client, error) {
	c, err := client.New(serverURL, client.WithTimeout(30*time.Second))
	if err != nil {
		return nil, fmt.Errorf("server %q: %w", serverURL, err)
	}
	return c, nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the govctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "govctl %s\n", version)
	},
}
