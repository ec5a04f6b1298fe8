package cmd

import (
	"fmt"
	"os"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/apex/log/handlers/json"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Global flags
	verbose bool
	logJSON bool
	cfgFile string

	// daemon address for client commands
	serverAddr string
	clientID   string
)

var rootCmd = &cobra.Command{
	Use:   "walb-storage",
	Short: "WalB storage host daemon and control client",
	Long: `walb-storage runs the storage side of the WalB continuous data
protection pipeline: it watches walb block devices, converts their
write-ahead log into wdiff streams and ships them to proxy hosts.

The same binary doubles as the control client: every command except
"serve" connects to a running daemon.

Commands:
  serve       Run the storage daemon
  status      Show daemon or volume status
  init-vol    Register a volume for a walb device
  start/stop  Control a volume's transfer pipeline
  full-bkp    Establish a base image with dirty-full-sync
  hash-bkp    Establish a base image with dirty-hash-sync
  snapshot    Take a new generation boundary`,
	Version: "0.1.0",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if logJSON {
			log.SetHandler(json.New(os.Stderr))
		} else {
			log.SetHandler(cli.New(os.Stderr))
		}
		if verbose {
			log.SetLevel(log.DebugLevel)
		}
	},
}

// Execute runs the CLI. Exit code 0 on success, 1 on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "log in JSON format")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default walb-storage.yaml)")
	rootCmd.PersistentFlags().StringVarP(&serverAddr, "server", "s", "localhost:5000", "daemon address for client commands")
	rootCmd.PersistentFlags().StringVar(&clientID, "id", "walb-storage-cli", "client node id")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("walb-storage")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/walb")
	}
	viper.SetEnvPrefix("WALB")
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err == nil {
		log.WithField("file", viper.ConfigFileUsed()).Debug("loaded config")
	}
}
