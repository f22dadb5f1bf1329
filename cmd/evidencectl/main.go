package main

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmerrifield20/evidencechain/pkg/client"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	serverURL    string
	cfgFile      string
	keyFile      string
	outputFormat string
	insecure     bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "evidencectl",
	Short: "Evidence submission CLI",
	Long: `evidencectl signs and submits evidence to an evidenced server, manages
cases, and follows the live change feed.

Generate a signing key once with 'evidencectl keygen', then:

  evidencectl submit --file photo.jpg --case CASE-2024-001`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			viper.AddConfigPath(configDir())
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("EVIDENCECTL")
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if serverURL == "" {
			serverURL = viper.GetString("server_url")
		}
		if serverURL == "" {
			serverURL = "http://localhost:8080"
		}
		if keyFile == "" {
			keyFile = viper.GetString("key_file")
		}
		if keyFile == "" {
			keyFile = filepath.Join(configDir(), "key.hex")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.evidencectl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "evidenced base URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&keyFile, "key", "", "signing key file (default ~/.evidencectl/key.hex)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "text", "Output format: text or json")
	rootCmd.PersistentFlags().BoolVar(&insecure, "insecure", false, "Skip TLS certificate verification (development only)")

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the evidencectl version",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Println("evidencectl " + version)
	},
}

func configDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".evidencectl"
	}
	return filepath.Join(home, ".evidencectl")
}

func newClient() (*client.Client, error) {
	var opts []client.Option
	if insecure {
		opts = append(opts, client.WithInsecureSkipVerify())
	}
	return client.New(serverURL, opts...)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
