// Package cli implements the search-tracker command line: running the
// engine and driving a running engine through its admin API.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zanzrukiav/SearchServices/internal/admin"
	"github.com/zanzrukiav/SearchServices/internal/config"
)

var (
	configPath string
	adminURL   string
	adminToken string
)

var rootCmd = &cobra.Command{
	Use:   "search-tracker",
	Short: "Keep a search index in step with a content repository",
	Long: `search-tracker polls a content repository for changed nodes, ACLs,
content and models, and applies them to a sharded search index.

Run the engine with "search-tracker start". The other commands talk to a
running engine through its admin API.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVarP(&configPath, "config", "c", envOrDefault("SEARCH_TRACKER_CONFIG", "search-tracker.toml"), "Configuration file")
	f.StringVar(&adminURL, "admin-url", os.Getenv("SEARCH_TRACKER_ADMIN_URL"), "Admin API address (default: admin.listen from the config file)")
	f.StringVar(&adminToken, "admin-token", os.Getenv("SEARCH_TRACKER_ADMIN_TOKEN"), "Admin API token (default: admin.token from the config file)")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(floorsCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(reindexCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(maintenanceCmd)
}

// loadConfig reads the config file, falling back to defaults when the
// default file does not exist.
func loadConfig() (*config.Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) && !rootCmd.PersistentFlags().Changed("config") {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

// adminClient builds a client from flags, then the config file.
func adminClient() *admin.Client {
	url, token := adminURL, adminToken
	if url == "" || token == "" {
		if cfg, err := loadConfig(); err == nil {
			if url == "" {
				url = cfg.Admin.Listen
			}
			if token == "" {
				token = cfg.Admin.Token
			}
		}
	}
	if url == "" {
		url = config.Default().Admin.Listen
	}
	return admin.NewClient(url, token)
}

// exitError prints an error and exits
func exitError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

// envOrDefault returns the value of the environment variable key, or defaultVal if unset.
func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
