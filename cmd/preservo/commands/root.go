package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/preservo/preservo/pkg/config"
)

var (
	// Global flags
	configPath string
	dataDir    string

	v *viper.Viper
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".preservo"
	}
	return filepath.Join(home, ".preservo")
}

func defaultUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "anonymous"
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "preservo",
		Short: "Preservo - digital preservation migration engine",
		Long: `Preservo migrates archived digital objects between file formats and records
where every derivative came from.

Features:
  - Migration plans over chains of format conversion services
  - Asynchronous services resumed by availability notifications
  - Provenance graph of origins and derivatives
  - Delivery of converted copies
  - Rego access policies`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			v = config.NewViper(dataDir)
			_ = v.BindPFlag("json", cmd.Root().PersistentFlags().Lookup("json"))
			_ = v.BindPFlag("user", cmd.Root().PersistentFlags().Lookup("user"))
			_ = v.BindPFlag("server_url", cmd.Root().PersistentFlags().Lookup("server"))
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", defaultDataDir(), "directory for the database, archive and spool")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringP("user", "u", defaultUser(), "user the request is made for")
	rootCmd.PersistentFlags().String("server", "", "URL of a running 'preservo serve' (default from server.addr)")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newIngestCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newDeliverCommand())
	rootCmd.AddCommand(newOriginCommand())
	rootCmd.AddCommand(newDerivativesCommand())
	rootCmd.AddCommand(newMigrationCommand())
	rootCmd.AddCommand(newNotifyCommand())

	return rootCmd
}
