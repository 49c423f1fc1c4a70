// casefile is the transcript processing service: it extracts entities
// from transcripts with an LLM, deduplicates them against a remote
// document store, and creates or updates pages and relationships.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/casefile-hq/casefile/internal/debug"
)

var (
	// Version is overridden by ldflags at build time.
	Version = "0.3.0"
	// Build can be set via ldflags at compile time.
	Build = "dev"
)

var (
	configPath string
	jsonOutput bool
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "casefile",
	Short: "Transcript processing pipeline",
	Long: `casefile extracts people, organizations, projects, locations, and events
from transcripts and syncs them into a remote document store, deduplicating
against existing pages and linking relationships.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		debug.SetVerbose(verbose)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		if jsonOutput {
			outputJSON(map[string]string{"version": Version, "build": Build})
			return
		}
		fmt.Printf("casefile version %s (%s)\n", Version, Build)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file path (default: $CASEFILE_CONFIG, then ./casefile.yaml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose/debug output")

	viper.SetEnvPrefix("CASEFILE")
	_ = viper.BindEnv("config")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(batchCmd)
}

// resolveConfigPath picks the config file: flag, then CASEFILE_CONFIG,
// then ./casefile.yaml if present, else env-only configuration.
func resolveConfigPath() string {
	if path := viper.GetString("config"); path != "" {
		return path
	}
	if _, err := os.Stat("casefile.yaml"); err == nil {
		return "casefile.yaml"
	}
	return ""
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
