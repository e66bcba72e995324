package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/linkflow/flowguard/internal/version"
)

var (
	configPath     string
	storeFlag      string
	definitionFlag string
)

var rootCmd = &cobra.Command{
	Use:           "flowguard",
	Short:         "Rollback-safe workflow state machines",
	Long:          "flowguard stores workflow state machines and applies events to them so that a failed evaluation leaves both the machine and its store unchanged.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("flowguard " + version.String())
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", getEnv("FLOWGUARD_CONFIG", "flowguard.yaml"), "Config file")
	pf.StringVar(&storeFlag, "store", "", "Store backend: memory, sqlite, postgres or redis")
	pf.StringVar(&definitionFlag, "definition", "", "Workflow definition file (default: bundled feature workflow)")

	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}
