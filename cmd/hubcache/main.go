package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:           "hubcache",
	Short:         "Local semantic cache of HubSpot CRM data",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	addColorFlag(rootCmd)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(objectsCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

// versionString is printed on server start.
func versionString() string {
	return fmt.Sprintf("hubcache version %s", version)
}
