package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/metorial/capture-core/internal/cli"
	"github.com/spf13/cobra"
)

var (
	serverURL  string
	outputJSON bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "capturectl",
	Short: "CLI for the capture controller",
	Long: `capturectl is a command-line interface for the capture controller API.

It queries the host registry and the unified command history, feeds scan
output into the registry and triggers sync passes.`,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check controller health",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := cli.NewClient(serverURL)
		data, err := client.Health()
		if err != nil {
			return err
		}

		if outputJSON {
			return cli.FormatJSON(os.Stdout, data)
		}

		fmt.Printf("Status: %v\n", data["status"])
		fmt.Printf("Database: %v\n", data["database"])
		if usage, ok := data["event_store"].(map[string]interface{}); ok {
			used, _ := usage["used_percent"].(float64)
			fmt.Printf("Event Store: %v (%.1f%% used)\n", usage["path"], used)
		}
		return nil
	},
}

var hostsCmd = &cobra.Command{
	Use:   "hosts",
	Short: "Manage and query the host registry",
}

var listHostsCmd = &cobra.Command{
	Use:   "list",
	Short: "List all hosts",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := cli.NewClient(serverURL)
		data, err := client.ListHosts()
		if err != nil {
			return err
		}

		if outputJSON {
			return cli.FormatJSON(os.Stdout, data)
		}

		return cli.FormatHostsTable(os.Stdout, data)
	},
}

var getHostCmd = &cobra.Command{
	Use:   "get [ip]",
	Short: "Get detailed information about a specific host",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := cli.NewClient(serverURL)
		data, err := client.GetHost(args[0])
		if err != nil {
			return err
		}

		if outputJSON {
			return cli.FormatJSON(os.Stdout, data)
		}

		return cli.FormatHostDetailTable(os.Stdout, data)
	},
}

var ingestHostsCmd = &cobra.Command{
	Use:   "ingest [file]",
	Short: "Merge nmap output from a file (or - for stdin) into the registry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			data []byte
			err  error
		)
		if args[0] == "-" {
			data, err = io.ReadAll(os.Stdin)
		} else {
			data, err = os.ReadFile(args[0])
		}
		if err != nil {
			return fmt.Errorf("read scan output: %w", err)
		}

		source, _ := cmd.Flags().GetString("source")

		client := cli.NewClient(serverURL)
		summary, err := client.Ingest(context.Background(), string(data), source)
		if err != nil {
			return err
		}

		if outputJSON {
			return cli.FormatJSON(os.Stdout, summary)
		}

		fmt.Printf("Added: %d  Updated: %d  Total: %d", summary.Added, summary.Updated, summary.Total)
		if summary.Skipped > 0 {
			fmt.Printf("  Skipped: %d", summary.Skipped)
		}
		fmt.Println()
		return nil
	},
}

var clearHostsCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every host from the registry",
	RunE: func(cmd *cobra.Command, args []string) error {
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			return fmt.Errorf("refusing to clear the registry without --yes")
		}

		client := cli.NewClient(serverURL)
		data, err := client.ClearHosts()
		if err != nil {
			return err
		}

		if outputJSON {
			return cli.FormatJSON(os.Stdout, data)
		}

		fmt.Printf("Removed %v hosts\n", data["removed"])
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the unified command history",
	RunE: func(cmd *cobra.Command, args []string) error {
		tool, _ := cmd.Flags().GetString("tool")
		limit, _ := cmd.Flags().GetInt("limit")

		client := cli.NewClient(serverURL)
		data, err := client.History(tool, limit)
		if err != nil {
			return err
		}

		if outputJSON {
			return cli.FormatJSON(os.Stdout, data)
		}

		return cli.FormatHistoryTable(os.Stdout, data)
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run an import pass now",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := cli.NewClient(serverURL)
		data, err := client.Sync()
		if err != nil {
			return err
		}

		if outputJSON {
			return cli.FormatJSON(os.Stdout, data)
		}

		return cli.FormatSyncResult(os.Stdout, data)
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Get registry and history statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := cli.NewClient(serverURL)
		data, err := client.GetStats()
		if err != nil {
			return err
		}

		if outputJSON {
			return cli.FormatJSON(os.Stdout, data)
		}

		return cli.FormatStatsTable(os.Stdout, data)
	},
}

func init() {
	// Check for environment variable, fallback to default
	defaultServerURL := os.Getenv("CONTROLLER_URL")
	if defaultServerURL == "" {
		defaultServerURL = "http://localhost:8080"
	}

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", defaultServerURL, "Controller server URL")
	rootCmd.PersistentFlags().BoolVarP(&outputJSON, "json", "j", false, "Output in JSON format")

	ingestHostsCmd.Flags().String("source", "capturectl", "Source tag recorded on ingested hosts")
	clearHostsCmd.Flags().BoolP("yes", "y", false, "Confirm clearing the registry")
	historyCmd.Flags().StringP("tool", "t", "", "Only entries for this tool")
	historyCmd.Flags().IntP("limit", "l", 100, "Number of entries to retrieve (max: 1000)")

	hostsCmd.AddCommand(listHostsCmd)
	hostsCmd.AddCommand(getHostCmd)
	hostsCmd.AddCommand(ingestHostsCmd)
	hostsCmd.AddCommand(clearHostsCmd)

	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(hostsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statsCmd)
}
