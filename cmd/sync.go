/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/studyreports/apiserver/config"
	"github.com/studyreports/apiserver/internal/db"
	"github.com/studyreports/apiserver/internal/server"
)

var (
	syncHard         bool
	syncHistoryLimit int
)

// syncCmd represents the sync command
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Re-import users and participants from REDCap",
	Long: `Re-imports users and participants from REDCap. A soft sync keeps the
login tokens users already hold; --hard recreates the schema and clears them.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		log := server.NewLogger(cfg)

		dbConn, err := db.Open(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer dbConn.Close()

		syncService, err := server.NewSyncService(cmd.Context(), cfg, dbConn, log)
		if err != nil {
			return err
		}
		report, err := syncService.Sync(cmd.Context(), syncHard)
		if err != nil {
			return err
		}
		return printJSON(cmd, report)
	},
}

var syncHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Print the most recent archived sync reports",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return err
		}
		archive, err := server.NewReportArchive(cmd.Context(), cfg.Archive)
		if err != nil {
			return err
		}
		if archive == nil {
			return errors.New("ARCHIVE_BACKEND is not configured")
		}
		reports, err := archive.Recent(cmd.Context(), syncHistoryLimit)
		if err != nil {
			return err
		}
		return printJSON(cmd, reports)
	},
}

func printJSON(cmd *cobra.Command, value any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(value); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(syncCmd)
	syncCmd.AddCommand(syncHistoryCmd)

	syncCmd.Flags().BoolVar(&syncHard, "hard", false, "drop and recreate the schema, clearing issued tokens")
	syncHistoryCmd.Flags().IntVarP(&syncHistoryLimit, "limit", "n", 10, "number of reports to print")
}
