/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"github.com/spf13/cobra"
	"github.com/studyreports/apiserver/config"
	"github.com/studyreports/apiserver/internal/server"
)

var (
	serverPort         int
	serverSyncInterval string
)

// serverCmd represents the server command
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Starts the study reports API server",
	Long: `Starts the study reports API server. An empty database is filled from
REDCap before the server starts listening. With a sync interval the server
also runs a soft sync on that schedule. Usage:

	studyreports server --port 8080 --sync-interval 1h
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("port") {
			cfg.ServerPort = serverPort
		}
		if cmd.Flags().Changed("sync-interval") {
			interval, err := config.ParseInterval(serverSyncInterval)
			if err != nil {
				return err
			}
			cfg.SyncInterval = interval
		}

		log := server.NewLogger(cfg)
		srv, err := server.New(cmd.Context(), cfg, log)
		if err != nil {
			log.WithError(err).Error("failed to start server")
			return err
		}
		if err := srv.Start(cmd.Context()); err != nil {
			log.WithError(err).Error("server error")
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().IntVarP(&serverPort, "port", "p", 8080, "port to listen on, overrides SERVER_PORT")
	serverCmd.Flags().StringVar(&serverSyncInterval, "sync-interval", "", "run a soft sync this often, e.g. 30m; 0 disables, overrides SYNC_INTERVAL")
}
