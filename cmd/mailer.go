/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/studyreports/apiserver/config"
	"github.com/studyreports/apiserver/internal/mq"
	"github.com/studyreports/apiserver/internal/notify"
	"github.com/studyreports/apiserver/internal/server"
)

// mailerCmd represents the mailer command
var mailerCmd = &cobra.Command{
	Use:   "mailer",
	Short: "Deliver queued login token mail",
	Long: `Consumes the token mail queue filled by the API server and sends each
token over SMTP. Requires QUEUE_BACKEND=rabbitmq or pubsub.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return err
		}
		log := server.NewLogger(cfg)

		switch cfg.Queue.Backend {
		case mq.BackendRabbitMQ, mq.BackendPubSub:
		default:
			return errors.New("mailer needs QUEUE_BACKEND=rabbitmq or pubsub")
		}

		queue, err := mq.Open(cmd.Context(), cfg.Queue)
		if err != nil {
			return err
		}
		defer queue.Close()

		sender, err := server.NewMailSender(cfg, log)
		if err != nil {
			return err
		}

		handler := notify.Handler(sender, func(msg mq.Message, err error) {
			log.WithError(err).WithFields(logrus.Fields{
				"message_id": msg.ID,
				"attempt":    msg.Attempt,
			}).Warn("dropping token mail")
		})
		log.WithFields(logrus.Fields{
			"channel":     cfg.Queue.TokenChannel,
			"dead_letter": mq.DeadLetterChannel(cfg.Queue.TokenChannel),
		}).Info("mailer started")
		err = queue.Subscribe(cmd.Context(), cfg.Queue.TokenChannel, handler)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(mailerCmd)
}
