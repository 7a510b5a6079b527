package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"invalidator/internal/domain"
	"invalidator/internal/ingest"
)

var publishFlags struct {
	object  string
	version int64
	payload string
	empty   bool
	via     string
}

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Push one invalidation",
	Example: `  invalidatord publish --object users/42 --version 7 --payload '{"name":"ada"}'
  invalidatord publish --object users/42 --version 8 --empty --via kafka`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		d, log, err := setup()
		if err != nil {
			return err
		}
		defer log.Sync()

		inv := ingest.Invalidation{
			ObjectName: publishFlags.object,
			Notification: domain.Notification{
				Version:       publishFlags.version,
				ExplicitEmpty: publishFlags.empty,
			},
			Source: "cli",
		}
		if !publishFlags.empty && cmd.Flags().Changed("payload") {
			inv.Payload = []byte(publishFlags.payload)
		}

		pub, closeFn, err := d.Publisher(publishFlags.via)
		if err != nil {
			return err
		}
		defer closeFn()
		if err := pub.Dispatch(cmd.Context(), inv); err != nil {
			return err
		}
		log.Info("published", zap.String("object", inv.ObjectName), zap.Int64("version", inv.Version), zap.String("via", publishFlags.via))
		return nil
	},
}

func init() {
	f := publishCmd.Flags()
	f.StringVar(&publishFlags.object, "object", "", "object name")
	f.Int64Var(&publishFlags.version, "version", domain.UnknownVersion, "object version, -1 when unknown")
	f.StringVar(&publishFlags.payload, "payload", "", "payload bytes; omit to send a dropped payload")
	f.BoolVar(&publishFlags.empty, "empty", false, "send an explicitly empty payload")
	f.StringVar(&publishFlags.via, "via", "socket", "transport: socket, kafka or rabbitmq")
	publishCmd.MarkFlagsMutuallyExclusive("payload", "empty")
	_ = publishCmd.MarkFlagRequired("object")
}
