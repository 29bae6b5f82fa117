package cmd

import (
	"fmt"
	"io"

	"github.com/md-rashed-zaman/eventrelay/libs/kafkax"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and replay dead-letter topics",
}

func writeDeadLetters(w io.Writer, recs []kafkax.DeadLetterRecord) error {
	fmt.Fprintln(w, "PARTITION\tOFFSET\tORIGINAL TOPIC\tEVENT ID\tTYPE\tGROUP\tATTEMPTS\tFAILED AT\tREASON")
	for _, r := range recs {
		failed := r.FailedAt
		if _, err := fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			r.Partition, r.Offset, r.OriginalTopic, r.EventID, r.EventType, r.Group, r.Attempts,
			formatTime(&failed), r.Reason); err != nil {
			return err
		}
	}
	return nil
}

var dlqListCmd = &cobra.Command{
	Use:   "list <dlq-topic>",
	Short: "Print dead letters without consuming them",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()
		client, err := kafkax.NewDeadLetterClient(viper.GetString("brokers"), nil)
		if err != nil {
			return err
		}
		recs, err := client.List(ctx, args[0], viper.GetInt("limit"))
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), recs, func(w io.Writer) error { return writeDeadLetters(w, recs) })
	},
}

var dlqReplayCmd = &cobra.Command{
	Use:   "replay <dlq-topic>",
	Short: "Republish dead letters to their original topic",
	Long: `Republish dead letters to the topic they failed on. Replayed offsets are committed
under --group, so running replay again only picks up new dead letters. Consumers
deduplicate by event id, which makes replaying an already applied event harmless.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		dryRun := viper.GetBool("dry-run")
		var producer *kafkax.Producer
		if !dryRun {
			p, err := kafkax.NewProducer(kafkax.ProducerConfig{Brokers: viper.GetString("brokers")})
			if err != nil {
				return err
			}
			defer func() { _ = p.Close() }()
			producer = p
		}
		client, err := kafkax.NewDeadLetterClient(viper.GetString("brokers"), producer)
		if err != nil {
			return err
		}
		recs, err := client.Replay(ctx, args[0], viper.GetString("group"), viper.GetInt("limit"), dryRun)
		if rerr := render(cmd.OutOrStdout(), recs, func(w io.Writer) error { return writeDeadLetters(w, recs) }); rerr != nil {
			return rerr
		}
		return err
	},
}

func init() {
	dlqListCmd.Flags().Int("limit", 100, "Maximum number of dead letters to print (0 for all)")
	dlqReplayCmd.Flags().Int("limit", 0, "Maximum number of dead letters to replay (0 for all)")
	dlqReplayCmd.Flags().String("group", "relayctl-replay", "Consumer group that records replay progress")
	dlqReplayCmd.Flags().Bool("dry-run", false, "Only print what would be replayed")

	dlqCmd.AddCommand(dlqListCmd, dlqReplayCmd)
}
