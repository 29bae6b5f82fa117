package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/md-rashed-zaman/eventrelay/libs/inbox"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Maintain the consumer dedup ledger",
}

var ledgerPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete ledger rows older than --older-than",
	Long: `Delete dedup ledger rows processed before now minus --older-than. Keep the window
longer than the broker's topic retention: an event still on the broker whose ledger row
is gone would be applied again on redelivery.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		age := viper.GetDuration("older-than")
		if age < 24*time.Hour && !viper.GetBool("force") {
			return fmt.Errorf("--older-than %s is shorter than a day; pass --force if the broker retention allows it", age)
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()
		pool, err := openPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		n, err := inbox.Prune(ctx, pool, time.Now().Add(-age))
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), map[string]int64{"pruned": n}, func(w io.Writer) error {
			_, err := fmt.Fprintf(w, "pruned\t%d\n", n)
			return err
		})
	},
}

func init() {
	ledgerPruneCmd.Flags().Duration("older-than", 30*24*time.Hour, "Minimum age of the rows to delete")
	ledgerPruneCmd.Flags().Bool("force", false, "Allow windows shorter than a day")

	ledgerCmd.AddCommand(ledgerPruneCmd)
}
