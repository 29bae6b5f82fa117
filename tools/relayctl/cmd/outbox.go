package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/md-rashed-zaman/eventrelay/libs/outbox"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect the outbox table of a service",
}

var outboxBacklogCmd = &cobra.Command{
	Use:   "backlog",
	Short: "Show how many records wait for publication and the age of the oldest",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()
		pool, err := openPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		b, err := outbox.NewRepository(pool).Backlog(ctx)
		if err != nil {
			return err
		}
		view := struct {
			Size      int64   `json:"size"`
			OldestAge float64 `json:"oldest_age_seconds"`
		}{Size: b.Size}
		if !b.Oldest.IsZero() {
			view.OldestAge = time.Since(b.Oldest).Seconds()
		}
		return render(cmd.OutOrStdout(), view, func(w io.Writer) error {
			_, err := fmt.Fprintf(w, "unpublished\t%d\noldest age\t%s\n", view.Size,
				time.Duration(view.OldestAge*float64(time.Second)).Round(time.Second))
			return err
		})
	},
}

type recordView struct {
	EventID      string     `json:"event_id"`
	EventType    string     `json:"event_type"`
	PartitionKey string     `json:"partition_key"`
	Topic        string     `json:"topic"`
	Published    bool       `json:"published"`
	CreatedAt    time.Time  `json:"created_at"`
	PublishedAt  *time.Time `json:"published_at,omitempty"`
	Attempts     int        `json:"attempts"`
	LastError    string     `json:"last_error,omitempty"`
}

func viewRecords(recs []outbox.Record) []recordView {
	out := make([]recordView, 0, len(recs))
	for _, r := range recs {
		out = append(out, recordView{
			EventID:      r.EventID,
			EventType:    r.EventType,
			PartitionKey: r.PartitionKey,
			Topic:        r.Topic,
			Published:    r.Published,
			CreatedAt:    r.CreatedAt,
			PublishedAt:  r.PublishedAt,
			Attempts:     r.Attempts,
			LastError:    r.LastError,
		})
	}
	return out
}

func writeRecords(w io.Writer, recs []recordView) error {
	fmt.Fprintln(w, "EVENT ID\tTYPE\tKEY\tCREATED\tPUBLISHED\tATTEMPTS\tLAST ERROR")
	for _, r := range recs {
		created := r.CreatedAt
		if _, err := fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			r.EventID, r.EventType, r.PartitionKey, formatTime(&created), formatTime(r.PublishedAt),
			r.Attempts, r.LastError); err != nil {
			return err
		}
	}
	return nil
}

var outboxStuckCmd = &cobra.Command{
	Use:   "stuck",
	Short: "List unpublished records older than --older-than",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()
		pool, err := openPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		recs, err := outbox.NewRepository(pool).Stuck(ctx, viper.GetDuration("older-than"), viper.GetInt("limit"))
		if err != nil {
			return err
		}
		views := viewRecords(recs)
		return render(cmd.OutOrStdout(), views, func(w io.Writer) error { return writeRecords(w, views) })
	},
}

var outboxShowCmd = &cobra.Command{
	Use:   "show <event-id>",
	Short: "Show one outbox record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()
		pool, err := openPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		rec, err := outbox.NewRepository(pool).Get(ctx, args[0])
		if err != nil {
			return fmt.Errorf("event %s: %w", args[0], err)
		}
		views := viewRecords([]outbox.Record{rec})
		return render(cmd.OutOrStdout(), views[0], func(w io.Writer) error { return writeRecords(w, views) })
	},
}

var outboxPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete published records older than --retention",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()
		pool, err := openPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		cutoff := time.Now().Add(-viper.GetDuration("retention"))
		n, err := outbox.NewRepository(pool).PurgePublished(ctx, cutoff, viper.GetInt("chunk"))
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), map[string]int64{"purged": n}, func(w io.Writer) error {
			_, err := fmt.Fprintf(w, "purged\t%d\n", n)
			return err
		})
	},
}

func init() {
	outboxStuckCmd.Flags().Duration("older-than", 5*time.Minute, "Minimum age of a record to count as stuck")
	outboxStuckCmd.Flags().Int("limit", 50, "Maximum number of records to list")
	outboxPurgeCmd.Flags().Duration("retention", 7*24*time.Hour, "Keep published records younger than this")
	outboxPurgeCmd.Flags().Int("chunk", 1000, "Rows deleted per statement")

	outboxCmd.AddCommand(outboxBacklogCmd, outboxStuckCmd, outboxShowCmd, outboxPurgeCmd)
}
