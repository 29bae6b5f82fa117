package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/md-rashed-zaman/eventrelay/libs/db"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// RootCmd is the relayctl entry point.
var RootCmd = &cobra.Command{
	Use:           "relayctl",
	Short:         "Inspect and repair the outbox / dead-letter pipeline",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		return viper.BindPFlags(cmd.Flags())
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.PersistentFlags().String("database-url", "", "Postgres URL of the service whose outbox or ledger is inspected")
	RootCmd.PersistentFlags().String("brokers", "localhost:9092", "Comma separated Kafka brokers")
	RootCmd.PersistentFlags().StringP("output", "o", "text", "Output format (text, json)")
	RootCmd.PersistentFlags().Duration("timeout", 30*time.Second, "Overall timeout of the command")

	RootCmd.AddCommand(outboxCmd, dlqCmd, ledgerCmd, scoresCmd)
}

// initConfig loads .env files and maps RELAY_* variables onto flag names.
func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("relay")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "relayctl:", err)
		os.Exit(1)
	}
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, viper.GetDuration("timeout"))
}

func openPool(ctx context.Context) (*db.Pool, error) {
	url := strings.TrimSpace(viper.GetString("database-url"))
	if url == "" {
		return nil, errors.New("--database-url (or RELAY_DATABASE_URL) is required")
	}
	return db.Open(ctx, url, db.Options{MaxConns: 2})
}

// render writes v as indented JSON, or calls text with a tab-aligned writer.
func render(out io.Writer, v any, text func(w io.Writer) error) error {
	switch viper.GetString("output") {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "text", "":
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		if err := text(tw); err != nil {
			return err
		}
		return tw.Flush()
	default:
		return fmt.Errorf("unknown output format %q", viper.GetString("output"))
	}
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
