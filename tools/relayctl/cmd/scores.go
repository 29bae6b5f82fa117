package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var scoresCmd = &cobra.Command{
	Use:   "scores",
	Short: "Operate on community-service score aggregates",
}

type drift struct {
	PostID string `json:"post_id"`
	Stored struct {
		Up   int64 `json:"upvotes"`
		Down int64 `json:"downvotes"`
	} `json:"stored"`
	Actual struct {
		Up   int64 `json:"upvotes"`
		Down int64 `json:"downvotes"`
	} `json:"actual"`
}

type reconcileReport struct {
	Skipped   bool    `json:"skipped"`
	Corrected []drift `json:"corrected"`
}

var scoresReconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run a score reconciliation pass on community-service now",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		url := strings.TrimRight(viper.GetString("community-url"), "/") + "/v1/admin/scores/reconcile"
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusConflict {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
			return fmt.Errorf("reconcile: %s: %s", resp.Status, strings.TrimSpace(string(body)))
		}
		var report reconcileReport
		if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
			return fmt.Errorf("decode reconcile report: %w", err)
		}
		return render(cmd.OutOrStdout(), report, func(w io.Writer) error {
			if report.Skipped {
				_, err := fmt.Fprintln(w, "skipped: another instance holds the reconcile lock")
				return err
			}
			fmt.Fprintf(w, "corrected\t%d\n", len(report.Corrected))
			for _, d := range report.Corrected {
				if _, err := fmt.Fprintf(w, "%s\t%d/%d -> %d/%d\n",
					d.PostID, d.Stored.Up, d.Stored.Down, d.Actual.Up, d.Actual.Down); err != nil {
					return err
				}
			}
			return nil
		})
	},
}

func init() {
	scoresReconcileCmd.Flags().String("community-url", "http://localhost:8091", "Base URL of community-service")
	scoresCmd.AddCommand(scoresReconcileCmd)
}
