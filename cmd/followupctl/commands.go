package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/wolfman30/clinic-followups/internal/followup"
)

type runner interface {
	Tick(ctx context.Context) (followup.TickReport, error)
	Preview(ctx context.Context, at time.Time) ([]followup.Attempt, error)
}

type buildFunc func(ctx context.Context) (runner, error)

func newTickCmd(build buildFunc, jsonFn func() bool) *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run one reminder pass now, dispatching and committing",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := build(cmd.Context())
			if err != nil {
				return err
			}
			report, err := r.Tick(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonFn() {
				return writeJSON(out, report)
			}
			printTable(out, []string{"CLINICIANS", "GATED_OPEN", "DISPATCHED", "FAILED", "SKIPPED", "COMMITTED", "COMMIT_FAILURES", "LEASE_HELD"},
				[][]string{{
					strconv.Itoa(report.Clinicians),
					strconv.Itoa(report.GatedOpen),
					strconv.Itoa(report.Dispatched),
					strconv.Itoa(report.Failed),
					strconv.Itoa(report.Skipped),
					strconv.Itoa(report.CommittedFollowUps),
					strconv.Itoa(report.CommitFailures),
					strconv.FormatBool(report.LeaseHeld),
				}})
			return nil
		},
	}
}

func newPreviewCmd(build buildFunc, jsonFn func() bool) *cobra.Command {
	var at string
	var clinician string

	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Show what a pass would send, without dispatching or committing",
		RunE: func(cmd *cobra.Command, args []string) error {
			when := time.Now()
			if at != "" {
				parsed, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
				when = parsed
			}
			var only uuid.UUID
			if clinician != "" {
				id, err := uuid.Parse(clinician)
				if err != nil {
					return fmt.Errorf("invalid --clinician: %w", err)
				}
				only = id
			}

			r, err := build(cmd.Context())
			if err != nil {
				return err
			}
			attempts, err := r.Preview(cmd.Context(), when)
			if err != nil {
				return err
			}
			if only != uuid.Nil {
				filtered := attempts[:0]
				for _, a := range attempts {
					if a.ClinicianID == only {
						filtered = append(filtered, a)
					}
				}
				attempts = filtered
			}

			out := cmd.OutOrStdout()
			if jsonFn() {
				return writeJSON(out, attempts)
			}
			rows := make([][]string, len(attempts))
			for i, a := range attempts {
				rows[i] = []string{
					a.ClinicianID.String(), a.Timezone, string(a.TomorrowKey),
					strconv.Itoa(a.Count), a.Message.Body,
				}
			}
			printTable(out, []string{"CLINICIAN", "TIMEZONE", "TOMORROW", "COUNT", "BODY"}, rows)
			return nil
		},
	}

	cmd.Flags().StringVar(&at, "at", "", "Evaluate as of this RFC3339 instant (default now)")
	cmd.Flags().StringVar(&clinician, "clinician", "", "Limit output to one clinician ID")
	return cmd
}

func printTable(w io.Writer, headers []string, rows [][]string) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
