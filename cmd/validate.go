package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/franzego/pushcadence/internal/engine"
	"github.com/franzego/pushcadence/internal/models"
	"github.com/spf13/cobra"
)

func newValidateCommand() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate an automation document and print its next runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			return validateAutomation(f, cmd.OutOrStdout(), time.Now(), count)
		},
	}
	cmd.Flags().IntVarP(&count, "runs", "n", 5, "Number of upcoming runs to print")
	return cmd
}

func validateAutomation(r io.Reader, w io.Writer, now time.Time, count int) error {
	var a models.Automation
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&a); err != nil {
		return fmt.Errorf("decode automation: %w", err)
	}
	if a.Status == "" {
		a.Status = models.StatusDraft
	}
	if err := a.Validate(); err != nil {
		return err
	}
	fmt.Fprintf(w, "%s is valid (%s, %s)\n", a.Name, a.Schedule.Frequency, a.Status)

	after := now
	for i := 0; i < count; i++ {
		next, err := engine.NextRun(a.Schedule, after)
		if errors.Is(err, engine.ErrNoFutureRun) {
			if i == 0 {
				fmt.Fprintln(w, "no future runs")
			}
			return nil
		}
		if err != nil {
			return err
		}
		start := next.Add(-time.Duration(a.Schedule.LeadTimeMinutes) * time.Minute)
		fmt.Fprintf(w, "send %s  (timeline starts %s)\n", next.Format(time.RFC3339), start.Format(time.RFC3339))
		after = start
	}
	return nil
}
