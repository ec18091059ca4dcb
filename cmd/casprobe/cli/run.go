package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/ubuntu/casprobe/internal/log"
	"github.com/ubuntu/casprobe/internal/scenario"
)

// errScenarioFailed is returned when the run completed but some scenarios did not pass.
var errScenarioFailed = errors.New("some scenarios failed")

func (a *App) installRun() {
	cmd := &cobra.Command{
		Use:   "run [SCENARIO...]",
		Short: "Run the given scenarios, or all of them, against the CAS server of the profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runScenarios(cmd.OutOrStdout(), args)
		},
		ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
			return scenario.Default().Names(), cobra.ShellCompDirectiveNoFileComp
		},
	}
	cmd.Flags().StringP("report", "r", "", "write a YAML report of the run to this file")
	if err := a.viper.BindPFlag("report", cmd.Flags().Lookup("report")); err != nil {
		log.Warning(context.Background(), err.Error())
	}

	a.rootCmd.AddCommand(cmd)
}

// runScenarios runs the scenarios and prints a summary to w. It can be interrupted by Quit.
func (a *App) runScenarios(w io.Writer, names []string) (err error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()
	a.setReady()

	p, err := a.loadProfile(ctx)
	if err != nil {
		return err
	}

	runner, err := scenario.NewRunner(scenario.Default(), p)
	if err != nil {
		return err
	}

	report, err := runner.Run(ctx, names...)
	printReport(w, report)
	if err != nil {
		return err
	}

	if a.config.Report != "" {
		if err := report.WriteYAML(a.config.Report); err != nil {
			return err
		}
		log.Infof(ctx, "Report written to %s", a.config.Report)
	}

	if report.Failed() {
		return errScenarioFailed
	}
	return nil
}

func printReport(w io.Writer, report scenario.Report) {
	for _, res := range report.Results {
		status := "PASS"
		if !res.Passed {
			status = "FAIL"
		}
		fmt.Fprintf(w, "%s\t%s\n", status, res.Name)
		for _, step := range res.Steps {
			if step.Error != "" {
				fmt.Fprintf(w, "\t✗ %s (%s): %s\n", step.Name, step.Duration.Round(time.Millisecond), step.Error)
				continue
			}
			fmt.Fprintf(w, "\t✓ %s (%s)\n", step.Name, step.Duration.Round(time.Millisecond))
		}
	}
}

func (a *App) installList() {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the available scenarios",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := scenario.Default()
			for _, name := range reg.Names() {
				s, _ := reg.Get(name)
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", name, s.Description())
			}
			return nil
		},
	}
	a.rootCmd.AddCommand(cmd)
}
