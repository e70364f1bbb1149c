package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zen-systems/mlroute/pkg/experiment"
	"github.com/zen-systems/mlroute/pkg/router"
	"github.com/zen-systems/mlroute/pkg/service"
)

func experimentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "experiment",
		Aliases: []string{"exp"},
		Short:   "Manage A/B tests between provider/model variants",
	}
	cmd.AddCommand(expCreateCmd())
	cmd.AddCommand(expListCmd())
	cmd.AddCommand(expShowCmd())
	cmd.AddCommand(expTransitionCmd("start", "Start a draft or paused test"))
	cmd.AddCommand(expTransitionCmd("pause", "Pause a running test"))
	cmd.AddCommand(expTransitionCmd("stop", "Stop a test without a conclusion"))
	cmd.AddCommand(expTransitionCmd("complete", "Complete a test"))
	cmd.AddCommand(expWeightsCmd())
	cmd.AddCommand(expAnalyzeCmd())
	cmd.AddCommand(expAssignCmd())
	cmd.AddCommand(expTickCmd())
	return cmd
}

// withService opens the persistent service for one experiment command.
func withService(cmd *cobra.Command, fn func(svc *service.Service) error) error {
	svc, err := openService(cmd.Context(), true)
	if err != nil {
		return err
	}
	defer svc.Close(cmd.Context())
	return fn(svc)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func expCreateCmd() *cobra.Command {
	var start bool

	cmd := &cobra.Command{
		Use:   "create [definition.yaml]",
		Short: "Create a test from a YAML or JSON definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := experiment.LoadDefinition(args[0])
			if err != nil {
				return err
			}
			return withService(cmd, func(svc *service.Service) error {
				ctx := cmd.Context()
				cfg, err := svc.Experiments.CreateTest(ctx, def)
				if err != nil {
					return err
				}
				if start {
					if cfg, err = svc.Experiments.StartTest(ctx, cfg.ID); err != nil {
						return err
					}
				}
				fmt.Printf("%s\t%s\n", cfg.ID, cfg.Status)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&start, "start", false, "start the test immediately")
	return cmd
}

func expListCmd() *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(svc *service.Service) error {
				tests, err := svc.Experiments.GetAllTests(cmd.Context())
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tSTATUS\tVARIANT A\tVARIANT B\tPRIMARY\tCREATED")
				for _, t := range tests {
					if status != "" && string(t.Status) != status {
						continue
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s/%s (%.2g)\t%s/%s (%.2g)\t%s\t%s\n",
						t.ID, t.Name, t.Status,
						t.VariantA.Provider, t.VariantA.Model, t.VariantA.Weight,
						t.VariantB.Provider, t.VariantB.Model, t.VariantB.Weight,
						t.PrimaryMetric, t.CreatedAt.Local().Format(time.DateTime))
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only show tests in this status")
	return cmd
}

func expShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [id]",
		Short: "Print a test definition and its archived reports",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(svc *service.Service) error {
				cfg, err := svc.Experiments.GetTest(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				reports, err := svc.Archive.Reports(cfg.ID)
				if err != nil {
					return err
				}
				for _, r := range reports {
					if err := svc.Archive.Signer.Verify(r); err != nil {
						fmt.Fprintf(os.Stderr, "warning: report %s at %s: %v\n", r.TestID, r.ArchivedAt.Format(time.RFC3339), err)
					}
				}
				return printJSON(map[string]any{"test": cfg, "reports": reports})
			})
		},
	}
}

func expTransitionCmd(action, short string) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   action + " [id]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(svc *service.Service) error {
				ctx := cmd.Context()
				m := svc.Experiments
				id := args[0]

				var (
					cfg experiment.Config
					err error
				)
				switch action {
				case "start":
					cfg, err = m.StartTest(ctx, id)
				case "pause":
					cfg, err = m.PauseTest(ctx, id)
				case "stop":
					cfg, err = m.StopTest(ctx, id, reason)
				case "complete":
					cfg, err = m.CompleteTest(ctx, id, reason)
				}
				if err != nil {
					return err
				}
				fmt.Printf("%s\t%s\n", cfg.ID, cfg.Status)
				return nil
			})
		},
	}
	if action == "stop" || action == "complete" {
		cmd.Flags().StringVar(&reason, "reason", action+" manually", "reason recorded on the test")
	}
	return cmd
}

func expWeightsCmd() *cobra.Command {
	var a, b float64

	cmd := &cobra.Command{
		Use:   "weights [id]",
		Short: "Change the traffic split between variants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(svc *service.Service) error {
				cfg, err := svc.Experiments.UpdateWeights(cmd.Context(), args[0], a, b)
				if err != nil {
					return err
				}
				fmt.Printf("%s\tA=%g\tB=%g\n", cfg.ID, cfg.VariantA.Weight, cfg.VariantB.Weight)
				return nil
			})
		},
	}
	cmd.Flags().Float64Var(&a, "a", 1, "weight of variant A")
	cmd.Flags().Float64Var(&b, "b", 1, "weight of variant B")
	return cmd
}

func expAnalyzeCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "analyze [id]",
		Short: "Compare the variants of a test",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(svc *service.Service) error {
				a, err := svc.Experiments.AnalyzeTest(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(a)
				}
				return printAnalysis(a)
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full analysis as JSON")
	return cmd
}

func printAnalysis(a *experiment.Analysis) error {
	fmt.Printf("Test:           %s\n", a.TestID)
	fmt.Printf("Status:         %s\n", a.Status)
	fmt.Printf("Recommendation: %s\n", a.Recommendation)
	if a.Reason != "" {
		fmt.Printf("Reason:         %s\n", a.Reason)
	}
	fmt.Printf("Samples:        A=%d B=%d\n", a.SampleSizeA, a.SampleSizeB)
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "METRIC\tMEAN A\tMEAN B\tIMPROVEMENT\tP-VALUE\tSIGNIFICANT\t95% CI")
	rows := append([]experiment.MetricResult{a.Primary}, a.Secondary...)
	for i, r := range rows {
		name := string(r.Metric)
		if i == 0 {
			name += " *"
		}
		fmt.Fprintf(w, "%s\t%.6g\t%.6g\t%+.2f%%\t%.4f\t%t\t[%+.2f%%, %+.2f%%]\n",
			name, r.A.Mean, r.B.Mean, r.Improvement*100, r.PValue, r.Significant, r.CILower*100, r.CIUpper*100)
	}
	return w.Flush()
}

func expAssignCmd() *cobra.Command {
	var segment, requestType string

	cmd := &cobra.Command{
		Use:   "assign [id] [user]",
		Short: "Show which variant a user is assigned to",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(svc *service.Service) error {
				ctx := cmd.Context()
				v, err := svc.Experiments.AssignVariant(ctx, args[0], router.Subject{
					UserID:      args[1],
					Segment:     segment,
					RequestType: requestType,
				})
				if err != nil {
					return err
				}
				if v == experiment.VariantNone {
					fmt.Println("none")
					return nil
				}
				vc, err := svc.Experiments.GetVariantConfig(ctx, args[0], v)
				if err != nil {
					return err
				}
				fmt.Printf("%s\t%s/%s\n", v, vc.Provider, vc.Model)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&segment, "segment", "", "user segment")
	cmd.Flags().StringVar(&requestType, "request-type", "", "request type for eligibility")
	return cmd
}

func expTickCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run one scheduler pass over running tests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(svc *service.Service) error {
				report, err := svc.Scheduler.Tick(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Printf("evaluated %d, failed %d\n", report.Evaluated, report.Failed)
				for _, o := range report.Transitions {
					fmt.Printf("%s\t%s -> %s\t%s\n", o.TestID, o.From, o.To, strings.TrimSpace(o.Reason))
				}
				return nil
			})
		},
	}
}
