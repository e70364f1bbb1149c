package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zen-systems/mlroute/pkg/executor"
	"github.com/zen-systems/mlroute/pkg/policy"
	"github.com/zen-systems/mlroute/pkg/router"
	"github.com/zen-systems/mlroute/pkg/service"
)

// requestFlags are shared by route and ask.
type requestFlags struct {
	objective  string
	tier       string
	appID      string
	userID     string
	segment    string
	maxCost    float64
	minQuality float64
	maxLatency float64
	maxTokens  int
	system     string
	allow      []string
	deny       []string
	mlRouting  string
}

func (f *requestFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.objective, "optimize", "balanced", "objective: cost, speed, quality or balanced")
	cmd.Flags().StringVar(&f.tier, "tier", policy.TierPro, "caller tier")
	cmd.Flags().StringVar(&f.appID, "app", "cli", "application id for usage accounting")
	cmd.Flags().StringVar(&f.userID, "user", "", "user id; enables experiment assignment")
	cmd.Flags().StringVar(&f.segment, "segment", "", "user segment")
	cmd.Flags().Float64Var(&f.maxCost, "max-cost", 0, "maximum estimated cost in USD")
	cmd.Flags().Float64Var(&f.minQuality, "min-quality", 0, "minimum expected quality (0-1)")
	cmd.Flags().Float64Var(&f.maxLatency, "max-latency", 0, "maximum expected latency in ms")
	cmd.Flags().IntVar(&f.maxTokens, "max-tokens", 0, "completion token limit")
	cmd.Flags().StringVar(&f.system, "system", "", "system prompt")
	cmd.Flags().StringSliceVar(&f.allow, "allow", nil, "only route to these providers")
	cmd.Flags().StringSliceVar(&f.deny, "deny", nil, "never route to these providers")
	cmd.Flags().StringVar(&f.mlRouting, "ml-routing", "", "override the tier's ML routing flag (true/false)")
}

func (f *requestFlags) build(cmd *cobra.Command, prompt string) (*router.Request, router.AuthContext, error) {
	var cons router.Constraints
	if cmd.Flags().Changed("max-cost") {
		cons.MaxCost = &f.maxCost
	}
	if cmd.Flags().Changed("min-quality") {
		cons.MinQuality = &f.minQuality
	}
	if cmd.Flags().Changed("max-latency") {
		cons.MaxResponseTimeMs = &f.maxLatency
	}
	cons.AllowProviders = f.allow
	cons.DenyProviders = f.deny

	var messages []router.Message
	if f.system != "" {
		messages = append(messages, router.Message{Role: router.RoleSystem, Content: f.system})
	}
	messages = append(messages, router.Message{Role: router.RoleUser, Content: prompt})

	var metadata map[string]string
	if f.maxTokens > 0 {
		metadata = map[string]string{router.MetadataMaxTokens: strconv.Itoa(f.maxTokens)}
	}
	req, err := router.NewRequest(messages, router.Objective(f.objective), cons, metadata)
	if err != nil {
		return nil, router.AuthContext{}, err
	}

	auth := router.AuthContext{AppID: f.appID, UserID: f.userID, Segment: f.segment, Tier: f.tier}
	if f.mlRouting != "" {
		on, err := strconv.ParseBool(f.mlRouting)
		if err != nil {
			return nil, auth, fmt.Errorf("--ml-routing: %w", err)
		}
		auth.Features.MLRouting = &on
	}
	return req, auth, nil
}

func routeCmd() *cobra.Command {
	var flags requestFlags
	var explain bool

	cmd := &cobra.Command{
		Use:   "route [prompt]",
		Short: "Show which provider and model a prompt would be routed to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := openService(ctx, true)
			if err != nil {
				return err
			}
			defer svc.Close(ctx)

			req, auth, err := flags.build(cmd, args[0])
			if err != nil {
				return err
			}
			if explain {
				if err := printCandidates(svc, req, auth); err != nil {
					return err
				}
			}
			d, err := svc.Engine.Route(ctx, req, auth)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(d)
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&explain, "explain", false, "list every candidate and why it was excluded")
	return cmd
}

func printCandidates(svc *service.Service, req *router.Request, auth router.AuthContext) error {
	candidates, err := svc.Engine.Evaluate(req, auth)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stderr, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tMODEL\tCLASS\tCOST\tLATENCY\tQUALITY\tEXCLUDED")
	for _, c := range candidates {
		excluded := c.Excluded
		if excluded == "" {
			excluded = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t$%.6f\t%.0fms\t%.2f\t%s\n",
			c.Provider, c.Model, c.Class, c.Cost, c.LatencyMs, c.Quality, excluded)
	}
	fmt.Fprintln(w)
	return w.Flush()
}

func askCmd() *cobra.Command {
	var flags requestFlags

	cmd := &cobra.Command{
		Use:   "ask [prompt]",
		Short: "Route a prompt and send it to the chosen provider",
		Long: `Routes the prompt under the given constraints, calls the chosen
	provider and prints the reply. Transient provider failures are
	retried with backoff. When --user places the request in a running
	experiment, the observed cost and latency are recorded as a result.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := openService(ctx, true)
			if err != nil {
				return err
			}
			defer svc.Close(ctx)

			req, auth, err := flags.build(cmd, args[0])
			if err != nil {
				return err
			}
			d, err := svc.Engine.Route(ctx, req, auth)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "Routing to %s/%s (%s)\n", d.Provider, d.Model, d.Rationale)

			out, err := svc.Executor.Execute(ctx, executor.Call{Request: req, Decision: d, Auth: auth})
			if err != nil {
				return err
			}
			fmt.Println(out.Response.Content)
			fmt.Fprintf(os.Stderr, "%d+%d tokens, $%.6f, %s, %d attempt(s)\n",
				out.Usage.PromptTokens, out.Usage.CompletionTokens, out.ActualCost, out.Latency.Round(time.Millisecond), out.Attempts)
			if out.ResultID != "" {
				fmt.Fprintf(os.Stderr, "Recorded as result %s of test %s (variant %s)\n", out.ResultID, d.TestID, d.Variant)
			}
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func modelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the routing catalog and which providers have credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			catalog := cfg.RoutingConfig

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tMODEL\tCLASS\tPROMPT/1K\tCOMPLETION/1K\tLATENCY\tQUALITY\tSTATUS")
			for _, t := range catalog.Targets() {
				spec, _ := catalog.Lookup(t.Provider, t.Model)
				status := "no key"
				if cfg.HasAdapter(t.Provider) {
					status = "ready"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t$%.5f\t$%.5f\t%.0fms\t%.2f\t%s\n",
					t.Provider, t.Model, spec.Class, spec.PromptPer1K, spec.CompletionPer1K, spec.LatencyMs, spec.Quality, status)
			}
			fmt.Fprintln(w)
			fmt.Fprintf(w, "DEFAULT\t%s\n", catalog.Default)

			aliases := make([]string, 0, len(catalog.Aliases))
			for name := range catalog.Aliases {
				aliases = append(aliases, name)
			}
			sort.Strings(aliases)
			for _, name := range aliases {
				fmt.Fprintf(w, "ALIAS %s\t%s\n", name, catalog.Aliases[name])
			}
			return w.Flush()
		},
	}
}

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the experiment scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			svc, err := service.New(ctx, cfg, service.WithLogOutput(os.Stderr))
			if err != nil {
				return err
			}
			defer svc.Close(context.WithoutCancel(ctx))

			if err := svc.Start(ctx); err != nil {
				return err
			}
			return svc.Serve(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config, :8080)")
	return cmd
}
