package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"featuregate/internal/app"
	"featuregate/internal/domain"
	"featuregate/internal/engine"
	"featuregate/internal/repo"
)

func proposalCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "proposal", Short: "Manage feature proposals"}
	cmd.AddCommand(proposalCreateCmd())
	cmd.AddCommand(proposalListCmd())
	cmd.AddCommand(proposalShowCmd())
	return cmd
}

func proposalCreateCmd() *cobra.Command {
	var in engine.ProposalInput
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a proposal manually (admin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.CreateProposal(ctx, in, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&in.Title, "title", "", "title (truncated to 100 characters)")
	cmd.Flags().StringVar(&in.Description, "description", "", "description")
	cmd.Flags().StringVar(&in.Priority, "priority", "", "low, medium, high or critical")
	cmd.Flags().StringVar(&in.Category, "category", "", "category")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func proposalListCmd() *cobra.Command {
	var f repo.ProposalFilters
	var stage string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List proposals",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Stage = domain.Stage(stage)
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListProposals(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Stage", "Priority", "Score", "Approvals"})
				for _, p := range items {
					score := ""
					if p.ValidationScore != nil {
						score = strconv.Itoa(*p.ValidationScore)
					}
					tw.AppendRow(table.Row{p.ID, p.Title, p.Stage, p.Priority, score, fmt.Sprintf("%d/%d", p.ApprovalCount, p.RequiredApprovals)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "stage filter")
	cmd.Flags().StringVar(&f.Category, "category", "", "category filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func proposalShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a proposal with its bundle, validations and approvals",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				detail, err := a.Engine.GetProposal(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(detail)
			})
		},
	}
}

func synthCmd() *cobra.Command {
	var opts engine.SynthesisOptions
	cmd := &cobra.Command{
		Use:   "synth",
		Short: "Synthesize proposals from recent discussion",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = actorID()
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				summary, err := a.Engine.SynthesizeProposals(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(summary)
				}
				verb := "created"
				if summary.DryRun {
					verb = "would create"
				}
				fmt.Printf("Discussions: %d, candidates: %d, %s: %d, dropped: %d\n",
					summary.DiscussionCount, summary.AnalyzedCount, verb, summary.CreatedCount, summary.DroppedCount)
				for _, p := range summary.Proposals {
					fmt.Printf("  %s [%s] %s\n", p.ID, p.Priority, p.Title)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&opts.Days, "days", 0, "lookback window in days (default from config)")
	cmd.Flags().IntVar(&opts.MaxItems, "max-items", 0, "maximum discussions to analyze (capped at 50)")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "report without writing")
	cmd.Flags().StringVar(&opts.Provider, "provider", "", "provider override")
	cmd.Flags().StringVar(&opts.Model, "model", "", "model override")
	return cmd
}

func generateCmd() *cobra.Command {
	var opts engine.GenerateOptions
	cmd := &cobra.Command{
		Use:   "generate <proposal-id>",
		Short: "Generate the code bundle for a proposal (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ProposalID, opts.ActorID = args[0], actorID()
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				bundle, err := a.Engine.GenerateCode(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(bundle)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Provider, "provider", "", "provider override")
	cmd.Flags().StringVar(&opts.Model, "model", "", "model override")
	return cmd
}

func validateCmd() *cobra.Command {
	var opts engine.ValidateOptions
	cmd := &cobra.Command{
		Use:   "validate <proposal-id>",
		Short: "Validate the generated code bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ProposalID, opts.ActorID = args[0], actorID()
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				summary, err := a.Engine.ValidateCode(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(summary)
				}
				fmt.Printf("Score: %d, passed: %t, stage: %s\n", summary.Score, summary.Passed, summary.Stage)
				if summary.Summary != "" {
					fmt.Println(summary.Summary)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Dimension", "Status", "Feedback"})
				for _, r := range summary.Records {
					tw.AppendRow(table.Row{r.ValidationType, r.Status, r.Feedback})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.Provider, "provider", "", "provider override")
	cmd.Flags().StringVar(&opts.Model, "model", "", "model override")
	return cmd
}

func approveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <proposal-id>",
		Short: "Record your approval (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.RecordApproval(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				p := res.Proposal
				switch {
				case res.Approved:
					fmt.Printf("%s approved (%d/%d)\n", p.ID, p.ApprovalCount, p.RequiredApprovals)
				case !res.Counted:
					fmt.Printf("%s: approval already recorded, stage %s\n", p.ID, p.Stage)
				default:
					fmt.Printf("%s: %d/%d approvals\n", p.ID, p.ApprovalCount, p.RequiredApprovals)
				}
				return nil
			})
		},
	}
}

func rejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <proposal-id>",
		Short: "Reject a proposal (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.RecordRejection(ctx, args[0], actorID(), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the review notes")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func implementCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "implement <proposal-id>",
		Short: "Mark an approved proposal implemented (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.MarkImplemented(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func overrideCmd() *cobra.Command {
	var stage, reason string
	cmd := &cobra.Command{
		Use:   "override <proposal-id>",
		Short: "Move a proposal between non-terminal stages (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.OverrideStage(ctx, engine.OverrideOptions{
					ProposalID: args[0],
					ActorID:    actorID(),
					Stage:      domain.Stage(stage),
					Reason:     reason,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "target stage")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the review notes")
	_ = cmd.MarkFlagRequired("stage")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}
