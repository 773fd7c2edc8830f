package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"featuregate/internal/app"
	"featuregate/internal/config"
	"featuregate/internal/domain"
	"featuregate/internal/engine"
)

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "featuregate.yml holds the approval default, provider catalog, synthesis window, prompts, webhooks and lock backend. Secrets come from the environment.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default featuregate.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate featuregate.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				msg := ""
				if err != nil {
					msg = err.Error()
				}
				return printJSON(map[string]any{"ok": err == nil, "error": msg})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Count proposals per stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				counts, err := a.Engine.Repo.CountProposalsByStage(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(counts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stage", "Proposals"})
				for _, s := range domain.Stages {
					tw.AppendRow(table.Row{s, counts[string(s)]})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func governanceCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "governance", Short: "Approval threshold"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the required approvals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				g, err := a.Engine.GetGovernance(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set <n>",
		Short: "Set the required approvals and cascade to open proposals (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var n int
			if _, err := fmt.Sscanf(args[0], "%d", &n); err != nil {
				return fmt.Errorf("required approvals must be an integer: %q", args[0])
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.SetRequiredApprovals(ctx, n, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("required approvals: %d (%d proposals updated, %d promoted)\n",
					res.Governance.RequiredApprovals, res.Updated, len(res.Promoted))
				return nil
			})
		},
	})
	return cmd
}

func providerCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "provider", Short: "Manage model providers (admin)"}
	cmd.AddCommand(providerListCmd())
	cmd.AddCommand(providerSetCmd())
	cmd.AddCommand(providerNameCmd("default", "Make a provider the default", func(ctx context.Context, e engine.Engine, name string) (any, error) {
		return e.SetDefaultProvider(ctx, name, actorID())
	}))
	cmd.AddCommand(providerNameCmd("enable", "Activate a provider", func(ctx context.Context, e engine.Engine, name string) (any, error) {
		return e.SetProviderActive(ctx, name, true, actorID())
	}))
	cmd.AddCommand(providerNameCmd("disable", "Deactivate a provider", func(ctx context.Context, e engine.Engine, name string) (any, error) {
		return e.SetProviderActive(ctx, name, false, actorID())
	}))
	cmd.AddCommand(providerNameCmd("delete", "Delete a provider", func(ctx context.Context, e engine.Engine, name string) (any, error) {
		return map[string]string{"deleted": name}, e.DeleteProvider(ctx, name, actorID())
	}))
	return cmd
}

func providerListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured providers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListProviders(ctx, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"providers": items, "available": a.Engine.Catalog.Names()})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Name", "Model", "Active", "Default", "Key"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.Name, p.DefaultModel, p.IsActive, p.IsDefault, p.HasAPIKey})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func providerSetCmd() *cobra.Command {
	var in engine.ProviderInput
	var inactive bool
	cmd := &cobra.Command{
		Use:   "set <name>",
		Short: "Create or update a provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Name = args[0]
			if in.APIKey == "" {
				in.APIKey = os.Getenv("FEATUREGATE_PROVIDER_API_KEY")
			}
			if cmd.Flags().Changed("inactive") {
				active := !inactive
				in.Active = &active
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.UpsertProvider(ctx, in, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&in.APIKey, "api-key", "", "API key (or FEATUREGATE_PROVIDER_API_KEY)")
	cmd.Flags().StringVar(&in.DefaultModel, "model", "", "default model")
	cmd.Flags().StringVar(&in.BaseURL, "base-url", "", "override the catalog base URL")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "store the provider deactivated")
	return cmd
}

func providerNameCmd(use, short string, fn func(context.Context, engine.Engine, string) (any, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				out, err := fn(ctx, a.Engine, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
}

func discussionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "discussion", Short: "Community discussion feed"}
	cmd.AddCommand(&cobra.Command{
		Use:   "import <file.json>",
		Short: "Import discussion threads (admin)",
		Long:  "The file holds a JSON array of threads or an object with an \"items\" array. Threads are upserted by id.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			items, err := parseDiscussions(data)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				n, err := a.Engine.IngestDiscussions(ctx, items, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"ingested": n})
				}
				fmt.Printf("imported %d discussions\n", n)
				return nil
			})
		},
	})
	return cmd
}

func parseDiscussions(data []byte) ([]domain.DiscussionItem, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("empty discussion file")
	}
	var items []domain.DiscussionItem
	if data[0] == '[' {
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, err
		}
		return items, nil
	}
	var wrapped struct {
		Items []domain.DiscussionItem `json:"items"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, err
	}
	if wrapped.Items == nil {
		return nil, errors.New(`expected a JSON array or an object with "items"`)
	}
	return wrapped.Items, nil
}

func rbacCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "rbac", Short: "RBAC management"}
	cmd.AddCommand(&cobra.Command{
		Use:   "whoami",
		Short: "Show current actor roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				who, err := a.Engine.WhoAmI(ctx, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(who)
			})
		},
	})
	cmd.AddCommand(rbacRoleCmd("grant", "Grant a role; the first admin may bootstrap itself", func(ctx context.Context, e engine.Engine, target, role string) error {
		return e.GrantRole(ctx, actorID(), target, role)
	}))
	cmd.AddCommand(rbacRoleCmd("revoke", "Revoke a role", func(ctx context.Context, e engine.Engine, target, role string) error {
		return e.RevokeRole(ctx, actorID(), target, role)
	}))
	return cmd
}

func rbacRoleCmd(use, short string, fn func(ctx context.Context, e engine.Engine, target, role string) error) *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := fn(ctx, a.Engine, target, role); err != nil {
					return err
				}
				who, err := a.Engine.WhoAmI(ctx, target)
				if err != nil {
					return err
				}
				return printJSONOrTable(who)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "target actor id")
	cmd.Flags().StringVar(&role, "role", domain.RoleAdmin, "role id")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys"}

	var target, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the secret is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				actor := target
				if actor == "" {
					actor = actorID()
				}
				key, secret, err := a.Engine.CreateAPIKey(ctx, actorID(), actor, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"key": key, "secret": secret})
				}
				fmt.Printf("API key %s for %s\nsecret: %s\n", key.ID, key.ActorID, secret)
				return nil
			})
		},
	}
	create.Flags().StringVar(&target, "actor", "", "actor the key authenticates as (default: yourself)")
	create.Flags().StringVar(&name, "name", "", "label")
	cmd.AddCommand(create)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List your API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				keys, err := a.Engine.Repo.ListAPIKeys(ctx, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.RevokeAPIKey(ctx, actorID(), args[0])
			})
		},
	})
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every proposal transition, approval, validation, provider change and role change is recorded here.",
	}
	var n int
	var evtType, entityKind, entityID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Engine.ListEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				sort.Slice(events, func(i, j int) bool { return events[i].ID < events[j].ID })
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Actor"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	log.AddCommand(tail)
	return log
}
