package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"featuregate/internal/app"
	"featuregate/internal/db"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "fg",
	Short: "featuregate CLI",
	Long: `featuregate turns community discussion into governed feature proposals.
- Synthesis: recent forum threads are summarized by a language model into proposals.
- Generation: an admin asks a provider for the frontend, backend and database code of a proposal.
- Validation: the bundle is reviewed for syntax, security, logic and compatibility.
- Approval: admins approve until the proposal reaches its required approvals.
- Event log: every change is recorded, view with 'fg log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging(viper.GetString("log-level"))
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FEATUREGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(proposalCmd())
	rootCmd.AddCommand(synthCmd())
	rootCmd.AddCommand(generateCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(approveCmd())
	rootCmd.AddCommand(rejectCmd())
	rootCmd.AddCommand(implementCmd())
	rootCmd.AddCommand(overrideCmd())
	rootCmd.AddCommand(governanceCmd())
	rootCmd.AddCommand(providerCmd())
	rootCmd.AddCommand(discussionCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func setupLogging(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelWarn
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func actorID() string {
	return strings.TrimSpace(viper.GetString("actor-id"))
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, app.Options{
		Workspace:  viper.GetString("workspace"),
		BuiltinKey: viper.GetString("builtin-api-key"),
		SecretKey:  viper.GetString("secret-key"),
		Version:    version,
		Logger:     slog.Default(),
	})
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))
	return fn(ctx, a)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
