package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/oceanbase/memconsolidate-go/pkg/core"
	"github.com/oceanbase/memconsolidate-go/pkg/detector"
	"github.com/oceanbase/memconsolidate-go/pkg/pipeline"
	"github.com/oceanbase/memconsolidate-go/pkg/storage"
	"github.com/spf13/cobra"
)

type globalFlags struct {
	configPath string
	envFile    string
	logLevel   string
}

func buildRootCommand() *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:   "memconsolidate",
		Short: "Consolidate finished conversations into long-term memories",
		Long: strings.TrimSpace(`memconsolidate reads the message history of a user/persona pair,
extracts facts with a text-analysis provider and merges them into the
memory store.

Configuration comes from a JSON file (--config), a .env file and the
environment.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "JSON configuration file")
	root.PersistentFlags().StringVar(&g.envFile, "env-file", "", "Load this .env file instead of searching for one")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Override the log level (debug, info, warn, error)")

	root.AddCommand(newRunCommand(g))
	root.AddCommand(newCheckEndCommand(g))
	root.AddCommand(newWatchCommand(g))
	root.AddCommand(newMetricsCommand(g))
	root.AddCommand(newCategoriesCommand(g))
	root.AddCommand(newMessagesCommand(g))
	return root
}

func (g *globalFlags) load() (*core.Config, error) {
	var (
		cfg *core.Config
		err error
	)
	switch {
	case g.configPath != "":
		cfg, err = core.LoadConfigFromJSON(g.configPath)
	case g.envFile != "":
		cfg, err = core.LoadConfigFromEnvFile(g.envFile)
	default:
		cfg, err = core.LoadConfigFromEnv()
	}
	if err != nil {
		return nil, err
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	return cfg, nil
}

func (g *globalFlags) client() (*core.Client, error) {
	cfg, err := g.load()
	if err != nil {
		return nil, err
	}
	return core.NewClient(cfg)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type pairFlags struct {
	user    string
	persona string
}

func (p *pairFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&p.user, "user", "u", "", "User id")
	cmd.Flags().StringVarP(&p.persona, "persona", "p", "", "Persona id")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("persona")
}

func newRunCommand(g *globalFlags) *cobra.Command {
	var (
		pair        pairFlags
		ifEnded     bool
		consolidate bool
		report      bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the consolidation pipeline for one user/persona pair",
		Example: strings.Join([]string{
			"  memconsolidate run --user u1 --persona p1",
			"  memconsolidate run --user u1 --persona p1 --if-ended --consolidate",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.client()
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var res *pipeline.RunResult
			if ifEnded {
				var decision detector.Decision
				res, decision, err = client.RunIfEnded(ctx, pair.user, pair.persona)
				if res == nil && err == nil {
					fmt.Fprintln(cmd.OutOrStdout(), "conversation still active")
					return printJSON(cmd.OutOrStdout(), decision)
				}
			} else {
				res, err = client.Run(ctx, pair.user, pair.persona)
			}
			if res != nil {
				if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
					return perr
				}
			}
			if err != nil {
				return err
			}

			if consolidate {
				cres, err := client.Consolidate(ctx, pair.user, pair.persona)
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), cres); err != nil {
					return err
				}
			}
			if report {
				fmt.Fprint(cmd.OutOrStdout(), client.Metrics().Report().String())
			}
			return nil
		},
	}
	pair.bind(cmd)
	cmd.Flags().BoolVar(&ifEnded, "if-ended", false, "Run only when the conversation has ended")
	cmd.Flags().BoolVar(&consolidate, "consolidate", false, "Fold near-duplicate memories after the run")
	cmd.Flags().BoolVar(&report, "report", false, "Print the performance report after the run")
	return cmd
}

func newCheckEndCommand(g *globalFlags) *cobra.Command {
	var pair pairFlags

	cmd := &cobra.Command{
		Use:     "check-end",
		Short:   "Evaluate whether a conversation has ended",
		Example: "  memconsolidate check-end --user u1 --persona p1",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.client()
			if err != nil {
				return err
			}
			defer client.Close()
			return printJSON(cmd.OutOrStdout(), client.CheckEnd(cmd.Context(), pair.user, pair.persona))
		},
	}
	pair.bind(cmd)
	return cmd
}

// parsePairs reads "user:persona" entries.
func parsePairs(values []string) ([][2]string, error) {
	out := make([][2]string, 0, len(values))
	for _, v := range values {
		user, persona, ok := strings.Cut(strings.TrimSpace(v), ":")
		if !ok || strings.TrimSpace(user) == "" || strings.TrimSpace(persona) == "" {
			return nil, fmt.Errorf("invalid pair %q, expected user:persona", v)
		}
		out = append(out, [2]string{strings.TrimSpace(user), strings.TrimSpace(persona)})
	}
	return out, nil
}

func newWatchCommand(g *globalFlags) *cobra.Command {
	var pairs []string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run the pipeline for tracked pairs whenever their conversations end",
		Long: strings.TrimSpace(`watch evaluates every tracked pair on each tick of the configured watch
interval and consolidates conversations that have ended. It stops on SIGINT
or SIGTERM and prints the performance report.`),
		Example: "  memconsolidate watch --pairs u1:p1,u2:p1",
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parsePairs(pairs)
			if err != nil {
				return err
			}
			if len(parsed) == 0 {
				return fmt.Errorf("at least one pair is required")
			}

			client, err := g.client()
			if err != nil {
				return err
			}
			defer client.Close()

			w, err := client.NewWatcher()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			w.OnResult = func(res *pipeline.RunResult, err error) {
				if res != nil {
					_ = printJSON(out, res)
				}
			}
			for _, p := range parsed {
				w.Track(p[0], p[1])
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := w.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			w.Stop()

			fmt.Fprint(out, client.Metrics().Report().String())
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&pairs, "pairs", nil, "Pairs to track as user:persona, comma separated")
	return cmd
}

type memoryStats struct {
	UserID      string         `json:"user_id"`
	PersonaID   string         `json:"persona_id"`
	Total       int            `json:"total"`
	Active      int            `json:"active"`
	BySource    map[string]int `json:"by_source"`
	ByOwner     map[string]int `json:"by_owner"`
	ByCategory  map[string]int `json:"by_category"`
	Messages    int            `json:"messages"`
	BatchSource int            `json:"batch_source"`
}

func newMetricsCommand(g *globalFlags) *cobra.Command {
	var pair pairFlags

	cmd := &cobra.Command{
		Use:     "metrics",
		Short:   "Show stored memory statistics of a pair",
		Example: "  memconsolidate metrics --user u1 --persona p1",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.client()
			if err != nil {
				return err
			}
			defer client.Close()

			stats, err := collectStats(cmd.Context(), client, pair.user, pair.persona)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}
	pair.bind(cmd)
	return cmd
}

func collectStats(ctx context.Context, client *core.Client, userID, personaID string) (*memoryStats, error) {
	store := client.Store()
	mems, err := client.Memories(ctx, userID, personaID)
	if err != nil {
		return nil, err
	}
	msgs, err := store.ListMessages(ctx, userID, personaID)
	if err != nil {
		return nil, err
	}
	batch, err := store.CountMemoriesBySource(ctx, userID, personaID, storage.SourceBatch)
	if err != nil {
		return nil, err
	}

	tree := client.Categories()
	stats := &memoryStats{
		UserID:      userID,
		PersonaID:   personaID,
		Total:       len(mems),
		BySource:    map[string]int{},
		ByOwner:     map[string]int{},
		ByCategory:  map[string]int{},
		Messages:    len(msgs),
		BatchSource: batch,
	}
	for _, m := range mems {
		if m.Active {
			stats.Active++
		}
		stats.BySource[string(m.Source)]++
		stats.ByOwner[string(m.Owner)]++
		name := fmt.Sprintf("#%d", m.CategoryID)
		if c, ok := tree.Get(m.CategoryID); ok {
			name = tree.Path(c)
		}
		stats.ByCategory[name]++
	}
	return stats, nil
}

func newCategoriesCommand(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "categories",
		Short: "Manage the memory category taxonomy",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "seed",
		Short: "Create the default taxonomy entries that are missing",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.client()
			if err != nil {
				return err
			}
			defer client.Close()
			tree, err := client.SeedCategories(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d categories\n", tree.Len())
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List category paths",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.client()
			if err != nil {
				return err
			}
			defer client.Close()
			for _, p := range client.Categories().Paths() {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return nil
		},
	})
	return cmd
}

func newMessagesCommand(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "messages",
		Short: "Inspect or append conversation messages",
	}

	var (
		addPair  pairFlags
		content  string
		fromUser bool
	)
	add := &cobra.Command{
		Use:     "add",
		Short:   "Append a message to a pair's history",
		Example: "  memconsolidate messages add -u u1 -p p1 --from-user --content \"me gusta el jazz\"",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.client()
			if err != nil {
				return err
			}
			defer client.Close()
			msg, err := client.AddMessage(cmd.Context(), addPair.user, addPair.persona, content, fromUser)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), msg)
		},
	}
	addPair.bind(add)
	add.Flags().StringVar(&content, "content", "", "Message text")
	add.Flags().BoolVar(&fromUser, "from-user", false, "The message was written by the user")
	_ = add.MarkFlagRequired("content")

	var listPair pairFlags
	list := &cobra.Command{
		Use:   "list",
		Short: "Print a pair's history in chronological order",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.client()
			if err != nil {
				return err
			}
			defer client.Close()
			msgs, err := client.Store().ListMessages(cmd.Context(), listPair.user, listPair.persona)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), msgs)
		},
	}
	listPair.bind(list)

	cmd.AddCommand(add, list)
	return cmd
}
