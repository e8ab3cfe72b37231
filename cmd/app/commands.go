package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/starford/mimir/internal"
	"github.com/starford/mimir/internal/session"
	pkgconfig "github.com/starford/mimir/pkg/config"
)

func chatCommand() *cli.Command {
	return &cli.Command{
		Name:  "chat",
		Usage: "Start an interactive conversation (/new starts over, /exit quits)",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			app, err := openApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			if _, err := app.Indexer.Reconcile(ctx); err != nil {
				return fmt.Errorf("sync index: %w", err)
			}
			return chatLoop(ctx, app.Sessions, os.Stdin, os.Stdout)
		},
	}
}

func chatLoop(ctx context.Context, mgr *session.Manager, in io.Reader, out io.Writer) error {
	sess, err := mgr.Create()
	if err != nil {
		return err
	}
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for {
		fmt.Fprint(out, "> ")
		if !sc.Scan() {
			fmt.Fprintln(out)
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		case "/new":
			mgr.Delete(sess.ID())
			if sess, err = mgr.Create(); err != nil {
				return err
			}
			fmt.Fprintln(out, "(new session)")
			continue
		}

		reply, err := sess.Send(ctx, line)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		printReply(out, reply)
	}
}

func printReply(out io.Writer, reply *session.Reply) {
	fmt.Fprintln(out, reply.Content)
	for _, w := range reply.Warnings {
		fmt.Fprintf(out, "warning: %s\n", w)
	}
}

func askCommand() *cli.Command {
	return &cli.Command{
		Name:      "ask",
		Usage:     "Ask a single question and print the answer",
		ArgsUsage: "<question>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			question := strings.TrimSpace(strings.Join(cmd.Args().Slice(), " "))
			if question == "" {
				return errors.New("ask: a question is required")
			}
			app, err := openApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			if _, err := app.Indexer.Reconcile(ctx); err != nil {
				return fmt.Errorf("sync index: %w", err)
			}
			sess, err := app.Sessions.Create()
			if err != nil {
				return err
			}
			reply, err := sess.Send(ctx, question)
			if err != nil {
				return err
			}
			printReply(os.Stdout, reply)
			return nil
		},
	}
}

func memoryCommand() *cli.Command {
	return &cli.Command{
		Name:  "memory",
		Usage: "Inspect and maintain the search index",
		Commands: []*cli.Command{
			{
				Name:      "search",
				Usage:     "Search the indexed workspace",
				ArgsUsage: "<query>",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: 10, Usage: "Maximum results"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					query := strings.Join(cmd.Args().Slice(), " ")
					if strings.TrimSpace(query) == "" {
						return errors.New("memory search: a query is required")
					}
					app, err := openApp(ctx, cmd)
					if err != nil {
						return err
					}
					defer app.Close()

					results, err := app.DB.Search(ctx, query, int(cmd.Int("limit")))
					if err != nil {
						return err
					}
					if len(results) == 0 {
						fmt.Println("no results")
						return nil
					}
					for i, r := range results {
						fmt.Printf("%d. %s:%d-%d (score %.2f, %s)\n", i+1, r.Path, r.StartLine, r.EndLine, r.Score, humanize.Time(r.ModTime))
						fmt.Printf("   %s\n", snippet(r.Text, 160))
					}
					return nil
				},
			},
			{
				Name:  "reindex",
				Usage: "Bring the index up to date with the workspace",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					app, err := openApp(ctx, cmd)
					if err != nil {
						return err
					}
					defer app.Close()

					report, err := app.Indexer.Reconcile(ctx)
					if err != nil {
						return err
					}
					fmt.Printf("created %d, updated %d, removed %d, unchanged %d\n",
						len(report.Created), len(report.Updated), len(report.Removed), report.Unchanged)
					for _, fe := range report.Errors {
						fmt.Printf("error: %s\n", fe.Error())
					}
					return nil
				},
			},
			{
				Name:  "stats",
				Usage: "Show index size",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					app, err := openApp(ctx, cmd)
					if err != nil {
						return err
					}
					defer app.Close()

					st, err := app.DB.Stats(ctx)
					if err != nil {
						return err
					}
					fmt.Printf("files:  %s\n", humanize.Comma(int64(st.TotalFiles)))
					fmt.Printf("chunks: %s\n", humanize.Comma(int64(st.TotalChunks)))
					fmt.Printf("size:   %s\n", humanize.IBytes(uint64(st.SizeBytes)))
					return nil
				},
			},
		},
	}
}

func snippet(text string, n int) string {
	text = strings.Join(strings.Fields(text), " ")
	if r := []rune(text); len(r) > n {
		return string(r[:n]) + "…"
	}
	return text
}

func heartbeatCommand() *cli.Command {
	return &cli.Command{
		Name:  "heartbeat",
		Usage: "Work with HEARTBEAT.md tasks",
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Run pending tasks once",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "force", Usage: "Run even outside active hours"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					app, err := openApp(ctx, cmd)
					if err != nil {
						return err
					}
					defer app.Close()

					res, err := app.Heartbeat.RunOnce(ctx, cmd.Bool("force"))
					if err != nil {
						return err
					}
					if res.Skipped {
						fmt.Printf("skipped: %s (use --force to run anyway)\n", res.Reason)
						return nil
					}
					if len(res.Tasks) == 0 {
						fmt.Println("no pending tasks")
						return nil
					}
					for _, t := range res.Tasks {
						fmt.Printf("[%s] %s\n", t.Status, t.Description)
						if t.Error != "" {
							fmt.Printf("  %s\n", t.Error)
						}
						for _, w := range t.Warnings {
							fmt.Printf("  warning: %s\n", w)
						}
					}
					return nil
				},
			},
		},
	}
}

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Show, edit or create the configuration",
		Commands: []*cli.Command{
			{
				Name:  "show",
				Usage: "Print the effective configuration",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "format", Aliases: []string{"f"}, Value: "yaml", Usage: "Output format: yaml or json"},
				},
				Action: func(_ context.Context, cmd *cli.Command) error {
					cfg, err := loadConfig(cmd)
					if err != nil {
						return err
					}
					redact(cfg)
					return writeConfig(os.Stdout, cfg, cmd.String("format"))
				},
			},
			{
				Name:      "get",
				Usage:     "Print one configuration value by dotted key, e.g. agent.model",
				ArgsUsage: "<key>",
				Action: func(_ context.Context, cmd *cli.Command) error {
					if cmd.Args().Len() != 1 {
						return errors.New("usage: config get <key>")
					}
					cfg, err := loadConfig(cmd)
					if err != nil {
						return err
					}
					return getConfigValue(os.Stdout, cfg, cmd.Args().First())
				},
			},
			{
				Name:      "set",
				Usage:     "Set one configuration value by dotted key and save the file",
				ArgsUsage: "<key> <value>",
				Action: func(_ context.Context, cmd *cli.Command) error {
					if cmd.Args().Len() != 2 {
						return errors.New("usage: config set <key> <value>")
					}
					path := cmd.String("config")
					key, value := cmd.Args().Get(0), cmd.Args().Get(1)
					if err := pkgconfig.Update(path, internal.NewDefaultConfig(), key, value); err != nil {
						return err
					}
					fmt.Printf("set %s in %s\n", key, path)
					return nil
				},
			},
			{
				Name:  "path",
				Usage: "Print the configuration file path",
				Action: func(_ context.Context, cmd *cli.Command) error {
					fmt.Println(cmd.String("config"))
					return nil
				},
			},
			{
				Name:  "init",
				Usage: "Write a default configuration and workspace skeleton",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "force", Usage: "Overwrite an existing configuration file"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					path := cmd.String("config")
					if err := pkgconfig.Save(path, internal.NewDefaultConfig(), cmd.Bool("force")); err != nil {
						return err
					}
					fmt.Printf("wrote %s\n", path)

					app, err := openApp(ctx, cmd)
					if err != nil {
						return err
					}
					defer app.Close()
					created, err := app.Workspace.Init()
					if err != nil {
						return err
					}
					for _, p := range created {
						fmt.Printf("created %s\n", p)
					}
					return nil
				},
			},
		},
	}
}

// writeConfig prints cfg as YAML or as JSON with the same keys.
func writeConfig(w io.Writer, cfg *internal.Config, format string) error {
	switch format {
	case "yaml", "":
		return yaml.NewEncoder(w).Encode(cfg)
	case "json":
		var tree any
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		if err := yaml.Unmarshal(data, &tree); err != nil {
			return err
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(tree)
	default:
		return fmt.Errorf("unknown format %q (want yaml or json)", format)
	}
}

// getConfigValue prints the value at key: scalars bare, sections as YAML.
func getConfigValue(w io.Writer, cfg *internal.Config, key string) error {
	var doc yaml.Node
	if err := doc.Encode(cfg); err != nil {
		return err
	}
	n, err := pkgconfig.Lookup(&doc, key)
	if err != nil {
		return err
	}
	if n.Kind == yaml.ScalarNode {
		_, err = fmt.Fprintln(w, n.Value)
		return err
	}
	return yaml.NewEncoder(w).Encode(n)
}

func redact(cfg *internal.Config) {
	for _, p := range []*internal.ProviderConfig{
		&cfg.Agent.Providers.OpenAI, &cfg.Agent.Providers.Gemini, &cfg.Agent.Providers.Local,
	} {
		if p.APIKey != "" {
			p.APIKey = "********"
		}
	}
	if cfg.Auth.Token != "" {
		cfg.Auth.Token = "********"
	}
}

func runMCP(ctx context.Context, cmd *cli.Command) error {
	app, err := openApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	if _, err := app.Indexer.Reconcile(ctx); err != nil {
		return fmt.Errorf("sync index: %w", err)
	}
	return app.MCP().ServeStdio()
}
