// Command engram runs the context daemon and the thin IPC client commands
// hooks and shells use to talk to it.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"engram/internal/config"
	"engram/internal/daemon"
	"engram/internal/ipc"
	"engram/internal/memory"
)

// Exit codes: 0 normal, 1 second instance or fatal init error, 2 config
// error.
const (
	exitOK     = 0
	exitFatal  = 1
	exitConfig = 2
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "engram",
		Short:         "Structured context daemon for AI coding assistants",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml")

	root.AddCommand(
		serveCmd(),
		initCmd(),
		statusCmd(),
		pingCmd(),
		contextCmd(),
		prepareCmd(),
		notifyCmd(),
		memoryCmd(),
		shutdownCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitFatal)
	}
}

// loadConfig reads configuration, exiting with the config error code on a
// malformed file.
func loadConfig() *config.Config {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFrom(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(exitConfig)
	}
	return cfg
}

func setupLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	parsed, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
}

func client(cfg *config.Config) *ipc.Client {
	return ipc.NewClient(cfg.SocketPath)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engram daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			setupLogging(cfg.LogLevel)

			d, err := daemon.New(cfg)
			if err != nil {
				return err
			}
			return d.Run()
		},
	}
}

func initCmd() *cobra.Command {
	var async bool
	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Initialize a project for context tracking",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			cwd := cwdOrArg(args)

			resp, err := client(cfg).WithTimeout(5 * time.Minute).Call(ipc.Request{
				Action:    ipc.ActionInitProject,
				Cwd:       cwd,
				AsyncMode: async,
			})
			if err != nil {
				return err
			}
			if resp.Status == ipc.StatusError {
				return fmt.Errorf("%s: %s", resp.Code, resp.Message)
			}
			fmt.Println("initialized", cwd)
			return nil
		},
	}
	cmd.Flags().BoolVar(&async, "async", false, "acknowledge after the manifest is written; scan in background")
	return cmd
}

var (
	statusTitle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	statusKey   = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Width(18)
	statusWarn  = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
)

func statusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon state and latency percentiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			resp, err := client(cfg).Call(ipc.Request{Action: ipc.ActionStatus})
			if err != nil {
				return err
			}
			if resp.Status != ipc.StatusOk || resp.Data == nil || resp.Data.DaemonStatus == nil {
				return fmt.Errorf("unexpected response: %s %s", resp.Code, resp.Message)
			}
			st := resp.Data.DaemonStatus

			if asJSON {
				out, err := json.MarshalIndent(st, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			}

			fmt.Println(statusTitle.Render("engram " + st.Version))
			row := func(k, v string) {
				fmt.Println(statusKey.Render(k) + v)
			}
			row("uptime", (time.Duration(st.UptimeSecs) * time.Second).String())
			row("projects loaded", fmt.Sprintf("%d", st.ProjectsLoaded))
			row("memory", fmt.Sprintf("%.1f MiB", float64(st.MemoryUsageBytes)/(1024*1024)))
			row("requests", fmt.Sprintf("%d", st.RequestsTotal))
			row("cache hit rate", fmt.Sprintf("%.0f%%", st.CacheHitRate*100))
			row("avg latency", fmt.Sprintf("%d ms", st.AvgLatencyMs))
			if st.TasksDropped > 0 {
				row("tasks dropped", statusWarn.Render(fmt.Sprintf("%d", st.TasksDropped)))
			}
			if len(st.Latencies) > 0 {
				fmt.Println(statusTitle.Render("latency (µs)"))
				for op, l := range st.Latencies {
					row(op, fmt.Sprintf("p50 %d  p90 %d  p99 %d  (n=%d)", l.P50us, l.P90us, l.P99us, l.Samples))
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	return cmd
}

func pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the daemon is alive",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			start := time.Now()
			resp, err := client(cfg).Call(ipc.Request{Action: ipc.ActionPing})
			if err != nil {
				return err
			}
			if resp.Status != ipc.StatusOk {
				return fmt.Errorf("unexpected response: %+v", resp)
			}
			fmt.Printf("pong (%s)\n", time.Since(start).Round(time.Microsecond))
			return nil
		},
	}
}

func contextCmd() *cobra.Command {
	var prompt string
	cmd := &cobra.Command{
		Use:   "context [dir]",
		Short: "Print the composed context for a project",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			resp, err := client(cfg).Call(ipc.Request{
				Action: ipc.ActionGetContext,
				Cwd:    cwdOrArg(args),
				Prompt: prompt,
			})
			if err != nil {
				return err
			}
			if resp.Status == ipc.StatusError {
				return fmt.Errorf("%s: %s", resp.Code, resp.Message)
			}
			fmt.Print(resp.Data.Context)
			return nil
		},
	}
	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "user prompt to focus the context")
	return cmd
}

func prepareCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prepare [dir] <prompt>",
		Short: "Queue context preparation for the next prompt",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			cwd, _ := os.Getwd()
			prompt := args[0]
			if len(args) == 2 {
				cwd, prompt = args[0], args[1]
			}
			resp, err := client(cfg).Call(ipc.Request{
				Action: ipc.ActionPrepareContext,
				Cwd:    cwd,
				Prompt: prompt,
			})
			if err != nil {
				return err
			}
			if resp.Status == ipc.StatusError {
				return fmt.Errorf("%s: %s", resp.Code, resp.Message)
			}
			return nil
		},
	}
}

func notifyCmd() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "notify <path>",
		Short: "Notify the daemon of a file change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			cwd, _ := os.Getwd()
			resp, err := client(cfg).Call(ipc.Request{
				Action:     ipc.ActionNotifyFileChange,
				Cwd:        cwd,
				Path:       args[0],
				ChangeType: kind,
			})
			if err != nil {
				return err
			}
			if resp.Status == ipc.StatusError {
				return fmt.Errorf("%s: %s", resp.Code, resp.Message)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "modified", "change kind: created, modified, deleted")
	return cmd
}

func memoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Work with the project memory store",
	}
	cmd.AddCommand(memoryPutCmd(), memoryGetCmd(), memoryListCmd(),
		memorySearchCmd(), memoryDeleteCmd(), memorySyncCmd())
	return cmd
}

func memoryPutCmd() *cobra.Command {
	var kind string
	var tags []string
	cmd := &cobra.Command{
		Use:   "put <content>",
		Short: "Store a memory entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			cwd, _ := os.Getwd()
			resp, err := client(cfg).Call(ipc.Request{
				Action: ipc.ActionMemoryPut,
				Cwd:    cwd,
				Entry: &memory.Entry{
					Kind:    memory.Kind(kind),
					Content: args[0],
					Tags:    tags,
				},
			})
			if err != nil {
				return err
			}
			if resp.Status == ipc.StatusError {
				return fmt.Errorf("%s: %s", resp.Code, resp.Message)
			}
			fmt.Println(resp.Data.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "context_note", "entry kind")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tags (repeatable)")
	return cmd
}

func memoryGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Fetch a memory entry by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			cwd, _ := os.Getwd()
			resp, err := client(cfg).Call(ipc.Request{
				Action: ipc.ActionMemoryGet, Cwd: cwd, ID: args[0],
			})
			if err != nil {
				return err
			}
			if resp.Status == ipc.StatusError {
				return fmt.Errorf("%s: %s", resp.Code, resp.Message)
			}
			return printEntries([]memory.Entry{*resp.Data.Entry})
		},
	}
}

func memoryListCmd() *cobra.Command {
	var limit int
	var kinds, tags []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent memory entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			cwd, _ := os.Getwd()
			resp, err := client(cfg).Call(ipc.Request{
				Action: ipc.ActionMemoryList, Cwd: cwd,
				Limit: limit, Kinds: kinds, Tags: tags,
			})
			if err != nil {
				return err
			}
			if resp.Status == ipc.StatusError {
				return fmt.Errorf("%s: %s", resp.Code, resp.Message)
			}
			return printEntries(resp.Data.Entries)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum entries")
	cmd.Flags().StringSliceVar(&kinds, "kind", nil, "filter by kind (repeatable)")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "filter by tag, intersection (repeatable)")
	return cmd
}

func memorySearchCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search memory entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			cwd, _ := os.Getwd()
			resp, err := client(cfg).Call(ipc.Request{
				Action: ipc.ActionMemorySearch, Cwd: cwd,
				Query: args[0], Limit: limit,
			})
			if err != nil {
				return err
			}
			if resp.Status == ipc.StatusError {
				return fmt.Errorf("%s: %s", resp.Code, resp.Message)
			}
			return printEntries(resp.Data.Entries)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum results")
	return cmd
}

func memoryDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Tombstone a memory entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			cwd, _ := os.Getwd()
			resp, err := client(cfg).Call(ipc.Request{
				Action: ipc.ActionMemoryDelete, Cwd: cwd, ID: args[0],
			})
			if err != nil {
				return err
			}
			if resp.Status == ipc.StatusError {
				return fmt.Errorf("%s: %s", resp.Code, resp.Message)
			}
			return nil
		},
	}
}

func memorySyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Rebuild the in-memory index from the durable log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			cwd, _ := os.Getwd()
			resp, err := client(cfg).Call(ipc.Request{Action: ipc.ActionMemorySync, Cwd: cwd})
			if err != nil {
				return err
			}
			if resp.Status == ipc.StatusError {
				return fmt.Errorf("%s: %s", resp.Code, resp.Message)
			}
			return nil
		},
	}
}

func shutdownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "Ask the daemon to drain and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			resp, err := client(cfg).Call(ipc.Request{Action: ipc.ActionShutdown})
			if err != nil {
				return err
			}
			if resp.Status == ipc.StatusError {
				return fmt.Errorf("%s: %s", resp.Code, resp.Message)
			}
			return nil
		},
	}
}

func cwdOrArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	cwd, _ := os.Getwd()
	return cwd
}

func printEntries(entries []memory.Entry) error {
	for _, e := range entries {
		ts := time.UnixMilli(e.CreatedAt).Format("2006-01-02 15:04")
		line := fmt.Sprintf("%s  %-16s %s", ts, e.Kind, e.Content)
		if len(e.Tags) > 0 {
			line += "  [" + strings.Join(e.Tags, ", ") + "]"
		}
		fmt.Println(line)
		fmt.Println(statusKey.Render("  id") + e.ID)
	}
	return nil
}
