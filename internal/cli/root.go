package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcelocantos/jn/internal/config"
)

// Execute runs the jn command line with args (excluding the program name)
// and returns the process exit code.
func Execute(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer, version string) int {
	var (
		code       int
		app        *App
		configPath string
		logLevel   string
		timeout    time.Duration
	)

	root := &cobra.Command{
		Use:   "jn",
		Short: "Stream NDJSON between plugins",
		Long: `jn wires sources, filters and sinks into a pipeline of plugin processes
connected by OS pipes. Addresses name files, URLs, @namespace/name profiles
or @plugin references; a ~fmt suffix forces a format and ?key=value passes
parameters.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			cfg, err := config.LoadFrom(configPath)
			if err != nil {
				return err
			}
			if logLevel != "" {
				cfg.Log.Level = logLevel
			}
			cwd, err := os.Getwd()
			if err != nil {
				return err
			}
			app, err = NewApp(cfg, cwd, stdin, stdout, stderr)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("timeout") {
				app.Timeout = timeout
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", config.Path(), "config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 0, "stop the pipeline after this long (0 for no limit)")

	root.AddCommand(&cobra.Command{
		Use:   "cat <address>...",
		Short: "Read sources and write NDJSON to stdout",
		Example: `  jn cat data.csv
  jn cat https://example.com/export.csv.gz
  jn cat @github/issues?state=open a.csv b.csv`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code = app.RunCat(cmd.Context(), args)
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "put <address>",
		Short: "Write NDJSON from stdin to a sink",
		Example: `  jn cat data.csv | jn put out.json
  jn cat data.csv | jn put -~table.grid`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code = app.RunPut(cmd.Context(), args[0])
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "filter <expression|@ref>...",
		Short: "Transform NDJSON from stdin",
		Example: `  jn cat data.csv | jn filter 'select(.age > 30)'
  jn cat sales.csv | jn filter @sales/by_region?region=west`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code = app.RunFilter(cmd.Context(), args)
			return nil
		},
	})

	var (
		runFilters []string
		runOutput  string
	)
	runCmd := &cobra.Command{
		Use:     "run <source>... [-f filter]... [-o sink]",
		Short:   "Run a complete pipeline",
		Example: `  jn run a.csv b.csv -f '.name' -o names.json`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code = app.RunPipeline(cmd.Context(), args, runFilters, runOutput)
			return nil
		},
	}
	runCmd.Flags().StringArrayVarP(&runFilters, "filter", "f", nil, "filter expression or @ref (repeatable)")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "-", "sink address")
	root.AddCommand(runCmd)

	var explainRole string
	explainCmd := &cobra.Command{
		Use:   "explain <address>",
		Short: "Show the plugin invocations an address resolves to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code = app.RunExplain(stdout, args[0], explainRole)
			return nil
		},
	}
	explainCmd.Flags().StringVar(&explainRole, "as", "source", "role: source, filter or sink")
	root.AddCommand(explainCmd)

	var pluginKind string
	pluginsCmd := &cobra.Command{
		Use:   "plugins",
		Short: "List discovered plugins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			code = app.RunPlugins(stdout, pluginKind)
			return nil
		},
	}
	pluginsCmd.Flags().StringVar(&pluginKind, "kind", "", "only plugins of this kind (format, protocol, filter, compression)")
	root.AddCommand(pluginsCmd)

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect the run history",
	}
	var (
		showCount int
		showJSON  bool
	)
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			code = app.RunHistoryShow(stdout, showCount, showJSON)
			return nil
		},
	}
	showCmd.Flags().IntVarP(&showCount, "count", "n", 20, "number of runs")
	showCmd.Flags().BoolVar(&showJSON, "json", false, "print entries as JSON lines")
	historyCmd.AddCommand(showCmd)
	historyCmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Check the history's hash chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			code = app.RunHistoryVerify(stdout)
			return nil
		},
	})
	root.AddCommand(historyCmd)

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the jn version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(stdout, "jn %s\n", version)
		},
	})

	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "jn: %v\n", err)
		return ExitUsage
	}
	return code
}
