package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wasmic/wasmic/config"
	"github.com/wasmic/wasmic/engine"
	"github.com/wasmic/wasmic/invoker"
	"github.com/wasmic/wasmic/mcpserver"
	"github.com/wasmic/wasmic/oci"
	"github.com/wasmic/wasmic/resolver"
)

var version = "dev"

var flags = []cli.Flag{
	&cli.PathFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "load configuration from `path`",
		Value:   "wasmic.yaml",
		EnvVars: []string{"WASMIC_CONFIG"},
	},
	&cli.StringFlag{
		Name:    "profile",
		Aliases: []string{"p"},
		Usage:   "select a configuration `profile`",
		EnvVars: []string{"WASMIC_PROFILE"},
	},
	&cli.StringFlag{
		Name:    "log-level",
		Usage:   "set logging `level` to debug, info, warn or error",
		Value:   "info",
		EnvVars: []string{"WASMIC_LOG_LEVEL"},
	},
	&cli.PathFlag{
		Name:        "cache-dir",
		Usage:       "cache component artifacts under `path`",
		DefaultText: "user cache dir",
		EnvVars:     []string{"WASMIC_CACHE_DIR"},
	},
}

func main() {
	app := &cli.App{
		Name:    "wasmic",
		Usage:   "serve WASM components as MCP tools",
		Version: version,
		Flags:   flags,
		Commands: []*cli.Command{
			serveCommand(),
			callCommand(),
			listCommand(),
			replCommand(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// env holds the wired component stack behind every command.
type env struct {
	cfg     *config.Config
	profile *config.Profile
	invoker *invoker.Invoker
	log     *zap.Logger
	engine  *engine.Engine
}

func (e *env) close(ctx context.Context) {
	if e.engine != nil {
		e.engine.Close(ctx)
	}
	e.log.Sync()
}

// setup loads config and wires resolver, engine and invoker. MCP over
// stdio owns stdout, so logs always go to stderr.
func setup(c *cli.Context) (*env, error) {
	log, err := newLogger(c.String("log-level"))
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(c.Path("config"))
	if err != nil {
		return nil, err
	}
	profile, err := cfg.Profile(c.String("profile"))
	if err != nil {
		return nil, err
	}

	cacheDir := c.Path("cache-dir")
	if cacheDir == "" {
		cacheDir = cfg.CacheDir
	}
	if cacheDir == "" {
		cacheDir = config.DefaultCacheDir()
	}

	fetcher := oci.NewClient(oci.WithLogger(log.Named("oci")))
	res := resolver.New(cacheDir, fetcher, resolver.WithLogger(log.Named("resolver")))

	eng, err := engine.New(c.Context, engine.Config{}, engine.WithLogger(log.Named("engine")))
	if err != nil {
		return nil, err
	}

	inv := invoker.New(profile, res, invoker.EngineRuntime(eng),
		invoker.WithLogger(log.Named("invoker")))

	return &env{cfg: cfg, profile: profile, invoker: inv, log: log, engine: eng}, nil
}

func newLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.Set(level); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "serve the profile's components over MCP",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "http",
				Usage: "serve streamable HTTP on `addr` instead of stdio",
			},
		},
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.close(context.Background())

			srv, err := mcpserver.New(c.Context, e.invoker, e.profile, version,
				mcpserver.WithLogger(e.log.Named("mcp")))
			if err != nil {
				return err
			}

			if addr := c.String("http"); addr != "" {
				return srv.ServeHTTP(c.Context, addr)
			}
			return srv.ServeStdio(c.Context)
		},
	}
}

func callCommand() *cli.Command {
	return &cli.Command{
		Name:      "call",
		Usage:     "invoke one component function",
		UsageText: "wasmic call -f component.function [-a '{\"arg\": 1}']",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "function",
				Aliases:  []string{"f"},
				Usage:    "target as `component.function`",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "args",
				Aliases: []string{"a"},
				Usage:   "arguments as a JSON `object`",
				Value:   "{}",
			},
		},
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.close(context.Background())

			component, function, ok := strings.Cut(c.String("function"), ".")
			if !ok {
				return fmt.Errorf("target %q is not component.function", c.String("function"))
			}

			args, err := parseArgs(c.String("args"))
			if err != nil {
				return err
			}

			res, err := e.invoker.Invoke(c.Context, invoker.Request{
				Component: component,
				Function:  function,
				Args:      args,
			})
			if err != nil {
				return err
			}
			return printJSON(res.Value)
		},
	}
}

func listCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "list the profile's component functions",
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.close(context.Background())

			infos, failures := e.invoker.List(c.Context)
			for _, info := range infos {
				fmt.Printf("%s.%s\n", info.Component, formatSignature(info.Signature))
			}

			if len(failures) > 0 {
				names := make([]string, 0, len(failures))
				for name := range failures {
					names = append(names, name)
				}
				sort.Strings(names)
				fmt.Println()
				for _, name := range names {
					fmt.Fprintf(os.Stderr, "unavailable: %s: %v\n", name, failures[name])
				}
			}
			return nil
		},
	}
}

func replCommand() *cli.Command {
	return &cli.Command{
		Name:  "repl",
		Usage: "browse and call component functions interactively",
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.close(context.Background())
			return runInteractive(c.Context, e.invoker)
		},
	}
}

// parseArgs decodes the -a JSON object, keeping integer precision.
func parseArgs(raw string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var args map[string]any
	if err := dec.Decode(&args); err != nil {
		return nil, fmt.Errorf("parse arguments: %w", err)
	}
	return args, nil
}

func printJSON(v any) error {
	if v == nil {
		fmt.Println("ok")
		return nil
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
