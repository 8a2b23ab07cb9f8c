// Command tinywatcher is the TinyWatcher agent: it tails logs, matches them
// against configured rules, dispatches alerts, and samples host health.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	"github.com/tripwire/tinywatcher/internal/config"
	"github.com/tripwire/tinywatcher/internal/rule"
	"github.com/tripwire/tinywatcher/internal/source"
	"github.com/tripwire/tinywatcher/internal/supervisor"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "watch":
		err = runWatch(args)
	case "test":
		err = runTest(args)
	case "check":
		err = runCheck(args)
	case "start", "stop", "restart", "status":
		err = runServiceCommand(cmd, args)
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "tinywatcher: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: tinywatcher <watch|test|check|start|stop|restart|status> [flags]")
}

// runWatch starts the monitoring engine and blocks until it is shut down by
// signal or a root task fails (spec.md §6).
func runWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	configPath := fs.String("config", "/etc/tinywatcher/config.yaml", "path to configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger()
	slog.SetDefault(logger)

	sv, err := supervisor.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("build supervisor: %w", err)
	}

	logger.Info("tinywatcher starting",
		slog.String("identity", cfg.Identity.Name),
		slog.Int("rules", len(cfg.Rules)),
		slog.Int("checks", len(cfg.Checks)),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err = sv.Run(ctx)
	if err != nil && !supervisor.IsShutdownRequested(err) {
		return fmt.Errorf("watch: %w", err)
	}

	logger.Info("tinywatcher exited cleanly")
	return nil
}

// runTest validates a configuration file and reports every problem found
// (unknown alert reference, invalid regex, invalid threshold, ...). It never
// starts monitoring (spec.md §6).
func runTest(args []string) error {
	fs := flag.NewFlagSet("test", flag.ExitOnError)
	configPath := fs.String("config", "/etc/tinywatcher/config.yaml", "path to configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if _, err := supervisor.New(cfg, logger); err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}

	fmt.Printf("configuration OK: %d rule(s), %d alert target(s), %d check(s)\n",
		len(cfg.Rules), len(cfg.Alerts), len(cfg.Checks))
	return nil
}

// runCheck tails the last N lines of every configured file and container
// source, evaluates each against the compiled rule engine, and prints any
// match with its span highlighted (spec.md §6, SPEC_FULL.md §12).
func runCheck(args []string) error {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", "/etc/tinywatcher/config.yaml", "path to configuration file")
	lines := fs.Int("lines", 50, "number of trailing lines to check per source")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	engine, err := rule.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("compile rules: %w", err)
	}

	var matched int
	for _, path := range cfg.Inputs.Files {
		text, err := tailFile(path, *lines)
		if err != nil {
			fmt.Fprintf(os.Stderr, "tinywatcher: check: %s: %v\n", path, err)
			continue
		}
		matched += checkLines(engine, source.File(path), text)
	}
	for _, name := range cfg.Inputs.Containers {
		text, err := tailContainer(name, *lines)
		if err != nil {
			fmt.Fprintf(os.Stderr, "tinywatcher: check: %s: %v\n", name, err)
			continue
		}
		matched += checkLines(engine, source.Container(name), text)
	}

	fmt.Printf("%d matching line(s)\n", matched)
	return nil
}

func checkLines(engine *rule.Engine, src source.Source, text string) int {
	matched := 0
	for _, line := range strings.Split(text, "\n") {
		if line == "" {
			continue
		}
		for _, m := range engine.Match(line, src) {
			matched++
			start, end, ok := engine.Highlight(m.RuleName, line)
			if !ok {
				fmt.Printf("[%s] %s: %s\n", m.RuleName, src, line)
				continue
			}
			fmt.Printf("[%s] %s: %s%s%s%s%s\n", m.RuleName, src,
				line[:start], "\033[1;31m", line[start:end], "\033[0m", line[end:])
		}
	}
	return matched
}

func tailFile(path string, n int) (string, error) {
	out, err := exec.Command("tail", "-n", fmt.Sprint(n), path).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

func tailContainer(name string, n int) (string, error) {
	out, err := exec.Command("docker", "logs", "--tail", fmt.Sprint(n), name).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// runServiceCommand delegates service lifecycle management to the host OS's
// service manager. Installing a managed service is outside this binary's
// scope (spec.md §5 "Non-goals"); this wraps whatever manager is already
// configured for the tinywatcher unit/service name.
func runServiceCommand(cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	service := fs.String("service", "tinywatcher", "service/unit name registered with the OS service manager")
	if err := fs.Parse(args); err != nil {
		return err
	}

	manager, managerArgs, err := serviceManagerCommand(cmd, *service)
	if err != nil {
		return err
	}

	c := exec.Command(manager, managerArgs...)
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	c.Stdin = os.Stdin
	return c.Run()
}

func serviceManagerCommand(cmd, service string) (string, []string, error) {
	switch {
	case commandExists("systemctl"):
		return "systemctl", []string{cmd, service}, nil
	case commandExists("launchctl") && cmd == "start":
		return "launchctl", []string{"load", service}, nil
	case commandExists("launchctl") && cmd == "stop":
		return "launchctl", []string{"unload", service}, nil
	default:
		return "", nil, fmt.Errorf("no supported service manager found for command %q", cmd)
	}
}

func commandExists(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr.
func newLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}
