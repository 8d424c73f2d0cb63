package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/hookgate/internal/config"
	"github.com/mattjoyce/hookgate/internal/doctor"
	"github.com/mattjoyce/hookgate/internal/tui/watch"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	if cmd == "--version" {
		return runVersion(args)
	}

	switch cmd {
	// --- NOUNS ---
	case "system":
		return runSystemNoun(args)
	case "config":
		return runConfigNoun(args)
	case "events":
		return runEventsNoun(args)

	// --- ROOT ALIASES ---
	case "start":
		return runStart(args)
	case "watch":
		return runWatch(args)
	case "doctor":
		return runConfigCheck(args)
	case "version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: hookgate version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("hookgate %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalized, ok := normalizeBuildTimeUTC(built); ok {
		info.BuildTime = normalized
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}
	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`hookgate - Webhook intake with an idempotency ledger and retry scheduler

Usage:
  hookgate <noun> <action> [flags]

Core Resources (Nouns):
  system    Service lifecycle and health
  config    Configuration and integrity
  events    Ledger rows: stats, listing, inspection and retries

System Commands:
  system start        Start intake, workers, scheduler and admin API in foreground
  system status       Show config, database and PID lock state
  system watch        Real-time monitoring TUI (needs the admin API)

Config Commands:
  config check        Validate configuration
  config lock         Record the config file hash in .checksums
  config show         Show the resolved configuration (secrets redacted)
  config get <path>   Read a single value

Events Commands:
  events stats              Ledger counts and retry rate
  events list               Recent ledger rows
  events inspect <id>       Ledger row, attempts, jobs and payment state
  events retry <id>         Return a FAILED row to PENDING
  events cleanup            Delete rows older than the retention window

General:
  --version           Show version information
  version             Show version information
  help                Show this help message

Use 'hookgate <noun> help' for resource-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			printSystemStartHelp()
			return 0
		}
		return runStart(actionArgs)
	case "status":
		if hasHelpFlag(actionArgs) {
			printSystemStatusHelp()
			return 0
		}
		return runSystemStatus(actionArgs)
	case "watch":
		if hasHelpFlag(actionArgs) {
			printSystemWatchHelp()
			return 0
		}
		return runWatch(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "lock":
		if hasHelpFlag(actionArgs) {
			printConfigLockHelp()
			return 0
		}
		return runConfigLock(actionArgs)
	case "show":
		if hasHelpFlag(actionArgs) {
			printConfigShowHelp()
			return 0
		}
		return runConfigShow(actionArgs)
	case "get":
		if hasHelpFlag(actionArgs) {
			printConfigGetHelp()
			return 0
		}
		return runConfigGet(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func runEventsNoun(args []string) int {
	if len(args) < 1 {
		printEventsNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printEventsNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	if hasHelpFlag(actionArgs) {
		printEventsActionHelp(action)
		return 0
	}

	switch action {
	case "stats":
		return runEventsStats(actionArgs)
	case "list":
		return runEventsList(actionArgs)
	case "inspect":
		return runEventsInspect(actionArgs)
	case "retry":
		return runEventsRetry(actionArgs)
	case "cleanup":
		return runEventsCleanup(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown events action: %s\n", action)
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func printSystemNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: hookgate system <action>")
	fmt.Fprintln(w, "Actions: start, status, watch")
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: hookgate config <action> [flags]")
	fmt.Fprintln(w, "Actions: check, lock, show, get")
}

func printEventsNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: hookgate events <action> [flags]")
	fmt.Fprintln(w, "Actions: stats, list, inspect, retry, cleanup")
}

func printSystemStartHelp() {
	fmt.Println("Usage: hookgate system start [--config PATH]")
	fmt.Println("Start the webhook intake, worker pool, scheduler and admin API in the foreground.")
}

func printSystemStatusHelp() {
	fmt.Println("Usage: hookgate system status [--config PATH] [--json]")
	fmt.Println("Show config, database readiness and PID lock state.")
	fmt.Println("")
	fmt.Println("Exit codes:")
	fmt.Println("  0  All required checks passed")
	fmt.Println("  1  One or more checks failed")
}

func printSystemWatchHelp() {
	fmt.Println("Usage: hookgate system watch [flags]")
	fmt.Println()
	fmt.Println("Real-time monitoring TUI.")
	fmt.Println("Shows service health, ledger rows, queue depth and the event stream.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --api-url URL    Admin API URL (default: http://localhost:8080)")
	fmt.Println("  --api-key KEY    API Bearer Token (or HOOKGATE_API_KEY env var)")
	fmt.Println()
	fmt.Println("Keybindings:")
	fmt.Println("  q, Ctrl+C        Quit")
	fmt.Println("  ↑/↓, k/j         Select row")
	fmt.Println("  f                Cycle status filter")
	fmt.Println("  r                Retry selected FAILED row")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: hookgate config check [--config PATH] [--format human|json] [--strict] [--json]")
	fmt.Println("Validate configuration syntax and policy.")
}

func printConfigLockHelp() {
	fmt.Println("Usage: hookgate config lock [--config PATH]")
	fmt.Println("Authorize the current config file by writing its hash to .checksums.")
}

func printConfigShowHelp() {
	fmt.Println("Usage: hookgate config show [entity] [--config PATH] [--json]")
	fmt.Println("Show the resolved configuration, or one entity (webhook:<provider|path>, token:<index>).")
	fmt.Println("Secrets and tokens are redacted.")
}

func printConfigGetHelp() {
	fmt.Println("Usage: hookgate config get <path> [--config PATH] [--json]")
	fmt.Println("Read a single value from the resolved configuration, e.g. webhooks.max_retries.")
}

func printEventsActionHelp(action string) {
	switch action {
	case "stats":
		fmt.Println("Usage: hookgate events stats [--config PATH] [--json]")
		fmt.Println("Show ledger counts by status and the retry rate.")
	case "list":
		fmt.Println("Usage: hookgate events list [--status STATUS] [--limit N] [--config PATH] [--json]")
		fmt.Println("List recent ledger rows, newest first.")
	case "inspect":
		fmt.Println("Usage: hookgate events inspect <id> [--config PATH] [--json] [--payload]")
		fmt.Println("Show a ledger row with its attempt history, queue jobs and payment state.")
	case "retry":
		fmt.Println("Usage: hookgate events retry <id> | --all-failed [--config PATH]")
		fmt.Println("Return FAILED rows to PENDING so the scheduler processes them again.")
	case "cleanup":
		fmt.Println("Usage: hookgate events cleanup [--days N] [--config PATH]")
		fmt.Println("Delete ledger rows older than N days (default: webhooks.retention).")
	default:
		printEventsNounHelp(os.Stdout)
	}
}

// --- ACTION IMPLEMENTATIONS ---

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	apiURL := fs.String("api-url", "http://localhost:8080", "Admin API URL")
	apiKey := fs.String("api-key", os.Getenv("HOOKGATE_API_KEY"), "API Bearer Token")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if *apiKey == "" {
		fmt.Fprintln(os.Stderr, "Error: API key required. Use --api-key or HOOKGATE_API_KEY env var.")
		return 1
	}

	if err := watch.Run(*apiURL, *apiKey); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

func runConfigCheck(args []string) int {
	var configPath, format string
	var strict, jsonOut bool

	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&strict, "strict", false, "Treat warnings as errors")
	fs.StringVar(&format, "format", "human", "Output format (human, json)")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if jsonOut {
		format = "json"
	}

	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}

	result := doctor.New(cfg).Validate()

	switch format {
	case "json":
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(out)
	default:
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 1
	}
	if strict && len(result.Warnings) > 0 {
		return 2
	}
	return 0
}

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	target, err := resolveConfigFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}

	// Parse first so a broken file never gets authorized.
	if _, err := config.Load(target); err != nil && !errors.Is(err, config.ErrUnverified) {
		fmt.Fprintf(os.Stderr, "Refusing to lock invalid config: %v\n", err)
		return 1
	}

	checksumPath, err := config.LockConfig(target)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config: %v\n", err)
		return 1
	}
	fmt.Printf("Successfully locked configuration:\n  - %s\n  WROTE %s\n", target, checksumPath)
	return 0
}

func runConfigShow(args []string) int {
	var configPath string
	var jsonOut bool
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&jsonOut, "json", false, "Output in structured JSON format")

	entity, rest := splitPositional(args)
	if err := fs.Parse(rest); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}
	cfg = cfg.Redacted()

	var result any = cfg
	if entity != "" {
		res, err := cfg.GetEntity(entity)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		result = res
	}
	return printStructured(result, jsonOut)
}

func runConfigGet(args []string) int {
	var configPath string
	var jsonOut bool
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&jsonOut, "json", false, "Output in structured JSON format")

	path, rest := splitPositional(args)
	if err := fs.Parse(rest); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if path == "" {
		fmt.Fprintln(os.Stderr, "Usage: hookgate config get <path> [--json]")
		return 1
	}

	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	val, err := cfg.Redacted().GetPath(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if jsonOut {
		data, _ := json.MarshalIndent(val, "", "  ")
		fmt.Println(string(data))
		return 0
	}
	switch val.(type) {
	case map[string]any, []any:
		data, _ := yaml.Marshal(val)
		fmt.Print(string(data))
	default:
		fmt.Printf("%v\n", val)
	}
	return 0
}

func printStructured(v any, jsonOut bool) int {
	if jsonOut {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}
	data, err := yaml.Marshal(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render YAML: %v\n", err)
		return 1
	}
	fmt.Print(string(data))
	return 0
}

// splitPositional pulls the first non-flag argument out of args so flags may
// follow it, as in 'hookgate events inspect <id> --json'.
func splitPositional(args []string) (string, []string) {
	var positional string
	var rest []string
	for _, arg := range args {
		if positional == "" && !strings.HasPrefix(arg, "-") {
			positional = arg
			continue
		}
		rest = append(rest, arg)
	}
	return positional, rest
}

func resolveConfigFile(configPath string) (string, error) {
	if configPath == "" {
		discovered, err := config.Discover()
		if err != nil {
			return "", err
		}
		configPath = discovered
	}
	info, err := os.Stat(configPath)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return filepath.Join(configPath, "config.yaml"), nil
	}
	return configPath, nil
}

func loadConfigForTool(configPath string) (*config.Config, error) {
	target, err := resolveConfigFile(configPath)
	if err != nil {
		return nil, err
	}
	return config.Load(target)
}
