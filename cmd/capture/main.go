package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"strings"
	"time"

	"github.com/metorial/capture-core/internal/capture"
	"github.com/metorial/capture-core/internal/cli"
	"github.com/metorial/capture-core/internal/config"
	"github.com/metorial/capture-core/internal/eventstore"
	"github.com/metorial/capture-core/internal/log"
	"github.com/metorial/capture-core/internal/models"
	"github.com/metorial/capture-core/internal/policy"
	"github.com/spf13/cobra"
)

// Exit status of a command refused by the whitelist, as for a shell command
// that is found but not executable.
const exitRejected = 126

var (
	configPath string
	debug      bool
	exitCode   int
)

func main() {
	cmd, err := rootCmd.ExecuteC()
	if err != nil {
		log.Error("%v", err)
		if exitCode == 0 {
			exitCode = 1
		}
	}
	if cmd == hookCmd {
		exitCode = 0
	}
	os.Exit(exitCode)
}

var rootCmd = &cobra.Command{
	Use:   "capture",
	Short: "Record commands run in this shell",
	Long: `capture records commands typed in an interactive shell into the local event
store and runs commands under capture so their output can be imported into
the unified history and the host registry.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.SetDebugMode(debug)
	},
}

var runCmd = &cobra.Command{
	Use:   "run -- <command line> | run -- <command> [args...]",
	Short: "Run a command and record its output",
	Long: `Run a command under bash and record its output.

A single argument is taken as a complete shell command line, so pipes and
redirections work when it is quoted: capture run -- "nmap -sV 10.0.0.5 | tee scan.txt".
Several arguments are shell-quoted one by one, so capture run -- grep "a b" f
searches for "a b".`,
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		whitelist, err := newWhitelist(cfg)
		if err != nil {
			return err
		}

		wrapperCfg := capture.WrapperConfig{
			Whitelist: whitelist,
			Scanners:  policy.NewScanners(cfg.Scanners),
			Logger:    log.Default(),
		}
		wrapperCfg.User, wrapperCfg.Hostname, wrapperCfg.WorkingDir = sessionInfo()
		if noIngest, _ := cmd.Flags().GetBool("no-ingest"); !noIngest {
			wrapperCfg.Ingester = cli.NewClient(cfg.ControllerURL)
		}

		// A broken store must not stop the command; the wrapper reports it.
		var recorder capture.EventRecorder = unavailableStore{}
		if store, err := openStore(cfg); err != nil {
			log.Warn("Event store unavailable: %v", err)
		} else {
			recorder = store
		}

		executor := capture.NewExecutor(os.Stdin, os.Stdout, os.Stderr)
		executor.ForwardSignals = true

		wrapper := capture.NewWrapper(recorder, executor, wrapperCfg)
		result, err := wrapper.Run(context.Background(), commandLine(args))
		if errors.Is(err, policy.ErrRejected) {
			exitCode = exitRejected
			return err
		}
		if err != nil {
			return err
		}

		log.Debug("Recorded %s in %s", result.EventID, result.Duration.Round(time.Millisecond))
		exitCode = result.ExitCode
		if exitCode < 0 {
			exitCode = 127
		}
		return nil
	},
}

var hookCmd = &cobra.Command{
	Use:   "hook -- <command line>",
	Short: "Record a command from the shell prompt hook",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		// The prompt must never see a failure from here.
		if err := recordHook(cmd, strings.Join(args, " ")); err != nil && !errors.Is(err, capture.ErrDropped) {
			log.Error("capture hook: %v", err)
		}
	},
}

func recordHook(cmd *cobra.Command, command string) error {
	// capture run records its own event.
	if policy.BaseCommand(command) == "capture" {
		return capture.ErrDropped
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	whitelist, err := newWhitelist(cfg)
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}

	inv := capture.Invocation{Command: command}
	inv.User, inv.Hostname, inv.WorkingDir = sessionInfo()
	if cwd, _ := cmd.Flags().GetString("cwd"); cwd != "" {
		inv.WorkingDir = cwd
	}
	if cmd.Flags().Changed("exit-code") {
		code, _ := cmd.Flags().GetInt("exit-code")
		inv.ExitCode = &code
	}
	if started, _ := cmd.Flags().GetInt64("started"); started > 0 {
		inv.StartedAt = time.Unix(started, 0)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := capture.NewHookLogger(store, whitelist).Record(ctx, inv)
	if err != nil {
		return err
	}
	log.Debug("Recorded %s", id)
	return nil
}

// shellInit is the bash integration printed by shell-init. The DEBUG trap
// marks that a typed command ran; the prompt hook records history entry 1
// only then, so blank lines and the history loaded from HISTFILE are never
// recorded. A repeat suppressed by HISTCONTROL=ignoredups keeps the history
// number but still matches the command the trap saw.
const shellInit = `# capture prompt hook; add to ~/.bashrc with: eval "$(capture shell-init)"
if [ -z "$__capture_installed" ]; then
__capture_installed=1

__capture_preexec() {
  [ -n "$__capture_at_prompt" ] || return 0
  __capture_at_prompt=
  [ "$BASH_COMMAND" = "__capture_prompt" ] && return 0
  __capture_ran=1
  __capture_first=$BASH_COMMAND
  __capture_start=${EPOCHSECONDS:-0}
}

__capture_prompt() {
  local ec=$? line num cmd
  line=$(HISTTIMEFORMAT= builtin history 1)
  line=${line#"${line%%[![:space:]]*}"}
  num=${line%%[!0-9]*}
  cmd=${line#"$num"}
  cmd=${cmd#\*}
  cmd=${cmd#"${cmd%%[![:space:]]*}"}
  if [ -n "$__capture_ran" ] && [ -n "$cmd" ]; then
    if [ "$num" != "$__capture_histnum" ] || [[ "$cmd" == *"$__capture_first"* ]]; then
      ( capture hook --exit-code "$ec" --started "${__capture_start:-0}" --cwd "$PWD" -- "$cmd" >/dev/null & )
    fi
  fi
  __capture_ran=
  __capture_histnum=$num
  return $ec
}

trap '__capture_preexec' DEBUG
PROMPT_COMMAND="__capture_prompt${PROMPT_COMMAND:+;$PROMPT_COMMAND};__capture_at_prompt=1"
fi
`

var shellInitCmd = &cobra.Command{
	Use:   "shell-init",
	Short: "Print the bash prompt hook",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprint(cmd.OutOrStdout(), shellInit)
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List events in the local store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}

		var since time.Time
		if window, _ := cmd.Flags().GetDuration("since"); window > 0 {
			since = time.Now().Add(-window)
		}
		limit, _ := cmd.Flags().GetInt("limit")

		events, err := store.List(since, 0)
		if err != nil {
			return err
		}
		events = newest(events, limit)

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return cli.FormatJSON(cmd.OutOrStdout(), events)
		}
		return cli.FormatEventsTable(cmd.OutOrStdout(), events)
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Apply the retention policy to the local store now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}

		result, err := store.Purge(cfg.Retention.MaxBytes, cfg.Retention.MaxAge)
		if err != nil {
			return err
		}

		log.Success("Removed %d events (%d bytes), %d remaining (%d bytes)",
			result.Removed, result.FreedBytes, result.Remaining, result.RemainingBytes)
		return nil
	},
}

// commandLine turns run arguments into the line handed to bash -c.
func commandLine(args []string) string {
	if len(args) == 1 {
		return args[0]
	}
	quoted := make([]string, len(args))
	for i, arg := range args {
		quoted[i] = shellQuote(arg)
	}
	return strings.Join(quoted, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' ||
			strings.ContainsRune("-_./:=,@%+", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// newest keeps the last limit events of an ascending list, still ascending.
func newest(events []models.CommandEvent, limit int) []models.CommandEvent {
	if limit > 0 && len(events) > limit {
		return events[len(events)-limit:]
	}
	return events
}

func openStore(cfg *config.Config) (*eventstore.Store, error) {
	return eventstore.New(cfg.EventDir, eventstore.WithMinFreeBytes(cfg.MinFreeBytes))
}

func newWhitelist(cfg *config.Config) (*policy.Whitelist, error) {
	allowed, blocked := policy.DefaultAllowed, policy.DefaultBlocked
	if len(cfg.AllowedCommands) > 0 {
		allowed = cfg.AllowedCommands
	}
	if len(cfg.BlockedPatterns) > 0 {
		blocked = cfg.BlockedPatterns
	}
	return policy.NewWhitelist(allowed, blocked)
}

func sessionInfo() (username, hostname, workingDir string) {
	if u, err := user.Current(); err == nil {
		username = u.Username
	} else {
		username = os.Getenv("USER")
	}
	hostname, _ = os.Hostname()
	workingDir, _ = os.Getwd()
	return username, hostname, workingDir
}

// unavailableStore stands in when the event store cannot be opened so the
// wrapped command still runs.
type unavailableStore struct{}

func (unavailableStore) Create(event *models.CommandEvent) (string, error) {
	return "", eventstore.ErrWrite
}

func (unavailableStore) Update(id string, mutate func(*models.CommandEvent) error) (*models.CommandEvent, error) {
	return nil, eventstore.ErrWrite
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default $CAPTURE_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Print debug diagnostics")

	runCmd.Flags().SetInterspersed(false)
	runCmd.Flags().Bool("no-ingest", false, "Do not send scanner output to the host registry")

	hookCmd.Flags().SetInterspersed(false)
	hookCmd.Flags().Int("exit-code", 0, "Exit status of the finished command")
	hookCmd.Flags().Int64("started", 0, "Unix time the command started")
	hookCmd.Flags().String("cwd", "", "Working directory of the command")

	eventsCmd.Flags().Duration("since", 0, "Only events created within this window")
	eventsCmd.Flags().IntP("limit", "l", 50, "Show only the newest events")
	eventsCmd.Flags().BoolP("json", "j", false, "Output in JSON format")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(hookCmd)
	rootCmd.AddCommand(shellInitCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(purgeCmd)
}
