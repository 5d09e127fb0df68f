package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cardbench/scp81/internal/cli/output"
	"github.com/cardbench/scp81/internal/cli/timeutil"
	"github.com/cardbench/scp81/pkg/config"
	"github.com/cardbench/scp81/pkg/psktls"
	"github.com/cardbench/scp81/pkg/sim"
)

// commandHexColumn caps the rendered command bytes so long payloads do not
// wreck the table layout.
const commandHexColumn = 32

var (
	runAddr        string
	runIdentity    string
	runKeyHex      string
	runPath        string
	runCipherTier  string
	runStartDelay  time.Duration
	runMode        string
	runDelay       time.Duration
	runProbability float64
	runErrorSWs    []string
	runTimeoutMin  time.Duration
	runTimeoutMax  time.Duration
	runSeed        uint64
	runOutput      string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one admin session against a server",
	Long: `Connect to an admin server as a simulated card and serve the pull loop
until the server ends the session.

Defaults come from the 'sim' section of the configuration file; flags
override individual settings. The pre-shared key is taken from --key, the
SCP81_SIM_KEY_HEX environment variable, or the config file, in that order
of preference.

Fault injection modes shape the card's responses:
  normal   answer every command (default)
  error    answer with an error status word at the given probability
  timeout  stall instead of answering at the given probability

Transport failures are retried with exponential backoff; authentication
rejections are final. The command exits non-zero when the session does not
complete normally.

Examples:
  # Run with config file defaults
  scp81sim run

  # Run against a specific server
  scp81sim run --addr 127.0.0.1:8443 --identity TEST_UICC_001 \
      --key 000102030405060708090A0B0C0D0E0F

  # Inject errors into one of five responses
  scp81sim run --mode error --probability 0.2 --error-sw 6A80

  # Reproducible fault injection
  scp81sim run --mode timeout --probability 0.5 --seed 42`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runAddr, "addr", "", "Admin server address (host:port)")
	runCmd.Flags().StringVar(&runIdentity, "identity", "", "PSK identity to present")
	runCmd.Flags().StringVar(&runKeyHex, "key", "", "Pre-shared key as hex (prefer SCP81_SIM_KEY_HEX)")
	runCmd.Flags().StringVar(&runPath, "path", "", "Admin URL path")
	runCmd.Flags().StringVar(&runCipherTier, "cipher-tier", "production", "Cipher suites to offer (production|legacy|debug)")
	runCmd.Flags().DurationVar(&runStartDelay, "start-delay", 0, "Pause between handshake and first pull")
	runCmd.Flags().StringVar(&runMode, "mode", "", "Response shaping (normal|error|timeout)")
	runCmd.Flags().DurationVar(&runDelay, "delay", 0, "Fixed processing latency per response")
	runCmd.Flags().Float64Var(&runProbability, "probability", 0, "Per-exchange fault probability (0..1)")
	runCmd.Flags().StringSliceVar(&runErrorSWs, "error-sw", nil, "Status word pool for error mode (hex, e.g. 6A80)")
	runCmd.Flags().DurationVar(&runTimeoutMin, "timeout-min", 0, "Minimum stall in timeout mode")
	runCmd.Flags().DurationVar(&runTimeoutMax, "timeout-max", 0, "Maximum stall in timeout mode")
	runCmd.Flags().Uint64Var(&runSeed, "seed", 0, "Seed for reproducible fault draws")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "table", "Report format (table|json|yaml)")
}

func runRun(cmd *cobra.Command, args []string) error {
	format, err := output.ParseFormat(runOutput)
	if err != nil {
		return err
	}

	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return err
	}
	simCfg := cfg.Sim

	// Flags override environment, environment overrides file.
	if env := os.Getenv("SCP81_SIM_KEY_HEX"); env != "" {
		simCfg.KeyHex = env
	}
	if cmd.Flags().Changed("addr") {
		simCfg.Addr = runAddr
	}
	if cmd.Flags().Changed("identity") {
		simCfg.Identity = runIdentity
	}
	if cmd.Flags().Changed("key") {
		simCfg.KeyHex = runKeyHex
	}
	if cmd.Flags().Changed("path") {
		simCfg.Path = runPath
	}
	if cmd.Flags().Changed("start-delay") {
		simCfg.StartDelay = runStartDelay
	}
	if cmd.Flags().Changed("mode") {
		simCfg.Behaviour.Mode = runMode
	}
	if cmd.Flags().Changed("delay") {
		simCfg.Behaviour.Delay = runDelay
	}
	if cmd.Flags().Changed("probability") {
		simCfg.Behaviour.Probability = runProbability
	}
	if cmd.Flags().Changed("error-sw") {
		simCfg.Behaviour.ErrorSWs = runErrorSWs
	}
	if cmd.Flags().Changed("timeout-min") {
		simCfg.Behaviour.TimeoutMin = runTimeoutMin
	}
	if cmd.Flags().Changed("timeout-max") {
		simCfg.Behaviour.TimeoutMax = runTimeoutMax
	}
	if cmd.Flags().Changed("seed") {
		simCfg.Behaviour.Seed = runSeed
	}

	if simCfg.Identity == "" {
		return fmt.Errorf("no PSK identity configured: set sim.identity or pass --identity")
	}
	if simCfg.KeyHex == "" {
		return fmt.Errorf("no pre-shared key configured: set SCP81_SIM_KEY_HEX or pass --key")
	}

	clientCfg, err := simCfg.ClientConfig()
	if err != nil {
		return err
	}

	switch runCipherTier {
	case "production", "":
		// Default suites.
	case "legacy":
		clientCfg.CipherSuites = psktls.LegacyCipherSuites()
	case "debug":
		clientCfg.CipherSuites = psktls.DebugCipherSuites()
	default:
		return fmt.Errorf("unknown cipher tier: %q", runCipherTier)
	}

	client, err := sim.New(clientCfg)
	if err != nil {
		return err
	}

	// Ctrl+C cancels the run; the card closes its connection cleanly.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, runErr := client.Run(ctx)

	switch format {
	case output.FormatJSON:
		if err := output.PrintJSON(os.Stdout, report); err != nil {
			return err
		}
	case output.FormatYAML:
		if err := output.PrintYAML(os.Stdout, report); err != nil {
			return err
		}
	default:
		printReport(report)
	}

	return runErr
}

// exchangeList renders the pull loop's command/response pairs.
type exchangeList []sim.Exchange

// Headers implements TableRenderer.
func (el exchangeList) Headers() []string {
	return []string{"SEQ", "INS", "SW", "INJECTED", "DURATION", "COMMAND"}
}

// Rows implements TableRenderer.
func (el exchangeList) Rows() [][]string {
	rows := make([][]string, 0, len(el))
	for _, ex := range el {
		injected := "-"
		if ex.Injected {
			injected = "yes"
		}
		rows = append(rows, []string{
			fmt.Sprintf("%d", ex.Seq),
			fmt.Sprintf("%02X", ex.INS),
			ex.SW,
			injected,
			timeutil.FormatDuration(ex.Duration),
			truncate(ex.CommandHex, commandHexColumn),
		})
	}
	return rows
}

func printReport(report *sim.Report) {
	if len(report.Exchanges) > 0 {
		if err := output.PrintTable(os.Stdout, exchangeList(report.Exchanges)); err != nil {
			return
		}
	}

	fmt.Printf("\nIdentity:     %s\n", report.Identity)
	fmt.Printf("Server:       %s\n", report.Addr)
	if report.CipherSuite != "" {
		fmt.Printf("Cipher suite: %s\n", report.CipherSuite)
	}
	fmt.Printf("Attempts:     %d\n", report.Attempts)
	fmt.Printf("Exchanges:    %d\n", len(report.Exchanges))
	fmt.Printf("Duration:     %s\n", timeutil.FormatDuration(report.Duration))
	if report.Completed {
		fmt.Printf("Result:       \033[32mcompleted\033[0m\n")
	} else {
		fmt.Printf("Result:       \033[31mfailed\033[0m\n")
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
