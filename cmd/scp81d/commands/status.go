package commands

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/cardbench/scp81/internal/cli/health"
	"github.com/cardbench/scp81/internal/cli/output"
	"github.com/cardbench/scp81/pkg/api/handlers"
)

var (
	statusOutput  string
	statusAPIPort int
	statusAPIHost string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server status",
	Long: `Display the current status of the scp81d admin server.

This command queries the running server's REST facade: the readiness
probe tells whether the admin listener is accepting card connections,
and the status endpoint reports the listener address and session counters.

Examples:
  # Check status (uses default facade address)
  scp81d status

  # Check status with custom facade port
  scp81d status --api-port 9080

  # Output as JSON
  scp81d status --output json`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusAPIHost, "api-host", "127.0.0.1", "Facade host")
	statusCmd.Flags().IntVar(&statusAPIPort, "api-port", 8080, "Facade port")
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "table", "Output format (table|json|yaml)")
}

// ServerStatus is the assembled status view.
type ServerStatus struct {
	Running        bool   `json:"running" yaml:"running"`
	Healthy        bool   `json:"healthy" yaml:"healthy"`
	Message        string `json:"message" yaml:"message"`
	AdminAddr      string `json:"admin_addr,omitempty" yaml:"admin_addr,omitempty"`
	ActiveSessions int    `json:"active_sessions" yaml:"active_sessions"`
	TotalSessions  uint64 `json:"total_sessions" yaml:"total_sessions"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	format, err := output.ParseFormat(statusOutput)
	if err != nil {
		return err
	}

	status := queryStatus(net.JoinHostPort(statusAPIHost, strconv.Itoa(statusAPIPort)))

	switch format {
	case output.FormatJSON:
		return output.PrintJSON(os.Stdout, status)
	case output.FormatYAML:
		return output.PrintYAML(os.Stdout, status)
	default:
		printStatusTable(status)
	}

	return nil
}

// queryStatus asks the facade for the server state. An unreachable facade
// means the server is not running (or runs with the facade disabled).
func queryStatus(facadeAddr string) ServerStatus {
	status := ServerStatus{
		Message: "Server is not running",
	}

	client := &http.Client{Timeout: 2 * time.Second}

	// Readiness probe: 200 when the admin listener accepts connections,
	// 503 when the facade is up but the listener is not.
	resp, err := client.Get(fmt.Sprintf("http://%s/health/ready", facadeAddr))
	if err != nil {
		status.Message = fmt.Sprintf("Server is not running (facade unreachable at %s)", facadeAddr)
		return status
	}
	defer func() { _ = resp.Body.Close() }()

	status.Running = true

	var healthResp health.Response
	if err := json.NewDecoder(resp.Body).Decode(&healthResp); err != nil {
		status.Message = "Server is running but health response invalid"
		return status
	}

	if healthResp.Healthy() {
		status.Healthy = true
		status.Message = "Server is running and accepting card connections"
	} else {
		status.Message = fmt.Sprintf("Server is running but not ready: %s", healthResp.Error)
	}

	// Status endpoint: listener address and session counters.
	stResp, err := client.Get(fmt.Sprintf("http://%s/api/server/status", facadeAddr))
	if err != nil {
		return status
	}
	defer func() { _ = stResp.Body.Close() }()

	var admin handlers.AdminStatus
	if err := json.NewDecoder(stResp.Body).Decode(&admin); err != nil {
		return status
	}

	status.AdminAddr = net.JoinHostPort(admin.Host, strconv.Itoa(admin.Port))
	status.ActiveSessions = admin.ActiveSessions
	status.TotalSessions = admin.TotalSessions

	return status
}

func printStatusTable(status ServerStatus) {
	fmt.Println()
	fmt.Println("SCP81 Admin Server Status")
	fmt.Println("=========================")
	fmt.Println()

	if status.Running {
		if status.Healthy {
			fmt.Printf("  Status:      \033[32m● Running\033[0m\n")
		} else {
			fmt.Printf("  Status:      \033[33m● Running (not ready)\033[0m\n")
		}
		if status.AdminAddr != "" {
			fmt.Printf("  Admin:       %s\n", status.AdminAddr)
		}
		fmt.Printf("  Sessions:    %d active, %d total\n", status.ActiveSessions, status.TotalSessions)
	} else {
		fmt.Printf("  Status:      \033[31m○ Stopped\033[0m\n")
	}

	fmt.Println()
	fmt.Printf("  %s\n", status.Message)
	fmt.Println()
}
