package commands

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// newHealthCmd creates `assistclaw health`, which queries the running
// daemon's gateway. Used by Docker HEALTHCHECK and monitoring.
func newHealthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check that the daemon is up",
		Long:  `Query GET /health on the gateway configured in config.yaml and exit non-zero when it does not answer.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := loadEnv(cmd, false, quietOutput(cmd))
			if err != nil {
				return err
			}
			url := healthURL(rt.cfg.Gateway.Address)
			if u, _ := cmd.Flags().GetString("url"); u != "" {
				url = u
			}

			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get(url)
			if err != nil {
				return fmt.Errorf("health check: %w", err)
			}
			defer resp.Body.Close()

			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			fmt.Println(strings.TrimSpace(string(body)))
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("health check: status %d", resp.StatusCode)
			}
			return nil
		},
	}
	cmd.Flags().String("url", "", "health endpoint to query instead of the configured gateway")
	return cmd
}

// healthURL turns a listen address such as ":8085" into a local URL.
func healthURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr + "/health"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port) + "/health"
}

// newVersionCmd creates `assistclaw version`.
func newVersionCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "assistclaw %s\n", version)
		},
	}
}
