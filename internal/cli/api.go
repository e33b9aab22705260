package cli

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/rob-otix-ai/cto-flow-sub001/internal/config"
	"github.com/rob-otix-ai/cto-flow-sub001/internal/daemon"
	"github.com/rob-otix-ai/cto-flow-sub001/pkg/client"
	"github.com/spf13/cobra"
)

// apiClient resolves the running daemon's address and returns an API client.
// Epic and task commands go through the daemon so claims, scoring, rate
// limiting and events all happen in one process.
func apiClient(cmd *cobra.Command) (*client.Client, error) {
	home := config.MustHomeFrom(cmd.Context())
	st, err := daemon.Status(cmd.Context(), home)
	if err != nil {
		return nil, err
	}
	if !st.Running {
		return nil, fmt.Errorf("ctoflow is not running (start it with `ctoflow start`)")
	}
	host, port, err := net.SplitHostPort(st.Addr)
	if err != nil {
		return nil, fmt.Errorf("bad daemon addr %q: %w", st.Addr, err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	base := "http://" + net.JoinHostPort(host, port)
	key := strings.TrimSpace(os.Getenv("CTOFLOW_API_KEY"))
	return client.New(base, key), nil
}
