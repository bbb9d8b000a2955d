// Command pitaya-node boots a single cluster node: it wires the Inbound
// Dispatcher's handler/remote tables, then hands control to the Lifecycle
// Controller (internal/server) for the full connect/register/subscribe
// start-up order and its ordered shutdown.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/pitaya-cluster/pitaya/internal/config"
	"github.com/pitaya-cluster/pitaya/internal/server"
	"github.com/pitaya-cluster/pitaya/pkg/clustererr"
	"github.com/pitaya-cluster/pitaya/pkg/clusterproto"
	"github.com/pitaya-cluster/pitaya/pkg/dispatcher"
)

const usage = `pitaya-node [command]

Commands:
  serve   start the node (default): connect, join the cluster, and serve
          RPCs until SIGINT/SIGTERM
  help    print this message
`

func main() {
	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "serve":
		if err := serve(); err != nil {
			log.Fatalf("pitaya-node: %v", err)
		}
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Print(usage)
		os.Exit(2)
	}
}

func serve() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	disp := dispatcher.New(cfg.RequestTimeout)
	registerHandlers(disp)

	return server.Run(disp)
}

// registerHandlers wires the node's `sys` handler table. An embedding
// deployment of this binary would register its own service handlers here
// instead; ping.room is kept as a liveness probe reachable by any peer
// that resolves this server kind through the Registry.
func registerHandlers(disp *dispatcher.Dispatcher) {
	disp.RegisterHandler("ping.room", pingHandler)
}

func pingHandler(ctx context.Context, req *clusterproto.Request) ([]byte, *clustererr.Error) {
	_ = ctx
	_ = req
	return []byte(time.Now().UTC().Format(time.RFC3339)), nil
}
