// Command mediaworker is the subprocess spawned by the gateway's worker
// pool (internal/workerpool) to own real ICE/DTLS/RTP state for one slot.
// It serves internal/mwrpc's gRPC service on a unix-domain socket handed
// to it via -socket; all diagnostic logging goes to stderr, which the
// gateway folds into its own log stream (see workerpool.stderrLogWriter).
package main

import (
	"flag"
	"log/slog"
	"net"
	"os"

	"github.com/sebas/gateway/internal/logger"
	"github.com/sebas/gateway/internal/mediaworker"
)

func main() {
	var (
		socketPath  = flag.String("socket", "", "unix-domain socket path to serve the gRPC service on")
		minPort     = flag.Uint("min-port", 0, "minimum RTP UDP port")
		maxPort     = flag.Uint("max-port", 0, "maximum RTP UDP port")
		announcedIP = flag.String("announced-ip", "", "public IP advertised in ICE candidates")
		listenIP    = flag.String("listen-ip", "0.0.0.0", "local interface to listen on")
		logLevel    = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	logger.InitLogger(os.Stderr)
	logger.SetLevel(*logLevel)

	if *socketPath == "" {
		slog.Error("[mediaworker] -socket is required")
		os.Exit(1)
	}

	srv, err := mediaworker.NewServer(mediaworker.Config{
		ListenIP:    *listenIP,
		AnnouncedIP: *announcedIP,
		MinPort:     uint16(*minPort),
		MaxPort:     uint16(*maxPort),
	})
	if err != nil {
		slog.Error("[mediaworker] failed to initialize", "error", err)
		os.Exit(1)
	}

	_ = os.Remove(*socketPath)
	lis, err := net.Listen("unix", *socketPath)
	if err != nil {
		slog.Error("[mediaworker] failed to listen", "socket", *socketPath, "error", err)
		os.Exit(1)
	}

	slog.Info("[mediaworker] ready", "pid", os.Getpid(), "socket", *socketPath)
	if err := srv.Serve(lis); err != nil {
		slog.Error("[mediaworker] grpc server exited", "error", err)
	}
	slog.Info("[mediaworker] exiting")
}
