// Command gateway is the real-time media-and-signaling gateway's single
// process: it spawns the media worker pool, opens the shared SIP stack,
// wires the Peer Manager between them, and serves the signaling and
// control-plane HTTP surfaces off one listener, grounded on the teacher's
// services/signaling/app.SwitchBoard + cmd/signaling/main.go composition
// root (see DESIGN.md).
//
// The command tree itself follows bamgate's cmd/bamgate/main.go: a
// "serve" subcommand carries the actual daemon and a "version" subcommand
// prints the build version; unlike bamgate, running gateway with no
// subcommand at all also runs serve, since a gateway process is normally
// started directly rather than through an explicit verb. Both the root
// and "serve" leave their own flag parsing off and hand the raw argument
// list to internal/config.Load, which already owns the full flag-set/
// env-var overlay spec §6 documents - duplicating that table onto
// cobra.Flags() would just be two sources of truth for the same
// defaults.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sebas/gateway/internal/banner"
	"github.com/sebas/gateway/internal/call"
	"github.com/sebas/gateway/internal/config"
	"github.com/sebas/gateway/internal/gatewayerr"
	"github.com/sebas/gateway/internal/httpapi"
	"github.com/sebas/gateway/internal/logger"
	"github.com/sebas/gateway/internal/media"
	"github.com/sebas/gateway/internal/peer"
	"github.com/sebas/gateway/internal/signaling"
	"github.com/sebas/gateway/internal/sip"
	"github.com/sebas/gateway/internal/workerpool"
)

// version is stamped at build time in a real release pipeline; left as a
// constant here since this exercise carries no build tooling for it.
const version = "dev"

// shutdownDeadline bounds graceful shutdown per spec §5: "process exits
// when all registries are empty or a 10s deadline elapses, whichever is
// sooner."
const shutdownDeadline = 10 * time.Second

var rootCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Real-time media-and-signaling gateway",
	Long: `gateway bridges WebRTC agents to the SIP network: a media worker
pool handles RTP/DTLS, a SIP B2BUA handles call signaling, and a
WebSocket surface hands both to browser/softphone clients alongside a
plain JSON control plane for health and operational queries.

Running gateway with no subcommand is equivalent to "gateway serve".`,
	DisableFlagParsing: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(args)
	},
}

var serveCmd = &cobra.Command{
	Use:                "serve",
	Short:              "Run the gateway process",
	DisableFlagParsing: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(args)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the gateway version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve(args []string) error {
	logger.InitLogger(os.Stdout)

	cfg, err := config.Load(args)
	if err != nil {
		slog.Error("[gateway] configuration failed", "error", err)
		os.Exit(1)
	}
	logger.SetLevel(cfg.MediasoupLogLevel)
	logger.SetTags(cfg.LogTags)

	overlay, err := config.LoadFileOverlay(cfg.ConfigPath)
	if err != nil {
		slog.Error("[gateway] config overlay failed", "path", cfg.ConfigPath, "error", err)
		os.Exit(1)
	}
	applyLogOverlay(overlay)

	banner.Print("Gateway", []banner.ConfigLine{
		{Label: "Host", Value: cfg.Host},
		{Label: "Port", Value: fmt.Sprintf("%d", cfg.Port)},
		{Label: "Media workers", Value: fmt.Sprintf("%d", cfg.MediasoupWorkers)},
		{Label: "RTC port range", Value: fmt.Sprintf("%d-%d", cfg.RTCMinPort, cfg.RTCMaxPort)},
		{Label: "SIP listen", Value: fmt.Sprintf("%s:%d", cfg.Host, cfg.SIPPort)},
	})

	if err := run(cfg, overlay); err != nil {
		slog.Error("[gateway] fatal", "error", err)
		os.Exit(1)
	}
	return nil
}

func run(cfg *config.Config, overlay *config.FileOverlay) error {
	pool, err := workerpool.New(workerpool.Config{
		Count:   cfg.MediasoupWorkers,
		BinPath: cfg.MediaWorkerBin,
		Args:    mediaWorkerArgs(cfg),
	})
	if err != nil {
		return fmt.Errorf("worker-spawn-failed: %w", err)
	}

	codecs := overlayCodecs(overlay)
	if err := media.ValidateCodecList(codecs); err != nil {
		pool.Close()
		return err
	}
	mediaRegistry := media.NewRegistry(pool, codecs)
	pool.SetOnWorkerLost(func(workerID string) {
		handleWorkerLost(mediaRegistry, workerID)
	})

	// WatchFile is a no-op (nil, nil) when CONFIG_PATH was never set; spec
	// §6's codec/log-level knobs otherwise only take effect on restart.
	watcher, err := config.WatchFile(cfg.ConfigPath, func(ov *config.FileOverlay) {
		applyLogOverlay(ov)
		if codecs := overlayCodecs(ov); len(codecs) > 0 {
			if err := mediaRegistry.SetCodecs(codecs); err != nil {
				slog.Warn("[gateway] rejected codec overlay", "error", err)
			}
		}
	})
	if err != nil {
		pool.Close()
		return fmt.Errorf("config watch: %w", err)
	}

	// internal/call.Registry and internal/peer.Manager each want the
	// other's event callback before either is fully built (the same
	// circular dependency the teacher's app.go resolves with forward
	// declaration + setters); calls forward into peerMgr via a closure
	// over a not-yet-assigned variable, safe here because no call event
	// can fire before the first RPC is dispatched, long after peerMgr is
	// set.
	var peerMgr *peer.Manager
	callRegistry := call.NewRegistry(func(ev call.Event) { peerMgr.HandleCallEvent(ev) })

	sipMgr, err := sip.NewManager(sip.ManagerConfig{
		ListenIP:      cfg.Host,
		AdvertiseAddr: advertiseAddr(cfg),
		Port:          cfg.SIPPort,
		Transport:     "udp",
		OnEvent:       func(ev sip.Event) { peerMgr.HandleSIPEvent(ev) },
	})
	if err != nil {
		pool.Close()
		return fmt.Errorf("sip: %w", err)
	}

	mux := http.NewServeMux()
	authenticator := signaling.AuthenticatorFunc(authenticate)
	sigServer := signaling.NewServer(mux, authenticator, cfg.CORSOrigin)

	peerMgr = peer.NewManager(mediaRegistry, sigServer.HandleEvent)
	peerMgr.SetSIPManager(sipMgr)
	peerMgr.SetCallRegistry(callRegistry)
	sigServer.SetPeerManager(peerMgr)
	sigServer.SetOnPeerAttached(func(agentID, tenantID string) {
		registerAgentSIP(sipMgr, cfg, agentID, tenantID)
	})

	httpapi.NewServer(mux, version, peerMgr, callRegistry, mediaRegistry, pool)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: mux,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sipErrCh := make(chan error, 1)
	go func() { sipErrCh <- sipMgr.Start(ctx) }()

	httpErrCh := make(chan error, 1)
	go func() {
		slog.Info("[gateway] listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErrCh <- err
			return
		}
		httpErrCh <- nil
	}()

	select {
	case <-ctx.Done():
		slog.Info("[gateway] shutdown signal received")
	case err := <-httpErrCh:
		if err != nil {
			slog.Error("[gateway] HTTP server failed", "error", err)
		}
		stop()
	case err := <-sipErrCh:
		if err != nil {
			slog.Error("[gateway] SIP listener failed", "error", err)
		}
		stop()
	}

	shutdown(httpServer, sigServer, peerMgr, callRegistry, sipMgr, pool, watcher)
	return nil
}

// shutdown implements spec §5's graceful-shutdown sequence: refuse new
// connections, BYE every non-terminal call, tear down peers, stop the
// media workers, all inside a 10s deadline.
func shutdown(httpServer *http.Server, sigServer *signaling.Server, peerMgr *peer.Manager, callRegistry *call.Registry, sipMgr *sip.Manager, pool *workerpool.Pool, watcher *config.Watcher) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
	defer cancel()

	if watcher != nil {
		_ = watcher.Close()
	}

	_ = httpServer.Shutdown(ctx)

	for _, snap := range callRegistry.All("", "") {
		if snap.State == "ended" || snap.State == "failed" {
			continue
		}
		if err := peerMgr.ShutdownCall(ctx, snap.ID); err != nil {
			slog.Warn("[gateway] failed to end call during shutdown", "call_id", snap.ID, "error", err)
		}
	}

	sigServer.CloseAll()

	if err := sipMgr.Close(); err != nil {
		slog.Warn("[gateway] SIP manager close failed", "error", err)
	}
	if err := pool.Close(); err != nil {
		slog.Warn("[gateway] worker pool close failed", "error", err)
	}

	slog.Info("[gateway] shutdown complete")
}

// handleWorkerLost implements §4.1's worker-death recovery: the dead
// worker's routers are considered lost, every transport that lived on
// them is removed, and each affected peer is disconnected with reason
// media-worker-lost so its client can reconnect and rebuild its media
// state against a fresh worker.
func handleWorkerLost(mediaRegistry *media.Registry, workerID string) {
	slog.Warn("[gateway] media worker lost", "worker_id", workerID)
	mediaRegistry.HandleWorkerLost(workerID, "media-worker-lost")
}

// applyLogOverlay applies a FileOverlay's log fields if it carries any;
// an overlay loaded from an empty CONFIG_PATH is zero-valued and changes
// nothing, leaving the flag/env-derived level and tags in place.
func applyLogOverlay(ov *config.FileOverlay) {
	if ov == nil {
		return
	}
	if ov.LogLevel != "" {
		logger.SetLevel(ov.LogLevel)
	}
	if len(ov.LogTags) > 0 {
		logger.SetTags(ov.LogTags)
	}
}

// overlayCodecs returns the overlay's codec list, or the gateway's
// built-in default when the overlay is absent or doesn't set one.
func overlayCodecs(ov *config.FileOverlay) []string {
	if ov != nil && len(ov.Codecs) > 0 {
		return ov.Codecs
	}
	return []string{"opus", "pcmu", "pcma"}
}

// mediaWorkerArgs builds the cmd/mediaworker subprocess's own flag set
// from the gateway's configuration (spec §4.1's configuration contract).
func mediaWorkerArgs(cfg *config.Config) []string {
	return []string{
		"-min-port", fmt.Sprintf("%d", cfg.RTCMinPort),
		"-max-port", fmt.Sprintf("%d", cfg.RTCMaxPort),
		"-listen-ip", cfg.WebRTCListenIP,
		"-announced-ip", cfg.WebRTCAnnouncedIP,
		"-log-level", cfg.MediasoupLogLevel,
	}
}

// advertiseAddr picks the address the gateway's SIP contact header
// advertises to the peer: the announced IP if NAT requires one,
// otherwise the listen host.
func advertiseAddr(cfg *config.Config) string {
	if cfg.WebRTCAnnouncedIP != "" {
		return cfg.WebRTCAnnouncedIP
	}
	if cfg.Host == "0.0.0.0" || cfg.Host == "" {
		return "127.0.0.1"
	}
	return cfg.Host
}

// authenticate verifies a handshake's bearer token against the external
// identity authority (spec §1: out of scope, "an external transactional
// store"). Lacking that collaborator, this accepts any non-empty token;
// a real deployment swaps this for an RPC to the identity service.
func authenticate(ctx context.Context, token, agentID, tenantID, userID string) error {
	if token == "" {
		return gatewayerr.New(gatewayerr.CodeAuthFailed, "empty bearer token")
	}
	return nil
}

// registerAgentSIP opens the SIP registration for a newly attached peer's
// agent, deriving sip_config (spec §4.4's register_agent parameter) from
// the gateway's own configuration rather than the handshake payload,
// since spec §4.7 documents no channel for a client to supply one. An
// agent reconnecting (its old peer superseded, per spec §3) already has
// an open UA, so CodeAlreadyRegistered is expected and not logged as a
// failure.
func registerAgentSIP(sipMgr *sip.Manager, cfg *config.Config, agentID, tenantID string) {
	if cfg.SIPHost == "" {
		slog.Debug("[gateway] no SIP_HOST configured, skipping SIP registration", "agent_id", agentID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	agentCfg := sip.AgentConfig{
		Registrar: net.JoinHostPort(cfg.SIPHost, fmt.Sprintf("%d", cfg.SIPPort)),
		AOR:       fmt.Sprintf("%s@%s", agentID, cfg.SIPHost),
		Username:  agentID,
		Password:  cfg.SIPESLPassword,
		Codecs:    []string{"opus", "pcmu", "pcma"},
	}

	err := sipMgr.RegisterAgent(ctx, agentID, tenantID, agentCfg)
	if err == nil {
		return
	}
	if gerr := gatewayerr.As(err); gerr.Code == gatewayerr.CodeAlreadyRegistered {
		return
	}
	slog.Warn("[gateway] SIP registration failed", "agent_id", agentID, "error", err)
}
