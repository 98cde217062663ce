// Package config loads the gateway's configuration from flags overlaid with
// environment variables, following the env var table in the external
// interface section: flags win when set, env vars supply the default.
package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config is the fully-resolved, validated configuration for one gateway
// process.
type Config struct {
	Port       int
	Host       string
	CORSOrigin []string

	MediasoupWorkers  int
	RTCMinPort        int
	RTCMaxPort        int
	MediasoupLogLevel string
	LogTags           []string

	WebRTCListenIP   string
	WebRTCAnnouncedIP string

	SIPHost        string
	SIPPort        int
	SIPWSURL       string
	SIPESLPassword string

	// Reserved for multi-instance deployment; parsed and stored, never
	// dialed by the core.
	RedisHost     string
	RedisPort     int
	RedisPassword string

	MediaWorkerBin string

	// ConfigPath, if set, names a TOML file holding a FileOverlay
	// (log level/tags, codec policy) that can be hot-reloaded without a
	// restart; see WatchFile.
	ConfigPath string
}

// Load parses flags and args, overlays environment variables per the table
// in spec §6, applies defaults, and validates the result. args should
// normally be os.Args[1:].
func Load(args []string) (*Config, error) {
	fs := flag.NewFlagSet("gateway", flag.ContinueOnError)

	port := fs.Int("port", envInt("PORT", 3000), "listen port for signaling and HTTP control plane")
	host := fs.String("host", envString("HOST", "0.0.0.0"), "listen host")
	corsOrigin := fs.String("cors-origin", envString("CORS_ORIGIN", "*"), "comma-separated list of allowed CORS origins")

	workers := fs.Int("mediasoup-workers", envInt("MEDIASOUP_WORKERS", 1), "number of media workers to spawn")
	rtcMinPort := fs.Int("rtc-min-port", envInt("RTC_MIN_PORT", 40000), "minimum RTC port (inclusive)")
	rtcMaxPort := fs.Int("rtc-max-port", envInt("RTC_MAX_PORT", 40100), "maximum RTC port (exclusive)")
	logLevel := fs.String("log-level", envString("MEDIASOUP_LOG_LEVEL", "warn"), "log level: debug, warn, error, none")
	logTags := fs.String("log-tags", envString("LOG_TAGS", ""), "comma-separated log tag allow-list (empty: all tags)")

	webrtcListenIP := fs.String("webrtc-listen-ip", envString("WEBRTC_LISTEN_IP", "0.0.0.0"), "IP media workers bind RTP sockets on")
	webrtcAnnouncedIP := fs.String("webrtc-announced-ip", envString("WEBRTC_ANNOUNCED_IP", ""), "IP advertised in ICE candidates, for NAT traversal")

	sipHost := fs.String("sip-host", envString("SIP_HOST", ""), "SIP peer host")
	sipPort := fs.Int("sip-port", envInt("SIP_PORT", 5060), "SIP peer port")
	sipWSURL := fs.String("sip-ws-url", envString("SIP_WS_URL", ""), "SIP-over-WebSocket peer URL")
	sipESLPassword := fs.String("sip-esl-password", envString("SIP_ESL_PASSWORD", ""), "shared secret for the SIP peer, if required")

	redisHost := fs.String("redis-host", envString("REDIS_HOST", ""), "reserved for multi-instance deployment")
	redisPort := fs.Int("redis-port", envInt("REDIS_PORT", 6379), "reserved for multi-instance deployment")
	redisPassword := fs.String("redis-password", envString("REDIS_PASSWORD", ""), "reserved for multi-instance deployment")

	mediaWorkerBin := fs.String("media-worker-bin", envString("MEDIA_WORKER_BIN", ""), "path to the mediaworker subprocess binary; defaults to a 'mediaworker' binary next to this one")

	configPath := fs.String("config", envString("CONFIG_PATH", ""), "optional TOML file for hot-reloadable log level/tags and codec policy")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:              *port,
		Host:              *host,
		CORSOrigin:        splitCSV(*corsOrigin),
		MediasoupWorkers:  *workers,
		RTCMinPort:        *rtcMinPort,
		RTCMaxPort:        *rtcMaxPort,
		MediasoupLogLevel: *logLevel,
		LogTags:           splitCSV(*logTags),
		WebRTCListenIP:    *webrtcListenIP,
		WebRTCAnnouncedIP: *webrtcAnnouncedIP,
		SIPHost:           *sipHost,
		SIPPort:           *sipPort,
		SIPWSURL:          *sipWSURL,
		SIPESLPassword:    *sipESLPassword,
		RedisHost:         *redisHost,
		RedisPort:         *redisPort,
		RedisPassword:     *redisPassword,
		MediaWorkerBin:    *mediaWorkerBin,
		ConfigPath:        *configPath,
	}

	if cfg.MediaWorkerBin == "" {
		if resolved, err := defaultMediaWorkerBin(); err == nil {
			cfg.MediaWorkerBin = resolved
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// defaultMediaWorkerBin looks for a "mediaworker" binary next to the
// currently-running gateway executable, the layout `go build ./cmd/...`
// produces.
func defaultMediaWorkerBin() (string, error) {
	self, err := os.Executable()
	if err != nil {
		return "", err
	}
	return filepath.Join(filepath.Dir(self), "mediaworker"), nil
}

// Validate checks the startup invariants the spec requires to fail fast:
// the RTC port range must be non-empty, ordered, and at least 100 ports
// wide.
func (c *Config) Validate() error {
	if c.RTCMinPort >= c.RTCMaxPort {
		return fmt.Errorf("port-range-invalid: RTC_MIN_PORT (%d) must be less than RTC_MAX_PORT (%d)", c.RTCMinPort, c.RTCMaxPort)
	}
	if c.RTCMaxPort-c.RTCMinPort < 100 {
		return fmt.Errorf("port-range-invalid: RTC port range must span at least 100 ports, got %d", c.RTCMaxPort-c.RTCMinPort)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port-range-invalid: PORT %d out of range", c.Port)
	}
	if c.MediaWorkerBin == "" {
		return fmt.Errorf("worker-spawn-failed: could not locate a mediaworker binary; set MEDIA_WORKER_BIN")
	}
	if c.MediasoupWorkers <= 0 {
		return fmt.Errorf("port-range-invalid: MEDIASOUP_WORKERS must be positive, got %d", c.MediasoupWorkers)
	}
	return nil
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
