package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration for the hold music server.
// Precedence: CLI flags > env vars (including .env) > defaults.
type Config struct {
	ServerIP    string        // address advertised in SDP and Contact, and used as the RTP source
	BindIP      string        // address the SIP socket binds to
	SIPPort     int           // SIP UDP listen port
	AudioFile   string        // file streamed to callers
	FFmpegPath  string        // ffmpeg binary
	RTPPortMin  int           // lowest RTP port handed out
	RTPPortMax  int           // highest RTP port handed out
	AckTimeout  time.Duration // how long a 200 OK waits for its ACK
	HTTPPort    int           // admin API port, 0 disables
	DataDir     string        // call history database directory, empty disables
	LogLevel    string
	LogFormat   string  // log output format: "text" or "json"
	SIPLog      string  // sip message tracing: "off", "headers" or "full"
	InviteRate  float64 // new INVITEs per second per source IP, 0 disables
	InviteBurst int

	AllowSources   string // comma-separated IPs and CIDRs allowed to signal, empty allows all
	HistoryMaxDays int    // days of call history kept, 0 keeps everything
}

// defaults
const (
	defaultBindIP      = "0.0.0.0"
	defaultSIPPort     = 5060
	defaultAudioFile   = "./audio.mp3"
	defaultFFmpegPath  = "ffmpeg"
	defaultRTPPortMin  = 10000
	defaultRTPPortMax  = 20000
	defaultAckTimeout  = 30 * time.Second
	defaultHTTPPort    = 8080
	defaultDataDir     = "./data"
	defaultLogLevel    = "info"
	defaultLogFormat   = "text"
	defaultSIPLog      = "off"
	defaultInviteRate  = 20
	defaultInviteBurst = 40

	defaultHistoryMaxDays = 30
)

// envPrefix is the prefix for all environment variables.
const envPrefix = "HOLDMUSIC_"

// Load parses configuration from CLI flags, environment variables and an
// optional .env file in the working directory.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("could not load .env file", "error", err)
	}
	return parse(os.Args[1:])
}

func parse(args []string) (*Config, error) {
	cfg := &Config{}

	flags := flag.NewFlagSet("holdmusic", flag.ContinueOnError)

	flags.StringVar(&cfg.ServerIP, "server-ip", "", "IPv4 address advertised to callers (auto-detected if empty)")
	flags.StringVar(&cfg.BindIP, "bind-ip", defaultBindIP, "address the SIP socket binds to")
	flags.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "SIP UDP listen port")
	flags.StringVar(&cfg.AudioFile, "audio-file", defaultAudioFile, "audio file streamed to callers")
	flags.StringVar(&cfg.FFmpegPath, "ffmpeg-path", defaultFFmpegPath, "path to the ffmpeg binary")
	flags.IntVar(&cfg.RTPPortMin, "rtp-port-min", defaultRTPPortMin, "lowest UDP port used for RTP")
	flags.IntVar(&cfg.RTPPortMax, "rtp-port-max", defaultRTPPortMax, "highest UDP port used for RTP")
	flags.DurationVar(&cfg.AckTimeout, "ack-timeout", defaultAckTimeout, "how long to wait for an ACK after answering")
	flags.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "admin HTTP listen port (0 disables)")
	flags.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "directory for the call history database (empty disables)")
	flags.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	flags.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	flags.StringVar(&cfg.SIPLog, "sip-log", defaultSIPLog, "sip message tracing (off, headers, full)")
	flags.Float64Var(&cfg.InviteRate, "invite-rate", defaultInviteRate, "new INVITEs per second allowed per source IP (0 disables)")
	flags.IntVar(&cfg.InviteBurst, "invite-burst", defaultInviteBurst, "INVITE burst allowed per source IP")
	flags.StringVar(&cfg.AllowSources, "allow-sources", "", "comma-separated IPs or CIDRs allowed to send SIP (empty allows all)")
	flags.IntVar(&cfg.HistoryMaxDays, "history-max-days", defaultHistoryMaxDays, "days of call history to keep (0 keeps everything)")

	if err := flags.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// CLI flags take precedence over env vars.
	if err := applyEnvOverrides(flags); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides sets every flag not given on the command line from its
// HOLDMUSIC_* environment variable, if present.
func applyEnvOverrides(flags *flag.FlagSet) error {
	set := make(map[string]bool)
	flags.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	var err error
	flags.VisitAll(func(f *flag.Flag) {
		if err != nil || set[f.Name] {
			return
		}
		val, ok := os.LookupEnv(EnvName(f.Name))
		if !ok || val == "" {
			return
		}
		if serr := f.Value.Set(val); serr != nil {
			err = fmt.Errorf("parsing %s: %w", EnvName(f.Name), serr)
		}
	})
	return err
}

// EnvName returns the environment variable consulted for a flag.
func EnvName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.ServerIP == "" {
		c.ServerIP = detectIPv4()
	}
	if addr, err := netip.ParseAddr(c.ServerIP); err != nil || !addr.Is4() {
		return fmt.Errorf("server-ip must be an IPv4 address, got %q", c.ServerIP)
	}
	if addr, err := netip.ParseAddr(c.BindIP); err != nil || !addr.Is4() {
		return fmt.Errorf("bind-ip must be an IPv4 address, got %q", c.BindIP)
	}
	if c.SIPPort < 1 || c.SIPPort > 65535 {
		return fmt.Errorf("sip-port must be between 1 and 65535, got %d", c.SIPPort)
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 0 and 65535, got %d", c.HTTPPort)
	}
	if c.RTPPortMin < 1 || c.RTPPortMin > 65535 {
		return fmt.Errorf("rtp-port-min must be between 1 and 65535, got %d", c.RTPPortMin)
	}
	if c.RTPPortMax < c.RTPPortMin || c.RTPPortMax > 65535 {
		return fmt.Errorf("rtp-port-max must be between rtp-port-min and 65535, got %d", c.RTPPortMax)
	}
	if c.AckTimeout <= 0 {
		return fmt.Errorf("ack-timeout must be positive, got %s", c.AckTimeout)
	}
	if c.AudioFile == "" {
		return fmt.Errorf("audio-file must be set")
	}
	if c.FFmpegPath == "" {
		return fmt.Errorf("ffmpeg-path must be set")
	}
	if c.InviteRate < 0 {
		return fmt.Errorf("invite-rate must not be negative, got %g", c.InviteRate)
	}
	if c.InviteRate > 0 && c.InviteBurst < 1 {
		return fmt.Errorf("invite-burst must be at least 1, got %d", c.InviteBurst)
	}
	if c.HistoryMaxDays < 0 {
		return fmt.Errorf("history-max-days must not be negative, got %d", c.HistoryMaxDays)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	validSIPLog := map[string]bool{"off": true, "headers": true, "full": true}
	if !validSIPLog[strings.ToLower(c.SIPLog)] {
		return fmt.Errorf("sip-log must be one of off, headers, full; got %q", c.SIPLog)
	}
	c.SIPLog = strings.ToLower(c.SIPLog)

	return nil
}

// SIPAddr returns the address the SIP socket binds to.
func (c *Config) SIPAddr() string {
	return net.JoinHostPort(c.BindIP, strconv.Itoa(c.SIPPort))
}

// HTTPAddr returns the admin API listen address.
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// SourceList returns the allow-sources entries, trimmed, without empties.
func (c *Config) SourceList() []string {
	var out []string
	for _, s := range strings.Split(c.AllowSources, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// HistoryEnabled reports whether calls are recorded to the database.
func (c *Config) HistoryEnabled() bool {
	return c.DataDir != ""
}

// detectIPv4 returns the machine's first non-loopback IPv4 address, or
// 127.0.0.1 if none is found.
func detectIPv4() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
