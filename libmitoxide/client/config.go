package client

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/Sebx/mitoxide/internal/bootstrap"
	mux "github.com/Sebx/mitoxide/internal/multiplex"
	"github.com/Sebx/mitoxide/internal/proto"
	"github.com/Sebx/mitoxide/internal/transport"
)

// RawConfig contains the configuration parameter fields for a mitoxide client,
// as read from a JSON or TOML file. Every field is optional.
type RawConfig struct {
	// Route is the default route, comma separated [user@]host[:port] hops
	Route string `json:"route" toml:"route"`

	// SSHBinary is the ssh client to spawn
	// Defaults to `ssh` on PATH
	SSHBinary string `json:"ssh_binary" toml:"ssh_binary"`
	// SSHConfig is the ssh config file consulted for what a hop leaves out.
	// Defaults to the user's ~/.ssh/config
	SSHConfig string `json:"ssh_config" toml:"ssh_config"`
	// StrictHostKeyChecking is passed to ssh when set, e.g. `accept-new`
	StrictHostKeyChecking string            `json:"strict_host_key_checking" toml:"strict_host_key_checking"`
	SSHOptions            map[string]string `json:"ssh_options" toml:"ssh_options"`

	// Timeouts are Go duration strings such as "30s"
	// Defaults: connect 10s, handshake 10s, request 30s, flow control 30s
	ConnectTimeout     string `json:"connect_timeout" toml:"connect_timeout"`
	HandshakeTimeout   string `json:"handshake_timeout" toml:"handshake_timeout"`
	RequestTimeout     string `json:"request_timeout" toml:"request_timeout"`
	FlowControlTimeout string `json:"flow_control_timeout" toml:"flow_control_timeout"`

	// MaxStreams is how many streams may be open on one connection at once
	// Defaults to 100
	MaxStreams *int `json:"max_streams" toml:"max_streams"`
	// StreamWindow and ConnWindow are the initial credits in bytes
	// Defaults to 64KiB and 1MiB
	StreamWindow *uint32 `json:"stream_window" toml:"stream_window"`
	ConnWindow   *uint32 `json:"conn_window" toml:"conn_window"`
	// MaxFramePayload bounds what we accept in a single frame
	// Defaults to 16MiB
	MaxFramePayload *uint32 `json:"max_frame_payload" toml:"max_frame_payload"`
	// FragmentSize is the largest frame we send
	// Defaults to 16KiB
	FragmentSize *int `json:"fragment_size" toml:"fragment_size"`

	// RxRate and TxRate limit each connection, in bytes per second. 0 is unlimited
	RxRate int64 `json:"rx_rate" toml:"rx_rate"`
	TxRate int64 `json:"tx_rate" toml:"tx_rate"`

	// AgentDir holds mx-agent-<os>-<arch> builds to ship to hops
	AgentDir string `json:"agent_dir" toml:"agent_dir"`
	// CachePath is a bbolt file keeping agent digests across runs.
	// Defaults to an in-memory cache
	CachePath string `json:"cache_path" toml:"cache_path"`
	// Strategies lists the bootstrap strategies to try, in order, out of
	// `memfd`, `devshm` and `tmp`
	// Defaults to all of them in that order
	Strategies []string `json:"strategies" toml:"strategies"`

	// ReconnectAttempts is how many times a failed connect is retried
	// Defaults to 0
	ReconnectAttempts int    `json:"reconnect_attempts" toml:"reconnect_attempts"`
	ReconnectBackoff  string `json:"reconnect_backoff" toml:"reconnect_backoff"`
}

// ReconnectPolicy applies when establishing a connection only. A connection
// that breaks later is not brought back.
type ReconnectPolicy struct {
	MaxAttempts int
	// Backoff is multiplied by the attempt number
	Backoff time.Duration
}

// Config is a processed RawConfig.
type Config struct {
	Route []proto.Hop

	SSH transport.SSH
	// Spawner overrides SSH, e.g. with transport.Local
	Spawner transport.Spawner

	Session          mux.SessionConfig
	RxRate, TxRate   int64
	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration

	AgentDir   string
	CachePath  string
	Strategies []bootstrap.Strategy

	Reconnect ReconnectPolicy
	// OnStatus sees every status change of a Session
	OnStatus func(Status)
}

const (
	defaultConnectTimeout     = 10 * time.Second
	defaultHandshakeTimeout   = 10 * time.Second
	defaultRequestTimeout     = 30 * time.Second
	defaultFlowControlTimeout = 30 * time.Second
	defaultReconnectBackoff   = time.Second
	defaultMaxStreams         = 100
	defaultStreamWindow       = 64 << 10
	defaultConnWindow         = 1 << 20
	defaultMaxFramePayload    = 16 << 20
	defaultFragmentSize       = 16 << 10
)

// ParseConfig reads a RawConfig from path. Files ending in .toml are TOML,
// anything else is JSON.
func ParseConfig(path string) (*RawConfig, error) {
	var raw RawConfig
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.DecodeFile(path, &raw); err != nil {
			return nil, fmt.Errorf("parsing %v: %w", path, err)
		}
		return &raw, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(content, &raw); err != nil {
		return nil, fmt.Errorf("parsing %v: %w", path, err)
	}
	return &raw, nil
}

func duration(name, s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%v: %w", name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%v must be positive", name)
	}
	return d, nil
}

func strategies(names []string) ([]bootstrap.Strategy, error) {
	all := bootstrap.DefaultStrategies()
	if len(names) == 0 {
		return all, nil
	}
	var chosen []bootstrap.Strategy
	for _, name := range names {
		found := false
		for _, st := range all {
			if strings.EqualFold(st.Name(), name) {
				chosen = append(chosen, st)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown strategy %v", name)
		}
	}
	return chosen, nil
}

func (raw *RawConfig) Process() (cfg Config, err error) {
	if raw.Route != "" {
		cfg.Route, err = transport.ParseRoute(raw.Route)
		if err != nil {
			return
		}
	}

	cfg.SSH = transport.SSH{
		Binary:                raw.SSHBinary,
		StrictHostKeyChecking: raw.StrictHostKeyChecking,
		Options:               raw.SSHOptions,
	}
	cfg.SSH.Resolver, err = transport.NewResolver(raw.SSHConfig)
	if err != nil {
		return
	}
	cfg.SSH.ConnectTimeout, err = duration("connect_timeout", raw.ConnectTimeout, defaultConnectTimeout)
	if err != nil {
		return
	}
	cfg.HandshakeTimeout, err = duration("handshake_timeout", raw.HandshakeTimeout, defaultHandshakeTimeout)
	if err != nil {
		return
	}
	cfg.RequestTimeout, err = duration("request_timeout", raw.RequestTimeout, defaultRequestTimeout)
	if err != nil {
		return
	}
	cfg.Session.FlowControlTimeout, err = duration("flow_control_timeout", raw.FlowControlTimeout, defaultFlowControlTimeout)
	if err != nil {
		return
	}

	cfg.Session.MaxStreams = defaultMaxStreams
	if raw.MaxStreams != nil {
		if *raw.MaxStreams <= 0 {
			err = fmt.Errorf("max_streams must be positive")
			return
		}
		cfg.Session.MaxStreams = *raw.MaxStreams
	}
	cfg.Session.StreamWindow = defaultStreamWindow
	if raw.StreamWindow != nil {
		cfg.Session.StreamWindow = *raw.StreamWindow
	}
	cfg.Session.ConnWindow = defaultConnWindow
	if raw.ConnWindow != nil {
		cfg.Session.ConnWindow = *raw.ConnWindow
	}
	if cfg.Session.StreamWindow == 0 || cfg.Session.ConnWindow == 0 {
		err = fmt.Errorf("credit windows cannot be empty")
		return
	}
	if cfg.Session.StreamWindow > cfg.Session.ConnWindow {
		err = fmt.Errorf("stream_window cannot exceed conn_window")
		return
	}
	cfg.Session.MaxFramePayload = defaultMaxFramePayload
	if raw.MaxFramePayload != nil {
		cfg.Session.MaxFramePayload = *raw.MaxFramePayload
	}
	cfg.Session.FragmentSize = defaultFragmentSize
	if raw.FragmentSize != nil {
		if *raw.FragmentSize <= 0 {
			err = fmt.Errorf("fragment_size must be positive")
			return
		}
		cfg.Session.FragmentSize = *raw.FragmentSize
	}
	if uint32(cfg.Session.FragmentSize) > cfg.Session.MaxFramePayload {
		err = fmt.Errorf("fragment_size cannot exceed max_frame_payload")
		return
	}

	if raw.RxRate < 0 || raw.TxRate < 0 {
		err = fmt.Errorf("rates cannot be negative")
		return
	}
	cfg.RxRate, cfg.TxRate = raw.RxRate, raw.TxRate

	cfg.AgentDir = raw.AgentDir
	cfg.CachePath = raw.CachePath
	cfg.Strategies, err = strategies(raw.Strategies)
	if err != nil {
		return
	}

	if raw.ReconnectAttempts < 0 {
		err = fmt.Errorf("reconnect_attempts cannot be negative")
		return
	}
	cfg.Reconnect.MaxAttempts = raw.ReconnectAttempts
	cfg.Reconnect.Backoff, err = duration("reconnect_backoff", raw.ReconnectBackoff, defaultReconnectBackoff)
	return
}
