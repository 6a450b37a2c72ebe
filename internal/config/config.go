package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/laserpointoman-commits/talebEdu-sub005/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	Call     Call     `json:"call"`
	Relay    Relay    `json:"relay"`
	Viewer   Viewer   `json:"viewer"`
}

type Identity struct {
	// UserID is the roster id this terminal signs in as. It doubles as the
	// signaling channel name, so it must be stable across restarts.
	UserID   string `json:"user_id"`
	FullName string `json:"full_name"`
}

type Call struct {
	// Unattended marks this terminal as an operator-less kiosk: incoming
	// calls are auto-answered instead of ringing.
	Unattended bool `json:"unattended"`

	// Timing contracts. Zero means built-in default.
	AutoAcceptDelayMS int `json:"auto_accept_delay_ms"`
	EndedResetDelayMS int `json:"ended_reset_delay_ms"`
	SignalTimeoutSec  int `json:"signal_timeout_sec"`

	// STUNServers are the ICE servers handed to the media stack. Schools
	// behind strict firewalls replace the public set with their own.
	STUNServers []string `json:"stun_servers"`

	// VideoDisabled forces audio-only capture for terminals without a
	// camera. The remote side's video still renders.
	VideoDisabled bool `json:"video_disabled"`
}

// Relay modes.
const (
	RelayMemory = "memory"
	RelayRedis  = "redis"
	RelayMesh   = "mesh"
	RelayWS     = "ws"
)

type Relay struct {
	// Mode picks the signaling transport: memory, redis, mesh or ws.
	Mode string `json:"mode"`

	// Redis settings (mode=redis).
	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`

	// Mesh settings (mode=mesh).
	MeshKeyFile    string `json:"mesh_key_file"`
	MeshListenPort int    `json:"mesh_listen_port"`

	// Websocket settings (mode=ws). URL of a relay server.
	WSURL string `json:"ws_url"`

	// TopicPrefix namespaces the per-user signaling channels so separate
	// fleets can share one broker. Empty means the built-in "calls:".
	TopicPrefix string `json:"topic_prefix"`

	// ListenAddr is only used by the relay server subcommand.
	ListenAddr string `json:"listen_addr"`
}

type Viewer struct {
	// HTTPAddr is the local control API bind address. Empty disables it.
	HTTPAddr string `json:"http_addr"`
	Debug    bool   `json:"debug"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			UserID:   "",
			FullName: "",
		},
		Call: Call{
			Unattended:        false,
			AutoAcceptDelayMS: 300,
			EndedResetDelayMS: 2000,
			SignalTimeoutSec:  8,
			STUNServers: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
				"stun:stun2.l.google.com:19302",
			},
			VideoDisabled: false,
		},
		Relay: Relay{
			Mode:           RelayMesh,
			RedisAddr:      "127.0.0.1:6379",
			MeshKeyFile:    "data/identity.key",
			MeshListenPort: 0,
			TopicPrefix:    "calls:",
			ListenAddr:     "127.0.0.1:8790",
		},
		Viewer: Viewer{
			HTTPAddr: "127.0.0.1:8788",
			Debug:    false,
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.UserID) == "" {
		return errors.New("identity.user_id is required")
	}

	// Call timing
	if c.Call.AutoAcceptDelayMS < 0 {
		return errors.New("call.auto_accept_delay_ms must be >= 0")
	}
	if c.Call.EndedResetDelayMS < 0 {
		return errors.New("call.ended_reset_delay_ms must be >= 0")
	}
	if c.Call.SignalTimeoutSec < 0 {
		return errors.New("call.signal_timeout_sec must be >= 0")
	}
	for _, s := range c.Call.STUNServers {
		if strings.TrimSpace(s) == "" {
			return errors.New("call.stun_servers entries must be non-empty")
		}
	}

	// Relay
	switch c.Relay.Mode {
	case RelayMemory:
	case RelayRedis:
		if strings.TrimSpace(c.Relay.RedisAddr) == "" {
			return errors.New("relay.redis_addr is required when relay.mode=redis")
		}
		if c.Relay.RedisDB < 0 {
			return errors.New("relay.redis_db must be >= 0")
		}
	case RelayMesh:
		if strings.TrimSpace(c.Relay.MeshKeyFile) == "" {
			return errors.New("relay.mesh_key_file is required when relay.mode=mesh")
		}
		if c.Relay.MeshListenPort < 0 || c.Relay.MeshListenPort > 65535 {
			return errors.New("relay.mesh_listen_port must be 0..65535")
		}
	case RelayWS:
		if err := validateRelayURL(c.Relay.WSURL); err != nil {
			return fmt.Errorf("relay.ws_url: %w", err)
		}
	default:
		return fmt.Errorf("relay.mode must be one of memory, redis, mesh, ws (got %q)", c.Relay.Mode)
	}

	if a := strings.TrimSpace(c.Relay.ListenAddr); a != "" {
		if _, _, err := net.SplitHostPort(a); err != nil {
			return fmt.Errorf("relay.listen_addr: %v", err)
		}
	}

	return nil
}

func validateRelayURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("required when relay.mode=ws")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return errors.New("scheme must be http, https, ws or wss")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err). The freshly created default fails
// validation on purpose (user_id is empty), so it is written without
// validating and the caller tells the operator to fill it in.
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := util.WriteJSONFile(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
