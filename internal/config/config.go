package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"time"

	"github.com/petervdpas/peercall/internal/util"
)

type Config struct {
	Signaling  Signaling  `json:"signaling"`
	ICE        ICE        `json:"ice"`
	Media      Media      `json:"media"`
	Viewer     Viewer     `json:"viewer"`
	Rendezvous Rendezvous `json:"rendezvous"`
	Chat       Chat       `json:"chat"`
}

type Signaling struct {
	// Rendezvous address. Accepts ws(s)://, http(s):// or bare host:port.
	URL string `json:"url"`

	DialTimeoutSec   int `json:"dial_timeout_seconds"`
	AnswerTimeoutSec int `json:"answer_timeout_seconds"`
}

type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type ICE struct {
	Servers []ICEServer `json:"servers"`

	DisconnectedTimeoutSec int `json:"disconnected_timeout_seconds"`
	FailedTimeoutSec       int `json:"failed_timeout_seconds"`
	KeepAliveSec           int `json:"keepalive_seconds"`
}

type Media struct {
	// Synthetic replaces camera and microphone capture with generated tracks.
	// Useful on headless hosts.
	Synthetic bool `json:"synthetic"`

	MaxWidth     int    `json:"max_width"`
	MaxHeight    int    `json:"max_height"`
	VideoBitRate int    `json:"video_bitrate"`
	PreferredCam string `json:"preferred_cam"`
	PreferredMic string `json:"preferred_mic"`
}

type Viewer struct {
	HTTPAddr  string `json:"http_addr"`
	Debug     bool   `json:"debug"`
	AuthToken string `json:"auth_token"`
}

type Rendezvous struct {
	// If true, run a local rendezvous service on Bind:Port.
	Host bool   `json:"host"`
	Bind string `json:"bind"`
	Port int    `json:"port"`

	// If true: run ONLY the rendezvous service; no call endpoint.
	Only bool `json:"only"`

	// Directory for the chat database, relative to the peer directory.
	// Empty disables chat persistence on this host.
	ChatDBDir string `json:"chat_db_dir"`

	RelayRate  float64 `json:"relay_rate"`
	RelayBurst int     `json:"relay_burst"`
}

type Chat struct {
	HistoryLimit int `json:"history_limit"`
	MaxLength    int `json:"max_length"`
}

func Default() Config {
	return Config{
		Signaling: Signaling{
			URL:              "ws://127.0.0.1:8787/ws",
			DialTimeoutSec:   10,
			AnswerTimeoutSec: 45,
		},
		ICE: ICE{
			Servers: []ICEServer{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
			},
			DisconnectedTimeoutSec: 30,
			FailedTimeoutSec:       120,
			KeepAliveSec:           2,
		},
		Media: Media{
			MaxWidth:     640,
			MaxHeight:    480,
			VideoBitRate: 1_500_000,
		},
		Viewer: Viewer{
			HTTPAddr: "127.0.0.1:8080",
		},
		Rendezvous: Rendezvous{
			Host:       true,
			Bind:       "127.0.0.1",
			Port:       8787,
			ChatDBDir:  "data",
			RelayRate:  50,
			RelayBurst: 100,
		},
		Chat: Chat{
			HistoryLimit: 200,
			MaxLength:    4096,
		},
	}
}

func (c *Config) Validate() error {
	// Rendezvous (local server)
	if c.Rendezvous.Only && !c.Rendezvous.Host {
		return errors.New("rendezvous.only requires rendezvous.host=true")
	}
	if c.Rendezvous.Host {
		if c.Rendezvous.Port <= 0 || c.Rendezvous.Port > 65535 {
			return errors.New("rendezvous.port must be 1..65535 when rendezvous.host is enabled")
		}
		if b := c.Rendezvous.Bind; b != "" && net.ParseIP(b) == nil {
			return errors.New("rendezvous.bind must be a valid IP address")
		}
		if c.Rendezvous.RelayRate <= 0 {
			return errors.New("rendezvous.relay_rate must be > 0")
		}
		if c.Rendezvous.RelayBurst <= 0 {
			return errors.New("rendezvous.relay_burst must be > 0")
		}
	}
	if c.Rendezvous.Only {
		return nil
	}

	// Signaling
	if _, err := util.NormalizeWSURL(c.Signaling.URL); err != nil {
		return fmt.Errorf("signaling.url: %w", err)
	}
	if c.Signaling.DialTimeoutSec <= 0 {
		return errors.New("signaling.dial_timeout_seconds must be > 0")
	}
	if c.Signaling.AnswerTimeoutSec <= 0 {
		return errors.New("signaling.answer_timeout_seconds must be > 0")
	}

	// ICE
	for i, s := range c.ICE.Servers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("ice.servers[%d].urls is required", i)
		}
		for _, u := range s.URLs {
			if err := validateICEURL(u); err != nil {
				return fmt.Errorf("ice.servers[%d]: %w", i, err)
			}
		}
	}
	if c.ICE.DisconnectedTimeoutSec <= 0 || c.ICE.FailedTimeoutSec <= 0 || c.ICE.KeepAliveSec <= 0 {
		return errors.New("ice timeouts must be > 0")
	}
	if c.ICE.DisconnectedTimeoutSec > c.ICE.FailedTimeoutSec {
		return errors.New("ice.disconnected_timeout_seconds must be <= ice.failed_timeout_seconds")
	}

	// Media
	if c.Media.MaxWidth < 0 || c.Media.MaxHeight < 0 {
		return errors.New("media.max_width and media.max_height must be >= 0")
	}
	if c.Media.VideoBitRate < 0 {
		return errors.New("media.video_bitrate must be >= 0")
	}

	// Chat
	if c.Chat.HistoryLimit <= 0 || c.Chat.HistoryLimit > 10000 {
		return errors.New("chat.history_limit must be 1..10000")
	}
	if c.Chat.MaxLength <= 0 {
		return errors.New("chat.max_length must be > 0")
	}

	return nil
}

func validateICEURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url %q: %v", raw, err)
	}
	switch u.Scheme {
	case "stun", "stuns", "turn", "turns":
	default:
		return fmt.Errorf("url %q: scheme must be stun, stuns, turn or turns", raw)
	}
	if u.Opaque == "" && u.Host == "" {
		return fmt.Errorf("url %q: missing host", raw)
	}
	return nil
}

// DialTimeout returns the rendezvous dial timeout.
func (c Config) DialTimeout() time.Duration {
	return time.Duration(c.Signaling.DialTimeoutSec) * time.Second
}

// AnswerTimeout bounds how long an outgoing offer waits for an answer.
func (c Config) AnswerTimeout() time.Duration {
	return time.Duration(c.Signaling.AnswerTimeoutSec) * time.Second
}

// RendezvousAddr is the listen address of the embedded rendezvous service.
func (c Config) RendezvousAddr() string {
	bind := c.Rendezvous.Bind
	if bind == "" {
		bind = "127.0.0.1"
	}
	return net.JoinHostPort(bind, fmt.Sprint(c.Rendezvous.Port))
}

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads a config file without validation.
func LoadPartial(path string) (Config, error) {
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
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
