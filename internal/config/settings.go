package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"echochan/internal/chat"
)

// Backend modes select where outgoing messages go.
const (
	BackendRelay    = "relay"
	BackendDatabase = "backend"
	BackendBoth     = "both"
)

const (
	DefaultRoom         = "#echo"
	DefaultNick         = "Anonymous"
	DefaultMaxImageKB   = 200
	MinPayloadKB        = 6000
	DefaultRelayAddress = "ws://127.0.0.1:7447"
)

var ErrInvalidSettings = errors.New("invalid settings")

// Settings are the user-editable preferences persisted between runs.
type Settings struct {
	Nick         string   `json:"nick" mapstructure:"nick" validate:"max=64"`
	Rooms        []string `json:"rooms" mapstructure:"rooms" validate:"dive,max=64"`
	Relays       []string `json:"relays" mapstructure:"relays" validate:"dive,url"`
	MaxImageKB   int      `json:"max_image_kb" mapstructure:"max_image_kb" validate:"gte=0"`
	MaxPayloadKB int      `json:"max_payload_kb" mapstructure:"max_payload_kb" validate:"gte=0"`
	BackendMode  string   `json:"backend_mode" mapstructure:"backend_mode" validate:"omitempty,oneof=relay backend both"`
	IdentitySeed string   `json:"identity_seed,omitempty" mapstructure:"identity_seed" validate:"omitempty,hexadecimal,len=64"`
}

func DefaultSettings() Settings {
	return Settings{
		Nick:         DefaultNick,
		Rooms:        []string{DefaultRoom},
		Relays:       []string{DefaultRelayAddress},
		MaxImageKB:   DefaultMaxImageKB,
		MaxPayloadKB: MinPayloadKB,
		BackendMode:  BackendRelay,
	}
}

// Normalize fixes up values a user or an older settings file may have left out of range.
func (s Settings) Normalize() Settings {
	s.Nick = strings.TrimSpace(s.Nick)
	if s.Nick == "" {
		s.Nick = DefaultNick
	}
	s.Rooms = chat.NormalizeRooms(s.Rooms)
	if len(s.Rooms) == 0 {
		s.Rooms = []string{DefaultRoom}
	}

	relays := make([]string, 0, len(s.Relays))
	seen := make(map[string]bool, len(s.Relays))
	for _, r := range s.Relays {
		r = strings.TrimSpace(r)
		if r != "" && !seen[r] {
			seen[r] = true
			relays = append(relays, r)
		}
	}
	s.Relays = relays

	if s.MaxImageKB <= 0 {
		s.MaxImageKB = DefaultMaxImageKB
	}
	if s.MaxPayloadKB < MinPayloadKB {
		s.MaxPayloadKB = MinPayloadKB
	}
	if s.BackendMode == "" {
		s.BackendMode = BackendRelay
	}
	return s
}

var validate = validator.New()

func (s Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	return nil
}

// UsesRelays reports whether messages go out over the relay pool.
func (s Settings) UsesRelays() bool { return s.BackendMode != BackendDatabase }

// UsesBackend reports whether messages go to the backend database.
func (s Settings) UsesBackend() bool {
	return s.BackendMode == BackendDatabase || s.BackendMode == BackendBoth
}

// SettingsStore persists Settings.
type SettingsStore interface {
	Load() (Settings, error)
	Save(Settings) error
}

// FileStore keeps Settings in a JSON file. It also serves as the identity seed store.
type FileStore struct {
	path string

	mu sync.Mutex
	v  *viper.Viper
}

func NewFileStore(path string) (*FileStore, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	defaults := DefaultSettings()
	v.SetDefault("nick", defaults.Nick)
	v.SetDefault("rooms", defaults.Rooms)
	v.SetDefault("relays", defaults.Relays)
	v.SetDefault("max_image_kb", defaults.MaxImageKB)
	v.SetDefault("max_payload_kb", defaults.MaxPayloadKB)
	v.SetDefault("backend_mode", defaults.BackendMode)
	v.SetDefault("identity_seed", "")

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read settings %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return &FileStore{path: path, v: v}, nil
}

// Load returns the stored settings, normalized.
func (f *FileStore) Load() (Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loadLocked()
}

func (f *FileStore) loadLocked() (Settings, error) {
	var s Settings
	if err := f.v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	return s.Normalize(), nil
}

func (f *FileStore) Save(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saveLocked(s)
}

func (f *FileStore) saveLocked(s Settings) error {
	// viper treats a nil override as unset and would fall back to the defaults
	if s.Rooms == nil {
		s.Rooms = []string{}
	}
	if s.Relays == nil {
		s.Relays = []string{}
	}
	f.v.Set("nick", s.Nick)
	f.v.Set("rooms", s.Rooms)
	f.v.Set("relays", s.Relays)
	f.v.Set("max_image_kb", s.MaxImageKB)
	f.v.Set("max_payload_kb", s.MaxPayloadKB)
	f.v.Set("backend_mode", s.BackendMode)
	f.v.Set("identity_seed", s.IdentitySeed)
	if err := f.v.WriteConfigAs(f.path); err != nil {
		return fmt.Errorf("write settings %s: %w", f.path, err)
	}
	return nil
}

func (f *FileStore) IdentitySeed() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.v.GetString("identity_seed"), nil
}

func (f *FileStore) SaveIdentitySeed(seedHex string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, err := f.loadLocked()
	if err != nil {
		return err
	}
	s.IdentitySeed = seedHex
	return f.saveLocked(s)
}
