// Package config loads the bridge configuration from a TOML file.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"github.com/nedpals/nfc-bridge/internal/syncutil"
	"github.com/nedpals/nfc-bridge/nfc"
)

const (
	EnvPath  = "NFC_BRIDGE_CONFIG"
	AppDir   = "nfc-bridge"
	FileName = "config.toml"
)

// Radio drivers.
const (
	DriverLibnfc    = "libnfc"
	DriverPCSC      = "pcsc"
	DriverSimulated = "simulated"
)

// Values is the on-disk configuration.
type Values struct {
	Server Server `toml:"server"`
	Radio  Radio  `toml:"radio"`
	Log    Log    `toml:"log"`
}

type Server struct {
	Host         string `toml:"host"`
	APISecret    string `toml:"api_secret,omitempty"`
	TLSCert      string `toml:"tls_cert,omitempty" validate:"required_with=TLSKey"`
	TLSKey       string `toml:"tls_key,omitempty" validate:"required_with=TLSCert"`
	LeaseTimeout string `toml:"lease_timeout" validate:"duration"`
	Port         int    `toml:"port" validate:"min=1,max=65535"`
	MDNS         bool   `toml:"mdns"`
	AutoTLS      bool   `toml:"auto_tls"`
}

type Radio struct {
	Driver       string         `toml:"driver" validate:"oneof=libnfc pcsc simulated"`
	Device       string         `toml:"device,omitempty"`
	ScanInterval string         `toml:"scan_interval" validate:"duration"`
	Simulated    []SimulatedTag `toml:"simulated,omitempty" validate:"dive"`
	Enabled      bool           `toml:"enabled"`
}

// SimulatedTag describes a virtual tag for the simulated driver. Byte
// fields are hex strings.
type SimulatedTag struct {
	ID              string   `toml:"id" validate:"required,hexbytes"`
	Technologies    []string `toml:"technologies" validate:"dive,oneof=nfca nfcb isodep mifare_classic mifare_ultralight nfcf nfcv ndef"`
	Atqa            string   `toml:"atqa,omitempty" validate:"hexbytes"`
	Sak             string   `toml:"sak,omitempty" validate:"hexbytes"`
	HistoricalBytes string   `toml:"historical_bytes,omitempty" validate:"hexbytes"`
	HiLayerResponse string   `toml:"hi_layer_response,omitempty" validate:"hexbytes"`
	ProtocolInfo    string   `toml:"protocol_info,omitempty" validate:"hexbytes"`
	ApplicationData string   `toml:"application_data,omitempty" validate:"hexbytes"`
	Manufacturer    string   `toml:"manufacturer,omitempty" validate:"hexbytes"`
	SystemCode      string   `toml:"system_code,omitempty" validate:"hexbytes"`
	DsfID           string   `toml:"dsf_id,omitempty" validate:"hexbytes"`
	NdefText        string   `toml:"ndef_text,omitempty" validate:"excluded_with=NdefURI"`
	NdefURI         string   `toml:"ndef_uri,omitempty" validate:"omitempty,uri"`
	Delay           string   `toml:"delay,omitempty" validate:"duration"`
	Capacity        int      `toml:"capacity,omitempty" validate:"min=0,max=32765"`
	Writable        bool     `toml:"writable"`
}

type Log struct {
	Level string `toml:"level" validate:"oneof=debug info warn error"`
	File  string `toml:"file,omitempty"`
}

// Defaults is the configuration written on first start.
var Defaults = Values{
	Server: Server{
		Host:         "0.0.0.0",
		Port:         18080,
		MDNS:         true,
		LeaseTimeout: "10m",
	},
	Radio: Radio{
		Driver:       DriverLibnfc,
		Enabled:      true,
		ScanInterval: "250ms",
	},
	Log: Log{
		Level: "info",
	},
}

// Instance is a loaded configuration file.
type Instance struct {
	fs   afero.Fs
	path string

	mu   syncutil.RWMutex
	vals Values
}

// DefaultPath returns the config path from the environment, or the file in
// the user configuration directory.
func DefaultPath() (string, error) {
	if p := os.Getenv(EnvPath); p != "" {
		return p, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locate user config dir: %w", err)
	}
	return filepath.Join(dir, AppDir, FileName), nil
}

// Load reads the config at path, writing the defaults there first if the
// file does not exist. File values are applied on top of defaults.
func Load(fs afero.Fs, path string, defaults Values) (*Instance, error) {
	if path == "" {
		return nil, errors.New("config path not set")
	}
	c := &Instance{fs: fs, path: path, vals: defaults}

	exists, err := afero.Exists(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if !exists {
		log.Info().Str("path", path).Msg("saving new default config to disk")
		if err := fs.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create config directory: %w", err)
		}
		if err := c.Save(); err != nil {
			return nil, err
		}
	}

	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	vals := defaults
	if err := toml.Unmarshal(data, &vals); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := Validate(vals); err != nil {
		return nil, err
	}

	c.vals = vals
	return c, nil
}

// Save writes the current values back to disk.
func (c *Instance) Save() error {
	c.mu.RLock()
	data, err := toml.Marshal(&c.vals)
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := afero.WriteFile(c.fs, c.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Path returns the file the config was loaded from.
func (c *Instance) Path() string {
	return c.path
}

// Values returns a copy of the loaded values.
func (c *Instance) Values() Values {
	c.mu.RLock()
	defer c.mu.RUnlock()
	vals := c.vals
	vals.Radio.Simulated = append([]SimulatedTag(nil), c.vals.Radio.Simulated...)
	return vals
}

// Update applies fn to the values and keeps the result if it validates.
func (c *Instance) Update(fn func(*Values)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	vals := c.vals
	fn(&vals)
	if err := Validate(vals); err != nil {
		return err
	}
	c.vals = vals
	return nil
}

// Addr returns the listen address of the server.
func (s Server) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// TLS reports whether a certificate pair is configured.
func (s Server) TLS() bool {
	return s.TLSCert != "" && s.TLSKey != ""
}

// IssueTLS reports whether the bridge must issue its own certificate.
func (s Server) IssueTLS() bool {
	return s.AutoTLS && !s.TLS()
}

// LeaseIdle returns the client lease idle timeout; zero disables it.
func (s Server) LeaseIdle() time.Duration {
	return parseDuration(s.LeaseTimeout)
}

// Interval returns the reader scan interval.
func (r Radio) Interval() time.Duration {
	return parseDuration(r.ScanInterval)
}

func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("duration", validateDuration)
	_ = v.RegisterValidation("hexbytes", validateHexBytes)
	return v
}

// Validate checks vals against the field constraints.
func Validate(vals Values) error {
	if err := validate.Struct(vals); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config: %s fails %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func validateDuration(fl validator.FieldLevel) bool {
	val := fl.Field().String()
	if val == "" {
		return true
	}
	d, err := time.ParseDuration(val)
	return err == nil && d >= 0
}

func validateHexBytes(fl validator.FieldLevel) bool {
	val := fl.Field().String()
	if val == "" {
		return true
	}
	_, err := nfc.HexToBytes(val)
	return err == nil
}

// DiscoveryDelay returns how long the tag takes to show up once reader mode
// is on.
func (t SimulatedTag) DiscoveryDelay() time.Duration {
	return parseDuration(t.Delay)
}
