/*
Package config implements a parser for rohctun server and client
configuration represented in the TOML format: https://github.com/toml-lang/toml.

Configuration is a flat set of key = value lines; a file with no tables is
valid TOML, so it is loaded with pelletier/go-toml and walked as a flat
key/value map. Unknown keys are rejected.

	max_clients = 50
	port = 3126
	pkcs12_file = "/etc/rohctun/server.p12"
	pidfile = "/var/run/rohctund.pid"
	local_address = "192.168.99.1"
	prefix = 24
	packing = 5
	max_cid = 15
	window_width = 4
	refresh_interval = 100
	keepalive_timeout = 60
	codec_version = 2
*/
package config

import (
	"fmt"

	"github.com/pelletier/go-toml"
)

// ServerConfig is the parsed contents of the server's configuration
// file.
type ServerConfig struct {
	MaxClients       int
	Port             int
	Pkcs12File       string
	PidFile          string
	LocalAddress     string
	Prefix           int
	Packing          uint8
	MaxCid           uint16
	Unidirectional   bool
	WindowWidth      uint16
	RefreshInterval  uint16
	KeepaliveTimeout uint16
	CodecVersion     uint8
}

func toInt(v interface{}) (int, error) {
	switch n := v.(type) {
	case int64:
		return int(n), nil
	case int:
		return n, nil
	}
	return 0, fmt.Errorf("supplied value could not be parsed as an integer")
}

func toString(v interface{}) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	return "", fmt.Errorf("supplied value could not be parsed as a string")
}

func toBool(v interface{}) (bool, error) {
	if b, ok := v.(bool); ok {
		return b, nil
	}
	return false, fmt.Errorf("supplied value could not be parsed as a boolean")
}

// newServerConfig walks the flat key/value map produced by the TOML
// parser, switching on each key and rejecting unknown ones; newClientConfig
// follows the same idiom for the client keys.
func newServerConfig(cm map[string]interface{}) (*ServerConfig, error) {
	cfg := &ServerConfig{}
	for k, v := range cm {
		var err error
		switch k {
		case "max_clients":
			var n int
			n, err = toInt(v)
			cfg.MaxClients = n
		case "port":
			var n int
			n, err = toInt(v)
			cfg.Port = n
		case "pkcs12_file":
			cfg.Pkcs12File, err = toString(v)
		case "pidfile":
			cfg.PidFile, err = toString(v)
		case "local_address":
			cfg.LocalAddress, err = toString(v)
		case "prefix":
			var n int
			n, err = toInt(v)
			cfg.Prefix = n
		case "packing":
			var n int
			n, err = toInt(v)
			cfg.Packing = uint8(n)
		case "max_cid":
			var n int
			n, err = toInt(v)
			cfg.MaxCid = uint16(n)
		case "unidirectional":
			cfg.Unidirectional, err = toBool(v)
		case "window_width":
			var n int
			n, err = toInt(v)
			cfg.WindowWidth = uint16(n)
		case "refresh_interval":
			var n int
			n, err = toInt(v)
			cfg.RefreshInterval = uint16(n)
		case "keepalive_timeout":
			var n int
			n, err = toInt(v)
			cfg.KeepaliveTimeout = uint16(n)
		case "codec_version":
			var n int
			n, err = toInt(v)
			cfg.CodecVersion = uint8(n)
		default:
			return nil, fmt.Errorf("unrecognised parameter %q", k)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to process %v: %v", k, err)
		}
	}
	return cfg, nil
}

// LoadServerFile loads the server configuration from the specified file.
func LoadServerFile(path string) (*ServerConfig, error) {
	tree, err := toml.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file: %v", err)
	}
	return newServerConfig(tree.ToMap())
}

// LoadServerString loads the server configuration from the specified
// string, primarily useful for tests.
func LoadServerString(content string) (*ServerConfig, error) {
	tree, err := toml.Load(content)
	if err != nil {
		return nil, fmt.Errorf("failed to load config string: %v", err)
	}
	return newServerConfig(tree.ToMap())
}

// ClientConfig is the parsed contents of the client's configuration
// file. The client takes most of these as command line flags, but a file
// is supported for scripted deployments following the same flat key=value
// shape as the server.
type ClientConfig struct {
	Remote     string
	Port       int
	BaseDev    string
	Dev        string
	Pkcs12File string
	Packing    uint8
	UpPath     string
}

func newClientConfig(cm map[string]interface{}) (*ClientConfig, error) {
	cfg := &ClientConfig{}
	for k, v := range cm {
		var err error
		switch k {
		case "remote":
			cfg.Remote, err = toString(v)
		case "port":
			var n int
			n, err = toInt(v)
			cfg.Port = n
		case "basedev":
			cfg.BaseDev, err = toString(v)
		case "dev":
			cfg.Dev, err = toString(v)
		case "pkcs12_file":
			cfg.Pkcs12File, err = toString(v)
		case "packing":
			var n int
			n, err = toInt(v)
			cfg.Packing = uint8(n)
		case "up":
			cfg.UpPath, err = toString(v)
		default:
			return nil, fmt.Errorf("unrecognised parameter %q", k)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to process %v: %v", k, err)
		}
	}
	return cfg, nil
}

// LoadClientFile loads the client configuration from the specified file.
func LoadClientFile(path string) (*ClientConfig, error) {
	tree, err := toml.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file: %v", err)
	}
	return newClientConfig(tree.ToMap())
}

// LoadClientString loads the client configuration from the specified
// string, primarily useful for tests.
func LoadClientString(content string) (*ClientConfig, error) {
	tree, err := toml.Load(content)
	if err != nil {
		return nil, fmt.Errorf("failed to load config string: %v", err)
	}
	return newClientConfig(tree.ToMap())
}

// Validate applies the client's cross-field checks: remote, basedev, dev
// and the p12 credential file are mandatory, and the control port
// defaults when unset.
func (cfg *ClientConfig) Validate() error {
	if cfg.Remote == "" {
		return fmt.Errorf("remote is required")
	}
	if cfg.BaseDev == "" {
		return fmt.Errorf("basedev is required")
	}
	if cfg.Dev == "" {
		return fmt.Errorf("dev is required")
	}
	if cfg.Pkcs12File == "" {
		return fmt.Errorf("pkcs12_file is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 3126
	}
	return nil
}

// Validate applies the server's cross-field checks and fills defaults.
// A failure here is a configuration error: the server refuses to start.
func (cfg *ServerConfig) Validate() error {
	if cfg.MaxClients <= 0 {
		return fmt.Errorf("max_clients must be positive")
	}
	if cfg.LocalAddress == "" {
		return fmt.Errorf("local_address is required")
	}
	if cfg.Prefix <= 0 || cfg.Prefix > 32 {
		return fmt.Errorf("prefix must be in range (0,32]")
	}
	if cfg.Pkcs12File == "" {
		return fmt.Errorf("pkcs12_file is required")
	}
	if cfg.Packing == 0 {
		cfg.Packing = 1
	}
	if cfg.KeepaliveTimeout == 0 {
		cfg.KeepaliveTimeout = 60
	}
	if cfg.CodecVersion == 0 {
		cfg.CodecVersion = 1
	}
	if cfg.Port == 0 {
		cfg.Port = 3126
	}
	return nil
}
