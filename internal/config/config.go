// Package config defines fence device inventories and resolves a device into
// the values a single fence invocation needs.
package config

import (
	"fmt"
	"os"

	"github.com/eugenetaranov/fence-ipmilan/internal/connector"
	"github.com/eugenetaranov/fence-ipmilan/internal/fence"
	"github.com/eugenetaranov/fence-ipmilan/internal/ipmi"
)

// Inventory is a set of fence devices sharing defaults.
type Inventory struct {
	// Path is the file path the inventory was loaded from.
	Path string `yaml:"-"`

	// Defaults apply to every device that leaves a field unset.
	Defaults Device `yaml:"defaults"`

	// Devices is the list of fence devices.
	Devices []*Device `yaml:"devices"`
}

// Device describes one management controller and how to reach it.
type Device struct {
	// Name identifies the device in the inventory.
	Name string `yaml:"name"`

	// IP is the controller address.
	IP string `yaml:"ip"`

	// IPPort is the RMCP port (default: ipmitool's).
	IPPort int `yaml:"ipport"`

	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// PasswordEnv names an environment variable holding the password.
	PasswordEnv string `yaml:"password_env"`

	// IPMIToolPath is the ipmitool binary (default: /usr/bin/ipmitool).
	IPMIToolPath string `yaml:"ipmitool_path"`

	// Lanplus selects IPMI v2.0 (default: true).
	Lanplus *bool `yaml:"lanplus"`

	Cipher    string `yaml:"cipher"`
	Privilege string `yaml:"privlvl"`

	PowerTimeout *int `yaml:"power_timeout"`
	PowerWait    *int `yaml:"power_wait"`
	RetryOn      *int `yaml:"retry_on"`

	// Connection is where ipmitool runs: local, docker, or ssh (default: local).
	Connection string `yaml:"connection"`

	// Container is the container running ipmitool (docker).
	Container string `yaml:"container"`

	// SSH configures the jump host (ssh).
	SSH *SSH `yaml:"ssh"`
}

// SSH describes a jump host with access to the management network.
type SSH struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	User       string `yaml:"user"`
	Password   string `yaml:"password"`
	KeyFile    string `yaml:"key_file"`
	KnownHosts string `yaml:"known_hosts"`
}

// GetConnection returns the connection type, defaulting to "local".
func (d *Device) GetConnection() string {
	if d.Connection == "" {
		return "local"
	}
	return d.Connection
}

// GetLanplus returns whether lanplus is enabled, defaulting to true.
func (d *Device) GetLanplus() bool {
	if d.Lanplus == nil {
		return true
	}
	return *d.Lanplus
}

// GetPassword returns the password, reading PasswordEnv when no password is set.
func (d *Device) GetPassword() string {
	if d.Password == "" && d.PasswordEnv != "" {
		return os.Getenv(d.PasswordEnv)
	}
	return d.Password
}

// Timing returns the transition timing with defaults for unset fields.
func (d *Device) Timing() fence.Timing {
	t := fence.DefaultTiming()
	if d.PowerTimeout != nil {
		t.PowerTimeout = *d.PowerTimeout
	}
	if d.PowerWait != nil {
		t.PowerWait = *d.PowerWait
	}
	if d.RetryOn != nil {
		t.RetryOn = *d.RetryOn
	}
	return t
}

// IPMIOptions returns the controller options for the ipmi transport. A
// password read from PasswordEnv is passed to ipmitool through its
// environment, never on its command line.
func (d *Device) IPMIOptions() ipmi.Options {
	path := d.IPMIToolPath
	if path == "" {
		path = ipmi.DefaultPath
	}
	return ipmi.Options{
		Path:      path,
		Address:   d.IP,
		Port:      d.IPPort,
		Username:  d.Username,
		Password:  d.GetPassword(),
		Lanplus:   d.GetLanplus(),
		Cipher:    d.Cipher,
		Privilege: d.Privilege,

		EnvPassword: d.Password == "" && d.PasswordEnv != "",
	}
}

// ConnectorConfig returns the configuration for the device's connector.
func (d *Device) ConnectorConfig() connector.Config {
	cfg := connector.Config{Container: d.Container}
	if d.SSH != nil {
		cfg.Host = d.SSH.Host
		cfg.Port = d.SSH.Port
		cfg.User = d.SSH.User
		cfg.Password = d.SSH.Password
		cfg.KeyFile = d.SSH.KeyFile
		cfg.KnownHosts = d.SSH.KnownHosts
	}
	return cfg
}

// Validate checks the device for common errors.
func (d *Device) Validate() error {
	if err := d.IPMIOptions().Validate(); err != nil {
		return err
	}

	if err := d.Timing().Validate(); err != nil {
		return err
	}

	switch d.GetConnection() {
	case "local":
	case "docker":
		if d.Container == "" {
			return fmt.Errorf("docker connection requires 'container'")
		}
	case "ssh":
		if d.SSH == nil || d.SSH.Host == "" {
			return fmt.Errorf("ssh connection requires 'ssh.host'")
		}
		if d.SSH.User == "" {
			return fmt.Errorf("ssh connection requires 'ssh.user'")
		}
		if d.SSH.Password == "" && d.SSH.KeyFile == "" {
			return fmt.Errorf("ssh connection requires 'ssh.password' or 'ssh.key_file'")
		}
	default:
		return fmt.Errorf("invalid connection type: %s (must be local, docker, or ssh)", d.Connection)
	}

	return nil
}

// Merge returns a copy of base with every field set in over taking precedence.
func Merge(base, over *Device) *Device {
	out := *base
	if base.SSH != nil {
		ssh := *base.SSH
		out.SSH = &ssh
	}

	if over.Name != "" {
		out.Name = over.Name
	}
	if over.IP != "" {
		out.IP = over.IP
	}
	if over.IPPort != 0 {
		out.IPPort = over.IPPort
	}
	if over.Username != "" {
		out.Username = over.Username
	}
	if over.Password != "" {
		out.Password = over.Password
	}
	if over.PasswordEnv != "" {
		out.PasswordEnv = over.PasswordEnv
	}
	if over.IPMIToolPath != "" {
		out.IPMIToolPath = over.IPMIToolPath
	}
	if over.Lanplus != nil {
		out.Lanplus = over.Lanplus
	}
	if over.Cipher != "" {
		out.Cipher = over.Cipher
	}
	if over.Privilege != "" {
		out.Privilege = over.Privilege
	}
	if over.PowerTimeout != nil {
		out.PowerTimeout = over.PowerTimeout
	}
	if over.PowerWait != nil {
		out.PowerWait = over.PowerWait
	}
	if over.RetryOn != nil {
		out.RetryOn = over.RetryOn
	}
	if over.Connection != "" {
		out.Connection = over.Connection
	}
	if over.Container != "" {
		out.Container = over.Container
	}
	if over.SSH != nil {
		if out.SSH == nil {
			out.SSH = &SSH{}
		}
		mergeSSH(out.SSH, over.SSH)
	}

	return &out
}

func mergeSSH(dst, src *SSH) {
	if src.Host != "" {
		dst.Host = src.Host
	}
	if src.Port != 0 {
		dst.Port = src.Port
	}
	if src.User != "" {
		dst.User = src.User
	}
	if src.Password != "" {
		dst.Password = src.Password
	}
	if src.KeyFile != "" {
		dst.KeyFile = src.KeyFile
	}
	if src.KnownHosts != "" {
		dst.KnownHosts = src.KnownHosts
	}
}

// Lookup returns the named device merged over the inventory defaults.
func (inv *Inventory) Lookup(name string) (*Device, error) {
	for _, d := range inv.Devices {
		if d.Name == name {
			return Merge(&inv.Defaults, d), nil
		}
	}
	return nil, fmt.Errorf("device not found: %s", name)
}

// Validate checks every device, with defaults applied.
func (inv *Inventory) Validate() error {
	if len(inv.Devices) == 0 {
		return fmt.Errorf("inventory has no devices")
	}

	seen := make(map[string]bool)
	for i, d := range inv.Devices {
		if d.Name == "" {
			return fmt.Errorf("device %d: missing required 'name' field", i+1)
		}
		if seen[d.Name] {
			return fmt.Errorf("device %d: duplicate name %q", i+1, d.Name)
		}
		seen[d.Name] = true

		if err := Merge(&inv.Defaults, d).Validate(); err != nil {
			return fmt.Errorf("%s: %w", d.Name, err)
		}
	}

	return nil
}
