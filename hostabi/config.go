package hostabi

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config carries the CLI options of §4.I/§6 plus logging/timeout options
// added by the ambient stack.
type Config struct {
	Port        int    `yaml:"-"`
	PrimaryTTY  string `yaml:"-"`
	PriorityTTY string `yaml:"-"`
	Interface   string `yaml:"-"`
	Host        string `yaml:"-"`

	Verbose        bool          `yaml:"-"`
	DefaultTimeout time.Duration `yaml:"-"`

	// PostSIMInit and AdmissionWhitelist are read from the optional YAML
	// overlay (-c). PostSIMInit, when non-empty, replaces the compiled-in
	// post-SIM init sequence. AdmissionWhitelist is loaded but not
	// consulted: admission uses the compiled-in classification in
	// admissionClassOf.
	PostSIMInit        []string `yaml:"post_sim_init,omitempty"`
	AdmissionWhitelist []string `yaml:"admission_whitelist,omitempty"`
}

// ParseFlags parses the CLI flags of §4.I/§6 ("-p", "-d", "-x", "-i",
// "-z") plus the ambient "-v"/"-t"/"-c" flags, in the style of
// doismellburning-samoyed's pflag usage. It validates that at least one
// of "-p"/"-d" is present, per §6 ("missing both is fatal, usage to
// stderr, non-zero exit") -- ParseFlags itself returns the error; the
// caller (cmd/rild) is responsible for the exit status.
func ParseFlags(args []string) (Config, error) {
	fs := pflag.NewFlagSet("rild", pflag.ContinueOnError)
	port := fs.IntP("port", "p", 0, "TCP port of the modem (loopback)")
	primary := fs.StringP("device", "d", "", "primary TTY device path")
	priority := fs.StringP("priority-device", "x", "", "priority-channel TTY device path")
	iface := fs.StringP("interface", "i", "rmnet0", "network interface name for data calls")
	host := fs.StringP("host", "z", "localhost", "TCP host for loopback transport")
	verbose := fs.BoolP("verbose", "v", false, "trace-log the modem byte stream")
	timeout := fs.DurationP("timeout", "t", 10*time.Minute, "default AT command deadline")
	configFile := fs.StringP("config", "c", "", "optional YAML config overlay")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s - Radio Interface Layer core\n\n", args[0])
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS]\n\n", args[0])
		fs.PrintDefaults()
	}

	if err := fs.Parse(args[1:]); err != nil {
		return Config{}, err
	}

	cfg := Config{
		Port:           *port,
		PrimaryTTY:     *primary,
		PriorityTTY:    *priority,
		Interface:      *iface,
		Host:           *host,
		Verbose:        *verbose,
		DefaultTimeout: *timeout,
	}

	if cfg.Port == 0 && cfg.PrimaryTTY == "" {
		fs.Usage()
		return cfg, fmt.Errorf("hostabi: at least one of -p or -d is required")
	}

	if *configFile != "" {
		overlay, err := loadConfigFile(*configFile)
		if err != nil {
			return cfg, err
		}
		if len(overlay.PostSIMInit) > 0 {
			cfg.PostSIMInit = overlay.PostSIMInit
		}
		if len(overlay.AdmissionWhitelist) > 0 {
			cfg.AdmissionWhitelist = overlay.AdmissionWhitelist
		}
	}

	return cfg, nil
}

func loadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("hostabi: read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("hostabi: parse config file: %w", err)
	}
	return cfg, nil
}
