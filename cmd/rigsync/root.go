package main

import (
	"time"

	"github.com/danmuck/rigsync/internal/config"
	"github.com/danmuck/rigsync/internal/session"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// clientFlags are the connection flags shared by every client subcommand.
// Set flags win over the config file and the environment.
type clientFlags struct {
	configPath string
	endpoint   string
	role       string
	credential string
	timeout    time.Duration
}

func newRootCmd() *cobra.Command {
	flags := &clientFlags{}
	root := &cobra.Command{
		Use:   "rigsync",
		Short: "Real-time sync client for the actuator rig controller",
		Long: `rigsync keeps a local mirror of the rig controller's state over a
websocket session and issues commands against it.

Connection settings come from --config (TOML or YAML), then RIGSYNC_API_KEY,
then the flags below.`,
		SilenceUsage: true,
	}
	flags.bind(root.PersistentFlags())

	root.AddCommand(
		newWatchCmd(flags),
		newStatusCmd(flags),
		newModeCmd(flags),
		newMotorCmd(flags),
		newStopCmd(flags),
		newControllerCmd(),
	)
	return root
}

func (f *clientFlags) bind(fs *pflag.FlagSet) {
	fs.StringVarP(&f.configPath, "config", "c", "", "client config file (.toml, .yaml)")
	fs.StringVar(&f.endpoint, "endpoint", "", "controller websocket endpoint (ws:// or wss://)")
	fs.StringVar(&f.role, "role", "", "client role: control|observer")
	fs.StringVar(&f.credential, "credential", "", "API key presented during the handshake")
	fs.DurationVar(&f.timeout, "timeout", 10*time.Second, "how long one-shot commands wait for the session")
}

// resolve loads the config file, if any, and applies set flags on top.
func (f *clientFlags) resolve(cmd *cobra.Command) (config.ClientConfig, error) {
	var cfg config.ClientConfig
	if f.configPath != "" {
		loaded, err := config.LoadClientConfig(f.configPath)
		if err != nil {
			return config.ClientConfig{}, err
		}
		cfg = loaded
	} else {
		cfg = config.DefaultClientConfig()
		config.ApplyEnv(&cfg)
	}
	pf := cmd.Flags()
	if pf.Changed("endpoint") {
		cfg.Endpoint = f.endpoint
	}
	if pf.Changed("role") {
		role, err := session.ParseRole(f.role)
		if err != nil {
			return config.ClientConfig{}, err
		}
		cfg.Role = role
	}
	if pf.Changed("credential") {
		cfg.Credential = f.credential
	}
	if err := cfg.Validate(); err != nil {
		return config.ClientConfig{}, err
	}
	return cfg, nil
}
