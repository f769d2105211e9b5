// Package config loads the server's configuration surface: name/version, listen
// address, upstream pipeline coordinates, supported protocol versions, and
// declared capabilities (§6). Precedence is flag > env (MCP_ prefix) > file >
// built-in default, following the pflag+viper layering this corpus's larger
// services (the workflow engine, the job platform) use for their own config.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the fully-resolved configuration surface described in §6.
type Config struct {
	ServerName    string
	ServerVersion string
	Listen        string

	PipelineURL     string
	PipelineToken   string
	PipelineTimeout time.Duration

	ProtocolVersions []string

	ToolsListChanged bool
	LoggingCapable   bool
}

// Load parses args (normally os.Args[1:]) layered over environment variables
// (MCP_*) and an optional config file, and returns the resolved Config.
func Load(args []string) (Config, error) {
	flags := pflag.NewFlagSet("mcpserver", pflag.ContinueOnError)

	flags.String("name", "custom-server", "server name advertised in the initialize handshake")
	flags.String("version", "0.0.1", "server version advertised in the initialize handshake")
	flags.String("listen", ":45451", "address to listen on")
	flags.String("pipeline-url", "", "upstream pipeline HTTP endpoint (required)")
	flags.String("pipeline-token", "", "bearer token for the upstream pipeline (required)")
	flags.Duration("pipeline-timeout", 30*time.Second, "timeout for upstream pipeline calls")
	flags.StringSlice("protocol-versions", []string{"2024-11-05"}, "ordered list of supported protocol versions")
	flags.Bool("tools-list-changed", true, "declare tools.listChanged capability")
	flags.Bool("logging-capability", true, "declare logging capability")
	flags.String("config", "", "optional path to a YAML config file")

	if err := flags.Parse(args); err != nil {
		return Config{}, fmt.Errorf("parsing flags: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("MCP")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(flags); err != nil {
		return Config{}, fmt.Errorf("binding flags: %w", err)
	}

	if path, _ := flags.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	cfg := Config{
		ServerName:       v.GetString("name"),
		ServerVersion:    v.GetString("version"),
		Listen:           v.GetString("listen"),
		PipelineURL:      v.GetString("pipeline-url"),
		PipelineToken:    v.GetString("pipeline-token"),
		PipelineTimeout:  v.GetDuration("pipeline-timeout"),
		ProtocolVersions: v.GetStringSlice("protocol-versions"),
		ToolsListChanged: v.GetBool("tools-list-changed"),
		LoggingCapable:   v.GetBool("logging-capability"),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.PipelineURL == "" {
		return fmt.Errorf("pipeline-url is required")
	}
	if c.PipelineToken == "" {
		return fmt.Errorf("pipeline-token is required")
	}
	if len(c.ProtocolVersions) == 0 {
		return fmt.Errorf("protocol-versions must not be empty")
	}
	return nil
}
