package config

import (
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	sw "github.com/adwski/yim-server/backend/switch"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	Version   = "0.0.0"
	EnvPrefix = "YIM"

	DefaultHost      = "0.0.0.0"
	DefaultPort      = 12345
	DefaultQueueSize = 64
)

var (
	ErrParse  = errors.New("failed to parse command line arguments")
	ErrConfig = errors.New("invalid configuration")
)

// Config holds server settings resolved from flags and environment.
type Config struct {
	Host        string
	Port        int
	APIPort     int
	Verbose     int
	Quiet       int
	SendTimeout time.Duration
	QueueSize   int
	Strict      bool
	LogPretty   bool
	Version     bool
}

// Parse resolves configuration, precedence is flag > YIM_* env > default.
// pflag.ErrHelp is returned as is when help was requested.
func Parse(name string, args []string, output io.Writer) (Config, error) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(output)

	fs.StringP("host", "H", DefaultHost, "address to bind to")
	fs.IntP("port", "P", DefaultPort, "port to listen on")
	fs.CountP("verbose", "v", "increase verbosity")
	fs.CountP("quiet", "q", "decrease verbosity")
	fs.Bool("version", false, "print version ("+Version+") and exit")
	fs.Int("api-port", 0, "port of http api with health and stats, 0 disables it")
	fs.Duration("send-timeout", sw.DefaultSendTimeout, "how long to wait for a stalled client before dropping it")
	fs.Int("queue-size", DefaultQueueSize, "outbound queue length per client")
	fs.Bool("strict", false, "panic on registry invariant violations (development)")
	fs.Bool("log-pretty", false, "human readable console logs")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return Config{}, err
		}
		return Config{}, errors.Join(ErrParse, err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return Config{}, errors.Join(ErrParse, err)
	}

	cfg := Config{
		Host:        v.GetString("host"),
		Port:        v.GetInt("port"),
		APIPort:     v.GetInt("api-port"),
		Verbose:     v.GetInt("verbose"),
		Quiet:       v.GetInt("quiet"),
		SendTimeout: v.GetDuration("send-timeout"),
		QueueSize:   v.GetInt("queue-size"),
		Strict:      v.GetBool("strict"),
		LogPretty:   v.GetBool("log-pretty"),
		Version:     v.GetBool("version"),
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch {
	case c.Port < 0 || c.Port > 65535:
		return errors.Join(ErrConfig, errors.New("port is out of range"))
	case c.APIPort < 0 || c.APIPort > 65535:
		return errors.Join(ErrConfig, errors.New("api port is out of range"))
	case c.SendTimeout <= 0:
		return errors.Join(ErrConfig, errors.New("send timeout must be positive"))
	case c.QueueSize <= 0:
		return errors.Join(ErrConfig, errors.New("queue size must be positive"))
	}
	return nil
}

func (c Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// APIListenAddr returns empty string when the api is disabled.
func (c Config) APIListenAddr() string {
	if c.APIPort == 0 {
		return ""
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(c.APIPort))
}

// LogLevel maps -v/-q counters to a log level.
func (c Config) LogLevel() zerolog.Level {
	switch d := c.Verbose - c.Quiet; {
	case d >= 2:
		return zerolog.TraceLevel
	case d == 1:
		return zerolog.DebugLevel
	case d < 0:
		return zerolog.ErrorLevel
	}
	return zerolog.InfoLevel
}

func (c Config) Logger(out io.Writer) zerolog.Logger {
	if c.LogPretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(c.LogLevel()).With().Timestamp().Logger()
}
