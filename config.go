package peerdir

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	flags "github.com/jessevdk/go-flags"
	"github.com/p2pkit/peerdir/build"
	"github.com/p2pkit/peerdir/peerbook"
	"github.com/p2pkit/peerdir/peerpool"
)

const (
	defaultConfigFilename = "peerdir.conf"
	defaultDataDirname    = "data"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "peerdir.log"
	defaultLogLevel       = "info"

	// DefaultPopulatorInterval is how often outbound slots are refilled.
	DefaultPopulatorInterval = 10 * time.Second

	// DefaultOutboundShuffleInterval is how often one outbound peer is
	// replaced.
	DefaultOutboundShuffleInterval = 5 * time.Minute

	// DefaultSnapshotInterval is how often the book is saved.
	DefaultSnapshotInterval = 10 * time.Minute

	// DefaultMaxDialRate is the sustained number of dials per second.
	DefaultMaxDialRate = 5.0

	// DefaultDialBurst is the number of dials allowed at once.
	DefaultDialBurst = 10
)

var (
	// DefaultPeerDir is the default base directory.
	DefaultPeerDir = btcutil.AppDataDir("peerdir", false)

	// DefaultConfigFile is the default config file path.
	DefaultConfigFile = filepath.Join(DefaultPeerDir, defaultConfigFilename)

	defaultDataDir = filepath.Join(DefaultPeerDir, defaultDataDirname)
	defaultLogDir  = filepath.Join(DefaultPeerDir, defaultLogDirname)

	// ErrInvalidConfig is returned when the configuration does not make
	// sense.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// DirectoryConfig holds the options of the periodic tasks of a directory.
//
//nolint:lll
type DirectoryConfig struct {
	PopulatorInterval       time.Duration `long:"populatorinterval" description:"How often free outbound slots are refilled from the book"`
	OutboundShuffleInterval time.Duration `long:"shuffleinterval" description:"How often one outbound peer is dropped to make room for a fresh one"`
	SnapshotInterval        time.Duration `long:"snapshotinterval" description:"How often the book is saved to the peer store"`
	MaxDialRate             float64       `long:"maxdialrate" description:"Maximum sustained number of outbound dials per second"`
	DialBurst               int           `long:"dialburst" description:"Maximum number of outbound dials at once"`
}

// DefaultDirectoryConfig returns the default directory options.
func DefaultDirectoryConfig() *DirectoryConfig {
	return &DirectoryConfig{
		PopulatorInterval:       DefaultPopulatorInterval,
		OutboundShuffleInterval: DefaultOutboundShuffleInterval,
		SnapshotInterval:        DefaultSnapshotInterval,
		MaxDialRate:             DefaultMaxDialRate,
		DialBurst:               DefaultDialBurst,
	}
}

// Validate checks the directory options.
func (c *DirectoryConfig) Validate() error {
	switch {
	case c.PopulatorInterval <= 0:
		return fmt.Errorf("%w: populator interval must be positive",
			ErrInvalidConfig)

	case c.OutboundShuffleInterval <= 0:
		return fmt.Errorf("%w: shuffle interval must be positive",
			ErrInvalidConfig)

	case c.SnapshotInterval <= 0:
		return fmt.Errorf("%w: snapshot interval must be positive",
			ErrInvalidConfig)

	case c.MaxDialRate <= 0:
		return fmt.Errorf("%w: max dial rate must be positive",
			ErrInvalidConfig)

	case c.DialBurst <= 0:
		return fmt.Errorf("%w: dial burst must be positive",
			ErrInvalidConfig)
	}

	return nil
}

// Config is the complete configuration of a peer directory.
//
//nolint:lll
type Config struct {
	ShowVersion bool `short:"V" long:"version" description:"Display version information and exit"`

	PeerDir    string `long:"peerdir" description:"The base directory that contains the config file, data and logs"`
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir    string `short:"b" long:"datadir" description:"The directory to store the peer database in"`
	LogDir     string `long:"logdir" description:"Directory to log output"`
	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <global-level>,<subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems"`

	Book      *peerbook.Config `group:"book" namespace:"book"`
	Pool      *peerpool.Config `group:"pool" namespace:"pool"`
	Directory *DirectoryConfig `group:"directory" namespace:"directory"`
	LogConfig *build.LogConfig `group:"logging" namespace:"logging"`
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	return Config{
		PeerDir:    DefaultPeerDir,
		ConfigFile: DefaultConfigFile,
		DataDir:    defaultDataDir,
		LogDir:     defaultLogDir,
		DebugLevel: defaultLogLevel,
		Book:       peerbook.DefaultConfig(),
		Pool:       peerpool.DefaultConfig(),
		Directory:  DefaultDirectoryConfig(),
		LogConfig:  build.DefaultLogConfig(),
	}
}

// LogFile returns the path of the main log file.
func (c *Config) LogFile() string {
	return filepath.Join(c.LogDir, defaultLogFilename)
}

// parserOptions stop option parsing at the first command name so that the
// caller can dispatch on the remaining arguments.
const parserOptions = flags.HelpFlag | flags.PassDoubleDash |
	flags.PassAfterNonOption

// LoadConfig initializes and parses the config using a config file and the
// given command line arguments. It returns the arguments left after the
// options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func LoadConfig(args []string) (*Config, []string, error) {
	preCfg := DefaultConfig()
	_, err := flags.NewParser(&preCfg, parserOptions).ParseArgs(args)
	if err != nil {
		return nil, nil, err
	}

	// If the config file path has not been modified by the user, then
	// we'll use the default config file path. However, if the user has
	// modified their base directory, then we should assume they intend to
	// use the config file within it.
	configFileDir := CleanAndExpandPath(preCfg.PeerDir)
	configFilePath := CleanAndExpandPath(preCfg.ConfigFile)
	if configFileDir != DefaultPeerDir &&
		configFilePath == DefaultConfigFile {

		configFilePath = filepath.Join(
			configFileDir, defaultConfigFilename,
		)
	}

	// Next, load any additional configuration options from the file.
	var configFileError error
	cfg := DefaultConfig()
	if err := flags.IniParse(configFilePath, &cfg); err != nil {
		// If it's a parsing related error, then we'll return
		// immediately, otherwise we can proceed as possibly the config
		// file doesn't exist which is OK.
		var iniErr *flags.IniError
		if errors.As(err, &iniErr) {
			return nil, nil, err
		}

		configFileError = err
	}

	// Finally, parse the remaining command line options again to ensure
	// they take precedence.
	rest, err := flags.NewParser(&cfg, parserOptions).ParseArgs(args)
	if err != nil {
		return nil, nil, err
	}

	cleanCfg, err := ValidateConfig(cfg)
	if err != nil {
		return nil, nil, err
	}

	// Warn about missing config file only after all other configuration
	// is done.
	if configFileError != nil {
		log.Warnf("%v", configFileError)
	}

	return cleanCfg, rest, nil
}

// ValidateConfig checks the given configuration to be sane and normalizes all
// file system paths. The cleaned up config is returned on success.
func ValidateConfig(cfg Config) (*Config, error) {
	// If the provided base directory is not the default, we'll move the
	// data and log directories into it unless they were set explicitly.
	peerDir := CleanAndExpandPath(cfg.PeerDir)
	if peerDir != DefaultPeerDir {
		if cfg.DataDir == defaultDataDir {
			cfg.DataDir = filepath.Join(peerDir, defaultDataDirname)
		}
		if cfg.LogDir == defaultLogDir {
			cfg.LogDir = filepath.Join(peerDir, defaultLogDirname)
		}
	}
	cfg.PeerDir = peerDir
	cfg.DataDir = CleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = CleanAndExpandPath(cfg.LogDir)

	if err := cfg.Book.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Pool.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Directory.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.LogConfig.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	return &cfg, nil
}

// CleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func CleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		u, err := user.Current()
		if err == nil {
			homeDir = u.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}
