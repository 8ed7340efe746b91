// Package config reads the node settings from the command line.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/WendelHime/goppspp/internal/shared/models"
)

var (
	ErrMissingSwarm   = errors.New("swarm metafile is required")
	ErrMissingContent = errors.New("content file is required")
	ErrInvalidPort    = errors.New("invalid port")
	ErrLiveSource     = errors.New("live source requires a live swarm")
	ErrInvalidLevel   = errors.New("invalid log level")
	ErrInvalidChunk   = errors.New("invalid chunk size")
	ErrInvalidIP      = errors.New("invalid announce ip")
)

const (
	DefaultPort         = 6778
	DefaultChunkSize    = 1024
	DefaultLiveInterval = 100 * time.Millisecond
)

type Config struct {
	SwarmPath    string
	ContentPath  string
	Tracker      string
	Port         int
	AnnounceIP   string
	TCP          bool
	ALTO         string
	Live         bool
	LiveSource   bool
	LiveInterval time.Duration
	MaxPeers     int
	CacheChunks  int
	DialTimeout  time.Duration
	MetricsAddr  string
	LogPath      string
	LogLevel     string
	Progress     bool
	ServeTracker string
}

func Parse(name string, args []string, output io.Writer) (Config, error) {
	c := Config{}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&c.SwarmPath, "swarm", "", "Specify the swarm metafile")
	fs.StringVar(&c.ContentPath, "content", "", "Specify the content file to seed or download into")
	fs.StringVar(&c.Tracker, "tracker", "", "Specify the tracker address (host:port), overrides the metafile")
	fs.IntVar(&c.Port, "port", DefaultPort, "Specify the listening port")
	fs.StringVar(&c.AnnounceIP, "ip", "", "Specify the IP announced to the tracker, detected when empty")
	fs.BoolVar(&c.TCP, "tcp", false, "Talk to peers over TCP instead of UDP")
	fs.StringVar(&c.ALTO, "alto", "", "Specify the ALTO server base URL to rank peers by cost")
	fs.BoolVar(&c.Live, "live", false, "Join the swarm as a live stream")
	fs.BoolVar(&c.LiveSource, "live-src", false, "Act as the source of a live stream")
	fs.DurationVar(&c.LiveInterval, "live-interval", DefaultLiveInterval, "Specify how often a live source publishes a chunk")
	fs.IntVar(&c.MaxPeers, "max-peers", 0, "Specify the maximum members per swarm, 0 for no limit")
	fs.IntVar(&c.CacheChunks, "cache-chunks", 256, "Specify how many chunks the store keeps cached")
	fs.DurationVar(&c.DialTimeout, "dial-timeout", 5*time.Second, "Specify the peer dial timeout")
	fs.StringVar(&c.MetricsAddr, "metrics", "", "Specify the address to expose prometheus metrics on")
	fs.StringVar(&c.LogPath, "log", "log.txt", "Specify the log file")
	fs.StringVar(&c.LogLevel, "log-level", "info", "Specify the log level (debug, info, warn, error)")
	fs.BoolVar(&c.Progress, "progress", false, "Show a download progress bar")
	fs.StringVar(&c.ServeTracker, "serve-tracker", "", "Run a tracker on the given address instead of a node")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	if _, err := c.Level(); err != nil {
		return err
	}
	if c.ServeTracker != "" {
		return nil
	}
	if c.SwarmPath == "" {
		return ErrMissingSwarm
	}
	if c.ContentPath == "" {
		return ErrMissingContent
	}
	if c.Port < 0 || c.Port > 0xffff {
		return fmt.Errorf("%w: %d", ErrInvalidPort, c.Port)
	}
	if c.LiveSource && !c.Live {
		return ErrLiveSource
	}
	if c.AnnounceIP != "" && net.ParseIP(c.AnnounceIP) == nil {
		return fmt.Errorf("%w: %q", ErrInvalidIP, c.AnnounceIP)
	}
	return nil
}

func (c Config) Level() (slog.Level, error) {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidLevel, c.LogLevel)
	}
}

func (c Config) Transport() models.Transport {
	if c.TCP {
		return models.TransportTCP
	}
	return models.TransportUDP
}

// MkSwarm holds the settings of the mkswarm command.
type MkSwarm struct {
	ContentPath string
	Out         string
	Tracker     string
	Name        string
	ChunkSize   int64
	Live        bool
}

func ParseMkSwarm(args []string, output io.Writer) (MkSwarm, error) {
	m := MkSwarm{}
	fs := flag.NewFlagSet("mkswarm", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&m.ContentPath, "content", "", "Specify the content file")
	fs.StringVar(&m.Out, "out", "", "Specify the metafile to write, defaults to <content>.swarm")
	fs.StringVar(&m.Tracker, "tracker", "", "Specify the tracker address (host:port)")
	fs.StringVar(&m.Name, "name", "", "Specify the content name, defaults to the file name")
	fs.Int64Var(&m.ChunkSize, "chunk-size", DefaultChunkSize, "Specify the chunk size in bytes")
	fs.BoolVar(&m.Live, "live", false, "Describe a live stream")
	if err := fs.Parse(args); err != nil {
		return MkSwarm{}, err
	}
	if m.ContentPath == "" {
		return MkSwarm{}, ErrMissingContent
	}
	if m.ChunkSize <= 0 {
		return MkSwarm{}, fmt.Errorf("%w: %d", ErrInvalidChunk, m.ChunkSize)
	}
	if m.Out == "" {
		m.Out = m.ContentPath + ".swarm"
	}
	return m, nil
}
