package controller

import (
	"flag"
	"time"

	"github.com/zachfi/zkit/pkg/util"

	"github.com/zachfi/fmdx/pkg/relay"
)

const (
	defaultRetryInterval       = 5 * time.Second
	defaultSettleDelay         = 500 * time.Millisecond
	defaultTextTimeout         = 10 * time.Second
	defaultKeepaliveInterval   = 20 * time.Second
	defaultAudioTimeout        = 15 * time.Second
	defaultPingTimeout         = 5 * time.Second
	defaultGracePeriod         = 5 * time.Second
	defaultUpdateQueueSize     = 256
	defaultCommandQueueSize    = 16
	defaultStreamListenAddress = ":8080"
	defaultAACBitrate          = "96k"
)

type Config struct {
	ServerAddress string `yaml:"server-address,omitempty"` // FM-DX webserver host:port
	Secure        bool   `yaml:"secure,omitempty"`         // use wss instead of ws

	RetryInterval     time.Duration `yaml:"retry-interval,omitempty"`
	SettleDelay       time.Duration `yaml:"settle-delay,omitempty"`
	TextTimeout       time.Duration `yaml:"text-timeout,omitempty"`
	KeepaliveInterval time.Duration `yaml:"keepalive-interval,omitempty"`
	AudioTimeout      time.Duration `yaml:"audio-timeout,omitempty"`
	PingTimeout       time.Duration `yaml:"ping-timeout,omitempty"`
	GracePeriod       time.Duration `yaml:"grace-period,omitempty"`

	RelayOnly     bool   `yaml:"relay-only,omitempty"` // no local playback; implies stream
	StreamEnabled bool   `yaml:"stream,omitempty"`
	StreamAddress string `yaml:"stream-listen-address,omitempty"`
	StreamPath    string `yaml:"stream-path,omitempty"`
	AACBitrate    string `yaml:"aac-bitrate,omitempty"`
	ChunkSize     int    `yaml:"chunk-size,omitempty"`
	SinkCapacity  int    `yaml:"sink-capacity,omitempty"`

	FFplayPath string `yaml:"ffplay-path,omitempty"`
	FFmpegPath string `yaml:"ffmpeg-path,omitempty"`

	UpdateQueueSize  int `yaml:"update-queue-size,omitempty"`
	CommandQueueSize int `yaml:"command-queue-size,omitempty"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.ServerAddress, util.PrefixConfig(prefix, "server-address"), "",
		"FM-DX webserver address (host:port) providing the /text and /audio endpoints")
	f.BoolVar(&cfg.Secure, util.PrefixConfig(prefix, "secure"), false,
		"Connect with wss instead of ws")
	f.DurationVar(&cfg.RetryInterval, util.PrefixConfig(prefix, "retry-interval"), defaultRetryInterval,
		"Minimum time between successive connection attempts on a channel, measured from the previous attempt's start")
	f.DurationVar(&cfg.SettleDelay, util.PrefixConfig(prefix, "settle-delay"), defaultSettleDelay,
		"Additional delay after a failed connection before the retry pacing applies")
	f.DurationVar(&cfg.TextTimeout, util.PrefixConfig(prefix, "text-timeout"), defaultTextTimeout,
		"Handshake timeout for the text socket")
	f.DurationVar(&cfg.KeepaliveInterval, util.PrefixConfig(prefix, "keepalive-interval"), defaultKeepaliveInterval,
		"Ping interval keeping the text socket alive")
	f.DurationVar(&cfg.AudioTimeout, util.PrefixConfig(prefix, "audio-timeout"), defaultAudioTimeout,
		"Receive timeout on the audio socket before a protocol ping is issued")
	f.DurationVar(&cfg.PingTimeout, util.PrefixConfig(prefix, "ping-timeout"), defaultPingTimeout,
		"Timeout for the audio protocol ping; a failed ping forces a reconnect")
	f.DurationVar(&cfg.GracePeriod, util.PrefixConfig(prefix, "grace-period"), defaultGracePeriod,
		"How long terminated media processes may take to exit before being force-killed")
	f.BoolVar(&cfg.RelayOnly, util.PrefixConfig(prefix, "relay-only"), false,
		"Run without local playback; implies stream")
	f.BoolVar(&cfg.StreamEnabled, util.PrefixConfig(prefix, "stream"), false,
		"Re-encode the audio to AAC and serve it over HTTP")
	f.StringVar(&cfg.StreamAddress, util.PrefixConfig(prefix, "stream-listen-address"), defaultStreamListenAddress,
		"Listen address for the AAC stream server")
	f.StringVar(&cfg.StreamPath, util.PrefixConfig(prefix, "stream-path"), relay.DefaultStreamPath,
		"HTTP path of the AAC stream")
	f.StringVar(&cfg.AACBitrate, util.PrefixConfig(prefix, "aac-bitrate"), defaultAACBitrate,
		"Target AAC bitrate for the transcoder")
	f.IntVar(&cfg.ChunkSize, util.PrefixConfig(prefix, "chunk-size"), relay.DefaultChunkSize,
		"Bytes read from the transcoder per relay delivery")
	f.IntVar(&cfg.SinkCapacity, util.PrefixConfig(prefix, "sink-capacity"), relay.DefaultSinkCapacity,
		"Chunks buffered per stream client before the oldest is evicted")
	f.StringVar(&cfg.FFplayPath, util.PrefixConfig(prefix, "ffplay-path"), "ffplay",
		"Playback executable")
	f.StringVar(&cfg.FFmpegPath, util.PrefixConfig(prefix, "ffmpeg-path"), "ffmpeg",
		"Transcoder executable")
	f.IntVar(&cfg.UpdateQueueSize, util.PrefixConfig(prefix, "update-queue-size"), defaultUpdateQueueSize,
		"Capacity of the update queue toward the consumer")
	f.IntVar(&cfg.CommandQueueSize, util.PrefixConfig(prefix, "command-queue-size"), defaultCommandQueueSize,
		"Capacity of the command queue from the consumer")
}
