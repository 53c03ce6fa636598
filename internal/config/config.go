// Package config loads the INI configuration file the way EasyDarwin's
// rtsp-server.go reads its own settings through EasyGoLib/utils.Conf().
// EasyGoLib is not in the retrieval pack, so its exact API surface can't be
// grounded; this instead reads the same INI shape directly with
// github.com/go-ini/ini, already a direct dependency of the project, and
// exposes a typed Config populated by a single ini.MapTo call per section.
package config

import "github.com/go-ini/ini"

// RTSP holds the [rtsp] section: listener addresses and session timeouts.
type RTSP struct {
	Addr              string `ini:"addr"`
	HTTPTunnelAddr    string `ini:"http_tunnel_addr"`
	Timeout           int    `ini:"timeout_second"`
	EnableVhost       bool   `ini:"enable_vhost"`
	AuthRealm         string `ini:"auth_realm"`
	// AuthBasic selects the RFC 2617 Basic challenge instead of Digest for
	// realm-gated requests, per spec.md §4.3.1 ("if authBasic config is
	// on, send Basic ..."). Digest is the default when unset. AuthBasic
	// takes effect only when AuthRealm is also non-empty; with AuthRealm
	// empty, realm-gated requests are challenged with Digest.
	AuthBasic         bool   `ini:"auth_basic"`
	FirstRandBytesLen int    `ini:"first_rand_bytes_len"`
	MergeWriteMs      int    `ini:"merge_write_ms"`
	MaxCacheSize      int    `ini:"max_cache_size"`
	// PinnedTransport, when non-empty ("tcp"|"udp"|"multicast"), rejects
	// SETUP requests for any other transport with 461 Unsupported
	// Transport per spec.md §4.3.2's configurable rtpTransportType.
	PinnedTransport string `ini:"pinned_transport"`
	// MaxWaitMs bounds how long a DESCRIBE may suspend its reply waiting
	// for a matching ANNOUNCE/RECORD via the registry's FindAsync, per
	// spec.md §4.1 bullet 4's maxWaitMS.
	MaxWaitMs int `ini:"max_wait_ms"`
}

// Cmd holds the [cmd] section: the on-demand relay command supervisor.
type Cmd struct {
	RestartIntervalSecond int `ini:"restart_interval_second"`
	MaxRestartCount       int `ini:"max_restart_count"`
}

// Multicast holds the [multicast] section: shared multicast RTP relay.
type Multicast struct {
	Enable    bool   `ini:"enable"`
	AddrMin   string `ini:"addr_min"`
	AddrMax   string `ini:"addr_max"`
	BindIface string `ini:"bind_iface"`
	TTL       int    `ini:"ttl"`
	// Peers lists the other cluster nodes' gossip addresses ("host:port")
	// that announce/retire Commands get broadcast to when a multicast
	// group is allocated or released, per spec.md §4.6.
	Peers []string `ini:"peers" delim:","`
}

// Webhook holds the [webhook] section: outbound event notification.
type Webhook struct {
	OnPublish    string `ini:"on_publish"`
	OnPlay       string `ini:"on_play"`
	OnNoneReader string `ini:"on_none_reader"`
	OnAuth       string `ini:"on_auth"`
	TimeoutMs    int    `ini:"timeout_ms"`
}

// Log holds the [log] section: level and rotation policy.
type Log struct {
	Level      string `ini:"level"`
	File       string `ini:"file"`
	MaxSizeMB  int    `ini:"max_size_mb"`
	MaxBackups int    `ini:"max_backups"`
	MaxAgeDays int    `ini:"max_age_days"`
}

// Config is the fully-parsed configuration tree.
type Config struct {
	RTSP      RTSP
	Cmd       Cmd
	Multicast Multicast
	Webhook   Webhook
	Log       Log
}

// Default returns the settings the teacher's own sample config ships,
// translated onto this repo's section/key names.
func Default() Config {
	return Config{
		RTSP: RTSP{
			Addr:              ":554",
			HTTPTunnelAddr:    ":8554",
			Timeout:           15,
			EnableVhost:       false,
			AuthRealm:         "",
			AuthBasic:         false,
			FirstRandBytesLen: 4,
			MergeWriteMs:      350,
			MaxCacheSize:      512,
			MaxWaitMs:         3000,
		},
		Cmd: Cmd{
			RestartIntervalSecond: 5,
			MaxRestartCount:       10,
		},
		Multicast: Multicast{
			Enable:    false,
			AddrMin:   "239.0.0.0",
			AddrMax:   "239.255.255.255",
			TTL:       64,
		},
		Webhook: Webhook{
			TimeoutMs: 3000,
		},
		Log: Log{
			Level:      "info",
			File:       "logs/rtspd.log",
			MaxSizeMB:  100,
			MaxBackups: 7,
			MaxAgeDays: 30,
		},
	}
}

// Load reads path as INI, applying it on top of Default() so an incomplete
// file still yields sane values for unspecified keys.
func Load(path string) (Config, error) {
	cfg := Default()

	f, err := ini.Load(path)
	if err != nil {
		return Config{}, err
	}

	if err := f.Section("rtsp").MapTo(&cfg.RTSP); err != nil {
		return Config{}, err
	}
	if err := f.Section("cmd").MapTo(&cfg.Cmd); err != nil {
		return Config{}, err
	}
	if err := f.Section("multicast").MapTo(&cfg.Multicast); err != nil {
		return Config{}, err
	}
	if err := f.Section("webhook").MapTo(&cfg.Webhook); err != nil {
		return Config{}, err
	}
	if err := f.Section("log").MapTo(&cfg.Log); err != nil {
		return Config{}, err
	}

	return cfg, nil
}
