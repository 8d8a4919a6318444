package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/p2p/netutil"

	"peerlink/p2p"
	"peerlink/p2p/seeds"
)

const (
	DefaultPort         = 51472
	DefaultTimeoutMs    = 5000
	DefaultAdminAddress = "127.0.0.1:8334"
)

type Config struct {
	DataDir      string `toml:"DataDir"`
	AddressDB    string `toml:"AddressDB"`
	BanDSN       string `toml:"BanDSN"`
	AdminAddress string `toml:"AdminAddress"`
	Env          string `toml:"Env"`
	LogLevel     string `toml:"LogLevel"`
	LogFile      string `toml:"LogFile,omitempty"`

	Telemetry TelemetryConfig `toml:"telemetry"`
	P2P       P2PConfig       `toml:"p2p"`
}

type TelemetryConfig struct {
	Endpoint string `toml:"Endpoint,omitempty"`
	Insecure bool   `toml:"Insecure"`
	Headers  string `toml:"Headers,omitempty"`
	Metrics  bool   `toml:"Metrics"`
	Traces   bool   `toml:"Traces"`

	// SampleRatio keeps this fraction of dial traces; 0 keeps all.
	SampleRatio float64 `toml:"SampleRatio,omitempty"`
}

// P2PConfig mirrors the session-layer command line options. Booleans are
// pointers so ApplyInteractions can tell an explicit false from unset.
type P2PConfig struct {
	Port               int   `toml:"Port"`
	MaxConnections     int   `toml:"MaxConnections"`
	TimeoutMs          int   `toml:"TimeoutMs"`
	BanTimeSeconds     int64 `toml:"BanTimeSeconds"`
	RelayTTLSeconds    int64 `toml:"RelayTTLSeconds,omitempty"`
	MinProtocolVersion int32 `toml:"MinProtocolVersion,omitempty"`

	Listen       *bool `toml:"Listen,omitempty"`
	Discover     *bool `toml:"Discover,omitempty"`
	UPnP         *bool `toml:"UPnP,omitempty"`
	DNSSeed      *bool `toml:"DNSSeed,omitempty"`
	ForceDNSSeed *bool `toml:"ForceDNSSeed,omitempty"`
	NameLookup   *bool `toml:"NameLookup,omitempty"`

	Connect    []string `toml:"Connect,omitempty"`
	AddNode    []string `toml:"AddNode,omitempty"`
	SeedNode   []string `toml:"SeedNode,omitempty"`
	OnlyNet    []string `toml:"OnlyNet,omitempty"`
	Whitelist  []string `toml:"Whitelist,omitempty"`
	Bind       []string `toml:"Bind,omitempty"`
	WhiteBind  []string `toml:"WhiteBind,omitempty"`
	ExternalIP []string `toml:"ExternalIP,omitempty"`
	DNSSeeds   []string `toml:"DNSSeeds,omitempty"`
	FixedSeeds []string `toml:"FixedSeeds,omitempty"`

	Proxy string `toml:"Proxy,omitempty"`
	Onion string `toml:"Onion,omitempty"`

	AcceptRate  float64 `toml:"AcceptRate,omitempty"`
	AcceptBurst int     `toml:"AcceptBurst,omitempty"`

	// DNSServer pins seed lookups to one resolver. When empty the servers
	// from ResolvConf are used, then the system resolver.
	DNSServer  string `toml:"DNSServer,omitempty"`
	ResolvConf string `toml:"ResolvConf,omitempty"`
}

// Load loads the configuration from the given path, writing a default file
// when none exists.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}

	if !meta.IsDefined("p2p", "Port") {
		cfg.P2P.Port = DefaultPort
	}
	if !meta.IsDefined("p2p", "MaxConnections") {
		cfg.P2P.MaxConnections = p2p.DefaultMaxConnections
	}
	if !meta.IsDefined("p2p", "TimeoutMs") {
		cfg.P2P.TimeoutMs = DefaultTimeoutMs
	}
	if !meta.IsDefined("p2p", "BanTimeSeconds") {
		cfg.P2P.BanTimeSeconds = int64(p2p.DefaultBanTime / time.Second)
	}
	cfg.fillPaths(path)
	return cfg, nil
}

// Default returns the configuration written for a fresh node.
func Default() *Config {
	return &Config{
		DataDir:      "./peerlink-data",
		AdminAddress: DefaultAdminAddress,
		Env:          "dev",
		LogLevel:     "info",
		P2P: P2PConfig{
			Port:           DefaultPort,
			MaxConnections: p2p.DefaultMaxConnections,
			TimeoutMs:      DefaultTimeoutMs,
			BanTimeSeconds: int64(p2p.DefaultBanTime / time.Second),
		},
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	cfg.fillPaths(path)
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

// fillPaths resolves storage locations relative to the data directory. A
// relative DataDir is taken relative to the config file.
func (c *Config) fillPaths(configPath string) {
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./peerlink-data"
	}
	if !filepath.IsAbs(c.DataDir) {
		c.DataDir = filepath.Join(filepath.Dir(configPath), c.DataDir)
	}
	if c.AddressDB == "" {
		c.AddressDB = filepath.Join(c.DataDir, "addrman")
	}
	if c.BanDSN == "" {
		c.BanDSN = filepath.Join(c.DataDir, "banlist.db")
	}
	if c.AdminAddress == "" {
		c.AdminAddress = DefaultAdminAddress
	}
}

// ApplyInteractions soft-sets options implied by others. Only options the
// operator left unset are changed. It returns one line per adjustment.
func (c *Config) ApplyInteractions() []string {
	p := &c.P2P
	var notes []string
	soft := func(opt **bool, name string, value bool, because string) {
		if *opt != nil {
			return
		}
		v := value
		*opt = &v
		notes = append(notes, fmt.Sprintf("%s set: setting %s=%t", because, name, value))
	}

	if len(p.Bind) > 0 || len(p.WhiteBind) > 0 {
		soft(&p.Listen, "listen", true, "bind")
	}
	if len(p.Connect) > 0 {
		soft(&p.DNSSeed, "dnsseed", false, "connect")
		soft(&p.Listen, "listen", false, "connect")
	}
	if p.Proxy != "" {
		soft(&p.Listen, "listen", false, "proxy")
		soft(&p.UPnP, "upnp", false, "proxy")
		soft(&p.Discover, "discover", false, "proxy")
	}
	if !boolOr(p.Listen, true) {
		soft(&p.UPnP, "upnp", false, "listen=false")
		soft(&p.Discover, "discover", false, "listen=false")
	}
	if len(p.ExternalIP) > 0 {
		soft(&p.Discover, "discover", false, "externalip")
	}
	return notes
}

// Validate reports every invalid option.
func (c *Config) Validate() error {
	p := c.P2P
	var errs []error
	if p.MaxConnections < 0 {
		errs = append(errs, fmt.Errorf("maxconnections must not be negative, got %d", p.MaxConnections))
	}
	if r := c.Telemetry.SampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry sample ratio must be within [0, 1], got %v", r))
	}
	if p.TimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive, got %dms", p.TimeoutMs))
	}
	if p.Port <= 0 || p.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", p.Port))
	}
	if p.BanTimeSeconds < 0 {
		errs = append(errs, fmt.Errorf("bantime must not be negative, got %d", p.BanTimeSeconds))
	}
	for _, b := range p.Bind {
		if _, err := parseBind(b, false); err != nil {
			errs = append(errs, err)
		}
	}
	for _, b := range p.WhiteBind {
		if _, err := parseBind(b, true); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := parseWhitelist(p.Whitelist); err != nil {
		errs = append(errs, err)
	}
	if _, err := parseOnlyNets(p.OnlyNet); err != nil {
		errs = append(errs, err)
	}
	for name, addr := range map[string]string{"proxy": p.Proxy, "onion": p.Onion} {
		if addr == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Errorf("invalid %s address %q: %w", name, addr, err))
		}
	}
	if p.Proxy == "" && p.Onion == "" {
		for _, target := range append(append([]string{}, p.Connect...), p.AddNode...) {
			if host, _, err := seeds.SplitHostPort(target, uint16(DefaultPort)); err == nil && strings.HasSuffix(host, ".onion") {
				errs = append(errs, fmt.Errorf("onion target %q requires a proxy", target))
			}
		}
	}
	if _, err := parseExternalIPs(p.ExternalIP, uint16(p.Port)); err != nil {
		errs = append(errs, err)
	}
	if _, err := seeds.ParseFixedSeeds(p.FixedSeeds, uint16(p.Port)); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ToP2P converts the file and flag options into the session layer's
// configuration. Call ApplyInteractions first.
func (c *Config) ToP2P() (p2p.Config, error) {
	if err := c.Validate(); err != nil {
		return p2p.Config{}, err
	}
	p := c.P2P
	port := uint16(p.Port)
	out := p2p.Config{
		MaxConnections:     p.MaxConnections,
		ConnectTimeout:     time.Duration(p.TimeoutMs) * time.Millisecond,
		DefaultPort:        port,
		Listen:             boolOr(p.Listen, true),
		Discover:           boolOr(p.Discover, true),
		UPnP:               boolOr(p.UPnP, false),
		DNSSeed:            boolOr(p.DNSSeed, true),
		ForceDNSSeed:       boolOr(p.ForceDNSSeed, false),
		NameLookup:         boolOr(p.NameLookup, true),
		Connect:            append([]string(nil), p.Connect...),
		AddNodes:           append([]string(nil), p.AddNode...),
		SeedNodes:          append([]string(nil), p.SeedNode...),
		DNSSeeds:           append([]string(nil), p.DNSSeeds...),
		Proxy:              p.Proxy,
		OnionProxy:         p.Onion,
		BanTime:            time.Duration(p.BanTimeSeconds) * time.Second,
		RelayTTL:           time.Duration(p.RelayTTLSeconds) * time.Second,
		MinProtocolVersion: p.MinProtocolVersion,
		AcceptRate:         p.AcceptRate,
		AcceptBurst:        p.AcceptBurst,
	}
	for _, b := range p.Bind {
		addr, _ := parseBind(b, false)
		out.ListenAddrs = append(out.ListenAddrs, p2p.ListenAddr{Addr: withPort(addr, port)})
	}
	for _, b := range p.WhiteBind {
		addr, _ := parseBind(b, true)
		out.ListenAddrs = append(out.ListenAddrs, p2p.ListenAddr{Addr: addr, Whitelisted: true})
	}
	out.Whitelist, _ = parseWhitelist(p.Whitelist)
	out.OnlyNets, _ = parseOnlyNets(p.OnlyNet)
	out.ExternalIPs, _ = parseExternalIPs(p.ExternalIP, port)
	out.FixedSeeds, _ = seeds.ParseFixedSeeds(p.FixedSeeds, port)
	return out, nil
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// parseBind accepts host:port, or a bare IP when requirePort is false.
func parseBind(value string, requirePort bool) (string, error) {
	value = strings.TrimSpace(value)
	if _, _, err := net.SplitHostPort(value); err == nil {
		return value, nil
	}
	if requirePort {
		return "", fmt.Errorf("whitebind %q needs an explicit port", value)
	}
	if _, err := netip.ParseAddr(strings.Trim(value, "[]")); err != nil {
		return "", fmt.Errorf("cannot resolve bind address %q", value)
	}
	return value, nil
}

func withPort(addr string, port uint16) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(strings.Trim(addr, "[]"), fmt.Sprint(port))
}

// parseWhitelist accepts CIDR ranges and single addresses.
func parseWhitelist(entries []string) (*netutil.Netlist, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	cidrs := make([]string, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if ip, err := netip.ParseAddr(entry); err == nil {
			entry = netip.PrefixFrom(ip, ip.BitLen()).String()
		}
		cidrs = append(cidrs, entry)
	}
	list, err := netutil.ParseNetlist(strings.Join(cidrs, ","))
	if err != nil {
		return nil, fmt.Errorf("invalid whitelist: %w", err)
	}
	return list, nil
}

func parseOnlyNets(names []string) ([]p2p.Network, error) {
	var nets []p2p.Network
	var errs []error
	for _, name := range names {
		n, err := p2p.ParseNetwork(name)
		if err != nil {
			errs = append(errs, fmt.Errorf("onlynet: %w", err))
			continue
		}
		nets = append(nets, n)
	}
	return nets, errors.Join(errs...)
}

func parseExternalIPs(entries []string, port uint16) ([]netip.AddrPort, error) {
	var out []netip.AddrPort
	var errs []error
	for _, entry := range entries {
		host, p, err := seeds.SplitHostPort(entry, port)
		if err != nil {
			errs = append(errs, fmt.Errorf("externalip: %w", err))
			continue
		}
		ip, err := netip.ParseAddr(host)
		if err != nil {
			errs = append(errs, fmt.Errorf("externalip %q is not an IP address", entry))
			continue
		}
		out = append(out, netip.AddrPortFrom(ip.Unmap(), p))
	}
	return out, errors.Join(errs...)
}

// ParseLevel maps a log level name to a slog level. Empty means info.
func ParseLevel(name string) (slog.Level, error) {
	var level slog.Level
	if strings.TrimSpace(name) == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", name)
	}
	return level, nil
}
