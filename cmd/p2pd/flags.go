package main

import (
	"flag"
	"strings"

	"peerlink/config"
)

// stringList collects repeated flags.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(value string) error {
	*s = append(*s, value)
	return nil
}

// overrides holds command line options. Only flags given on the command line
// replace values from the config file.
type overrides struct {
	fs *flag.FlagSet

	port           int
	maxConnections int
	timeoutMs      int
	banTime        int64

	listen       bool
	discover     bool
	upnp         bool
	nameLookup   bool
	dnsSeed      bool
	forceDNSSeed bool

	connect    stringList
	addNode    stringList
	seedNode   stringList
	onlyNet    stringList
	whitelist  stringList
	bind       stringList
	whiteBind  stringList
	externalIP stringList

	proxy    string
	onion    string
	logLevel string
	admin    string
}

func registerOverrides(fs *flag.FlagSet) *overrides {
	o := &overrides{fs: fs}
	fs.IntVar(&o.port, "port", config.DefaultPort, "Listen for connections on this port")
	fs.IntVar(&o.maxConnections, "maxconnections", 125, "Maintain at most this many connections")
	fs.IntVar(&o.timeoutMs, "timeout", config.DefaultTimeoutMs, "Connect timeout in milliseconds")
	fs.Int64Var(&o.banTime, "bantime", 86400, "Seconds to keep misbehaving peers from reconnecting")

	fs.BoolVar(&o.listen, "listen", true, "Accept connections from outside")
	fs.BoolVar(&o.discover, "discover", true, "Discover own IP addresses")
	fs.BoolVar(&o.upnp, "upnp", false, "Use UPnP to map the listening port")
	fs.BoolVar(&o.nameLookup, "dns", true, "Allow DNS lookups for addnode, seednode and connect")
	fs.BoolVar(&o.dnsSeed, "dnsseed", true, "Query DNS seeds for peer addresses")
	fs.BoolVar(&o.forceDNSSeed, "forcednsseed", false, "Always query DNS seeds")

	fs.Var(&o.connect, "connect", "Connect only to the specified node(s)")
	fs.Var(&o.addNode, "addnode", "Add a node to connect to and attempt to keep the connection open")
	fs.Var(&o.seedNode, "seednode", "Connect to a node to retrieve peer addresses, and disconnect")
	fs.Var(&o.onlyNet, "onlynet", "Only connect to nodes in network (ipv4, ipv6 or onion)")
	fs.Var(&o.whitelist, "whitelist", "Whitelist peers connecting from the given netmask or IP")
	fs.Var(&o.bind, "bind", "Bind to given address and always listen on it")
	fs.Var(&o.whiteBind, "whitebind", "Bind to given address and whitelist peers connecting to it")
	fs.Var(&o.externalIP, "externalip", "Specify your own public address")

	fs.StringVar(&o.proxy, "proxy", "", "Connect through SOCKS5 proxy")
	fs.StringVar(&o.onion, "onion", "", "Use a separate SOCKS5 proxy for onion peers")
	fs.StringVar(&o.logLevel, "loglevel", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&o.admin, "admin", "", "Admin HTTP listen address")
	return o
}

func (o *overrides) apply(cfg *config.Config) {
	p := &cfg.P2P
	o.fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			p.Port = o.port
		case "maxconnections":
			p.MaxConnections = o.maxConnections
		case "timeout":
			p.TimeoutMs = o.timeoutMs
		case "bantime":
			p.BanTimeSeconds = o.banTime
		case "listen":
			p.Listen = boolPtr(o.listen)
		case "discover":
			p.Discover = boolPtr(o.discover)
		case "upnp":
			p.UPnP = boolPtr(o.upnp)
		case "dns":
			p.NameLookup = boolPtr(o.nameLookup)
		case "dnsseed":
			p.DNSSeed = boolPtr(o.dnsSeed)
		case "forcednsseed":
			p.ForceDNSSeed = boolPtr(o.forceDNSSeed)
		case "connect":
			p.Connect = append([]string(nil), o.connect...)
		case "addnode":
			p.AddNode = append([]string(nil), o.addNode...)
		case "seednode":
			p.SeedNode = append([]string(nil), o.seedNode...)
		case "onlynet":
			p.OnlyNet = append([]string(nil), o.onlyNet...)
		case "whitelist":
			p.Whitelist = append([]string(nil), o.whitelist...)
		case "bind":
			p.Bind = append([]string(nil), o.bind...)
		case "whitebind":
			p.WhiteBind = append([]string(nil), o.whiteBind...)
		case "externalip":
			p.ExternalIP = append([]string(nil), o.externalIP...)
		case "proxy":
			p.Proxy = o.proxy
		case "onion":
			p.Onion = o.onion
		case "loglevel":
			cfg.LogLevel = o.logLevel
		case "admin":
			cfg.AdminAddress = o.admin
		}
	})
}

func boolPtr(v bool) *bool { return &v }
