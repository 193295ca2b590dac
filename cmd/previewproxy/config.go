package main

import (
	"flag"
	"fmt"

	"github.com/previewlabs/previewproxy/internal/helper"
	"github.com/previewlabs/previewproxy/rule"
	log "github.com/sirupsen/logrus"
)

type Config struct {
	version  bool
	initCa   bool
	filename string

	Addr            string      `json:"addr"`
	TransparentAddr string      `json:"transparent_addr"`
	WebAddr         string      `json:"web_addr"`
	SslInsecure     bool        `json:"ssl_insecure"`
	IgnoreHosts     []string    `json:"ignore_hosts"`
	AllowHosts      []string    `json:"allow_hosts"`
	CaKey           string      `json:"ca_key"`
	CaCert          string      `json:"ca_cert"`
	UpstreamCert    bool        `json:"upstream_cert"`
	Debug           int         `json:"debug"`
	Dump            string      `json:"dump"`
	DumpLevel       int         `json:"dump_level"`
	History         string      `json:"history"`
	Upstream        string      `json:"upstream"`
	Header          string      `json:"header"`
	Rules           []rule.Rule `json:"rules"`
	RulesFile       string      `json:"rules_file"`
}

func loadConfigFromFile(filename string) (*Config, error) {
	var config Config
	if err := helper.NewStructFromFile(filename, &config); err != nil {
		return nil, err
	}
	return &config, nil
}

func loadConfigFromCli() *Config {
	config := new(Config)

	flag.BoolVar(&config.version, "version", false, "show previewproxy version")
	flag.BoolVar(&config.initCa, "init_ca", false, "create the root CA key pair at ca_key/ca_cert and exit")
	flag.StringVar(&config.Addr, "addr", ":9080", "proxy listen addr")
	flag.StringVar(&config.TransparentAddr, "transparent_addr", "", "transparent proxy listen addr for redirected connections")
	flag.StringVar(&config.WebAddr, "web_addr", "", "web event stream listen addr")
	flag.BoolVar(&config.SslInsecure, "ssl_insecure", false, "not verify upstream server SSL/TLS certificates.")
	flag.Var((*arrayValue)(&config.IgnoreHosts), "ignore_hosts", "a list of ignore hosts")
	flag.Var((*arrayValue)(&config.AllowHosts), "allow_hosts", "a list of allow hosts")
	flag.StringVar(&config.CaKey, "ca_key", "", "root CA private key file")
	flag.StringVar(&config.CaCert, "ca_cert", "", "root CA certificate file")
	flag.BoolVar(&config.UpstreamCert, "upstream_cert", true, "connect to upstream server to look up certificate details")
	flag.IntVar(&config.Debug, "debug", 0, "debug mode: 1 - print debug log, 2 - show debug from")
	flag.StringVar(&config.Dump, "dump", "", "dump filename")
	flag.IntVar(&config.DumpLevel, "dump_level", 0, "dump level: 0 - header, 1 - header + body")
	flag.StringVar(&config.History, "history", "", "sqlite file to persist the event stream")
	flag.StringVar(&config.Upstream, "upstream", "", "upstream proxy")
	flag.StringVar(&config.Header, "header", rule.DefaultHeader, "header name set by the positional rule")
	flag.StringVar(&config.RulesFile, "rules", "", "JSON file with a list of rewrite rules")
	flag.StringVar(&config.filename, "f", "", "read config from the filename")
	flag.Parse()

	// previewproxy <host_contains> <header_value>
	if args := flag.Args(); len(args) == 2 {
		config.Rules = append(config.Rules, rule.Rule{
			HostContains: args[0],
			Header:       config.Header,
			Value:        args[1],
		})
	}

	return config
}

func mergeConfigs(fileConfig, cliConfig *Config) *Config {
	config := new(Config)
	*config = *fileConfig
	config.initCa = cliConfig.initCa
	if cliConfig.Addr != "" {
		config.Addr = cliConfig.Addr
	}
	if cliConfig.TransparentAddr != "" {
		config.TransparentAddr = cliConfig.TransparentAddr
	}
	if cliConfig.WebAddr != "" {
		config.WebAddr = cliConfig.WebAddr
	}
	if cliConfig.SslInsecure {
		config.SslInsecure = cliConfig.SslInsecure
	}
	if len(cliConfig.IgnoreHosts) > 0 {
		config.IgnoreHosts = cliConfig.IgnoreHosts
	}
	if len(cliConfig.AllowHosts) > 0 {
		config.AllowHosts = cliConfig.AllowHosts
	}
	if cliConfig.CaKey != "" {
		config.CaKey = cliConfig.CaKey
	}
	if cliConfig.CaCert != "" {
		config.CaCert = cliConfig.CaCert
	}
	if !cliConfig.UpstreamCert {
		config.UpstreamCert = cliConfig.UpstreamCert
	}
	if cliConfig.Debug != 0 {
		config.Debug = cliConfig.Debug
	}
	if cliConfig.Dump != "" {
		config.Dump = cliConfig.Dump
	}
	if cliConfig.DumpLevel != 0 {
		config.DumpLevel = cliConfig.DumpLevel
	}
	if cliConfig.History != "" {
		config.History = cliConfig.History
	}
	if cliConfig.Upstream != "" {
		config.Upstream = cliConfig.Upstream
	}
	if len(cliConfig.Rules) > 0 {
		config.Rules = append(config.Rules, cliConfig.Rules...)
	}
	if cliConfig.RulesFile != "" {
		config.RulesFile = cliConfig.RulesFile
	}
	return config
}

func loadConfig() *Config {
	cliConfig := loadConfigFromCli()
	if cliConfig.version {
		return cliConfig
	}
	if cliConfig.filename == "" {
		return cliConfig
	}

	fileConfig, err := loadConfigFromFile(cliConfig.filename)
	if err != nil {
		log.Warnf("read config from %v error %v", cliConfig.filename, err)
		return cliConfig
	}
	return mergeConfigs(fileConfig, cliConfig)
}

// loadRules collects rules from the config file, the rules file and the
// positional arguments, in that order.
func loadRules(config *Config) (*rule.Set, error) {
	rules := make([]rule.Rule, 0, len(config.Rules))
	if config.RulesFile != "" {
		var fileRules []rule.Rule
		if err := helper.NewStructFromFile(config.RulesFile, &fileRules); err != nil {
			return nil, err
		}
		rules = append(rules, fileRules...)
	}
	rules = append(rules, config.Rules...)
	return rule.NewSet(rules)
}

// arrayValue implements the flag.Value interface
type arrayValue []string

func (a *arrayValue) String() string {
	return fmt.Sprint(*a)
}

func (a *arrayValue) Set(value string) error {
	*a = append(*a, value)
	return nil
}
