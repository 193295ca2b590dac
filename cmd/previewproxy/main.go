package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/previewlabs/previewproxy/addon"
	"github.com/previewlabs/previewproxy/cert"
	"github.com/previewlabs/previewproxy/proxy"
	"github.com/previewlabs/previewproxy/web"
	log "github.com/sirupsen/logrus"
)

func main() {
	config := loadConfig()

	if config.Debug > 0 {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
	log.SetReportCaller(config.Debug == 2)
	log.SetOutput(os.Stdout)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})

	if config.initCa {
		if config.CaKey == "" || config.CaCert == "" {
			log.Fatal("init_ca requires -ca_key and -ca_cert")
		}
		if _, err := cert.Create(config.CaKey, config.CaCert); err != nil {
			log.Fatal(err)
		}
		log.Infof("root CA written to %v and %v\n", config.CaKey, config.CaCert)
		os.Exit(0)
	}

	set, err := loadRules(config)
	if err != nil {
		log.Fatal(err)
	}

	opts := &proxy.Options{
		Addr:            config.Addr,
		TransparentAddr: config.TransparentAddr,
		CaKeyFile:       config.CaKey,
		CaCertFile:      config.CaCert,
		SslInsecure:     config.SslInsecure,
		Upstream:        config.Upstream,
		AllowHosts:      config.AllowHosts,
		IgnoreHosts:     config.IgnoreHosts,
		Debug:           config.Debug,
	}

	p, err := proxy.NewProxy(opts)
	if err != nil {
		if errors.Is(err, cert.ErrUnavailable) {
			log.Fatalf("ca store unavailable, generate one with -init_ca: %v", err)
		}
		log.Fatal(err)
	}

	if config.version {
		fmt.Println("previewproxy: " + p.Version)
		os.Exit(0)
	}

	log.Infof("previewproxy version %v\n", p.Version)
	if set.Empty() {
		log.Warn("no rewrite rules configured, requests pass through unchanged")
	}

	p.AddAddon(&proxy.LogAddon{})
	if !config.UpstreamCert {
		p.AddAddon(proxy.NewUpstreamCertAddon(false))
	}
	p.AddAddon(addon.NewHeaderRewrite(set))

	if config.WebAddr != "" {
		p.AddAddon(web.NewWebAddon(config.WebAddr, p))
	}

	if config.Dump != "" {
		p.AddAddon(addon.NewDumper(config.Dump, config.DumpLevel))
	}

	if config.History != "" {
		history, err := addon.NewHistory(config.History)
		if err != nil {
			log.Fatal(err)
		}
		defer history.Close()
		p.AddAddon(history)
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Info("shutting down")
		p.Close()
	}()

	log.Fatal(p.Start())
}
