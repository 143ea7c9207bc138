package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/AdguardTeam/golibs/log"
	"github.com/miekg/dns"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/foxcross/dnsguardian/dnsfilter"
	"github.com/foxcross/dnsguardian/dnsforward"
)

func main() {
	configPath := flag.String("config", "dnsguardian.yaml", "path to the configuration file")
	checkConfig := flag.Bool("check-config", false, "validate the configuration and exit")
	verbose := flag.Bool("verbose", false, "enable debug-level logging")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dnsguardian: %s\n", err)
		os.Exit(1)
	}

	if *verbose {
		cfg.Log.Verbose = true
	}

	configureLogger(cfg.Log)

	filters, err := loadFilters(cfg)
	if err != nil {
		log.Error("dnsguardian: loading filters: %s", err)
		os.Exit(1)
	}

	forwarder, err := buildForwarder(cfg)
	if err != nil {
		log.Error("dnsguardian: building forwarder: %s", err)
		os.Exit(1)
	}

	if *checkConfig {
		log.Info("dnsguardian: configuration is valid")

		return
	}

	run(cfg, filters, forwarder)
}

// configureLogger sets up the single package-level golibs/log logger,
// redirecting output through a rotating file when one is configured, the
// same mechanism the teacher's own configureLogger uses.
func configureLogger(s logSettings) {
	if !s.Enabled {
		log.SetLevel(log.OFF)

		return
	}

	if s.Verbose {
		log.SetLevel(log.DEBUG)
	}

	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if s.File == "" || s.File == "syslog" {
		return
	}

	log.SetOutput(&lumberjack.Logger{
		Filename:   s.File,
		MaxSize:    s.MaxSize,
		MaxBackups: s.MaxBackups,
		MaxAge:     s.MaxAge,
		Compress:   s.Compress,
		LocalTime:  s.LocalTime,
	})
}

func loadFilters(cfg config) (*dnsfilter.Set, error) {
	budget := cfg.memLimitBudget()

	filters := make([]*dnsfilter.Filter, 0, len(cfg.Filters))
	for _, spec := range cfg.Filters {
		f, err := dnsfilter.NewFilter(dnsfilter.FilterParams{
			ID:       spec.ID,
			Data:     spec.Path,
			InMemory: spec.InMemory,
		}, budget)
		if err != nil {
			return nil, fmt.Errorf("loading filter %d: %w", spec.ID, err)
		}

		if w := f.Warning(); w != nil {
			log.Info("dnsguardian: filter %d loaded with a warning: %s", spec.ID, w)
		}

		filters = append(filters, f)
	}

	return dnsfilter.NewSet(filters...), nil
}

func buildForwarder(cfg config) (*dnsforward.Forwarder, error) {
	conf := dnsforward.Config{
		FallbackDomains:      cfg.FallbackDomains,
		UpstreamPolicy:       dnsforward.UpstreamPolicy(cfg.UpstreamPolicy),
		AdblockBlockingMode:  dnsforward.BlockingMode(cfg.AdblockBlockingMode),
		HostsBlockingMode:    dnsforward.BlockingMode(cfg.HostsBlockingMode),
		BlockedResponseTTL:   cfg.BlockedResponseTTL,
		CacheSize:            cfg.CacheSize,
		CacheOptimistic:      cfg.CacheOptimistic,
		UseDNS64:             cfg.UseDNS64,
		DNS64Prefixes:        cfg.DNS64Prefixes,
		DNS64Exclude:         cfg.DNS64Exclude,
		RetransmissionWindow: cfg.RetransmissionWindow,
		ClientTimeout:        cfg.ClientTimeout,
		OnRequestProcessed:   logRequestProcessed,
	}

	if cfg.CustomBlockingIPv4 != "" {
		conf.CustomBlockingIPv4 = net.ParseIP(cfg.CustomBlockingIPv4)
	}

	if cfg.CustomBlockingIPv6 != "" {
		conf.CustomBlockingIPv6 = net.ParseIP(cfg.CustomBlockingIPv6)
	}

	for _, u := range cfg.Upstreams {
		conf.Upstreams = append(conf.Upstreams, newPlainUpstream(u.Address))
	}

	for _, u := range cfg.Fallbacks {
		conf.Fallbacks = append(conf.Fallbacks, newPlainUpstream(u.Address))
	}

	f, ok, warning := dnsforward.NewForwarder(conf, nil)
	if !ok {
		return nil, warning
	}

	if warning != nil {
		log.Info("dnsguardian: forwarder started with a warning: %s", warning)
	}

	return f, nil
}

func logRequestProcessed(ev dnsforward.Event) {
	log.Debug(
		"dnsguardian: %s %s -> %s in %s (cache=%t upstream=%s)",
		ev.Domain, ev.Type, ev.Status, ev.Elapsed, ev.CacheHit, ev.UpstreamID,
	)
}

// run serves DNS over UDP and TCP on ListenAddress until an OS signal asks
// it to stop, the same bootstrap shape as the teacher's home.run minus the
// HTTP control surface.
func run(cfg config, filters *dnsfilter.Set, forwarder *dnsforward.Forwarder) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handler := &dnsHandler{forwarder: forwarder}

	udpServer := &dns.Server{Addr: cfg.ListenAddress, Net: "udp", Handler: handler}
	tcpServer := &dns.Server{Addr: cfg.ListenAddress, Net: "tcp", Handler: handler}

	errCh := make(chan error, 2)
	go func() { errCh <- udpServer.ListenAndServe() }()
	go func() { errCh <- tcpServer.ListenAndServe() }()

	log.Info("dnsguardian: listening on %s (udp, tcp)", cfg.ListenAddress)

	select {
	case <-ctx.Done():
		log.Info("dnsguardian: shutting down")
	case err := <-errCh:
		log.Error("dnsguardian: server error: %s", err)
	}

	_ = udpServer.Shutdown()
	_ = tcpServer.Shutdown()
}

// dnsHandler adapts dns.Server's callback shape to Forwarder.HandleRequest.
type dnsHandler struct {
	forwarder *dnsforward.Forwarder
}

func (h *dnsHandler) ServeDNS(w dns.ResponseWriter, req *dns.Msg) {
	_, isUDP := w.RemoteAddr().(*net.UDPAddr)

	resp, err := h.forwarder.HandleRequest(context.Background(), req, w.RemoteAddr(), isUDP)
	if err != nil {
		log.Debug("dnsguardian: handling request: %s", err)

		return
	}

	if err := w.WriteMsg(resp); err != nil {
		log.Debug("dnsguardian: writing response: %s", err)
	}
}
