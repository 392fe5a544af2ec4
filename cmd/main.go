package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	cfw "github.com/lz0o0/AI-CFW"
)

func main() {
	var (
		// Config file (flags set on the command line override it)
		configPath = flag.String("config", "", "path to config file (default: search ./cfw.yaml, ~/.cfw/config.yaml, /etc/cfw/config.yaml)")
		genConfig  = flag.Bool("gen-config", false, "generate example config file and exit")

		// Common settings, also available through the config file
		addr           = flag.String("addr", ":9090", "firewall listen address")
		mode           = flag.String("mode", "direct", "traffic mode: direct (enforce) or mirror (observe only)")
		caCertPath     = flag.String("ca-cert", "ca.crt", "path to CA certificate")
		caKeyPath      = flag.String("ca-key", "ca.key", "path to CA private key")
		bypass         = flag.String("bypass", "", "comma-separated domains to pass through without interception")
		genCA          = flag.Bool("gen-ca", false, "generate a new CA certificate and exit")
		caOrg          = flag.String("ca-org", "AI-CFW", "organization name for generated CA")
		verbose        = flag.Bool("v", false, "verbose logging")
		printBlockPage = flag.Bool("print-block-page", false, "print default block page template and exit")
	)
	flag.Parse()

	// Print block page template mode
	if *printBlockPage {
		fmt.Println(cfw.DefaultBlockPageHTML)
		return
	}

	// Generate example config mode
	if *genConfig {
		if err := cfw.WriteExampleConfig("cfw.yaml"); err != nil {
			fmt.Fprintln(os.Stderr, "generate config:", err)
			os.Exit(1)
		}
		fmt.Println("Generated cfw.yaml")
		return
	}

	cfg, err := cfw.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}

	// Flags given on the command line override the config file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Server.Addr = *addr
		case "mode":
			cfg.Server.Mode = *mode
		case "ca-cert":
			cfg.TLS.CACert = *caCertPath
		case "ca-key":
			cfg.TLS.CAKey = *caKeyPath
		case "ca-org":
			cfg.TLS.Organization = *caOrg
		case "bypass":
			for _, d := range strings.Split(*bypass, ",") {
				if d = strings.TrimSpace(d); d != "" {
					cfg.Intercept.Bypass = append(cfg.Intercept.Bypass, d)
				}
			}
		}
	})
	if *verbose {
		cfg.Logging.Level = "debug"
	}

	logger, closeLog, err := buildLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, "set up logging:", err)
		os.Exit(1)
	}
	defer closeLog()
	slog.SetDefault(logger)

	// Generate CA mode
	if *genCA {
		if err := generateCA(cfg.TLS.CACert, cfg.TLS.CAKey, cfg.TLS.Organization); err != nil {
			logger.Error("generate CA", "error", err)
			os.Exit(1)
		}
		return
	}

	// Load CA certificate
	cm, err := cfw.NewCertManager(cfg.TLS.CACert, cfg.TLS.CAKey)
	if err != nil {
		logger.Error("load CA certificate", "error", err)
		logger.Info("hint: run with -gen-ca to generate a new CA certificate")
		os.Exit(1)
	}

	metrics := cfw.NewMetrics()

	cm.Organization = cfg.TLS.Organization
	cm.Metrics = metrics
	if cfg.TLS.CertValidityDays > 0 {
		cm.LeafValidity = time.Duration(cfg.TLS.CertValidityDays) * 24 * time.Hour
	}
	if cfg.TLS.CertCacheSize > 0 {
		if err := cm.SetCacheSize(cfg.TLS.CertCacheSize); err != nil {
			logger.Error("set cert cache size", "error", err)
			os.Exit(1)
		}
	}
	stopSweeper := cm.StartSweeper(0)
	defer stopSweeper()

	// Shared transport for outbound service calls (webhooks, analysis)
	pool := cfw.NewTransportPool()
	defer pool.CloseIdleConnections()

	// Threat reporting
	reporter, err := cfg.BuildThreatReporter(pool.Client(10 * time.Second))
	if err != nil {
		logger.Error("build threat reporter", "error", err)
		os.Exit(1)
	}
	defer reporter.Close()
	reporter.Logger = logger
	reporter.Metrics = metrics

	// Detection rules: built-in catalog + configured file + database +
	// admin additions
	loaders := []cfw.RuleLoader{cfg.BuildRuleLoader()}
	if cfg.Detection.DatabaseURL != "" {
		db, err := sqlx.Connect("postgres", cfg.Detection.DatabaseURL)
		if err != nil {
			logger.Error("connect rules database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		sl := cfw.NewSQLRuleLoader(db)
		if cfg.Detection.DatabaseQuery != "" {
			sl.Query = cfg.Detection.DatabaseQuery
		}
		loaders = append(loaders, sl)
		logger.Info("loading rules from database")
	}
	extra := &cfw.StaticLoader{}
	loaders = append(loaders, extra)
	rules := cfw.NewReloadableRules(&cfw.MultiLoader{Loaders: loaders})
	rules.Logger = logger
	rules.OnReload = func(count int) { metrics.SetRuleCount(count) }

	ctx := context.Background()
	if err := rules.Load(ctx); err != nil {
		logger.Error("load detection rules", "error", err)
		os.Exit(1)
	}
	logger.Info("loaded detection rules", "count", rules.Count())

	if cfg.Detection.WatchRules && cfg.Detection.RulesFile != "" {
		cancel, err := rules.WatchFile(ctx, cfg.Detection.RulesFile)
		if err != nil {
			logger.Error("watch rules file", "error", err)
			os.Exit(1)
		}
		defer cancel()
		logger.Info("watching rules file", "path", cfg.Detection.RulesFile)
	}
	if cfg.Detection.ReloadInterval > 0 {
		cancel := rules.StartAutoReload(ctx, cfg.Detection.ReloadInterval)
		defer cancel()
		logger.Info("rule auto-reload enabled", "interval", cfg.Detection.ReloadInterval)
	}

	classifier := cfw.NewClassifier(rules)
	classifier.Threshold = cfg.Detection.Threshold
	classifier.MaxScan = cfg.Detection.MaxScan
	classifier.Metrics = metrics

	// Content policies
	sensitive, err := cfg.BuildSensitiveFilter()
	if err != nil {
		logger.Error("build sensitive data filter", "error", err)
		os.Exit(1)
	}
	sensitive.Reporter = reporter
	sensitive.Logger = logger
	sensitive.Metrics = metrics

	llm, err := cfg.BuildLLMProcessor()
	if err != nil {
		logger.Error("build LLM processor", "error", err)
		os.Exit(1)
	}
	llm.Reporter = reporter
	llm.Logger = logger
	llm.Metrics = metrics

	pipeline := cfw.NewPipeline(
		&cfw.ProtocolProcessor{},
		&cfw.EncryptionProcessor{Reporter: reporter, Metrics: metrics},
		&cfw.CertProcessor{Reporter: reporter, Metrics: metrics},
		&cfw.ThreatProcessor{Threshold: cfg.Detection.Threshold, Reporter: reporter},
		llm,
		sensitive,
	)
	pipeline.Logger = logger
	pipeline.Metrics = metrics

	if cfg.Analyzer.Endpoint != "" {
		analyzer := cfw.NewHTTPAnalyzer(cfg.Analyzer.Endpoint, cfg.Analyzer.APIKey)
		analyzer.Client = pool.Client(cfw.DefaultAnalyzerTimeout)
		pipeline.Use(&cfw.AIContentProcessor{
			Analyzer:  analyzer,
			Sensitive: sensitive,
			Wait:      cfg.Analyzer.Wait,
			Logger:    logger,
			Metrics:   metrics,
		})
		logger.Info("external analysis enabled", "endpoint", cfg.Analyzer.Endpoint)
	}

	// Connection tracking
	tracker := &cfw.Tracker{
		MaxConnections: cfg.Server.MaxConnections,
		Workers:        cfg.Server.Workers,
		MailboxSize:    cfg.Server.MailboxSize,
		IdleTimeout:    cfg.Server.IdleTimeout,
		Logger:         logger,
		Metrics:        metrics,
	}

	intercepts, err := cfg.BuildIntercepts()
	if err != nil {
		logger.Error("build intercept list", "error", err)
		os.Exit(1)
	}

	trafficMode, err := cfw.ParseTrafficMode(cfg.Server.Mode)
	if err != nil {
		logger.Error("parse traffic mode", "error", err)
		os.Exit(1)
	}

	// Assemble the firewall
	fw := cfw.NewFirewall(cfg.Server.Addr, cm)
	fw.Mode = trafficMode
	fw.Tracker = tracker
	fw.Classifier = classifier
	fw.Pipeline = pipeline
	fw.Intercepts = intercepts
	fw.Reporter = reporter
	fw.FlowLog = cfw.NewFlowLogger(logger)
	fw.Logger = logger
	fw.Metrics = metrics
	fw.ChunkSize = cfg.Server.ChunkSize
	fw.Lookback = cfg.Server.Lookback
	fw.DialTimeout = cfg.Server.DialTimeout
	fw.HandshakeTimeout = cfg.Server.HandshakeTimeout
	fw.InsecureSkipVerify = cfg.TLS.InsecureSkipVerify

	if cfg.RateLimit.Enabled {
		rl := cfw.NewRateLimiter(cfg.RateLimit.Rate, cfg.RateLimit.Burst)
		defer rl.Close()
		fw.RateLimiter = rl
	}

	if cfg.Upstream.URL != "" {
		up, err := cfw.NewUpstreamProxy(cfg.Upstream.URL)
		if err != nil {
			logger.Error("parse upstream proxy", "error", err)
			os.Exit(1)
		}
		up.ProxyProtocol = cfg.Upstream.ProxyProtocol
		fw.Upstream = up
		logger.Info("chaining through upstream proxy", "url", cfg.Upstream.URL)
	}

	switch {
	case cfg.BlockPage.TemplatePath != "":
		bp, err := cfw.NewBlockPageFromFile(cfg.BlockPage.TemplatePath)
		if err != nil {
			logger.Error("load block page template", "error", err, "file", cfg.BlockPage.TemplatePath)
			os.Exit(1)
		}
		fw.BlockPage = bp
	case cfg.BlockPage.TemplateInline != "":
		bp, err := cfw.NewBlockPageFromTemplate(cfg.BlockPage.TemplateInline)
		if err != nil {
			logger.Error("parse block page template", "error", err)
			os.Exit(1)
		}
		fw.BlockPage = bp
	}

	if cfg.TLS.WatchCA {
		rotator := cfw.NewCertRotator(cm, cfg.TLS.CACert, cfg.TLS.CAKey)
		rotator.Logger = logger
		cancel, err := rotator.WatchCAFiles(ctx)
		if err != nil {
			logger.Error("watch CA files", "error", err)
			os.Exit(1)
		}
		defer cancel()
		fw.Rotator = rotator
		logger.Info("watching CA files for rotation", "cert", cfg.TLS.CACert, "key", cfg.TLS.CAKey)
	}

	// Health and admin endpoint
	health := cfw.NewHealthChecker()
	var caSource cfw.CAProvider = cm
	if fw.Rotator != nil {
		caSource = fw.Rotator
	}
	health.ReadinessChecks = append(health.ReadinessChecks,
		cfw.CertReadiness(caSource),
		cfw.TrackerReadiness(tracker),
	)
	health.SetAlive(true)
	health.SetReady(true)

	var adminSrv *http.Server
	if cfg.Admin.Enabled {
		admin := cfw.NewAdminAPI(fw)
		admin.Rules = rules
		admin.Extra = extra
		admin.Sensitive = sensitive
		admin.Reporter = reporter
		admin.Health = health
		admin.Metrics = metrics
		admin.Logger = logger

		if len(cfg.Admin.Tokens) > 0 {
			auth := cfw.NewTokenAuth()
			auth.Logger = logger
			if cfg.Admin.TokenHeader != "" {
				auth.Header = cfg.Admin.TokenHeader
			}
			for _, token := range cfg.Admin.Tokens {
				auth.AddToken(token)
			}
			admin.Auth = auth
		}

		ln, err := adminListener(ctx, cfg, cm, logger)
		if err != nil {
			logger.Error("start admin listener", "error", err)
			os.Exit(1)
		}

		adminSrv = &http.Server{Handler: admin.Routes()}
		go func() {
			if err := adminSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
				logger.Error("admin server error", "error", err)
			}
		}()
		logger.Info("admin API listening", "addr", cfg.Admin.Addr)
	}

	// Reload rules on SIGHUP
	reloader := cfw.WatchSIGHUP(func(ctx context.Context) error {
		return rules.Load(ctx)
	}, logger)
	defer reloader.Cancel()

	// Handle shutdown
	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-sigCtx.Done()
		logger.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if adminSrv != nil {
			_ = adminSrv.Shutdown(shutdownCtx)
		}
		_ = fw.Shutdown(shutdownCtx)
	}()

	logger.Info("starting firewall", "addr", cfg.Server.Addr, "mode", trafficMode)
	logger.Info("route client traffic through this address (explicit proxy or transparent redirect)")
	logger.Info("ensure the CA certificate is trusted by your clients")

	if err := fw.ListenAndServe(); err != nil {
		logger.Error("firewall error", "error", err)
		os.Exit(1)
	}
}

// adminListener builds the admin-plane listener: plain TCP, TLS with an
// ACME certificate, or mutual TLS, per configuration.
func adminListener(ctx context.Context, cfg *cfw.Config, cm *cfw.CertManager, logger *slog.Logger) (net.Listener, error) {
	ln, err := net.Listen("tcp", cfg.Admin.Addr)
	if err != nil {
		return nil, err
	}

	useACME := len(cfg.Admin.ACME.Domains) > 0
	useMTLS := cfg.Admin.ClientCA != ""
	if !useACME && !useMTLS {
		return ln, nil
	}

	var tlsCfg *tls.Config
	if useMTLS {
		auth, err := cfw.NewClientAuthFromFile(cfg.Admin.ClientCA)
		if err != nil {
			ln.Close()
			return nil, fmt.Errorf("load admin client CA: %w", err)
		}
		tlsCfg = auth.TLSConfig()
		logger.Info("admin API requires client certificates", "ca", cfg.Admin.ClientCA)
	} else {
		tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	if useACME {
		acm, err := cfw.NewACMECertManager(cfg.Admin.ACME)
		if err != nil {
			ln.Close()
			return nil, err
		}
		acm.SetLogger(logger)
		if err := acm.Initialize(ctx); err != nil {
			ln.Close()
			return nil, err
		}
		if err := acm.ObtainCertificates(ctx); err != nil {
			ln.Close()
			return nil, err
		}
		acm.StartAutoRenewal(0)
		tlsCfg.GetCertificate = acm.GetCertificate
	} else {
		// Serve the admin plane with a leaf from the interception CA.
		host, _, err := net.SplitHostPort(cfg.Admin.Addr)
		if err != nil || host == "" {
			host = "localhost"
		}
		leaf, err := cm.Issue(host)
		if err != nil {
			ln.Close()
			return nil, fmt.Errorf("issue admin certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{*leaf}
	}

	return tls.NewListener(ln, tlsCfg), nil
}

// buildLogger creates the process logger from the logging configuration.
// The returned close function releases the log file, if any.
func buildLogger(cfg cfw.LoggingConfig) (*slog.Logger, func(), error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "", "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, nil, fmt.Errorf("unknown log level %q", cfg.Level)
	}

	var w *os.File
	closeLog := func() {}
	switch cfg.Output {
	case "", "stderr":
		w = os.Stderr
	case "stdout":
		w = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		w = f
		closeLog = func() { f.Close() }
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler), closeLog, nil
}

func generateCA(certPath, keyPath, org string) error {
	// Check if files already exist
	if _, err := os.Stat(certPath); err == nil {
		return fmt.Errorf("CA certificate already exists at %s", certPath)
	}
	if _, err := os.Stat(keyPath); err == nil {
		return fmt.Errorf("CA key already exists at %s", keyPath)
	}

	slog.Info("generating CA certificate", "org", org)

	certPEM, keyPEM, err := cfw.GenerateCA(org, 10) // 10 year validity
	if err != nil {
		return err
	}

	if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
		return fmt.Errorf("write CA cert: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return fmt.Errorf("write CA key: %w", err)
	}

	slog.Info("CA certificate generated", "cert", certPath, "key", keyPath)
	slog.Info("add the CA certificate to your client trust stores")

	return nil
}
