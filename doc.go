// Package cfw provides an intercepting content firewall for AI-era
// traffic. It terminates TLS with on-demand certificates signed by a
// private CA, classifies the decrypted byte stream as it flows
// (protocols, threat patterns, LLM API traffic), and applies
// configurable policies to sensitive data before bytes reach the other
// side.
//
// # Architecture
//
// The firewall accepts explicit proxy clients (HTTP CONNECT),
// transparently redirected TLS, and plain HTTP on a single listener,
// sniffing the first bytes to tell them apart. Intercepted connections
// get a dynamically issued leaf certificate for the requested host; the
// firewall then holds two TLS sessions (client-side and server-side)
// and relays chunks between them. Each chunk passes through a
// classifier and a processor pipeline before forwarding; a block
// decision stops the stream, a modify decision substitutes the chunk's
// bytes. Per-connection processing is serialized by a bounded worker
// pool so chunks are always evaluated in arrival order.
//
// # Basic Firewall
//
// Create a firewall with certificate management and start serving:
//
//	cm, err := cfw.NewCertManager("ca.crt", "ca.key")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	fw := cfw.NewFirewall(":9090", cm)
//	log.Fatal(fw.ListenAndServe())
//
// With no further configuration every connection is intercepted,
// classified against [DefaultRules], and forwarded.
//
// # Interception Control
//
// Decide per host whether to intercept, pass through encrypted, or
// reject, with wildcard support:
//
//	il := cfw.NewInterceptList(cfw.InterceptMITM)
//	il.AddBypass("*.bank.example.com")
//	il.AddReject("malware.example.com")
//	fw.Intercepts = il
//
// Reject wins over bypass, bypass over intercept. Hosts without a match
// fall back to the list's default action.
//
// # Detection Rules
//
// Rules drive the streaming classifier. Each rule has a category
// (protocol, threat, llm), a label, a regex pattern, and a weight that
// contributes to the verdict's confidence:
//
//	rules, err := cfw.NewRuleSet(append(cfw.DefaultRules(), cfw.Rule{
//	    Category: "threat",
//	    Label:    "internal_codename",
//	    Pattern:  `(?i)project\s+bluebird`,
//	    Weight:   0.9,
//	    Risk:     "high",
//	}))
//
//	fw.Classifier = cfw.NewClassifier(cfw.NewStaticRules(rules))
//
// # Reloadable Rules
//
// Load rules from files or multiple sources with periodic reloading or
// file watching:
//
//	loader := &cfw.MultiLoader{Loaders: []cfw.RuleLoader{
//	    &cfw.FileLoader{Path: "rules.yaml", IncludeDefaults: true},
//	    &cfw.StaticLoader{Rules: extraRules},
//	}}
//
//	rr := cfw.NewReloadableRules(loader)
//	if err := rr.Load(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	cancel := rr.StartAutoReload(ctx, 5*time.Minute)
//	defer cancel()
//
//	fw.Classifier = cfw.NewClassifier(rr)
//
// [ReloadableRules.WatchFile] reloads on filesystem change events
// instead of a timer. A failed reload keeps the previous rule set.
//
// # Processor Pipeline
//
// Processors inspect each chunk and vote. Block outranks modify,
// modify outranks allow; a processor error never blocks traffic:
//
//	fw.Pipeline = cfw.NewPipeline(
//	    &cfw.ProtocolProcessor{},
//	    &cfw.EncryptionProcessor{},
//	    &cfw.ThreatProcessor{Reporter: reporter},
//	    &cfw.LLMProcessor{Mode: cfw.LLMMonitor, Reporter: reporter},
//	    sensitiveFilter,
//	)
//
// Custom processors implement the [Processor] interface.
//
// # Sensitive Data
//
// The sensitive data filter detects credit cards, SSNs, API keys, and
// similar patterns, and applies one of three strategies: steganography
// (redact in place and let the traffic continue), block, or silent_log.
// Strategies can be overridden per pattern family at runtime:
//
//	sf := cfw.NewSensitiveFilter(cfw.StrategySteganography)
//	sf.SetOverride("credit_card", cfw.StrategyBlock)
//	sf.AddPattern("employee_id", `\bEMP-\d{6}\b`)
//	fw.Pipeline.Use(sf)
//
// # LLM Traffic
//
// LLM API traffic (OpenAI, Anthropic, and others) is recognized by the
// classifier; [LLMProcessor] decides what to do with it:
//
//	llm := &cfw.LLMProcessor{
//	    Mode:           cfw.LLMMonitor,
//	    BlockProviders: []string{"openai"},
//	    LogPrompts:     true,
//	}
//	fw.Pipeline.Use(llm)
//
// # Threat Reporting
//
// Findings become threat records delivered to sinks, with high-risk
// records escalated to alerters:
//
//	fs, _ := cfw.NewFileSink("threats.jsonl")
//	reporter := cfw.NewThreatReporter(cfw.DefaultThreatRing,
//	    []cfw.ThreatSink{fs},
//	    []cfw.AlertSink{&cfw.WebhookAlerter{URL: "https://hooks.example.com/siem"}},
//	)
//	defer reporter.Close()
//	fw.Reporter = reporter
//
// [ThreatReporter.Recent] returns the newest records from an in-memory
// ring for the admin API.
//
// # External Analysis
//
// An external analysis service can second-guess local verdicts. The
// processor computes a local decision first and waits a bounded time
// for the remote one; if the service is slow or down, the local
// decision stands and traffic is never stalled:
//
//	an := cfw.NewHTTPAnalyzer("https://analysis.example.com/v1/analyze", apiKey)
//	fw.Pipeline.Use(&cfw.AIContentProcessor{
//	    Analyzer:  an,
//	    Sensitive: sf,
//	    Wait:      2 * time.Second,
//	})
//
// # Block Pages
//
// Blocked HTTP connections receive a customizable HTML page:
//
//	fw.BlockPage = cfw.NewBlockPage()
//
//	// Or from a custom template file
//	bp, err := cfw.NewBlockPageFromFile("block.html")
//	fw.BlockPage = bp
//
// Template variables: {{.Host}}, {{.Reason}}, {{.Risk}}, {{.RecordID}},
// and {{.Timestamp}}. Non-HTTP streams are closed without a page.
//
// # Prometheus Metrics
//
// Instrument the firewall with Prometheus metrics:
//
//	metrics := cfw.NewMetrics()
//	fw.Metrics = metrics
//	http.Handle("/metrics", metrics.Handler())
//
// Counters cover connections, interception outcomes, chunk volume,
// decisions, threat matches, certificate cache behavior, and processor
// latency.
//
// # Health Check Endpoints
//
// Expose /healthz and /readyz for Kubernetes and load balancers:
//
//	health := cfw.NewHealthChecker()
//	health.ReadinessChecks = append(health.ReadinessChecks,
//	    cfw.CertReadiness(cm),
//	    cfw.TrackerReadiness(fw.Tracker),
//	)
//	health.SetAlive(true)
//	health.SetReady(true)
//
// # Admin API
//
// A chi-based admin endpoint exposes status, live connections, rule
// management, sensitive-data strategy switching, and recent threats:
//
//	admin := cfw.NewAdminAPI(fw)
//	admin.Sensitive = sf
//	admin.Reporter = reporter
//	go http.ListenAndServe(":9091", admin.Routes())
//
// Routes: GET /api/status, GET /api/connections, GET and POST and
// DELETE /api/rules, PUT /api/strategy, POST /api/reload, GET
// /api/threats/recent, plus /healthz, /readyz, and /metrics when the
// corresponding collaborators are set. Protect it with [ClientAuth]
// for mutual TLS or obtain a real certificate via [ACMECertManager].
//
// # Flow Log
//
// Write a JSON log entry for every relayed connection:
//
//	f, _ := os.OpenFile("flows.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
//	fw.FlowLog = cfw.NewFlowLogger(slog.New(slog.NewJSONHandler(f, nil)))
//
// Entries include the connection 5-tuple, SNI, duration, byte and chunk
// counts per direction, and block/close reasons.
//
// # SIGHUP Reload
//
// Reload detection rules on SIGHUP without restarting:
//
//	reloader := cfw.WatchSIGHUP(func(ctx context.Context) error {
//	    return rr.Load(ctx)
//	}, logger)
//	defer reloader.Cancel()
//
// # Configuration
//
// Load configuration from YAML, JSON, or TOML files with environment
// variable overrides (CFW_ prefix):
//
//	cfg, err := cfw.LoadConfig("cfw.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	fw.Intercepts, err = cfg.BuildIntercepts()
//	sf, err := cfg.BuildSensitiveFilter()
//
// [WriteExampleConfig] emits a commented starter file.
//
// # CA Certificate Generation
//
// Generate a new CA certificate and key pair programmatically:
//
//	certPEM, keyPEM, err := cfw.GenerateCA("My Organization", 10)
//	cm, err := cfw.NewCertManagerFromPEM(certPEM, keyPEM)
//
// The CA certificate must be installed in client trust stores for
// interception to work without warnings.
//
// # Upstream Proxies
//
// Chain through a parent proxy, optionally announcing the original
// client with the PROXY protocol:
//
//	up, err := cfw.NewUpstreamProxy("http://parent.example.com:3128")
//	up.ProxyProtocol = 2
//	fw.Upstream = up
//
// # Graceful Shutdown
//
//	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
//	defer cancel()
//	if err := fw.Shutdown(ctx); err != nil {
//	    log.Printf("shutdown error: %v", err)
//	}
package cfw
