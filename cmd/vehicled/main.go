// Command vehicled runs the tractor's control daemon: a mutually
// authenticated WebSocket channel for remote controllers, plus the
// provisioning and monitoring HTTP surface.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fieldlink/fieldlink/internal/broadcast"
	"github.com/fieldlink/fieldlink/internal/bus"
	"github.com/fieldlink/fieldlink/internal/config"
	"github.com/fieldlink/fieldlink/internal/dispatch"
	"github.com/fieldlink/fieldlink/internal/registry"
	"github.com/fieldlink/fieldlink/internal/security"
	"github.com/fieldlink/fieldlink/internal/status"
	"github.com/fieldlink/fieldlink/internal/store"
	"github.com/fieldlink/fieldlink/internal/version"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	addr := flag.String("addr", "", "Control listen address (overrides config)")
	enrollAddr := flag.String("enroll-addr", ":8444", "Provisioning listen address")
	dataDir := flag.String("data", "", "Data directory (overrides config)")
	newCode := flag.String("new-code", "", "Create an enrollment code of the given type (attended|unattended), print it, and exit")
	codeLabel := flag.String("label", "", "Label for -new-code")
	flag.Parse()

	log.Printf("vehicled v%s (built %s)", version.Version, version.BuildTime)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Config: %v", err)
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		log.Fatalf("Data directory: %v", err)
	}

	db, err := store.NewSQLiteStore(filepath.Join(cfg.DataDir, "fieldlink.db"))
	if err != nil {
		log.Fatalf("Database: %v", err)
	}
	defer db.Close() //nolint:errcheck

	if *newCode != "" {
		createCode(db, *newCode, *codeLabel)
		return
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	platform, err := security.LoadOrCreatePlatform(cfg.DataDir)
	if err != nil {
		log.Fatalf("Vehicle identity: %v", err)
	}
	log.Printf("Vehicle fingerprint: %s", platform.Fingerprint())

	encKey, err := security.LoadOrCreateEncryptionKey(cfg.DataDir)
	if err != nil {
		log.Fatalf("Vehicle encryption key: %v", err)
	}

	ca, err := security.LoadOrCreateCA(cfg.DataDir)
	if err != nil {
		log.Fatalf("Certificate authority: %v", err)
	}

	caPEM, err := ca.CertPEM()
	if err != nil {
		log.Fatalf("CA certificate: %v", err)
	}
	trust, err := security.NewTrustStore(caPEM)
	if err != nil {
		log.Fatalf("Trust store: %v", err)
	}

	eventBus := bus.New()
	sessions := security.NewSessionManager(cfg.SessionTTL.Std())
	auth := security.NewCommandAuthenticator(platform, cfg.StalenessWindow.Std())
	aggregator := status.NewAggregator(cfg.StatusCacheTTL.Std(), cfg.StatusFetchTimeout.Std(), logger)
	for _, subsystem := range status.Subsystems {
		aggregator.Register(subsystem, status.Simulated(subsystem))
	}

	srv := &Server{
		cfg:       cfg,
		platform:  platform,
		encKey:    encKey,
		ca:        ca,
		trust:     trust,
		sessions:  sessions,
		auth:      auth,
		registry:  registry.New(),
		scheduler: broadcast.NewScheduler(cfg.BatchWindow.Std(), cfg.CompressionThreshold, auth, logger),
		bus:       eventBus,
		store:     db,
		logger:    logger,
	}
	srv.dispatcher = dispatch.New(
		sessions, auth, bus.NewRedundantPublisher(eventBus), aggregator, db, logger,
		encKey, cfg.MaxSpeed, cfg.AuthFailureLimit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go srv.scheduler.Run(ctx)
	go srv.runSweeps(ctx)
	go srv.runRebroadcast(ctx)
	go status.NewEventSource(eventBus.Publish, 5*time.Second).Run(ctx)

	// Control listener: mutual TLS, client certificate required before
	// any application message.
	controlMux := http.NewServeMux()
	controlMux.HandleFunc("/ws", srv.handleControl)
	controlMux.HandleFunc("/api/enrollment-codes", srv.handleEnrollmentCodes)
	controlMux.HandleFunc("/api/controllers", srv.handleControllers)
	controlMux.HandleFunc("/api/security-events", srv.handleSecurityEvents)

	tlsCfg, err := ca.ServerTLSConfig()
	if err != nil {
		log.Fatalf("TLS: %v", err)
	}
	controlSrv := &http.Server{
		Addr:      cfg.ListenAddr,
		Handler:   controlMux,
		TLSConfig: tlsCfg,
	}

	// Provisioning listener: server-auth TLS only; enrolling controllers
	// have no certificate yet.
	enrollMux := http.NewServeMux()
	enrollMux.HandleFunc("/enroll", srv.handleEnroll)
	enrollSrv := &http.Server{
		Addr:      *enrollAddr,
		Handler:   enrollMux,
		TLSConfig: enrollTLSConfig(tlsCfg),
	}

	go func() {
		log.Printf("Control channel listening on %s (mTLS)", cfg.ListenAddr)
		if err := controlSrv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Control listener: %v", err)
		}
	}()
	go func() {
		log.Printf("Provisioning listening on %s", *enrollAddr)
		if err := enrollSrv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Provisioning listener: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = controlSrv.Shutdown(shutdownCtx)
	_ = enrollSrv.Shutdown(shutdownCtx)
}

// enrollTLSConfig derives the provisioning listener's TLS config from the
// control config: same server certificate, no client certificate demand.
func enrollTLSConfig(base *tls.Config) *tls.Config {
	cfg := base.Clone()
	cfg.ClientAuth = tls.NoClientCert
	cfg.ClientCAs = nil
	return cfg
}

func createCode(db store.Store, codeType, label string) {
	rec, display, err := security.GenerateEnrollmentCode(codeType, label)
	if err != nil {
		log.Fatalf("Enrollment code: %v", err)
	}
	if err := db.CreateEnrollmentCode(context.Background(), rec); err != nil {
		log.Fatalf("Store enrollment code: %v", err)
	}
	fmt.Printf("Enrollment code (%s, expires %s):\n\n  %s\n\n",
		rec.Type, rec.ExpiresAt.Format(time.RFC3339), display)
}
