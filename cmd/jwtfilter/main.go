// Command jwtfilter runs the JWT verification filter as a standalone
// reverse-proxying HTTP service: requests are checked against an
// Authenticated-User-Jwt header before being forwarded upstream.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bmizerany/pat"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/ScaleFT/envoy-filter-accessfabric/cache"
	"github.com/ScaleFT/envoy-filter-accessfabric/config"
	"github.com/ScaleFT/envoy-filter-accessfabric/filter"
	"github.com/ScaleFT/envoy-filter-accessfabric/jwks"
	"github.com/ScaleFT/envoy-filter-accessfabric/metrics"
	"github.com/ScaleFT/envoy-filter-accessfabric/verifier"
)

func main() {
	configPath := flag.String("config", "", "Path to the TOML service config.")
	flag.Parse()

	svcConf, err := config.LoadServiceConfig(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	if svcConf.LogJSON {
		log.SetFormatter(&log.JSONFormatter{})
	}
	if svcConf.FilterConfigPath == "" {
		log.Fatal("Must set filter-config-path in config")
	}

	filterConf, err := config.LoadFilterConfig(svcConf.FilterConfigPath)
	if err != nil {
		log.Fatal(err)
	}
	staticKeys, err := filterConf.Validate(svcConf.Clusters)
	if err != nil {
		log.Fatal(err)
	}

	stats := metrics.New()
	store := jwks.NewStore()

	var refresher *jwks.Refresher
	if len(staticKeys) > 0 {
		store.Publish(jwks.NewSnapshot(staticKeys))
		log.WithField("keys", len(staticKeys)).Info("jwtfilter: using static key set, refresher disabled")
	} else {
		clusterBase := svcConf.Clusters[filterConf.JWKSAPICluster]
		base, err := url.Parse(clusterBase)
		if err != nil {
			log.Fatalf("Invalid base url for cluster %s: %v", filterConf.JWKSAPICluster, err)
		}
		interval := time.Duration(filterConf.JWKSRefreshDelayMS) * time.Millisecond

		opts := []jwks.RefresherOption{jwks.WithStats(stats)}
		if svcConf.Redis.Address != "" {
			opts = append(opts, jwks.WithCache(cache.New(
				svcConf.Redis.Address, svcConf.Redis.Password,
				fmt.Sprintf("jwtfilter:jwks:%s", filterConf.JWKSAPICluster),
			)))
		}

		refresher = jwks.NewRefresher(store, base, filterConf.JWKSAPIPath, interval, opts...)
		ctx, cancel := context.WithCancel(context.Background())
		refresher.Start(ctx)
		defer cancel()
	}

	pipeline := verifier.New(verifier.Config{
		AllowedIssuer:    filterConf.Issuer,
		AllowedAudiences: filterConf.AudienceSet(),
	}, store, nil)
	jwtFilter := filter.New(pipeline, stats, svcConf.TraceHeader)

	upstream, err := url.Parse(svcConf.Upstream)
	if err != nil {
		log.Fatalf("Invalid upstream-base-url: %v", err)
	}
	proxy := httputil.NewSingleHostReverseProxy(upstream)
	root := &rootHandler{
		proxied: jwtFilter.Middleware(proxy),
		debug:   newDebugMux(store),
	}

	bindAddr := fmt.Sprintf("%s:%d", svcConf.BindHost, svcConf.BindPort)
	server := &http.Server{Addr: bindAddr, Handler: root}

	metricsAddr := fmt.Sprintf("%s:%d", svcConf.BindHost, svcConf.MetricsBindPort)
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: metricsAddr, Handler: metricsMux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warnf("metrics server error: %v", err)
		}
	}()

	go func() {
		signalChan := make(chan os.Signal, 1)
		signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
		<-signalChan
		log.Infoln("Signal received, stopping service.")
		if refresher != nil {
			refresher.Stop()
		}
		_ = metricsServer.Shutdown(context.Background())
		_ = server.Shutdown(context.Background())
	}()

	log.Printf("Starting jwtfilter on %s, metrics on %s.\n", bindAddr, metricsAddr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Warnf("Error shutting down service: %v\n", err)
	} else {
		log.Println("Server stopped")
	}
}

// rootHandler dispatches /healthz and /debug/* to the introspection mux and
// everything else to the filtered reverse proxy.
type rootHandler struct {
	proxied http.Handler
	debug   http.Handler
}

func (h *rootHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/healthz" || strings.HasPrefix(r.URL.Path, "/debug/") {
		h.debug.ServeHTTP(w, r)
	} else {
		h.proxied.ServeHTTP(w, r)
	}
}

// newDebugMux builds the introspection endpoints: a liveness check and a
// snapshot key-id listing (kids only, never key material).
func newDebugMux(store *jwks.Store) http.Handler {
	mux := pat.New()
	mux.Get("/healthz", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	mux.Get("/debug/jwks", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		for _, kid := range store.Current().Kids() {
			fmt.Fprintln(w, kid)
		}
	}))
	return mux
}
