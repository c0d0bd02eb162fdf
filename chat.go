package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"whos.app/bubble"
	"whos.app/config"
	"whos.app/relay"
)

const shutdownGrace = 30 * time.Second

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.Error().Err(err).Msg("whosapp exited")
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &cliOptions{}

	root := &cobra.Command{
		Use:           "whosapp",
		Short:         "Chat relay between the WhosApp widget and the analysis backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := setupLogging(cfg.Log, nil); err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg)
		},
	}
	opts.bindFlags(root)

	root.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}
			out, err := cfg.Redacted().Marshal()
			if err != nil {
				return errors.Wrap(err, "marshal config")
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})
	return root
}

// runServer serves HTTP, and DNS when a port is configured, until SIGINT or
// SIGTERM arrives or one of the listeners fails.
func runServer(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}

	backend, err := cfg.BackendURL()
	if err != nil {
		return err
	}
	renderer, err := bubble.New()
	if err != nil {
		return err
	}
	client, err := relay.NewClient(backend, &http.Client{Timeout: time.Duration(cfg.Backend.Timeout)})
	if err != nil {
		return err
	}

	srv := newChatServer(client, renderer, backend.Redacted())
	srv.dnsEnabled = cfg.DNS.Port > 0

	httpSrv := &http.Server{
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		return errors.Wrap(err, "http listen")
	}

	var dnsSrv *dns.Server
	if cfg.DNS.Port > 0 {
		dnsSrv = newDNSServer(fmt.Sprintf(":%d", cfg.DNS.Port), newDNSFrontend(client, cfg.DNS.Zone))
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("addr", ln.Addr().String()).
		Str("backend", backend.Redacted()).
		Msg("HTTP server listening")
	return serve(sigCtx, httpSrv, ln, dnsSrv, shutdownGrace)
}

// serve runs the listeners until ctx is done or one of them fails, then
// shuts every listener down. Requests still running after grace are cut
// off and the HTTP shutdown error is returned.
func serve(ctx context.Context, httpSrv *http.Server, ln net.Listener, dnsSrv *dns.Server, grace time.Duration) error {
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})

	// dnsReady closes once the DNS listener is up or has given up, so
	// shutdown never races a server that has not started yet.
	dnsReady := make(chan struct{})
	if dnsSrv != nil {
		var once sync.Once
		ready := func() { once.Do(func() { close(dnsReady) }) }
		dnsSrv.NotifyStartedFunc = ready
		eg.Go(func() error {
			defer ready()
			log.Info().Str("addr", dnsSrv.Addr).Msg("DNS server listening")
			if err := dnsSrv.ListenAndServe(); err != nil {
				return errors.Wrap(err, "dns server")
			}
			return nil
		})
	} else {
		close(dnsReady)
	}

	eg.Go(func() error {
		<-egCtx.Done()
		log.Info().Msg("shutting down gracefully...")
		base := context.WithoutCancel(ctx)

		httpCtx, cancel := context.WithTimeout(base, grace)
		defer cancel()
		httpErr := httpSrv.Shutdown(httpCtx)
		if httpErr != nil {
			log.Error().Err(httpErr).Msg("http server shutdown error")
			_ = httpSrv.Close()
		}

		if dnsSrv != nil {
			<-dnsReady
			dnsCtx, cancel := context.WithTimeout(base, grace)
			defer cancel()
			if err := dnsSrv.ShutdownContext(dnsCtx); err != nil {
				log.Warn().Err(err).Msg("dns server shutdown error")
			}
		}

		if httpErr != nil {
			return errors.Wrap(httpErr, "http server shutdown")
		}
		log.Info().Msg("server shutdown complete")
		return nil
	})

	return eg.Wait()
}
