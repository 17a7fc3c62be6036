package cmd

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"

	"github.com/bsm/openmetrics"
	"github.com/bsm/openmetrics/omhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	flagDebug       = flag.Bool("debug", false, "Set log level to debug")
	flagConsole     = flag.Bool("console", false, "Log human readable instead of JSON")
	flagMetricsHTTP = flag.String("metricsHTTP", "", "Address of a http server serving metrics under /metrics")
)

// CommonInit parses the flags, sets up logging and starts the http server
// when -metricsHTTP is set. Further handlers can be added to the returned mux.
func CommonInit(ctx context.Context) *http.ServeMux {
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *flagDebug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	if *flagConsole {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", omhttp.NewHandler(openmetrics.DefaultRegistry()))

	// Metrics HTTP endpoint
	if *flagMetricsHTTP != `` {
		var lc net.ListenConfig
		ln, err := lc.Listen(ctx, "tcp", *flagMetricsHTTP)
		if err != nil {
			log.Fatal().Err(err).Str("addr", *flagMetricsHTTP).Msg("Listen on http failed")
		}

		srv := &http.Server{Handler: mux}
		go func() {
			<-ctx.Done()
			_ = srv.Close()
		}()
		go func() {
			err := srv.Serve(ln)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatal().Err(err).Msg("http server failed")
			}
		}()
	}
	return mux
}
