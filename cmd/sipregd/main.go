package main

import (
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"runtime"
	"strings"

	_ "net/http/pprof"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sipwire/sipwire"
)

func main() {
	debflag := flag.Bool("debug", false, "")
	pprof := flag.Bool("pprof", false, "Full profile")
	extIP := flag.String("ip", "127.0.0.1:5060", "Listen address")
	transportType := flag.String("t", "udp", "Transport: udp, tcp")
	httpAddr := flag.String("http", ":8080", "Metrics and health endpoint")
	proxy := flag.String("proxy", "", "Outgoing proxy, e.g. udp:10.0.0.1:5060")
	domains := flag.String("domains", "", "Comma separated AOR domain whitelist")
	minExpires := flag.Uint("min-expires", 60, "Minimum accepted registration expiry seconds")
	maxExpires := flag.Uint("max-expires", 3600, "Maximum granted registration expiry seconds")
	flag.Parse()

	if *pprof {
		runtime.SetBlockProfileRate(1)
		runtime.SetMutexProfileFraction(1)
		runtime.MemProfileRate = 64
	}

	log.Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "2006-01-02 15:04:05.000",
	}).With().Timestamp().Logger().Level(zerolog.InfoLevel)

	if *debflag {
		log.Logger = log.Logger.Level(zerolog.DebugLevel)
	}

	log.Info().Int("cpus", runtime.NumCPU()).Msg("Runtime")
	go httpServer(*httpAddr)

	opts := []sipwire.DispatcherOption{
		sipwire.WithListenAddr(*transportType + ":" + *extIP),
	}
	if *proxy != "" {
		opts = append(opts, sipwire.WithOutgoingProxy(*proxy))
	}

	disp, err := sipwire.NewDispatcher(opts...)
	if err != nil {
		log.Error().Err(err).Msg("Fail to construct dispatcher")
		return
	}

	regOpts := []sipwire.RegistrarOption{
		sipwire.WithExpiryBounds(uint32(*minExpires), uint32(*maxExpires)),
	}
	if *domains != "" {
		regOpts = append(regOpts, sipwire.WithRegistrarDomains(strings.Split(*domains, ",")...))
	}
	disp.SetReceiver(sipwire.NewRegistrar(disp, regOpts...))

	log.Info().Str("addr", *extIP).Str("transport", *transportType).Msg("Registrar listening")
	disp.Serve()
}

func httpServer(address string) {
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("Alive"))
	})

	http.HandleFunc("/mem", func(w http.ResponseWriter, r *http.Request) {
		runtime.GC()
		stats := &runtime.MemStats{}
		runtime.ReadMemStats(stats)
		data, _ := json.MarshalIndent(stats, "", "  ")
		w.WriteHeader(200)
		w.Write(data)
	})

	log.Info().Msgf("Http server started address=%s", address)
	http.ListenAndServe(address, nil)
}
