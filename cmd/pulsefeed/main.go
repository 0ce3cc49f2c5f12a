package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banshee-data/pulsefeed/internal/calibration"
	"github.com/banshee-data/pulsefeed/internal/collator"
	"github.com/banshee-data/pulsefeed/internal/config"
	"github.com/banshee-data/pulsefeed/internal/liveness"
	"github.com/banshee-data/pulsefeed/internal/monitoring"
	"github.com/banshee-data/pulsefeed/internal/network"
	"github.com/banshee-data/pulsefeed/internal/output"
	"github.com/banshee-data/pulsefeed/internal/pipeline"
	"github.com/banshee-data/pulsefeed/internal/pulse"
	"github.com/banshee-data/pulsefeed/internal/queue"
	"github.com/banshee-data/pulsefeed/internal/reformat"
	"github.com/banshee-data/pulsefeed/internal/version"
)

var (
	configPath     = flag.String("config", config.DefaultConfigPath, "Path to the YAML configuration file")
	listen         = flag.String("listen", "", "UDP listen address (overrides listen_address)")
	httpAddr       = flag.String("http", "", "Debug HTTP address (overrides http_address)")
	backend        = flag.String("queue", "", "Queue backend: sqlite, mqtt or memory (overrides queue.backend)")
	replayPath     = flag.String("replay", "", "Replay datagrams from a PCAP file instead of listening")
	replayRealtime = flag.Bool("replay-realtime", false, "Pace PCAP replay by capture timestamps")
	replaySpeed    = flag.Float64("replay-speed", 1.0, "Speed multiplier for realtime replay")
	showVersion    = flag.Bool("version", false, "Print version and exit")
)

// applyFlags copies explicitly set command-line overrides into cfg.
func applyFlags(cfg *config.Config) {
	if *listen != "" {
		cfg.ListenAddress = listen
	}
	if *httpAddr != "" {
		cfg.HTTPAddress = httpAddr
	}
	if *backend != "" {
		cfg.Queue.Backend = backend
	}
}

// downstream is the queue the assembler writes to, plus its lifecycle.
type downstream struct {
	output.Writer
	io.Closer
	attach func(mux *http.ServeMux) error
}

func openQueue(cfg *config.Config) (*downstream, error) {
	switch cfg.GetQueueBackend() {
	case config.BackendSQLite:
		q, err := queue.OpenSQLite(cfg.GetSQLitePath())
		if err != nil {
			return nil, err
		}
		return &downstream{Writer: q, Closer: q, attach: q.AttachAdminRoutes}, nil
	case config.BackendMQTT:
		s, err := queue.NewMQTTSink(queue.MQTTConfig{
			Broker:      cfg.GetMQTTBroker(),
			TopicPrefix: cfg.GetMQTTTopic(),
			Username:    cfg.GetMQTTUsername(),
			Password:    cfg.GetMQTTPassword(),
			QoS:         cfg.GetMQTTQoS(),
			Timeout:     cfg.GetMQTTTimeout(),
		})
		if err != nil {
			return nil, err
		}
		return &downstream{Writer: s, Closer: s}, nil
	case config.BackendMemory:
		q := queue.NewMemoryQueue()
		return &downstream{Writer: q, Closer: q}, nil
	}
	return nil, fmt.Errorf("unknown queue backend %q", cfg.GetQueueBackend())
}

func loadCalibration(cfg *config.Config) (calibration.Set, error) {
	return calibration.LoadSet(map[pulse.Band]string{
		pulse.BandA: cfg.GetCalibrationBandA(),
		pulse.BandB: cfg.GetCalibrationBandB(),
	})
}

// newMux builds the debug HTTP routes: Prometheus metrics, liveness and
// the queue's admin pages when the backend has any.
func newMux(reg *prometheus.Registry, health *liveness.Health, q *downstream) (*http.ServeMux, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(health.Snapshot()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	if q.attach != nil {
		if err := q.attach(mux); err != nil {
			return nil, err
		}
	}
	return mux, nil
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	cal, err := loadCalibration(cfg)
	if err != nil {
		log.Fatalf("failed to load calibration: %v", err)
	}

	q, err := openQueue(cfg)
	if err != nil {
		log.Fatalf("failed to open %s queue: %v", cfg.GetQueueBackend(), err)
	}
	defer q.Close()

	stats := monitoring.NewPipelineStats()
	health := liveness.NewHealth(cfg.GetStaleAfter())
	buf := pipeline.NewBuffer(cfg.GetBufferCapacity())
	store := pulse.NewStore()
	coll := collator.New(cfg.GetCollatorMaxQueue(), store)

	assembler := output.NewAssembler(q, output.Options{
		BatchSize: cfg.GetBatchSize(),
		Compress:  cfg.GetCompress(),
	}, stats)
	reformatter := reformat.New(cal, reformat.Options{
		InfoInterval: cfg.GetInfoInterval(),
		PRTTolerance: cfg.GetPRTTolerance(),
		ScaleSamples: cfg.GetScaleSamples(),
	})
	dispatcher := pipeline.NewDispatcher(buf, store, coll,
		pipeline.NewRecordPublisher(reformatter, assembler, stats), stats,
		pipeline.DispatcherOptions{
			PollInterval: cfg.GetPollInterval(),
			FlushTimeout: cfg.GetFlushTimeout(),
			Liveness:     health,
		})
	log.Printf("%s starting, run %s, %s queue", version.String(), assembler.RunID(), cfg.GetQueueBackend())

	readerConfig := network.ReaderConfig{
		Address:        cfg.GetListenAddress(),
		MulticastGroup: cfg.GetMulticastGroup(),
		Interface:      cfg.GetInterface(),
		RcvBuf:         cfg.GetRcvBuf(),
		ReadTimeout:    cfg.GetReadTimeout(),
		RetryInterval:  cfg.GetRetryInterval(),
		Sink:           buf,
		Stats:          stats,
		Liveness:       health,
	}
	if addr := cfg.GetForwardAddress(); addr != "" {
		fwd, err := network.NewForwarder(addr, stats, cfg.GetStatsInterval())
		if err != nil {
			log.Fatalf("failed to create forwarder: %v", err)
		}
		defer fwd.Close()
		readerConfig.Forwarder = fwd
	}
	if path := cfg.GetCapturePath(); path != "" {
		f, err := os.Create(path)
		if err != nil {
			log.Fatalf("failed to create capture file: %v", err)
		}
		defer f.Close()
		capture, err := network.NewPCAPWriter(f)
		if err != nil {
			log.Fatalf("failed to start capture: %v", err)
		}
		readerConfig.Capture = capture
		log.Printf("capturing datagrams to %s", path)
	}
	reader := network.NewReader(readerConfig)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := monitoring.RegisterMetrics(reg, monitoring.MetricsSource{
		Stats:              stats,
		BufferDepth:        func() float64 { return float64(buf.Len()) },
		CollatorDepth:      func(i int) float64 { return float64(coll.Len(i)) },
		CollatorDiscards:   func() float64 { return float64(coll.Discards()) },
		CollatorHighWater:  func() float64 { return float64(coll.HighWaterMark()) },
		CollatorMismatches: func() float64 { return float64(coll.Mismatches()) },
		LivePulseCopies:    func() float64 { return float64(store.Live()) },
	}); err != nil {
		log.Fatalf("failed to register metrics: %v", err)
	}

	// Create a wait group for the reader, dispatcher and service routines
	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The dispatcher gets its own context so that replay can let it drain
	// the buffer after the producer is done.
	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	defer stopDispatch()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := dispatcher.Run(dispatchCtx); err != nil {
			log.Printf("dispatcher shutdown: %v", err)
		}
		log.Print("dispatcher routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer stopDispatch()
		if *replayPath != "" {
			replay(ctx, reader, buf)
			return
		}
		if err := reader.Run(ctx); err != nil {
			log.Printf("reader error: %v", err)
		}
		log.Print("reader routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		reporter := monitoring.NewReporter(stats)
		ticker := time.NewTicker(cfg.GetStatsInterval())
		defer ticker.Stop()
		for {
			select {
			case <-dispatchCtx.Done():
				reporter.LogStats()
				return
			case <-ticker.C:
				reporter.LogStats()
				cs := coll.Stats()
				if cs.Discards != [collator.NumQueues]int64{} || cs.Mismatches > 0 {
					log.Printf("collator: depth %v, discards %v, high water %v, mismatches %d",
						cs.Depth, cs.Discards, cs.HighWaterMark, cs.Mismatches)
				}
			}
		}
	}()

	if addr := cfg.GetHealthAddress(); addr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			go health.Watch(dispatchCtx, time.Second)
			if err := health.Serve(dispatchCtx, addr); err != nil {
				log.Printf("health server error: %v", err)
			}
		}()
	}

	if addr := cfg.GetHTTPAddress(); addr != "" {
		mux, err := newMux(reg, health, q)
		if err != nil {
			log.Fatalf("failed to attach admin routes: %v", err)
		}
		server := &http.Server{Addr: addr, Handler: mux}

		wg.Add(1)
		go func() {
			defer wg.Done()
			go func() {
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Printf("HTTP server error: %v", err)
				}
			}()
			log.Printf("debug HTTP server listening on %s", addr)

			<-dispatchCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Printf("HTTP server shutdown error: %v", err)
			}
		}()
	}

	wg.Wait()
	log.Printf("pulsefeed stopped: %d messages written, %d failed", stats.Messages.Load(), stats.WriteFailures.Load())
}

// replay feeds a PCAP file through the reader's validation path and waits
// for the dispatcher to empty the buffer.
func replay(ctx context.Context, reader *network.Reader, buf *pipeline.Buffer) {
	f, err := os.Open(*replayPath)
	if err != nil {
		log.Printf("failed to open replay file: %v", err)
		return
	}
	defer f.Close()

	// Paced replay behaves like the live socket and sheds on a full buffer.
	// Unpaced replay waits for room so no datagram in the file is lost.
	handle := reader.Handle
	if !*replayRealtime {
		handle = func(b []byte) { reader.HandleWait(ctx, b) }
	}
	n, err := network.ReplayPCAP(ctx, f, network.ReplayOptions{
		Realtime:        *replayRealtime,
		SpeedMultiplier: *replaySpeed,
	}, handle)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("replay failed after %d datagrams: %v", n, err)
	}
	if d := buf.Dropped(); d > 0 {
		log.Printf("replay: %d datagrams dropped on a full buffer", d)
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for buf.Len() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
