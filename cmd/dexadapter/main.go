package main

import (
	"context"
	"flag"
	"os"
	"sync/atomic"

	"github.com/grafana/pyroscope-go"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"
	"golang.org/x/sync/errgroup"

	"dexadapter/internal/dex"
	"dexadapter/internal/model"
	"dexadapter/internal/model/enum"
	"dexadapter/internal/obs"
	"dexadapter/internal/ops"
	"dexadapter/internal/recorder"
	"dexadapter/internal/sink"
)

func main() {
	if err := run(); err != nil {
		logs.Errorf("dexadapter exited, err: %+v", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "Path to YAML or JSON config")
	profileAddr := flag.String("pyroscope", "", "Pyroscope server address (empty=disable)")
	flag.Parse()

	loaded, err := ops.Load(*configPath)
	if err != nil {
		return err
	}

	if *profileAddr != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "dexadapter",
			ServerAddress:   *profileAddr,
			Tags:            map[string]string{"venue": loaded.Adapter.Venue},
			Logger:          profileLogger{},
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			return err
		}
		defer func() {
			_ = profiler.Stop()
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cache, closeCache, err := ops.OpenCache(ctx, loaded.Cache)
	if err != nil {
		return err
	}
	defer closeCache()

	metrics := obs.NewMetrics()
	adapter := dex.New(dex.Option{Config: loaded.Adapter, Cache: cache, Metrics: metrics})

	sinks := []sink.Sink{sink.LogSink{}}
	if len(loaded.Sink.KafkaBrokers) > 0 {
		sinks = append(sinks, sink.NewKafkaSink(loaded.Sink.KafkaBrokers, loaded.Sink.KafkaTopic))
	}
	if loaded.Journal != nil {
		journal, err := recorder.NewWriter(*loaded.Journal)
		if err != nil {
			return err
		}
		if err := journal.Start(ctx); err != nil {
			return err
		}
		sinks = append(sinks, journal)
	}
	down := &statusWatch{lost: make(chan string, 1)}
	sinks = append(sinks, down)
	defer func() {
		if err := sink.CloseAll(sinks...); err != nil {
			logs.Errorf("close sinks, err: %+v", err)
		}
	}()

	if err := adapter.Connect(ctx); err != nil {
		return err
	}
	for _, sub := range loaded.Subscriptions {
		for _, ch := range sub.Channels {
			if err := adapter.Subscribe(sub.Instrument, ch); err != nil {
				logs.Errorf("subscribe %s %s, err: %+v", sub.Instrument, ch, err)
			}
		}
	}

	eg := errgroup.Group{}
	eg.Go(func() error {
		return sink.Pump(ctx, adapter.Events(), sinks...)
	})
	eg.Go(func() error {
		select {
		case <-sys.Shutdown():
			logs.Info("shutdown requested")
		case reason := <-down.lost:
			logs.Errorf("venue lost, reason: %s", reason)
		}
		down.stopping.Store(true)
		return adapter.Disconnect()
	})
	err = eg.Wait()

	snap := adapter.Metrics()
	logs.Infof("metrics: %+v", snap)
	return err
}

// statusWatch ends the process when the worker reports the venue lost
// outside of a requested shutdown.
type statusWatch struct {
	lost     chan string
	stopping atomic.Bool
}

func (w *statusWatch) Write(_ context.Context, e model.Event) error {
	if e.Kind != enum.EventVenueStatus || e.Status.Status != enum.ConnStatusDisconnected || w.stopping.Load() {
		return nil
	}
	select {
	case w.lost <- e.Status.Reason:
	default:
	}
	return nil
}

func (w *statusWatch) Close() error { return nil }

type profileLogger struct{}

func (profileLogger) Infof(_ string, _ ...interface{})  {}
func (profileLogger) Debugf(_ string, _ ...interface{}) {}
func (profileLogger) Errorf(format string, args ...interface{}) {
	logs.Errorf("pyroscope: "+format, args...)
}
