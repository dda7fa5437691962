package cmd

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/zjrosen/probing/internal/config"
	"github.com/zjrosen/probing/internal/log"
	"github.com/zjrosen/probing/internal/otelexport"
	"github.com/zjrosen/probing/internal/storage"
	"github.com/zjrosen/probing/internal/storage/jsonl"
	"github.com/zjrosen/probing/internal/storage/sqlite"
)

// openSink builds the configured storage sink, mirrored into OpenTelemetry
// when enabled. The returned close func flushes and releases everything.
func openSink(c config.Config) (storage.Sink, func() error, error) {
	if err := c.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	var (
		sinks   storage.Multi
		closers []func() error
	)

	switch c.Storage.Driver {
	case config.DriverMemory:
		sinks = append(sinks, storage.NewMemory())
	case config.DriverJSONL:
		w, err := jsonl.NewWriter(c.Storage.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("opening jsonl sink: %w", err)
		}
		sinks = append(sinks, w)
		closers = append(closers, w.Close)
	default:
		db, err := sqlite.Open(c.Storage.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("opening sqlite sink: %w", err)
		}
		sinks = append(sinks, db)
		closers = append(closers, db.Close)
	}

	if c.OTel.Enabled {
		provider, err := otelexport.NewProvider(otelexport.Config{
			Enabled:      true,
			Exporter:     c.OTel.Exporter,
			OTLPEndpoint: c.OTel.OTLPEndpoint,
			SampleRate:   c.OTel.SampleRate,
			ServiceName:  c.OTel.ServiceName,
		})
		if err != nil {
			for _, cl := range closers {
				_ = cl()
			}
			return nil, nil, fmt.Errorf("creating otel provider: %w", err)
		}
		sinks = append(sinks, otelexport.NewBridge(provider.Tracer()))
		closers = append(closers, func() error {
			return provider.Shutdown(context.Background())
		})
		log.Info(log.CatOTel, "mirroring spans to OpenTelemetry", "exporter", c.OTel.Exporter)
	}

	closeAll := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	if len(sinks) == 1 {
		return sinks[0], closeAll, nil
	}
	return sinks, closeAll, nil
}

// counter tallies saved rows per table.
type counter struct {
	next storage.Sink

	mu     sync.Mutex
	counts map[string]int
	failed int
}

func newCounter(next storage.Sink) *counter {
	return &counter{next: next, counts: make(map[string]int)}
}

func (c *counter) Save(row storage.Row) error {
	err := c.next.Save(row)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.failed++
		return err
	}
	c.counts[row.Table()]++
	return nil
}

func (c *counter) count(table string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[table]
}
