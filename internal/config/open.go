package config

import (
	"context"
	"fmt"
	"os"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/discochess/pitfall/internal/analysis"
	"github.com/discochess/pitfall/internal/cache"
	"github.com/discochess/pitfall/internal/codec"
	"github.com/discochess/pitfall/internal/codec/gzipcodec"
	"github.com/discochess/pitfall/internal/codec/noopcodec"
	"github.com/discochess/pitfall/internal/codec/zstdcodec"
	"github.com/discochess/pitfall/internal/dispatch"
	"github.com/discochess/pitfall/internal/dispatch/lambdainvoker"
	"github.com/discochess/pitfall/internal/dispatch/localinvoker"
	"github.com/discochess/pitfall/internal/dispatch/natsinvoker"
	"github.com/discochess/pitfall/internal/jobstore"
	"github.com/discochess/pitfall/internal/jobstore/dynamojobstore"
	"github.com/discochess/pitfall/internal/jobstore/memjobstore"
	"github.com/discochess/pitfall/internal/jobstore/redisjobstore"
	"github.com/discochess/pitfall/internal/stats"
	"github.com/discochess/pitfall/internal/store"
	"github.com/discochess/pitfall/internal/store/cachedstore"
	"github.com/discochess/pitfall/internal/store/cachedstore/cachestrategy/lru"
	"github.com/discochess/pitfall/internal/store/cachedstore/memory"
	"github.com/discochess/pitfall/internal/store/diskstore"
	"github.com/discochess/pitfall/internal/store/gcsstore"
	"github.com/discochess/pitfall/internal/store/memstore"
	"github.com/discochess/pitfall/internal/store/s3store"
	"github.com/discochess/pitfall/internal/uci"
	"github.com/discochess/pitfall/internal/worker"
)

// OpenJobStore connects the configured job store.
func (c *Config) OpenJobStore(ctx context.Context) (jobstore.Store, error) {
	switch c.JobStore.Driver {
	case DriverMemory:
		return memjobstore.New(), nil
	case DriverRedis:
		return redisjobstore.Dial(ctx, c.JobStore.RedisURL, redisjobstore.WithPrefix(c.JobStore.KeyPrefix))
	case DriverDynamoDB:
		return dynamojobstore.Open(ctx, c.JobStore.Table, c.AWS.Region, c.AWS.Endpoint)
	default:
		return nil, fmt.Errorf("%w: unknown jobstore.driver %q", ErrInvalid, c.JobStore.Driver)
	}
}

// Codec returns the configured cache codec.
func (c *Config) Codec() codec.Codec {
	switch c.Cache.Codec {
	case "gzip":
		return gzipcodec.New()
	case "none":
		return noopcodec.New()
	default:
		return zstdcodec.New()
	}
}

// OpenCache opens the configured analysis cache. It returns nil without
// error when the cache is disabled.
func (c *Config) OpenCache(ctx context.Context, collector stats.Collector, logger *zap.Logger) (*cache.Cache, error) {
	var (
		s   store.Store
		err error
	)
	switch c.Cache.Driver {
	case DriverNone:
		return nil, nil
	case DriverMemory:
		s = memstore.New()
	case DriverDisk:
		if err := os.MkdirAll(c.Cache.Path, 0o755); err != nil {
			return nil, fmt.Errorf("creating cache directory: %w", err)
		}
		s, err = diskstore.New(c.Cache.Path, c.Codec())
	case DriverS3:
		s, err = s3store.New(ctx, c.Cache.Bucket, c.Codec(),
			s3store.WithPrefix(c.Cache.Prefix),
			s3store.WithRegion(c.AWS.Region),
			s3store.WithEndpoint(c.AWS.Endpoint),
		)
	case DriverGCS:
		s, err = gcsstore.New(ctx, c.Cache.Bucket, c.Codec(), gcsstore.WithPrefix(c.Cache.Prefix))
	default:
		return nil, fmt.Errorf("%w: unknown cache.driver %q", ErrInvalid, c.Cache.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s cache: %w", c.Cache.Driver, err)
	}

	if c.Cache.LRUSize > 0 && c.Cache.Driver != DriverMemory {
		strategy, err := lru.New(c.Cache.LRUSize)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("creating lru tier: %w", err)
		}
		s = cachedstore.New(s, memory.New(strategy, collector))
	}

	return cache.New(s,
		cache.WithStats(collector),
		cache.WithLogger(logger),
		cache.WithTimeout(c.Cache.Timeout),
	), nil
}

// Analyzer builds the mistake detector.
func (c *Config) Analyzer(collector stats.Collector, logger *zap.Logger) *analysis.Analyzer {
	return analysis.New(
		analysis.WithWindow(c.Analysis.Window),
		analysis.WithThreshold(c.Analysis.Threshold),
		analysis.WithStats(collector),
		analysis.WithLogger(logger),
	)
}

// EngineFactory starts the configured UCI engine.
func (c *Config) EngineFactory(logger *zap.Logger) worker.EngineFactory {
	return worker.UCIFactory(c.Engine.Path,
		uci.WithDepth(c.Engine.Depth),
		uci.WithThreads(c.Engine.Threads),
		uci.WithHash(c.Engine.Hash),
		uci.WithStartupTimeout(c.Engine.StartupTimeout),
		uci.WithLogger(logger),
	)
}

// OpenInvoker builds the configured batch transport. handler runs batches
// in process for the local invoker and is ignored otherwise. The returned
// function releases the transport once dispatching has stopped; for the
// local invoker it cancels batches still running.
func (c *Config) OpenInvoker(ctx context.Context, handler dispatch.Handler, logger *zap.Logger) (dispatch.Invoker, func(), error) {
	switch c.Dispatch.Invoker {
	case InvokerLocal:
		iv := localinvoker.New(handler,
			localinvoker.WithConcurrency(c.Dispatch.LocalWorkers),
			localinvoker.WithLogger(logger),
		)
		return iv, iv.Stop, nil
	case InvokerLambda:
		iv, err := lambdainvoker.Open(ctx, c.Dispatch.LambdaFunction, c.AWS.Region, lambdainvoker.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return iv, func() {}, nil
	case InvokerNATS:
		nc, err := c.ConnectNATS()
		if err != nil {
			return nil, nil, err
		}
		return natsinvoker.New(nc, c.Dispatch.NATSSubject), func() { _ = nc.Drain() }, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown dispatch.invoker %q", ErrInvalid, c.Dispatch.Invoker)
	}
}

// ConnectNATS dials the configured NATS server.
func (c *Config) ConnectNATS() (*nats.Conn, error) {
	nc, err := nats.Connect(c.Dispatch.NATSURL, nats.Name("pitfall"))
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", c.Dispatch.NATSURL, err)
	}
	return nc, nil
}
