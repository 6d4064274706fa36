// Command pitfall-lambda analyzes one batch per AWS Lambda invocation.
//
// The function is invoked asynchronously by the lambda invoker with a
// batch command as its payload. Configuration comes from PITFALL_*
// environment variables and, when PITFALL_CONFIG names one, a config file.
package main

import (
	"context"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/discochess/pitfall/fx/pitfallfx"
	"github.com/discochess/pitfall/internal/config"
	"github.com/discochess/pitfall/internal/dispatch"
	"github.com/discochess/pitfall/internal/worker"
)

var (
	w      *worker.Worker
	logger *zap.Logger
)

// HandleRequest runs the batch. A failed batch is already recorded in the
// job store, so it is reported as success to keep Lambda from retrying it.
func HandleRequest(ctx context.Context, cmd dispatch.Command) error {
	log := logger.With(zap.String("jobID", cmd.JobID), zap.Int("batch", cmd.BatchIndex))
	if err := w.Run(ctx, cmd); err != nil {
		log.Error("batch failed", zap.Error(err))
		return nil
	}
	log.Info("batch done", zap.Int("games", len(cmd.Games)))
	return nil
}

func main() {
	var err error
	logger, err = zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load(viper.New(), os.Getenv("PITFALL_CONFIG"))
	if err != nil {
		logger.Fatal("loading config", zap.Error(err))
	}

	app := fx.New(
		fx.Supply(cfg, logger),
		fx.NopLogger,
		pitfallfx.Module,
		fx.Populate(&w),
	)
	if err := app.Start(context.Background()); err != nil {
		logger.Fatal("starting worker", zap.Error(err))
	}

	lambda.Start(HandleRequest)
}
