package app

import (
	"go.uber.org/zap"

	"tripsync/internal/broker"
	"tripsync/internal/config"
	"tripsync/internal/service"
)

// NewPublisher returns the trip event publisher and its close function.
// Without a RabbitMQ URL, or when the broker cannot be reached at startup,
// events go to the log.
func NewPublisher(cfg config.RabbitMQConfig, logger *zap.Logger) (service.Publisher, func() error) {
	noop := func() error { return nil }

	if cfg.URL == "" {
		return service.NewLogPublisher(logger), noop
	}

	publisher, err := broker.NewRabbitPublisher(cfg.URL, cfg.Exchange, logger)
	if err != nil {
		logger.Warn("rabbitmq unavailable, logging events instead", zap.Error(err))
		return service.NewLogPublisher(logger), noop
	}

	logger.Info("publishing trip events to rabbitmq", zap.String("exchange", cfg.Exchange))
	return publisher, publisher.Close
}
