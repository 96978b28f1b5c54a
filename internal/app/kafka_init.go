package app

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/storefront/internal/health"
	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
)

// kafkaRuntime — producer для outbox/DLQ и consumer платёжных событий.
type kafkaRuntime struct {
	brokers   []string
	producer  *kafka.Producer
	publisher domain.OutboxPublisher
	dlq       domain.OutboxPublisher
	consumer  *kafka.Consumer
}

// initKafka подключается к брокерам, если они заданы.
// Возвращает nil, nil при пустом списке брокеров. Ошибка consumer'а
// не фатальна: платежи продолжат приходить через webhook и poller.
func initKafka(cfg Config, applier kafka.PaymentApplier, logger *log.Entry) (*kafkaRuntime, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, nil
	}

	producer, err := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaClientID)
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka producer, continuing without kafka")
		return nil, err
	}
	logger.WithField("brokers", cfg.KafkaBrokers).Info("kafka producer initialized")

	rt := &kafkaRuntime{
		brokers:   cfg.KafkaBrokers,
		producer:  producer,
		publisher: kafka.NewOutboxPublisher(producer, ""),
		dlq:       kafka.NewDLQPublisher(producer),
	}

	if applier != nil {
		handler := kafka.NewPaymentEventHandler(applier, logger.WithField("layer", "kafka-payments"))
		consumer, err := kafka.NewConsumerWithDLQ(
			cfg.KafkaBrokers,
			cfg.KafkaConsumerGroup,
			[]string{kafka.TopicPaymentEvents},
			handler,
			producer,
			cfg.KafkaMaxRetries,
		)
		if err != nil {
			logger.WithError(err).Warn("failed to create payment events consumer")
		} else {
			rt.consumer = consumer
		}
	}
	return rt, nil
}

// startConsumer запускает consumer и останавливает его после отмены ctx.
func (rt *kafkaRuntime) startConsumer(ctx context.Context, logger *log.Entry) error {
	if rt == nil || rt.consumer == nil {
		return nil
	}
	if err := rt.consumer.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	if err := rt.consumer.Stop(); err != nil {
		logger.WithError(err).Warn("failed to stop kafka consumer")
	}
	return nil
}

func (rt *kafkaRuntime) registerHealthCheck(h *healthcheck.Handler) {
	if rt == nil {
		return
	}
	brokers := rt.brokers
	h.RegisterChecker("kafka", healthcheck.NewSoftChecker("kafka", func(context.Context) error {
		return kafka.Ping(brokers)
	}))
}

// closeKafka закрывает Kafka producer если он не nil.
func closeKafka(rt *kafkaRuntime, logger *log.Entry) {
	if rt == nil || rt.producer == nil {
		return
	}

	if err := rt.producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
	} else {
		logger.Info("kafka producer closed")
	}
}
