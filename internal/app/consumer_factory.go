package app

import (
	"context"

	"github.com/IBM/sarama"

	"github.com/demogorgon1860/smmpanel/internal/alert"
	"github.com/demogorgon1860/smmpanel/internal/consumer"
	"github.com/demogorgon1860/smmpanel/internal/domain"
	"github.com/demogorgon1860/smmpanel/internal/messaging/kafka"
	"github.com/demogorgon1860/smmpanel/internal/metrics"
	"github.com/demogorgon1860/smmpanel/internal/retry"
	"github.com/demogorgon1860/smmpanel/internal/service/dedup"
	"github.com/demogorgon1860/smmpanel/internal/service/fraud"
	"github.com/demogorgon1860/smmpanel/internal/service/ledger"
	"github.com/demogorgon1860/smmpanel/internal/service/orderstate"
)

// consumerBinding связывает топики с обработчиком сообщений.
type consumerBinding struct {
	name    string
	topics  []string
	handler kafka.MessageHandler
}

// buildConsumerBindings собирает обработчики всех топиков пайплайна.
// Платёжные топики обслуживает один консьюмер с маршрутизацией по топику.
func buildConsumerBindings(
	deps runtimeDependencies,
	guard *dedup.Guard,
	ledgerSvc *ledger.Service,
	states *orderstate.Manager,
	fraudChecker *fraud.Checker,
	bot domain.BotService,
	campaigns domain.CampaignService,
	probe domain.StartCountProbe,
	breaker *retry.CircuitBreaker,
	alerts alert.Sender,
	m *metrics.PipelineMetrics,
) []consumerBinding {
	orderCreated := consumer.NewOrderCreatedConsumer(
		guard, deps.orders, deps.users, ledgerSvc, fraudChecker, states,
		bot, campaigns, probe, breaker, m,
	)
	botResults := consumer.NewBotResultsConsumer(guard, states, m)
	payments := consumer.NewPaymentsConsumer(guard, deps.deposits, deps.orders, ledgerSvc, states, m)
	statusChanged := consumer.NewOrderStatusChangedConsumer(guard, alerts, m)
	offers := consumer.NewOfferAssignmentsConsumer(guard, campaigns, states, m)

	paymentsHandler := func(ctx context.Context, msg *sarama.ConsumerMessage) error {
		switch msg.Topic {
		case kafka.TopicPaymentWebhooks:
			return payments.HandleWebhook(ctx, msg)
		case kafka.TopicPaymentRefunds:
			return payments.HandleRefund(ctx, msg)
		default:
			return payments.HandleConfirmation(ctx, msg)
		}
	}

	return []consumerBinding{
		{
			name:    "order-created",
			topics:  []string{kafka.TopicOrderCreated},
			handler: orderCreated.Handle,
		},
		{
			name:    "bot-results",
			topics:  []string{kafka.TopicBotResults},
			handler: botResults.Handle,
		},
		{
			name: "payments",
			topics: []string{
				kafka.TopicPaymentConfirmations,
				kafka.TopicPaymentWebhooks,
				kafka.TopicPaymentRefunds,
			},
			handler: paymentsHandler,
		},
		{
			name:    "order-status-changed",
			topics:  []string{kafka.TopicOrderStatusChanged},
			handler: statusChanged.Handle,
		},
		{
			name:    "offer-assignments",
			topics:  []string{kafka.TopicOfferAssignments},
			handler: offers.Handle,
		},
	}
}
