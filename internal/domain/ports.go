package domain

// ProcessingPhase задаёт константы фаз обработки заказа для метрик/логов.
type ProcessingPhase string

const (
	PhaseValidation ProcessingPhase = "validation"
	PhaseFraudCheck ProcessingPhase = "fraud_check"
	PhaseStartCount ProcessingPhase = "start_count"
	PhaseBotSubmit  ProcessingPhase = "bot_submit"
	PhaseCampaign   ProcessingPhase = "campaign"
	PhaseRefund     ProcessingPhase = "refund"
	PhaseFinalize   ProcessingPhase = "finalize"
)

// BotService описывает взаимодействие с внешним исполнителем заказов.
type BotService interface {
	// Submit передаёт заказ исполнителю и возвращает его внешний идентификатор.
	Submit(order Order) (externalID string, err error)
	// Cancel останавливает исполнение заказа (компенсация).
	Cancel(externalID string) error
}

// OfferAssignment — результат привязки оффера к кампаниям трекера.
type OfferAssignment struct {
	OfferID     string
	CampaignIDs []string
}

// CampaignService описывает взаимодействие с трекером кампаний.
type CampaignService interface {
	// AssignOffer создаёт оффер для заказа и привязывает его к фиксированным кампаниям.
	AssignOffer(orderID int64, offerName, targetURL, geoTargeting string) (OfferAssignment, error)
}

// StartCountProbe возвращает текущее количество у продвигаемой ссылки.
// Возвращает ErrSourceUnavailable, если ресурс удалён или закрыт.
type StartCountProbe interface {
	Fetch(link string) (int, error)
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(event OutboxEvent) error
}
