package automation

import (
	"fmt"
	"sync"

	"github.com/demogorgon1860/smmpanel/internal/domain"
)

// MockBotService — конфигурируемая заглушка BotService для тестов и
// локального запуска без внешнего исполнителя.
type MockBotService struct {
	mu sync.Mutex

	SubmitErr error
	CancelErr error

	SubmitCalls int
	CancelCalls int

	// Submitted хранит заказы, переданные исполнителю, по внешнему ID.
	Submitted map[string]domain.Order
	Cancelled []string

	nextID int
}

// NewMockBotService возвращает mock с успешным сценарием по умолчанию.
func NewMockBotService() *MockBotService {
	return &MockBotService{Submitted: make(map[string]domain.Order)}
}

// Submit возвращает сгенерированный внешний ID или настроенную ошибку.
func (m *MockBotService) Submit(order domain.Order) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SubmitCalls++
	if m.SubmitErr != nil {
		return "", m.SubmitErr
	}
	m.nextID++
	externalID := fmt.Sprintf("bot-%d", m.nextID)
	m.Submitted[externalID] = order
	return externalID, nil
}

// Cancel возвращает настроенную ошибку и считает вызовы.
func (m *MockBotService) Cancel(externalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CancelCalls++
	if m.CancelErr != nil {
		return m.CancelErr
	}
	m.Cancelled = append(m.Cancelled, externalID)
	return nil
}

var _ domain.BotService = (*MockBotService)(nil)

// MockCampaignService — конфигурируемая заглушка трекера кампаний.
type MockCampaignService struct {
	mu sync.Mutex

	AssignErr error
	// CampaignIDs — кампании, к которым привязываются офферы.
	CampaignIDs []string

	AssignCalls int
	Assigned    map[int64]domain.OfferAssignment
}

// NewMockCampaignService возвращает mock с фиксированным набором кампаний.
func NewMockCampaignService() *MockCampaignService {
	return &MockCampaignService{
		CampaignIDs: []string{"campaign-1", "campaign-2"},
		Assigned:    make(map[int64]domain.OfferAssignment),
	}
}

// AssignOffer возвращает привязку к настроенным кампаниям или ошибку.
func (m *MockCampaignService) AssignOffer(orderID int64, offerName, targetURL, geoTargeting string) (domain.OfferAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.AssignCalls++
	if m.AssignErr != nil {
		return domain.OfferAssignment{}, m.AssignErr
	}
	assignment := domain.OfferAssignment{
		OfferID:     fmt.Sprintf("offer-%d", orderID),
		CampaignIDs: append([]string(nil), m.CampaignIDs...),
	}
	m.Assigned[orderID] = assignment
	return assignment, nil
}

var _ domain.CampaignService = (*MockCampaignService)(nil)

// MockStartCountProbe — заглушка источника стартового количества.
type MockStartCountProbe struct {
	mu sync.Mutex

	Count    int
	FetchErr error

	FetchCalls int
}

// NewMockStartCountProbe возвращает probe с фиксированным количеством.
func NewMockStartCountProbe(count int) *MockStartCountProbe {
	return &MockStartCountProbe{Count: count}
}

// Fetch возвращает настроенное количество или ошибку.
func (m *MockStartCountProbe) Fetch(link string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.FetchCalls++
	if m.FetchErr != nil {
		return 0, m.FetchErr
	}
	return m.Count, nil
}

var _ domain.StartCountProbe = (*MockStartCountProbe)(nil)
