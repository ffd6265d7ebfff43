package app

import (
	"testing"

	log "github.com/sirupsen/logrus"
)

func TestParseBrokers(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected []string
	}{
		{name: "empty", input: "", expected: nil},
		{name: "single", input: "localhost:9092", expected: []string{"localhost:9092"}},
		{
			name:     "multiple",
			input:    "broker1:9092,broker2:9092",
			expected: []string{"broker1:9092", "broker2:9092"},
		},
		{
			name:     "with spaces",
			input:    " broker1:9092 , broker2:9092 ",
			expected: []string{"broker1:9092", "broker2:9092"},
		},
		{name: "only commas", input: ",,", expected: nil},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result := parseBrokers(tc.input)
			if len(result) != len(tc.expected) {
				t.Fatalf("expected %d brokers, got %d: %v", len(tc.expected), len(result), result)
			}
			for i, broker := range tc.expected {
				if result[i] != broker {
					t.Errorf("broker %d: expected %s, got %s", i, broker, result[i])
				}
			}
		})
	}
}

func TestInitKafkaProducer_EmptyBrokers(t *testing.T) {
	logger := log.WithField("test", "kafka")

	producer, err := initKafkaProducer("", logger)

	if err != nil {
		t.Errorf("expected no error for empty brokers, got %v", err)
	}
	if producer != nil {
		t.Error("expected nil producer for empty brokers")
	}
}

func TestInitKafkaProducer_InvalidBrokers(t *testing.T) {
	logger := log.WithField("test", "kafka")

	producer, err := initKafkaProducer("invalid-broker:9999", logger)

	if err == nil {
		t.Error("expected error for unreachable broker")
	}
	if producer != nil {
		t.Error("expected nil producer on error")
	}
}

func TestCloseKafka_NilProducer(_ *testing.T) {
	logger := log.WithField("test", "kafka")

	// Не должно паниковать
	closeKafka(nil, logger)
}
