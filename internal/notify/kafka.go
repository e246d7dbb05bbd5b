package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"github.com/wakala/checkoutd/internal/currency"
	"github.com/wakala/checkoutd/internal/reconciliation"
)

const publishTimeout = 5 * time.Second

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// OutcomeRecord is the value published for every resolved session, keyed by
// reference.
type OutcomeRecord struct {
	Reference     string           `json:"reference"`
	BuyerKey      string           `json:"buyer_key"`
	Status        string           `json:"status"`
	ConfirmedBy   string           `json:"confirmed_by,omitempty"`
	Reason        string           `json:"reason,omitempty"`
	Amount        decimal.Decimal  `json:"amount"`
	Currency      string           `json:"currency"`
	AmountUSD     *decimal.Decimal `json:"amount_usd,omitempty"`
	OfferID       string           `json:"offer_id"`
	OfferType     string           `json:"offer_type"`
	CustomerEmail string           `json:"customer_email"`
	CreatedAt     time.Time        `json:"created_at"`
	ResolvedAt    *time.Time       `json:"resolved_at,omitempty"`
}

func NewOutcomeRecord(o reconciliation.Outcome) OutcomeRecord {
	s := o.Session
	rec := OutcomeRecord{
		Reference:     s.Reference,
		BuyerKey:      s.BuyerKey,
		Status:        string(o.Status),
		ConfirmedBy:   string(s.LastConfirmedBy),
		Reason:        s.Reason,
		Amount:        s.Amount,
		Currency:      s.Currency,
		OfferID:       s.OfferID,
		OfferType:     s.OfferType,
		CustomerEmail: s.CustomerEmail,
		CreatedAt:     s.CreatedAt,
		ResolvedAt:    s.ResolvedAt,
	}
	if usd, err := currency.ToUSD(s.Amount, s.Currency); err == nil {
		rec.AmountUSD = &usd
	}
	return rec
}

// KafkaPublisher publishes resolved outcomes to a Kafka topic.
type KafkaPublisher struct {
	w      messageWriter
	topic  string
	logger zerolog.Logger
}

func NewKafkaPublisher(brokers []string, topic string, logger zerolog.Logger) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
	}
	return newKafkaPublisher(w, topic, logger)
}

func newKafkaPublisher(w messageWriter, topic string, logger zerolog.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		w:      w,
		topic:  topic,
		logger: logger.With().Str("component", "kafka_publisher").Str("topic", topic).Logger(),
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, rec OutcomeRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(rec.Reference),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "status", Value: []byte(rec.Status)},
		},
	})
}

// HandleOutcome publishes o. Failures are logged; the outcome is already
// recorded in the ledger.
func (p *KafkaPublisher) HandleOutcome(ctx context.Context, o reconciliation.Outcome) {
	if err := p.Publish(ctx, NewOutcomeRecord(o)); err != nil {
		p.logger.Error().Err(err).Str("reference", o.Session.Reference).Msg("failed to publish outcome")
		return
	}
	p.logger.Debug().Str("reference", o.Session.Reference).Str("status", string(o.Status)).Msg("outcome published")
}

func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}
