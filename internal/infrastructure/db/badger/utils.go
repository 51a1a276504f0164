package badgerdb

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/domain"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/timshannon/badgerhold/v4"
)

const maxRetries = 5

func createDB(dbDir string, logger badger.Logger) (*badgerhold.Store, error) {
	isInMemory := len(dbDir) <= 0

	opts := badger.DefaultOptions(dbDir)
	opts.Logger = logger

	if isInMemory {
		opts.InMemory = true
	} else {
		opts.Compression = options.ZSTD
	}

	db, err := badgerhold.Open(badgerhold.Options{
		Encoder:          badgerhold.DefaultEncode,
		Decoder:          badgerhold.DefaultDecode,
		SequenceBandwith: 100,
		Options:          opts,
	})
	if err != nil {
		return nil, err
	}

	if !isInMemory {
		ticker := time.NewTicker(30 * time.Minute)

		go func() {
			for {
				<-ticker.C
				if err := db.Badger().RunValueLogGC(0.5); err != nil && err != badger.ErrNoRewrite {
					logger.Errorf("%s", err)
				}
			}
		}()
	}

	return db, nil
}

// Several deposit events share the same field shape, so each one is stored
// inside an envelope carrying an explicit type tag.
const (
	eventTypeAddressIssued         = "address_issued"
	eventTypeReceiverUpdated       = "receiver_updated"
	eventTypeUtxoRecorded          = "utxo_recorded"
	eventTypeExtraOutpointRecorded = "extra_outpoint_recorded"
	eventTypeConfirmationsUpdated  = "confirmations_updated"
	eventTypeVerdictRecorded       = "verdict_recorded"
	eventTypeReorged               = "reorged"
	eventTypeFinalized             = "finalized"
	eventTypeSettled               = "settled"
	eventTypeUtxoSpent             = "utxo_spent"
	eventTypeFailed                = "failed"
	eventTypeCancelled             = "cancelled"
)

type eventEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func serializeEvents(events []domain.DepositEvent) (*eventsDTO, error) {
	rawEvents := make([][]byte, 0, len(events))
	for _, event := range events {
		buf, err := serializeEvent(event)
		if err != nil {
			return nil, err
		}
		rawEvents = append(rawEvents, buf)
	}
	return &eventsDTO{rawEvents}, nil
}

func deserializeEvents(rawEvents [][]byte) ([]domain.DepositEvent, error) {
	events := make([]domain.DepositEvent, 0)
	for _, buf := range rawEvents {
		event, err := deserializeEvent(buf)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, nil
}

func serializeEvent(event domain.DepositEvent) ([]byte, error) {
	var eventType string
	switch event.(type) {
	case domain.DepositAddressIssued:
		eventType = eventTypeAddressIssued
	case domain.DepositReceiverUpdated:
		eventType = eventTypeReceiverUpdated
	case domain.DepositUtxoRecorded:
		eventType = eventTypeUtxoRecorded
	case domain.DepositExtraOutpointRecorded:
		eventType = eventTypeExtraOutpointRecorded
	case domain.DepositConfirmationsUpdated:
		eventType = eventTypeConfirmationsUpdated
	case domain.DepositVerdictRecorded:
		eventType = eventTypeVerdictRecorded
	case domain.DepositReorged:
		eventType = eventTypeReorged
	case domain.DepositFinalized:
		eventType = eventTypeFinalized
	case domain.DepositSettled:
		eventType = eventTypeSettled
	case domain.DepositUtxoSpent:
		eventType = eventTypeUtxoSpent
	case domain.DepositFailed:
		eventType = eventTypeFailed
	case domain.DepositCancelled:
		eventType = eventTypeCancelled
	default:
		return nil, fmt.Errorf("unknown event type %T", event)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	return json.Marshal(eventEnvelope{Type: eventType, Data: data})
}

func deserializeEvent(buf []byte) (domain.DepositEvent, error) {
	envelope := eventEnvelope{}
	if err := json.Unmarshal(buf, &envelope); err != nil {
		return nil, err
	}

	var event domain.DepositEvent
	var err error
	switch envelope.Type {
	case eventTypeAddressIssued:
		e := domain.DepositAddressIssued{}
		err = json.Unmarshal(envelope.Data, &e)
		event = e
	case eventTypeReceiverUpdated:
		e := domain.DepositReceiverUpdated{}
		err = json.Unmarshal(envelope.Data, &e)
		event = e
	case eventTypeUtxoRecorded:
		e := domain.DepositUtxoRecorded{}
		err = json.Unmarshal(envelope.Data, &e)
		event = e
	case eventTypeExtraOutpointRecorded:
		e := domain.DepositExtraOutpointRecorded{}
		err = json.Unmarshal(envelope.Data, &e)
		event = e
	case eventTypeConfirmationsUpdated:
		e := domain.DepositConfirmationsUpdated{}
		err = json.Unmarshal(envelope.Data, &e)
		event = e
	case eventTypeVerdictRecorded:
		e := domain.DepositVerdictRecorded{}
		err = json.Unmarshal(envelope.Data, &e)
		event = e
	case eventTypeReorged:
		e := domain.DepositReorged{}
		err = json.Unmarshal(envelope.Data, &e)
		event = e
	case eventTypeFinalized:
		e := domain.DepositFinalized{}
		err = json.Unmarshal(envelope.Data, &e)
		event = e
	case eventTypeSettled:
		e := domain.DepositSettled{}
		err = json.Unmarshal(envelope.Data, &e)
		event = e
	case eventTypeUtxoSpent:
		e := domain.DepositUtxoSpent{}
		err = json.Unmarshal(envelope.Data, &e)
		event = e
	case eventTypeFailed:
		e := domain.DepositFailed{}
		err = json.Unmarshal(envelope.Data, &e)
		event = e
	case eventTypeCancelled:
		e := domain.DepositCancelled{}
		err = json.Unmarshal(envelope.Data, &e)
		event = e
	default:
		return nil, fmt.Errorf("unknown event type %s", envelope.Type)
	}
	if err != nil {
		return nil, err
	}
	return event, nil
}
