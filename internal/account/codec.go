package account

import (
	"encoding/json"
	"fmt"

	"github.com/mbd888/corebank/internal/eventstore"
)

// Codec is the closed registry of account event types. It is the single
// place that maps wire tags to payload schemas; both the store and the
// projector go through it, so an event type unknown here is unknown
// everywhere.
type Codec struct{}

var _ eventstore.Codec = Codec{}

var decoders = map[string]func(json.RawMessage) (eventstore.Event, error){
	TypeBankAccountOpened:        decodeAs[BankAccountOpened],
	TypeMoneyDeposited:           decodeAs[MoneyDeposited],
	TypeMoneyWithdrawn:           decodeAs[MoneyWithdrawn],
	TypeAccountFrozen:            decodeAs[AccountFrozen],
	TypeAccountUnfrozen:          decodeAs[AccountUnfrozen],
	TypeAccountClosed:            decodeAs[AccountClosed],
	TypeOverdraftLimitChanged:    decodeAs[OverdraftLimitChanged],
	TypeAccountHolderNameChanged: decodeAs[AccountHolderNameChanged],
	TypeFeeApplied:               decodeAs[FeeApplied],
}

func decodeAs[T eventstore.Event](data json.RawMessage) (eventstore.Event, error) {
	var event T
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	return event, nil
}

// Encode serializes an event raised by the aggregate.
func (Codec) Encode(event eventstore.Event) (string, json.RawMessage, error) {
	tag := event.EventType()
	if _, ok := decoders[tag]; !ok {
		return "", nil, fmt.Errorf("encode event %q: %w", tag, eventstore.ErrUnknownEventType)
	}
	data, err := json.Marshal(event)
	if err != nil {
		return "", nil, fmt.Errorf("encode event %q: %w", tag, err)
	}
	return tag, data, nil
}

// Decode deserializes a stored event. Unknown tags fail with
// eventstore.ErrUnknownEventType so readers stop instead of guessing.
func (Codec) Decode(eventType string, data json.RawMessage) (eventstore.Event, error) {
	decode, ok := decoders[eventType]
	if !ok {
		return nil, fmt.Errorf("decode event %q: %w", eventType, eventstore.ErrUnknownEventType)
	}
	event, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode event %q: %w", eventType, err)
	}
	return event, nil
}
