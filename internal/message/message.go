// Package message defines the commands and events exchanged between the
// user-service and the account-service, and how they are routed on the broker.
//
// Kinds are closed sets: every switch over them is exhaustive and anything
// else resolves to ErrUnknownKind.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrUnknownKind is returned for a command or event kind outside the contract.
var ErrUnknownKind = errors.New("unknown message kind")

// Header names attached to every published message.
const (
	HeaderEventID       = "event_id"
	HeaderCorrelationID = "correlation_id"
	HeaderKind          = "kind"
)

// Service names used as outbox target_service.
const (
	ServiceAccount = "account-service"
	ServiceUser    = "user-service"
)

// Kind is the outbox event_type: either a CommandKind or an EventKind.
type Kind string

// CommandKind names a command sent to the account-service.
type CommandKind = Kind

// EventKind names a saga result event sent back to the orchestrator.
type EventKind = Kind

const (
	CommandCreateAccount CommandKind = "create_account"
	CommandDeleteAccount CommandKind = "delete_account"

	EventAccountCreated        EventKind = "account_created"
	EventAccountCreationFailed EventKind = "account_creation_failed"
	EventAccountDeleted        EventKind = "account_deleted"
	EventAccountDeletionFailed EventKind = "account_deletion_failed"
)

const (
	commandTopicPrefix = "account.command."
	eventTopicPrefix   = "saga."
)

// CommandTopics lists every topic the account-service consumes.
var CommandTopics = []string{
	commandTopicPrefix + "create",
	commandTopicPrefix + "delete",
}

// EventTopics lists every topic the orchestrator consumes.
var EventTopics = []string{
	eventTopicPrefix + string(EventAccountCreated),
	eventTopicPrefix + string(EventAccountCreationFailed),
	eventTopicPrefix + string(EventAccountDeleted),
	eventTopicPrefix + string(EventAccountDeletionFailed),
}

// IsCommand reports whether k is a known command kind.
func (k Kind) IsCommand() bool {
	switch k {
	case CommandCreateAccount, CommandDeleteAccount:
		return true
	}
	return false
}

// IsEvent reports whether k is a known event kind.
func (k Kind) IsEvent() bool {
	switch k {
	case EventAccountCreated, EventAccountCreationFailed, EventAccountDeleted, EventAccountDeletionFailed:
		return true
	}
	return false
}

// Topic returns the broker topic the kind is routed to.
func (k Kind) Topic() (string, error) {
	switch k {
	case CommandCreateAccount:
		return commandTopicPrefix + "create", nil
	case CommandDeleteAccount:
		return commandTopicPrefix + "delete", nil
	case EventAccountCreated, EventAccountCreationFailed, EventAccountDeleted, EventAccountDeletionFailed:
		return eventTopicPrefix + string(k), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, string(k))
	}
}

// KindFromTopic is the inverse of Kind.Topic.
func KindFromTopic(topic string) (Kind, error) {
	switch {
	case topic == commandTopicPrefix+"create":
		return CommandCreateAccount, nil
	case topic == commandTopicPrefix+"delete":
		return CommandDeleteAccount, nil
	case strings.HasPrefix(topic, eventTopicPrefix):
		k := Kind(strings.TrimPrefix(topic, eventTopicPrefix))
		if k.IsEvent() {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: topic %q", ErrUnknownKind, topic)
}

// Command is the body of an account.command.* message.
type Command struct {
	CommandType CommandKind      `json:"command_type"`
	SagaID      string           `json:"saga_id"`
	UserID      uint64           `json:"user_id"`
	AccountType string           `json:"account_type,omitempty"`
	Balance     *decimal.Decimal `json:"balance,omitempty"`
	Status      string           `json:"status,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
}

// AccountData is the account snapshot carried by account_created.
type AccountData struct {
	ID            uint64          `json:"id"`
	UserID        uint64          `json:"user_id"`
	AccountNumber string          `json:"account_number"`
	Balance       decimal.Decimal `json:"balance"`
	AccountType   string          `json:"account_type"`
	Status        string          `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Event is the body of a saga.* message.
type Event struct {
	SagaID           string       `json:"saga_id"`
	AccountData      *AccountData `json:"account_data,omitempty"`
	Error            string       `json:"error,omitempty"`
	UserID           uint64       `json:"user_id,omitempty"`
	DeletedAccountID uint64       `json:"deleted_account_id,omitempty"`
}

// DecodeCommand parses a command body and checks it against the kind derived from its topic.
func DecodeCommand(kind Kind, body []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(body, &cmd); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}
	if !kind.IsCommand() {
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownKind, string(kind))
	}
	if cmd.CommandType == "" {
		cmd.CommandType = kind
	}
	if cmd.CommandType != kind {
		return Command{}, fmt.Errorf("command_type %q does not match topic kind %q", cmd.CommandType, kind)
	}
	if cmd.SagaID == "" {
		return Command{}, errors.New("command without saga_id")
	}
	return cmd, nil
}

// DecodeEvent parses an event body.
func DecodeEvent(body []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(body, &evt); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if evt.SagaID == "" {
		return Event{}, errors.New("event without saga_id")
	}
	return evt, nil
}
