package kafkax

import (
	"encoding/json"
	"errors"

	"github.com/md-rashed-zaman/eventrelay/libs/envelope"
	"github.com/segmentio/kafka-go"
)

// IsPermanent reports errors that retrying the same message cannot fix: oversized or
// malformed messages and serialization failures. Everything else is treated as transient.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var tooLarge kafka.MessageTooLargeError
	if errors.As(err, &tooLarge) {
		return true
	}
	var writeErrs kafka.WriteErrors
	if errors.As(err, &writeErrs) {
		for _, e := range writeErrs {
			if e != nil && IsPermanent(e) {
				return true
			}
		}
		return false
	}
	var kerr kafka.Error
	if errors.As(err, &kerr) {
		switch kerr {
		case kafka.InvalidMessage, kafka.InvalidMessageSize, kafka.MessageSizeTooLarge,
			kafka.RecordListTooLarge, kafka.InvalidTopic:
			return true
		}
		return false
	}
	var marshalErr *json.MarshalerError
	var unsupported *json.UnsupportedValueError
	return errors.As(err, &marshalErr) || errors.As(err, &unsupported) ||
		errors.Is(err, envelope.ErrInvalidEnvelope)
}
