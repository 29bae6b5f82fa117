package consumer

import (
	"context"
	"fmt"
	"time"
)

// Message is one broker delivery. Partition and Offset identify it for acknowledgement.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
}

func (m Message) String() string {
	return fmt.Sprintf("%s/%d@%d", m.Topic, m.Partition, m.Offset)
}

// Source is a consumer-group subscription with explicit acknowledgement.
type Source interface {
	Fetch(ctx context.Context) (Message, error)
	Ack(ctx context.Context, msg Message) error
}

// DeadLetter is a message that could not be applied, with the reason it was parked.
type DeadLetter struct {
	Message  Message
	Reason   string
	Attempts int
	Group    string
	FailedAt time.Time
}

type DeadLetterSink interface {
	Send(ctx context.Context, dl DeadLetter) error
}
