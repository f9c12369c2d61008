package jetstream

import (
	"errors"
	"strconv"
	"strings"
	"time"

	nats "github.com/nats-io/nats.go"
)

const (
	StreamName    = "SIDEKICK"
	SubjectPrefix = "sidekick.req."
	// ConsumerName is the durable consumer the processor reads chunks with.
	ConsumerName = "sidekick-processor"
	// HeaderTimestamp carries the request timestamp in unix nanoseconds.
	HeaderTimestamp = "Sidekick-Ts"

	doneSuffix = ".done"
)

// Publisher is the subset of nats.JetStreamContext used to publish chunks.
type Publisher interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

func EnsureStream(js nats.JetStreamContext) error {
	_, err := js.AddStream(&nats.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{"sidekick.>"},
		Storage:   nats.FileStorage,
		MaxAge:    24 * time.Hour,
		Retention: nats.WorkQueuePolicy,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) && !strings.Contains(err.Error(), "already exists") {
		return err
	}
	return nil
}

func ChunkSubject(requestID string) string {
	return SubjectPrefix + requestID
}

func DoneSubject(requestID string) string {
	return SubjectPrefix + requestID + doneSuffix
}

// ParseSubject extracts the request id from a chunk or done subject.
func ParseSubject(subject string) (requestID string, done bool, ok bool) {
	rest, found := strings.CutPrefix(subject, SubjectPrefix)
	if !found || rest == "" {
		return "", false, false
	}
	if id, isDone := strings.CutSuffix(rest, doneSuffix); isDone {
		return id, true, id != "" && !strings.Contains(id, ".")
	}
	return rest, false, !strings.Contains(rest, ".")
}

// PublishChunk publishes one slice of a response body for requestID.
func PublishChunk(js Publisher, requestID string, ts time.Time, data []byte) error {
	_, err := js.PublishMsg(newMsg(ChunkSubject(requestID), ts, data))
	return err
}

// PublishDone marks the end of the response body for requestID.
func PublishDone(js Publisher, requestID string, ts time.Time) error {
	_, err := js.PublishMsg(newMsg(DoneSubject(requestID), ts, nil))
	return err
}

func newMsg(subject string, ts time.Time, data []byte) *nats.Msg {
	msg := nats.NewMsg(subject)
	msg.Header.Set(HeaderTimestamp, strconv.FormatInt(ts.UnixNano(), 10))
	msg.Data = data
	return msg
}

// Timestamp reads HeaderTimestamp from msg, falling back to now.
func Timestamp(msg *nats.Msg) time.Time {
	if msg.Header != nil {
		if n, err := strconv.ParseInt(msg.Header.Get(HeaderTimestamp), 10, 64); err == nil {
			return time.Unix(0, n)
		}
	}
	return time.Now()
}
