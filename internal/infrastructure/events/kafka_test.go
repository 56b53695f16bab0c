package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PaperDigest/internal/domain"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return w.err
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisherKeysByPaper(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w, topic: "papers"}

	seen := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	err := p.Publish(context.Background(), []domain.NewPaperEvent{
		{PaperID: "2406.00001", Title: "A", Source: "arxiv/cs.LG", FirstSeenAt: seen},
		{PaperID: "2406.00002", Title: "B", Source: "arxiv/cs.LG", FirstSeenAt: seen},
	})
	require.NoError(t, err)
	require.Len(t, w.msgs, 2)
	assert.Equal(t, "2406.00001", string(w.msgs[0].Key))

	var decoded domain.NewPaperEvent
	require.NoError(t, json.Unmarshal(w.msgs[1].Value, &decoded))
	assert.Equal(t, "2406.00002", decoded.PaperID)
	assert.True(t, decoded.FirstSeenAt.Equal(seen))

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestKafkaPublisherErrorsAreTransient(t *testing.T) {
	p := &KafkaPublisher{writer: &fakeWriter{err: errors.New("broker down")}, topic: "papers"}
	err := p.Publish(context.Background(), []domain.NewPaperEvent{{PaperID: "x"}})
	require.ErrorIs(t, err, domain.ErrTransient)

	assert.NoError(t, p.Publish(context.Background(), nil))
}

func TestLogPublisher(t *testing.T) {
	var buf bytes.Buffer
	p := NewLogPublisher(slog.New(slog.NewTextHandler(&buf, nil)))
	require.NoError(t, p.Publish(context.Background(), []domain.NewPaperEvent{{PaperID: "2406.00003"}}))
	assert.Contains(t, buf.String(), "paper_id=2406.00003")
}

func TestKafkaPublisherTagsEventType(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w, topic: "papers"}

	revisedAt := time.Date(2024, 6, 2, 8, 0, 0, 0, time.UTC)
	err := p.Publish(context.Background(), []domain.NewPaperEvent{
		{PaperID: "2406.00001"},
		{Type: domain.EventPaperRevised, PaperID: "2406.00002", RevisedAt: &revisedAt},
	})
	require.NoError(t, err)
	require.Len(t, w.msgs, 2)

	header := func(m kafka.Message) string {
		for _, h := range m.Headers {
			if h.Key == "type" {
				return string(h.Value)
			}
		}
		return ""
	}
	assert.Equal(t, "paper.new", header(w.msgs[0]))
	assert.Equal(t, "paper.revised", header(w.msgs[1]))

	var decoded domain.NewPaperEvent
	require.NoError(t, json.Unmarshal(w.msgs[1].Value, &decoded))
	require.NotNil(t, decoded.RevisedAt)
	assert.True(t, decoded.RevisedAt.Equal(revisedAt))
}
