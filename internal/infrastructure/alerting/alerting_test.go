package alerting

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	messages []string
	err      error
}

func (r *recorder) Alert(_ context.Context, message string) error {
	r.messages = append(r.messages, message)
	return r.err
}

func TestMultiFansOutAndJoinsErrors(t *testing.T) {
	var buf bytes.Buffer
	logAlerter := NewLog(slog.New(slog.NewTextHandler(&buf, nil)))

	ok := &recorder{}
	broken := &recorder{err: errors.New("telegram down")}

	err := Multi{logAlerter, broken, nil, ok}.Alert(context.Background(), "pair x failed 3 times")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telegram down")

	assert.Equal(t, []string{"pair x failed 3 times"}, ok.messages)
	assert.Equal(t, []string{"pair x failed 3 times"}, broken.messages)
	assert.Contains(t, buf.String(), "component=alerting")
	assert.Contains(t, buf.String(), "pair x failed 3 times")
}
