package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerWithFieldsAndCaller(t *testing.T) {
	var buf bytes.Buffer
	l := FromZerolog(zerolog.New(&buf)).With(String("comp", "spam"))

	l.Warn("spam window fired", Int64("guild_id", 42), Err(errors.New("boom")))

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	assert.Equal(t, "warn", m["level"])
	assert.Equal(t, "spam", m["comp"])
	assert.EqualValues(t, 42, m["guild_id"])
	assert.Equal(t, "boom", m["err"])
	assert.True(t, strings.HasPrefix(m["caller"].(string), "logx_test.go:"))
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	assert.True(t, l.IsZero())
	l.Error("nothing happens")
	assert.False(t, Nop().IsZero())
}

func TestFormatChannelJSONSortsAndTruncates(t *testing.T) {
	line := `{"level":"error","message":"lift failed","time":"x","user_id":7,"guild_id":1}`
	got := formatChannelJSON([]byte(line))
	assert.Equal(t, "[ERROR] lift failed\n- guild_id=1\n- user_id=7", got)

	long := strings.Repeat("a", 3000)
	assert.Len(t, formatChannelJSON([]byte(long)), 1900)
}

type recordingSender struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recordingSender) SendToChannel(_ context.Context, _ int64, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, content)
	return nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func TestServiceChannelSinkRespectsMinLevel(t *testing.T) {
	sender := &recordingSender{}
	svc, log := New(Config{
		Level:   "debug",
		Channel: ChannelConfig{Enabled: true, ChannelID: 99, MinLevel: "warn", RatePerSec: 100},
	})
	svc.SetSender(sender)
	t.Cleanup(func() { _ = svc.Close() })

	log.Info("ignored")
	log.Warn("forwarded")

	assert.Eventually(t, func() bool { return sender.count() == 1 }, time.Second, 10*time.Millisecond)
	assert.Contains(t, sender.msgs[0], "forwarded")
}
