package main

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/loom/internal/replan"
)

func TestParseResolution(t *testing.T) {
	tests := []struct {
		line    string
		want    replan.EscalationResponse
		wantErr bool
	}{
		{line: "continue", want: replan.EscalationResponse{Resolution: replan.ResolveContinue, Reason: "operator"}},
		{line: "  Abandon  vendor is down ", want: replan.EscalationResponse{Resolution: replan.ResolveAbandon, Reason: "vendor is down"}},
		{line: "replan route-around cheaper", want: replan.EscalationResponse{Resolution: replan.ResolveReplan, Alternative: "route-around", Reason: "cheaper"}},
		{line: "replan", wantErr: true},
		{line: "", wantErr: true},
		{line: "retry", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := parseResolution(tt.line)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.False(t, got.At.IsZero())
			got.At = time.Time{}
			assert.Equal(t, tt.want, got)
		})
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestAnswerEscalations(t *testing.T) {
	esc := replan.NewEscalator(replan.ModeBlock, 0, nil, nil)
	in, feed := io.Pipe()
	out := &syncBuffer{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go answerEscalations(ctx, esc, in, out)

	answered := make(chan replan.EscalationResponse, 1)
	go func() {
		resp, err := esc.Escalate(ctx, replan.EscalationRequest{
			PlanID:   "p1",
			Version:  2,
			Triggers: []replan.Trigger{{Kind: replan.TriggerCriticalBlocker, Detail: "task a: gone"}},
			RaisedAt: time.Now(),
		})
		if err == nil {
			answered <- resp
		}
	}()

	require.Eventually(t, func() bool {
		return bytes.Contains([]byte(out.String()), []byte("p1@v2 needs a decision"))
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, out.String(), "critical_blocker: task a: gone")

	_, err := feed.Write([]byte("continue known outage\n"))
	require.NoError(t, err)

	select {
	case resp := <-answered:
		assert.Equal(t, replan.ResolveContinue, resp.Resolution)
		assert.Equal(t, "known outage", resp.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("escalation not answered")
	}
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "250ms", formatDuration(250*time.Millisecond))
	assert.Equal(t, "42s", formatDuration(42*time.Second))
	assert.Equal(t, "5m", formatDuration(5*time.Minute))
	assert.Equal(t, "2h5m", formatDuration(125*time.Minute))
	assert.Equal(t, "3d", formatDuration(72*time.Hour))
}
