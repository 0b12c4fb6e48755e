package executor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	base := errors.New("boom")
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"plain error is transient", base, KindTransient},
		{"transient", Transient(base), KindTransient},
		{"permanent", Permanent(base), KindPermanent},
		{"wrapped permanent", fmt.Errorf("ctx: %w", Permanent(base)), KindPermanent},
		{"validation", Validationf("op", "bad %d", 1), KindValidation},
		{"canceled", context.Canceled, KindPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, FailureTimeout, Classify(Transient(context.DeadlineExceeded)))
	assert.Equal(t, FailureValidation, Classify(Validationf("x", "y")))
	assert.Equal(t, FailureException, Classify(errors.New("boom")))
}

func TestErrorUnwrap(t *testing.T) {
	base := errors.New("boom")
	err := Permanent(base)
	assert.ErrorIs(t, err, base)
	assert.True(t, IsPermanent(err))
	assert.False(t, IsPermanent(Transient(base)))
	assert.Nil(t, Transient(nil))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register("b", Func(func(ctx context.Context, req Request) (Result, error) { return Result{}, nil }))
	r.Register("a", Func(func(ctx context.Context, req Request) (Result, error) { return Result{}, nil }))

	assert.Equal(t, []string{"a", "b"}, r.Names())
	assert.True(t, r.Has("a"))

	_, err := r.Lookup("missing")
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
}

type fakeRunner struct {
	out []byte
	err error
	got []string
}

func (f *fakeRunner) Run(ctx context.Context, workDir string, stdin []byte, name string, args ...string) ([]byte, error) {
	f.got = append([]string{name}, args...)
	return f.out, f.err
}

func TestCommandExecutor(t *testing.T) {
	runner := &fakeRunner{out: []byte("ok")}
	c := &CommandExecutor{Runner: runner}

	res, err := c.Execute(context.Background(), Request{TaskID: "t", Params: map[string]string{"command": "echo ok"}})
	require.NoError(t, err)
	assert.Equal(t, "ok", string(res.Output))
	assert.Equal(t, []string{"sh", "-c", "echo ok"}, runner.got)

	_, err = c.Execute(context.Background(), Request{TaskID: "t"})
	assert.Equal(t, KindValidation, KindOf(err))

	runner.err = errors.New("exit 1")
	_, err = c.Execute(context.Background(), Request{TaskID: "t", Params: map[string]string{"command": "false"}})
	assert.Equal(t, KindTransient, KindOf(err))
}

func TestResultEffectiveConfidence(t *testing.T) {
	assert.Equal(t, 1.0, Result{}.EffectiveConfidence())
	assert.Equal(t, 0.4, Result{Confidence: 0.4}.EffectiveConfidence())
}

func TestWithDeadline(t *testing.T) {
	ctx, cancel := WithDeadline(context.Background(), Request{Deadline: time.Now().Add(time.Hour)})
	defer cancel()
	_, ok := ctx.Deadline()
	assert.True(t, ok)

	ctx2, cancel2 := WithDeadline(context.Background(), Request{})
	defer cancel2()
	_, ok = ctx2.Deadline()
	assert.False(t, ok)
}
