package intercept_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rlch/drover"
	"github.com/rlch/drover/intercept"
	"github.com/rlch/drover/result"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeModule struct {
	initialized bool
	calls       []string
	artifact    []byte
}

func (m *fakeModule) Name() string        { return "web" }
func (m *fakeModule) IsInitialized() bool { return m.initialized }

func (m *fakeModule) Operations() map[string]drover.Operation {
	return map[string]drover.Operation{
		"init": drover.Lifecycle("init()", func(context.Context, []any) (any, error) {
			m.calls = append(m.calls, "init")
			m.initialized = true

			return nil, nil
		}),
		"click": drover.Public("click(selector)", func(_ context.Context, args []any) (any, error) {
			m.calls = append(m.calls, "click")

			sel, err := drover.Arg[string](args, 0, "selector")
			if err != nil {
				return nil, err
			}

			if sel == "#missing" {
				return nil, errors.New("no such element: Unable to locate element: #missing")
			}

			return "ok", nil
		}),
		"softCheck": drover.Public("softCheck()", func(context.Context, []any) (any, error) {
			return nil, &drover.Error{Kind: drover.KindAssert, Message: "title mismatch", Soft: true}
		}),
		"title": drover.Internal("title()", func(context.Context, []any) (any, error) {
			m.calls = append(m.calls, "title")

			return "Home", nil
		}),
	}
}

func (m *fakeModule) TakeFailureArtifact(context.Context, string) ([]byte, error) {
	return m.artifact, nil
}

type memStore map[string][]byte

func (s memStore) Put(_ context.Context, name string, data []byte) (string, error) {
	s[name] = data

	return "mem://" + name, nil
}

func TestInvoke_ElementNotFound(t *testing.T) {
	session := intercept.NewSession()
	web := session.Wrap(&fakeModule{initialized: true})

	out, err := web.Invoke(context.Background(), "click", []any{"#missing"})
	assert.Nil(t, out)

	var stepErr *intercept.StepError
	require.ErrorAs(t, err, &stepErr)

	steps := session.Steps()
	require.Len(t, steps, 1)
	assert.Equal(t, result.Failed, steps[0].Status)
	assert.Equal(t, `web.click("#missing")`, steps[0].Name)
	require.NotNil(t, steps[0].Failure)
	assert.Equal(t, drover.KindElementNotFound, steps[0].Failure.Kind)
	assert.True(t, steps[0].Failure.Fatal)
	assert.Same(t, steps[0], stepErr.Step)
}

func TestInvoke_Passed(t *testing.T) {
	session := intercept.NewSession()
	web := session.Wrap(&fakeModule{initialized: true})

	session.SetTransaction("login")

	out, err := web.Invoke(context.Background(), "click", []any{"#ok"})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)

	steps := session.Steps()
	require.Len(t, steps, 1)
	assert.Equal(t, result.Passed, steps[0].Status)
	assert.Equal(t, "login", steps[0].Transaction)
	assert.Nil(t, steps[0].Failure)
	assert.GreaterOrEqual(t, steps[0].Duration, time.Duration(0))
}

func TestInvoke_RequiresInit(t *testing.T) {
	m := &fakeModule{}
	session := intercept.NewSession()
	web := session.Wrap(m)

	_, err := web.Invoke(context.Background(), "click", []any{"#ok"})
	require.Error(t, err)
	assert.Empty(t, m.calls)

	steps := session.Steps()
	require.Len(t, steps, 1)
	assert.Equal(t, drover.KindModuleNotInitialized, steps[0].Failure.Kind)

	// init and internal operations are exempt.
	_, err = web.Invoke(context.Background(), "init", nil)
	require.NoError(t, err)

	out, err := web.Invoke(context.Background(), "title", nil)
	require.NoError(t, err)
	assert.Equal(t, "Home", out)

	_, err = web.Invoke(context.Background(), "click", []any{"#ok"})
	require.NoError(t, err)
	assert.Equal(t, []string{"init", "title", "click"}, m.calls)
}

func TestInvoke_InternalNotRecorded(t *testing.T) {
	session := intercept.NewSession()
	web := session.Wrap(&fakeModule{initialized: true})

	_, err := web.Invoke(context.Background(), "title", nil)
	require.NoError(t, err)
	assert.Empty(t, session.Steps())
}

func TestInvoke_SoftFailureIsWarning(t *testing.T) {
	session := intercept.NewSession()
	web := session.Wrap(&fakeModule{initialized: true})

	_, err := web.Invoke(context.Background(), "softCheck", nil)
	require.NoError(t, err)

	steps := session.Steps()
	require.Len(t, steps, 1)
	assert.Equal(t, result.Warning, steps[0].Status)
	assert.False(t, steps[0].Failure.Fatal)
}

func TestInvoke_ContinueOnError(t *testing.T) {
	session := intercept.NewSession(intercept.WithContinueOnError(true))
	web := session.Wrap(&fakeModule{initialized: true})

	_, err := web.Invoke(context.Background(), "click", []any{"#missing"})
	require.NoError(t, err)

	_, err = web.Invoke(context.Background(), "click", []any{"#ok"})
	require.NoError(t, err)

	steps := session.Steps()
	require.Len(t, steps, 2)
	assert.Equal(t, result.Failed, steps[0].Status)
	assert.Equal(t, result.Passed, steps[1].Status)
}

func TestInvoke_UnknownOperation(t *testing.T) {
	session := intercept.NewSession()
	web := session.Wrap(&fakeModule{initialized: true})

	_, err := web.Invoke(context.Background(), "hover", []any{"#x"})
	require.Error(t, err)
	assert.Equal(t, drover.KindOperationNotFound, session.Steps()[0].Failure.Kind)
}

func TestInvoke_DelayOnlyPublic(t *testing.T) {
	session := intercept.NewSession(intercept.WithDelay(50 * time.Millisecond))
	web := session.Wrap(&fakeModule{})

	start := time.Now()
	_, err := web.Invoke(context.Background(), "init", nil)
	require.NoError(t, err)
	_, err = web.Invoke(context.Background(), "title", nil)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	start = time.Now()
	_, err = web.Invoke(context.Background(), "click", []any{"#ok"})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestInvoke_DelayHonoursContext(t *testing.T) {
	session := intercept.NewSession(intercept.WithDelay(time.Hour))
	web := session.Wrap(&fakeModule{initialized: true})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := web.Invoke(ctx, "click", []any{"#ok"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, session.Steps())
}

func TestInvoke_FailureArtifact(t *testing.T) {
	store := memStore{}
	session := intercept.NewSession(intercept.WithArtifacts(store))
	web := session.Wrap(&fakeModule{initialized: true, artifact: []byte("png")})

	_, err := web.Invoke(context.Background(), "click", []any{"#missing"})
	require.Error(t, err)

	step := session.Steps()[0]
	assert.Equal(t, "mem://001-web.click", step.Artifact)
	assert.Equal(t, []byte("png"), store["001-web.click"])
}

func TestSignature(t *testing.T) {
	assert.Equal(t, `web.open("https://x", {"wait":true}, 3)`,
		intercept.Signature("web", "open", []any{"https://x", map[string]any{"wait": true}, 3}))
	assert.Equal(t, "log.flush()", intercept.Signature("log", "flush", nil))
}
