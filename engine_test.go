package relay

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

func reply(v any) HandlerFunc {
	return func(context.Context, Message, *Headers) (any, error) { return v, nil }
}

func sleeper(d time.Duration, v any) HandlerFunc {
	return func(ctx context.Context, _ Message, _ *Headers) (any, error) {
		select {
		case <-time.After(d):
			return v, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func waitEngine(t testing.TB, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.Wait(ctx))
}

// fakeTransport records sent calls and loops published notifications back
// to its follower.
type fakeTransport struct {
	mu        sync.Mutex
	sent      []Message
	headers   []*Headers
	result    any
	err       error
	published []Notification
	deliver   DeliverFunc

	connected atomic.Int32
	listening atomic.Int32
}

func (f *fakeTransport) Send(_ context.Context, msg Message, h *Headers) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	f.headers = append(f.headers, h)
	return f.result, f.err
}

func (f *fakeTransport) Connect(context.Context) error    { f.connected.Add(1); return nil }
func (f *fakeTransport) Disconnect(context.Context) error { f.connected.Add(-1); return nil }
func (f *fakeTransport) Listen(context.Context) error     { f.listening.Add(1); return nil }
func (f *fakeTransport) Close(context.Context) error      { f.listening.Add(-1); return nil }

func (f *fakeTransport) Follow(_ context.Context, deliver DeliverFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliver = deliver
	return nil
}

func (f *fakeTransport) Publish(_ context.Context, n Notification) error {
	f.mu.Lock()
	f.published = append(f.published, n)
	deliver := f.deliver
	f.mu.Unlock()
	if deliver != nil {
		deliver(n)
	}
	return nil
}

// offlineFollower refuses to follow until it is connected.
type offlineFollower struct {
	*fakeTransport
}

func (f offlineFollower) Follow(ctx context.Context, deliver DeliverFunc) error {
	if f.connected.Load() == 0 {
		return fmt.Errorf("fake: %w", ErrNotConnected)
	}
	return f.fakeTransport.Follow(ctx, deliver)
}

type brokenFollower struct {
	*fakeTransport
}

func (brokenFollower) Follow(context.Context, DeliverFunc) error {
	return errors.New("subscribe refused")
}

var (
	_ Transport = (*fakeTransport)(nil)
	_ Connector = (*fakeTransport)(nil)
	_ Server    = (*fakeTransport)(nil)
	_ Follower  = (*fakeTransport)(nil)
	_ Publisher = (*fakeTransport)(nil)
)

type EngineSuite struct {
	suite.Suite
	ctx context.Context
	e   *Engine
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}

func (s *EngineSuite) SetupTest() {
	s.ctx = context.Background()
	s.e = New()
}

func (s *EngineSuite) TestGreetScenario() {
	s.Require().NoError(s.e.AddFunc("role:greet,lang:en", reply("hello")))

	res, err := s.e.Act(s.ctx, "role:greet,lang:en")
	s.Require().NoError(err)
	s.Assert().Equal("hello", res)

	_, err = s.e.Act(s.ctx, "role:greet,lang:fr")
	s.Assert().ErrorIs(err, ErrNotFound)

	s.Require().NoError(s.e.Remove("role:greet,lang:en"))
	_, err = s.e.Act(s.ctx, "role:greet,lang:en")
	s.Assert().ErrorIs(err, ErrNotFound)
	s.Assert().Equal(KindNotFound, KindOf(err))
}

func (s *EngineSuite) TestDepthOrderPrefersSpecificRoute() {
	s.Require().NoError(s.e.AddFunc("role:test, act:echo", reply("two")))
	s.Require().NoError(s.e.AddFunc("role:test, act:echo, lang:en", reply("three")))

	res, err := s.e.Act(s.ctx, "role:test, act:echo, lang:en")
	s.Require().NoError(err)
	s.Assert().Equal("three", res)
}

func (s *EngineSuite) TestInsertionOrderPrefersFirstRoute() {
	e := New(WithMatchOrder(OrderInsertion))
	s.Require().NoError(e.AddFunc("role:test, act:echo", reply("two")))
	s.Require().NoError(e.AddFunc("role:test, act:echo, lang:en", reply("three")))

	res, err := e.Act(s.ctx, "role:test, act:echo, lang:en")
	s.Require().NoError(err)
	s.Assert().Equal("two", res)
}

func (s *EngineSuite) TestSubsetMatching() {
	s.Require().NoError(s.e.AddFunc("role:test, act:echo", reply("ok")))

	res, err := s.e.Act(s.ctx, Message{"role": "test", "act": "echo", "extra": 1})
	s.Require().NoError(err)
	s.Assert().Equal("ok", res)

	_, err = s.e.Act(s.ctx, "role:test")
	s.Assert().ErrorIs(err, ErrNotFound)
}

func (s *EngineSuite) TestHandlerReceivesMergedMessage() {
	var got Message
	s.Require().NoError(s.e.AddFunc("role:greet", func(_ context.Context, msg Message, _ *Headers) (any, error) {
		got = msg
		return nil, nil
	}))

	_, err := s.e.Act(s.ctx, "role:greet, name:ann", Message{"name": "bob", "$timeout": 100})
	s.Require().NoError(err)
	s.Assert().Equal(Message{"role": "greet", "name": "bob"}, got)
}

func (s *EngineSuite) TestRegexpAndAnyCriteria() {
	s.Require().NoError(s.e.AddFunc("role:test, act:/^echo/", reply("regexp")))
	s.Require().NoError(s.e.Add(map[string]any{"role": "test", "id": Any()}, reply("any")))

	res, err := s.e.Act(s.ctx, "role:test, act:echoes")
	s.Require().NoError(err)
	s.Assert().Equal("regexp", res)

	res, err = s.e.Act(s.ctx, Message{"role": "test", "id": 7})
	s.Require().NoError(err)
	s.Assert().Equal("any", res)

	s.Require().NoError(s.e.Add(Pattern{"k": Regexp(regexp.MustCompile(`^\d+$`))}, reply("digits")))
	res, err = s.e.Act(s.ctx, Message{"k": 12})
	s.Require().NoError(err)
	s.Assert().Equal("digits", res)
}

func (s *EngineSuite) TestNumericLiteralsMatchAcrossForms() {
	s.Require().NoError(s.e.AddFunc("a:1", reply("text")))

	res, err := s.e.Act(s.ctx, Message{"a": 1})
	s.Require().NoError(err)
	s.Assert().Equal("text", res)

	res, err = s.e.Act(s.ctx, Message{"a": float64(1)})
	s.Require().NoError(err)
	s.Assert().Equal("text", res)
}

func (s *EngineSuite) TestUsageErrors() {
	_, err := s.e.Act(s.ctx)
	s.Assert().ErrorIs(err, ErrUsage)

	_, err = s.e.Act(s.ctx, Message{"$timeout": 10})
	s.Assert().ErrorIs(err, ErrUsage)

	_, err = s.e.Act(s.ctx, "")
	s.Assert().ErrorIs(err, ErrUsage)

	s.Assert().ErrorIs(s.e.Add("role:x", nil), ErrUsage)
	s.Assert().ErrorIs(s.e.AddFunc("", reply(1)), ErrUsage)
	s.Assert().ErrorIs(s.e.Add("$timeout:10", reply(1)), ErrUsage)
	s.Assert().ErrorIs(s.e.Before("role:x", nil), ErrUsage)
	s.Assert().ErrorIs(s.e.AddRemote("role:x", ""), ErrUsage)
}

func (s *EngineSuite) TestMalformedCallDirective() {
	s.Require().NoError(s.e.AddFunc("role:x", reply(1)))

	_, err := s.e.Act(s.ctx, "role:x, $timeout:soon")
	s.Assert().ErrorIs(err, ErrUsage)

	_, err = s.e.Act(s.ctx, "role:x, $local:maybe")
	s.Assert().ErrorIs(err, ErrUsage)
}

func (s *EngineSuite) TestForbidDuplicates() {
	e := New(WithForbidDuplicates(true))
	s.Require().NoError(e.AddFunc("a:1", reply(1)))
	s.Require().NoError(e.AddFunc("a:1, b:2", reply(2)))

	err := e.AddFunc("a:1", reply(3))
	s.Assert().ErrorIs(err, ErrDuplicateRoute)
	s.Assert().Equal(KindDuplicateRoute, KindOf(err))

	s.Assert().NoError(New().AddFunc("a:1", reply(1)))
}

func (s *EngineSuite) TestForbidDuplicatesUnderConcurrentAdds() {
	e := New(WithForbidDuplicates(true))
	var ok atomic.Int32
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if e.AddFunc("role:race", reply(1)) == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Assert().Equal(int32(1), ok.Load())
	s.Assert().Len(e.Patterns(), 1)
}

func (s *EngineSuite) TestDuplicatesShadowByDefault() {
	s.Require().NoError(s.e.AddFunc("a:1", reply("first")))
	s.Require().NoError(s.e.AddFunc("a:1", reply("second")))

	res, err := s.e.Act(s.ctx, "a:1")
	s.Require().NoError(err)
	s.Assert().Equal("first", res)
}

func (s *EngineSuite) TestTimeout() {
	s.Require().NoError(s.e.AddFunc("role:slow", sleeper(150*time.Millisecond, "late")))
	s.Require().NoError(s.e.AddFunc("role:fast", sleeper(50*time.Millisecond, "on time")))

	_, err := s.e.Act(s.ctx, "role:slow, $timeout:100")
	s.Require().Error(err)
	s.Assert().ErrorIs(err, ErrTimeout)
	s.Assert().Contains(err.Error(), "timeout")

	res, err := s.e.Act(s.ctx, "role:fast, $timeout:100")
	s.Require().NoError(err)
	s.Assert().Equal("on time", res)
}

func (s *EngineSuite) TestRouteTimeoutDirective() {
	s.Require().NoError(s.e.AddFunc("role:slow, $timeout:20", sleeper(200*time.Millisecond, "late")))

	_, err := s.e.Act(s.ctx, "role:slow")
	s.Assert().ErrorIs(err, ErrTimeout)

	res, err := s.e.Act(s.ctx, "role:slow, $timeout:0")
	s.Require().NoError(err)
	s.Assert().Equal("late", res)
}

func (s *EngineSuite) TestTimeoutBypassesErrorPolicy() {
	e := New(WithErrorPolicy(Mute()))
	s.Require().NoError(e.AddFunc("role:slow", sleeper(100*time.Millisecond, "late")))

	_, err := e.Act(s.ctx, "role:slow, $timeout:10")
	s.Assert().ErrorIs(err, ErrTimeout)
}

func (s *EngineSuite) TestLateHookDoesNotTouchCallerHeaders() {
	released := make(chan struct{})
	s.Require().NoError(s.e.Before(nil, func(_ context.Context, in any, h *Headers) (any, error) {
		defer close(released)
		time.Sleep(30 * time.Millisecond)
		h.Pattern = "rewritten"
		h.Extra = map[string]any{"late": true}
		return in, nil
	}))
	s.Require().NoError(s.e.AddFunc("role:s", reply("done")))

	_, err := s.e.Act(s.ctx, "role:s, $timeout:10")
	s.Require().ErrorIs(err, ErrTimeout)
	var re *Error
	s.Require().ErrorAs(err, &re)
	s.Assert().Equal("role:s", re.Pattern)

	<-released
	waitEngine(s.T(), s.e)
}

func (s *EngineSuite) TestHookHeaderChangesReachTheReply() {
	s.Require().NoError(s.e.Before(nil, func(_ context.Context, in any, h *Headers) (any, error) {
		h.Extra = map[string]any{"seen": true}
		return in, nil
	}))
	s.Require().NoError(s.e.AddFunc("role:s", reply("done")))

	r, err := s.e.ActRaw(s.ctx, "role:s")
	s.Require().NoError(err)
	s.Assert().Equal("done", r.Result)
	s.Assert().Equal(true, r.Headers.Extra["seen"])
}

func (s *EngineSuite) TestCallerCancellation() {
	s.Require().NoError(s.e.AddFunc("role:slow", sleeper(200*time.Millisecond, "late")))

	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Millisecond)
	defer cancel()
	_, err := s.e.Act(ctx, "role:slow, $timeout:0")
	s.Assert().ErrorIs(err, ErrCanceled)
}

func (s *EngineSuite) TestNowait() {
	boom := errors.New("boom")
	var handled atomic.Pointer[error]
	e := New(WithErrorPolicy(PolicyFunc(func(err error) bool {
		handled.Store(&err)
		return false
	})))
	s.Require().NoError(e.AddFunc("role:job", func(context.Context, Message, *Headers) (any, error) {
		time.Sleep(20 * time.Millisecond)
		return nil, boom
	}))

	start := time.Now()
	r, err := e.ActRaw(s.ctx, "role:job", Message{"$nowait": true})
	s.Require().NoError(err)
	s.Assert().Nil(r.Result)
	s.Assert().True(r.Headers.Nowait)
	s.Assert().Less(time.Since(start), 20*time.Millisecond)

	waitEngine(s.T(), e)
	got := handled.Load()
	s.Require().NotNil(got)
	s.Assert().ErrorIs(*got, boom)
	s.Assert().ErrorIs(*got, ErrHandler)
}

func (s *EngineSuite) TestNowaitDetachesRemoteTargets() {
	ft := &fakeTransport{result: "remote"}
	s.Require().NoError(s.e.RegisterTransport("fake", ft))
	s.Require().NoError(s.e.AddRemote("role:remote", "fake"))

	res, err := s.e.Act(s.ctx, "role:remote, $nowait")
	s.Require().NoError(err)
	s.Assert().Nil(res)

	waitEngine(s.T(), s.e)
	ft.mu.Lock()
	defer ft.mu.Unlock()
	s.Assert().Len(ft.sent, 1)
}

func (s *EngineSuite) TestChainOrdering() {
	var mu sync.Mutex
	var order []string
	tag := func(name string) HookFunc {
		return func(_ context.Context, in any, _ *Headers) (any, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return in, nil
		}
	}

	s.Require().NoError(s.e.Before(nil, tag("H1")))
	s.Require().NoError(s.e.Before("role:test, act:echo", tag("H2")))
	s.Require().NoError(s.e.AddFunc("role:test, act:echo", func(context.Context, Message, *Headers) (any, error) {
		mu.Lock()
		order = append(order, "T")
		mu.Unlock()
		return "result", nil
	}))
	s.Require().NoError(s.e.After("role:test", tag("H3")))
	s.Require().NoError(s.e.After(nil, tag("H4")))

	res, err := s.e.Act(s.ctx, "role:test, act:echo")
	s.Require().NoError(err)
	s.Assert().Equal("result", res)
	s.Assert().Equal([]string{"H1", "H2", "T", "H3", "H4"}, order)
}

func (s *EngineSuite) TestPatternedHookOrder() {
	var order []string
	tag := func(name string) HookFunc {
		return func(_ context.Context, in any, _ *Headers) (any, error) {
			order = append(order, name)
			return in, nil
		}
	}
	s.Require().NoError(s.e.Before("role:test", tag("before-general")))
	s.Require().NoError(s.e.Before("role:test, act:echo", tag("before-specific")))
	s.Require().NoError(s.e.After("role:test", tag("after-general")))
	s.Require().NoError(s.e.After("role:test, act:echo", tag("after-specific")))
	s.Require().NoError(s.e.AddFunc("role:test, act:echo", reply(nil)))

	_, err := s.e.Act(s.ctx, "role:test, act:echo")
	s.Require().NoError(err)
	s.Assert().Equal([]string{"before-specific", "before-general", "after-general", "after-specific"}, order)
}

func (s *EngineSuite) TestBreakShortCircuits() {
	var targetCalled, afterCalled bool
	s.Require().NoError(s.e.Before("role:cache", func(_ context.Context, _ any, h *Headers) (any, error) {
		h.Break = true
		return "cached", nil
	}))
	s.Require().NoError(s.e.After(nil, func(_ context.Context, in any, _ *Headers) (any, error) {
		afterCalled = true
		return in, nil
	}))
	s.Require().NoError(s.e.AddFunc("role:cache", func(context.Context, Message, *Headers) (any, error) {
		targetCalled = true
		return "fresh", nil
	}))

	res, err := s.e.Act(s.ctx, "role:cache")
	s.Require().NoError(err)
	s.Assert().Equal("cached", res)
	s.Assert().False(targetCalled)
	s.Assert().False(afterCalled)
}

func (s *EngineSuite) TestBreakDirectiveIsIgnored() {
	s.Require().NoError(s.e.AddFunc("role:x", reply("handler")))

	res, err := s.e.Act(s.ctx, "role:x, $break:true")
	s.Require().NoError(err)
	s.Assert().Equal("handler", res)

	s.Require().NoError(s.e.Before(nil, func(_ context.Context, in any, _ *Headers) (any, error) {
		return in, nil
	}))
	res, err = s.e.Act(s.ctx, "role:x, $break:true")
	s.Require().NoError(err)
	s.Assert().Equal("handler", res)

	s.Require().NoError(s.e.AddFunc("role:y, $break:true", reply("registered")))
	res, err = s.e.Act(s.ctx, "role:y")
	s.Require().NoError(err)
	s.Assert().Equal("registered", res)
}

func (s *EngineSuite) TestAfterHooksTransformResult() {
	s.Require().NoError(s.e.AddFunc("role:n", reply(2)))
	s.Require().NoError(s.e.After("role:n", func(_ context.Context, in any, _ *Headers) (any, error) {
		return in.(int) * 10, nil
	}))

	res, err := s.e.Act(s.ctx, "role:n")
	s.Require().NoError(err)
	s.Assert().Equal(20, res)
}

func (s *EngineSuite) TestBeforeHookReplacingMessage() {
	s.Require().NoError(s.e.Before("role:x", func(_ context.Context, in any, _ *Headers) (any, error) {
		msg := in.(Message).Clone()
		msg["added"] = true
		return msg, nil
	}))
	s.Require().NoError(s.e.AddFunc("role:x", func(_ context.Context, msg Message, _ *Headers) (any, error) {
		return msg["added"], nil
	}))

	res, err := s.e.Act(s.ctx, "role:x")
	s.Require().NoError(err)
	s.Assert().Equal(true, res)
}

func (s *EngineSuite) TestHookErrorsAreHandlerErrors() {
	boom := errors.New("denied")
	s.Require().NoError(s.e.Before(nil, func(context.Context, any, *Headers) (any, error) { return nil, boom }))
	s.Require().NoError(s.e.AddFunc("role:x", reply(1)))

	_, err := s.e.Act(s.ctx, "role:x")
	s.Assert().ErrorIs(err, boom)
	s.Assert().Equal(KindHandler, KindOf(err))
}

func (s *EngineSuite) TestHandlerPanic() {
	s.Require().NoError(s.e.AddFunc("role:panic", func(context.Context, Message, *Headers) (any, error) {
		panic("oops")
	}))

	_, err := s.e.Act(s.ctx, "role:panic")
	s.Require().Error(err)
	s.Assert().ErrorIs(err, ErrPanic)
	s.Assert().ErrorIs(err, ErrHandler)

	var re *Error
	s.Require().ErrorAs(err, &re)
	s.Assert().Equal("role:panic", re.Pattern)
}

func (s *EngineSuite) TestMutePolicy() {
	e := New(WithErrorPolicy(Mute()))
	s.Require().NoError(e.AddFunc("role:fail", func(context.Context, Message, *Headers) (any, error) {
		return nil, errors.New("fail")
	}))

	res, err := e.Act(s.ctx, "role:fail")
	s.Assert().NoError(err)
	s.Assert().Nil(res)

	_, err = e.Act(s.ctx, "role:missing")
	s.Assert().ErrorIs(err, ErrNotFound)
}

func (s *EngineSuite) TestTerminatePolicy() {
	var code atomic.Int32
	code.Store(-1)
	e := New(
		WithErrorPolicy(TerminateOn(ErrPanic)),
		WithExitFunc(func(c int) { code.Store(int32(c)) }),
	)
	s.Require().NoError(e.AddFunc("role:panic", func(context.Context, Message, *Headers) (any, error) { panic("x") }))
	s.Require().NoError(e.AddFunc("role:fail", func(context.Context, Message, *Headers) (any, error) {
		return nil, errors.New("recoverable")
	}))

	_, err := e.Act(s.ctx, "role:fail")
	s.Assert().Error(err)
	s.Assert().Equal(int32(-1), code.Load())

	_, err = e.Act(s.ctx, "role:panic")
	s.Assert().ErrorIs(err, ErrPanic)
	s.Assert().Equal(int32(1), code.Load())

	_, err = e.Act(s.ctx, "role:missing")
	s.Assert().ErrorIs(err, ErrNotFound)
	s.Assert().Equal(int32(1), code.Load())
}

func (s *EngineSuite) TestRemoteRoute() {
	ft := &fakeTransport{result: "pong"}
	s.Require().NoError(s.e.RegisterTransport("fake", ft, WithTransportTimeout(time.Second)))
	s.Require().NoError(s.e.AddRemote("role:remote", "fake"))

	r, err := s.e.ActRaw(s.ctx, "role:remote, cmd:ping")
	s.Require().NoError(err)
	s.Assert().Equal("pong", r.Result)
	s.Assert().Equal(time.Second, r.Headers.Timeout)

	ft.mu.Lock()
	defer ft.mu.Unlock()
	s.Require().Len(ft.sent, 1)
	s.Assert().Equal(Message{"role": "remote", "cmd": "ping"}, ft.sent[0])
}

func (s *EngineSuite) TestCallTimeoutWinsOverTransportTimeout() {
	ft := &fakeTransport{}
	s.Require().NoError(s.e.RegisterTransport("fake", ft, WithTransportTimeout(time.Second)))
	s.Require().NoError(s.e.AddRemote("role:remote", "fake"))

	r, err := s.e.ActRaw(s.ctx, "role:remote, $timeout:50")
	s.Require().NoError(err)
	s.Assert().Equal(50*time.Millisecond, r.Headers.Timeout)
}

func (s *EngineSuite) TestRemoteErrorsKeepTheirKind() {
	ft := &fakeTransport{err: &Error{Kind: KindNotFound, Message: "pattern not found"}}
	s.Require().NoError(s.e.RegisterTransport("fake", ft))
	s.Require().NoError(s.e.AddRemote("role:remote", "fake"))

	e := New(WithErrorPolicy(Mute()))
	s.Require().NoError(e.RegisterTransport("fake", ft))
	s.Require().NoError(e.AddRemote("role:remote", "fake"))

	_, err := s.e.Act(s.ctx, "role:remote")
	s.Assert().ErrorIs(err, ErrNotFound)

	_, err = e.Act(s.ctx, "role:remote")
	s.Assert().ErrorIs(err, ErrNotFound)
}

func (s *EngineSuite) TestMissingTransport() {
	s.Require().NoError(s.e.AddRemote("role:remote", "nowhere"))

	_, err := s.e.Act(s.ctx, "role:remote")
	s.Assert().ErrorIs(err, ErrTransport)
}

func (s *EngineSuite) TestLocalSkipsRemoteRoutes() {
	ft := &fakeTransport{result: "remote"}
	s.Require().NoError(s.e.RegisterTransport("fake", ft))
	s.Require().NoError(s.e.AddFunc("role:svc", reply("local")))
	s.Require().NoError(s.e.AddRemote("role:svc, cmd:run", "fake"))

	res, err := s.e.Act(s.ctx, "role:svc, cmd:run")
	s.Require().NoError(err)
	s.Assert().Equal("remote", res)

	res, err = s.e.Act(s.ctx, "role:svc, cmd:run, $local:true")
	s.Require().NoError(err)
	s.Assert().Equal("local", res)

	s.Require().NoError(s.e.Remove("role:svc"))
	_, err = s.e.Act(s.ctx, "role:svc, cmd:run, $local")
	s.Assert().ErrorIs(err, ErrNotFound)
}

func (s *EngineSuite) TestDuplicateTransport() {
	s.Require().NoError(s.e.RegisterTransport("fake", &fakeTransport{}))
	s.Assert().ErrorIs(s.e.RegisterTransport("fake", &fakeTransport{}), ErrUsage)
	s.Assert().ErrorIs(s.e.RegisterTransport("", &fakeTransport{}), ErrUsage)
	s.Assert().ErrorIs(s.e.RegisterTransport("nil", nil), ErrUsage)
}

func (s *EngineSuite) TestStrictDirectives() {
	e := New(WithStrictDirectives(true))
	s.Assert().ErrorIs(e.AddFunc("role:x, $trace:1", reply(1)), ErrUsage)
	s.Require().NoError(e.AddFunc("role:x", reply(1)))

	_, err := e.Act(s.ctx, "role:x, $trace:1")
	s.Assert().ErrorIs(err, ErrUsage)

	r, err := s.e.ActRaw(s.ctx, "role:none")
	s.Assert().Nil(r)
	s.Assert().Error(err)

	s.Require().NoError(s.e.AddFunc("role:x", reply(1)))
	r, err = s.e.ActRaw(s.ctx, "role:x, $trace:1")
	s.Require().NoError(err)
	s.Assert().Equal("1", r.Headers.Extra["trace"])
}

func (s *EngineSuite) TestHeadersAreFreshPerCall() {
	s.Require().NoError(s.e.AddFunc("role:x", reply(1)))

	a, err := s.e.ActRaw(s.ctx, "role:x")
	s.Require().NoError(err)
	b, err := s.e.ActRaw(s.ctx, "role:x")
	s.Require().NoError(err)

	s.Assert().NotSame(a.Headers, b.Headers)
	s.Assert().NotEqual(a.Headers.ID, b.Headers.ID)
	s.Assert().Equal("role:x", a.Headers.Pattern)
	s.Assert().Equal(DefaultTimeout, a.Headers.Timeout)
}

func (s *EngineSuite) TestSlowWarning() {
	var slow atomic.Int32
	events := make(chan Event, 1)
	e := New(WithOnSlow(func(context.Context, *Headers, time.Duration) { slow.Add(1) }))
	e.OnEvent(EventSlow, func(ev Event) { events <- ev })
	s.Require().NoError(e.AddFunc("role:slow", sleeper(30*time.Millisecond, "done")))

	res, err := e.Act(s.ctx, "role:slow, $slow:10")
	s.Require().NoError(err)
	s.Assert().Equal("done", res)
	s.Assert().Equal(int32(1), slow.Load())

	select {
	case ev := <-events:
		s.Assert().Contains(ev.Text, "pattern executed in")
		s.Assert().Contains(ev.Text, "role:slow")
	default:
		s.Fail("no slow event")
	}

	_, err = e.Act(s.ctx, "role:slow, $slow:1000")
	s.Require().NoError(err)
	s.Assert().Equal(int32(1), slow.Load())
}

func (s *EngineSuite) TestConcurrentCalls() {
	s.Require().NoError(s.e.AddFunc("role:echo", func(_ context.Context, msg Message, _ *Headers) (any, error) {
		return msg["n"], nil
	}))

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.e.Act(s.ctx, Message{"role": "echo", "n": i})
			s.NoError(err)
			s.Equal(i, res)
		}()
	}
	wg.Wait()
}

func (s *EngineSuite) TestPatterns() {
	s.Require().NoError(s.e.AddFunc("a:1", reply(1)))
	s.Require().NoError(s.e.AddFunc("a:1, b:2", reply(2)))

	got := s.e.Patterns()
	s.Require().Len(got, 2)
	s.Assert().Equal("a:1, b:2", got[0].String())
}

type NotifySuite struct {
	suite.Suite
	ctx context.Context
}

func TestNotifySuite(t *testing.T) {
	suite.Run(t, new(NotifySuite))
}

func (s *NotifySuite) SetupTest() {
	s.ctx = context.Background()
}

func (s *NotifySuite) collect(e *Engine, pattern string) (*[]Notification, *sync.Mutex) {
	var mu sync.Mutex
	var got []Notification
	_, err := e.Follow(s.ctx, pattern, func(_ context.Context, n Notification) error {
		mu.Lock()
		got = append(got, n)
		mu.Unlock()
		return nil
	})
	s.Require().NoError(err)
	return &got, &mu
}

func (s *NotifySuite) TestNotifyDirective() {
	e := New()
	s.Require().NoError(e.AddFunc("role:greet", reply("hello")))
	got, mu := s.collect(e, "role:greet")

	_, err := e.Act(s.ctx, "role:greet, lang:en")
	s.Require().NoError(err)
	_, err = e.Act(s.ctx, "role:greet, lang:en, $notify")
	s.Require().NoError(err)
	waitEngine(s.T(), e)

	mu.Lock()
	defer mu.Unlock()
	s.Require().Len(*got, 1)
	n := (*got)[0]
	s.Assert().Equal("hello", n.Result)
	s.Assert().Equal("lang.en.role.greet", n.Key)
	s.Assert().NotEmpty(n.Headers.ID)
}

func (s *NotifySuite) TestNotifyRoute() {
	e := New()
	s.Require().NoError(e.AddFunc("role:greet", reply("hello")))
	s.Require().NoError(e.Notify("role:greet"))
	got, mu := s.collect(e, "role:greet")

	_, err := e.Act(s.ctx, "role:greet")
	s.Require().NoError(err)
	waitEngine(s.T(), e)

	mu.Lock()
	defer mu.Unlock()
	s.Assert().Len(*got, 1)
}

func (s *NotifySuite) TestRouteDirectiveAndEngineDefault() {
	e := New(WithNotify(true))
	s.Require().NoError(e.AddFunc("role:a", reply(1)))
	s.Require().NoError(e.AddFunc("role:b, $notify:false", reply(2)))
	got, mu := s.collect(e, "role")

	_, err := e.Act(s.ctx, "role:a")
	s.Require().NoError(err)
	_, err = e.Act(s.ctx, "role:b")
	s.Require().NoError(err)
	waitEngine(s.T(), e)

	mu.Lock()
	defer mu.Unlock()
	s.Require().Len(*got, 1)
	s.Assert().Equal(1, (*got)[0].Result)
}

func (s *NotifySuite) TestFollowerErrorDoesNotAffectCall() {
	e := New(WithNotify(true))
	s.Require().NoError(e.AddFunc("role:x", reply("ok")))
	_, err := e.Follow(s.ctx, "role:x", func(context.Context, Notification) error { return errors.New("listener") })
	s.Require().NoError(err)

	errs := make(chan Event, 1)
	e.OnEvent("notify.*.error", func(ev Event) { errs <- ev })

	res, err := e.Act(s.ctx, "role:x")
	s.Require().NoError(err)
	s.Assert().Equal("ok", res)

	select {
	case ev := <-errs:
		s.Assert().EqualError(ev.Err, "listener")
	case <-time.After(time.Second):
		s.Fail("no error event")
	}
}

func (s *NotifySuite) TestMutedErrorsAreNotified() {
	e := New(WithNotify(true), WithErrorPolicy(Mute()))
	s.Require().NoError(e.AddFunc("role:x", func(context.Context, Message, *Headers) (any, error) {
		return nil, errors.New("fail")
	}))
	got, mu := s.collect(e, "role:x")

	_, err := e.Act(s.ctx, "role:x")
	s.Require().NoError(err)
	waitEngine(s.T(), e)

	mu.Lock()
	defer mu.Unlock()
	s.Require().Len(*got, 1)
	s.Assert().EqualError((*got)[0].Err, "fail: role:x")
}

func (s *NotifySuite) TestDedupAcrossLocalAndRemote() {
	e := New()
	ft := &fakeTransport{}
	s.Require().NoError(e.RegisterTransport("fake", ft))
	s.Require().NoError(e.AddFunc("role:greet", reply("hello")))

	warnings := make(chan Event, 4)
	e.OnEvent(EventWarning, func(ev Event) { warnings <- ev })
	got, mu := s.collect(e, "role:greet")

	_, err := e.Act(s.ctx, "role:greet, $notify:fake")
	s.Require().NoError(err)
	waitEngine(s.T(), e)

	mu.Lock()
	s.Assert().Len(*got, 1)
	mu.Unlock()

	ft.mu.Lock()
	s.Assert().Len(ft.published, 1)
	ft.mu.Unlock()

	select {
	case ev := <-warnings:
		s.Assert().Contains(ev.Text, "was handled before")
	case <-time.After(time.Second):
		s.Fail("no duplicate warning")
	}
}

func (s *NotifySuite) TestDedupWindowExpires() {
	e := New(WithDedupTTL(30 * time.Millisecond))
	ft := &fakeTransport{}
	s.Require().NoError(e.RegisterTransport("fake", ft))
	got, mu := s.collect(e, "role:greet")

	n := Notification{
		Key:     "role.greet",
		Message: Message{"role": "greet"},
		Headers: &Headers{ID: "same"},
	}
	s.Require().NoError(ft.Publish(s.ctx, n))
	s.Require().NoError(ft.Publish(s.ctx, n))
	waitEngine(s.T(), e)

	mu.Lock()
	s.Assert().Len(*got, 1)
	mu.Unlock()

	time.Sleep(80 * time.Millisecond)
	s.Require().NoError(ft.Publish(s.ctx, n))
	waitEngine(s.T(), e)

	mu.Lock()
	defer mu.Unlock()
	s.Assert().Len(*got, 2)
}

func (s *NotifySuite) TestRemoteNotificationWithoutIDIsDropped() {
	e := New()
	ft := &fakeTransport{}
	s.Require().NoError(e.RegisterTransport("fake", ft))
	got, mu := s.collect(e, "role:greet")

	s.Require().NoError(ft.Publish(s.ctx, Notification{Message: Message{"role": "greet"}}))
	waitEngine(s.T(), e)

	mu.Lock()
	defer mu.Unlock()
	s.Assert().Empty(*got)
}

func (s *NotifySuite) TestUnsubscribe() {
	e := New(WithNotify(true))
	s.Require().NoError(e.AddFunc("role:x", reply(1)))
	var calls atomic.Int32
	stop, err := e.Follow(s.ctx, "role:x", func(context.Context, Notification) error {
		calls.Add(1)
		return nil
	})
	s.Require().NoError(err)
	stop()

	_, err = e.Act(s.ctx, "role:x")
	s.Require().NoError(err)
	waitEngine(s.T(), e)
	s.Assert().Zero(calls.Load())
}

func (s *NotifySuite) TestFollowBeforeConnect() {
	e := New()
	ft := &fakeTransport{}
	s.Require().NoError(e.RegisterTransport("fake", offlineFollower{ft}))
	got, mu := s.collect(e, "role:greet")

	s.Require().NoError(e.Connect(s.ctx))
	n := Notification{Message: Message{"role": "greet"}, Headers: &Headers{ID: "r1"}}
	s.Require().NoError(ft.Publish(s.ctx, n))
	waitEngine(s.T(), e)

	mu.Lock()
	defer mu.Unlock()
	s.Require().Len(*got, 1)
	s.Assert().Equal("r1", (*got)[0].Headers.ID)
}

func (s *NotifySuite) TestFollowFailsOnTransportError() {
	e := New()
	s.Require().NoError(e.RegisterTransport("broken", brokenFollower{&fakeTransport{}}))

	_, err := e.Follow(s.ctx, "role:greet", func(context.Context, Notification) error { return nil })
	s.Assert().ErrorIs(err, ErrTransport)
	s.Assert().False(e.bus.hasFollowers())
}

func (s *NotifySuite) TestFollowUsage() {
	e := New()
	_, err := e.Follow(s.ctx, "role:x", nil)
	s.Assert().ErrorIs(err, ErrUsage)
	_, err = e.Follow(s.ctx, "", func(context.Context, Notification) error { return nil })
	s.Assert().ErrorIs(err, ErrUsage)
}

func TestEngine_Defaults(t *testing.T) {
	e := New()
	assert.Equal(t, OrderDepth, e.order)
	assert.Equal(t, DefaultTimeout, e.defaults.Timeout)
	assert.Equal(t, DefaultDedupTTL, e.dedupTTL)
	assert.Equal(t, DefaultDedupSize, e.dedupSize)
	assert.False(t, e.forbidDuplicates)
	assert.False(t, e.strict)
}
