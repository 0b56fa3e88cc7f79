package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/rpc"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProgram is the supervisord-side state of one program.
type fakeProgram struct {
	pid        int
	start      int64
	stop       int64
	exitStatus int
	running    bool
}

// fakeSupervisord answers RPCs from memory.
type fakeSupervisord struct {
	mu       sync.Mutex
	programs map[string]*fakeProgram
	calls    []string
	nextPID  int
	clock    int64
	hang     bool
	closed   bool
	// info overrides getProcessInfo replies when set
	info map[string]any
}

func newFakeSupervisord(programs ...string) *fakeSupervisord {
	f := &fakeSupervisord{programs: map[string]*fakeProgram{}, nextPID: 2000, clock: 1700000000}
	for _, p := range programs {
		f.programs[p] = &fakeProgram{}
	}
	return f
}

func (f *fakeSupervisord) Go(method string, args any, reply any, done chan *rpc.Call) *rpc.Call {
	call := &rpc.Call{ServiceMethod: method, Args: args, Reply: reply, Done: done}
	if f.hang {
		return call
	}
	call.Error = f.handle(method, args.([]any), reply)
	done <- call
	return call
}

func (f *fakeSupervisord) handle(method string, args []any, reply any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	name := args[0].(string)
	f.calls = append(f.calls, method+" "+name)
	prog, ok := f.programs[name]
	if !ok {
		return rpc.ServerError("Fault(10): BAD_NAME: " + name)
	}
	f.clock++

	switch method {
	case methodStartProcess:
		if prog.running {
			return rpc.ServerError("Fault(60): ALREADY_STARTED: " + name)
		}
		f.nextPID++
		prog.pid, prog.running, prog.start = f.nextPID, true, f.clock
		*reply.(*bool) = true
	case methodStopProcess:
		if !prog.running {
			return rpc.ServerError("Fault(70): NOT_RUNNING: " + name)
		}
		prog.pid, prog.running, prog.stop = 0, false, f.clock
		*reply.(*bool) = true
	case methodGetProcessInfo:
		info := map[string]any{
			"name":       name,
			"pid":        int64(prog.pid),
			"start":      prog.start,
			"stop":       prog.stop,
			"exitstatus": int64(prog.exitStatus),
		}
		if f.info != nil {
			info = f.info
		}
		*reply.(*map[string]any) = info
	default:
		return rpc.ServerError("Fault(1): UNKNOWN_METHOD")
	}
	return nil
}

// crash simulates the program dying on its own.
func (f *fakeSupervisord) crash(name string, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clock++
	p := f.programs[name]
	p.pid, p.running, p.stop, p.exitStatus = 0, false, f.clock, code
}

func (f *fakeSupervisord) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func newTestSupervisordService(fake *fakeSupervisord, process string) *SupervisordService {
	return NewSupervisordService("proxy", KindProxy, "http://fake/RPC2", process,
		WithSupervisordConnection(NewSupervisordConnectionWith("http://fake/RPC2", fake)))
}

func TestSupervisordService_Lifecycle(t *testing.T) {
	ctx := context.Background()
	fake := newFakeSupervisord("squid")
	svc := newTestSupervisordService(fake, "squid")

	assert.Equal(t, NotRunning, svc.PID())
	assert.Equal(t, "squid", svc.Process())

	require.NoError(t, svc.Start(ctx))
	assert.Equal(t, 2001, svc.PID())
	assert.NoError(t, svc.Status(ctx))
	assert.Equal(t, []string{"supervisor.startProcess squid", "supervisor.getProcessInfo squid", "supervisor.getProcessInfo squid"}, fake.calls)

	assert.ErrorIs(t, svc.Start(ctx), ErrAlreadyRunning)

	require.NoError(t, svc.Restart(ctx))
	assert.Equal(t, 2002, svc.PID())
	assert.NoError(t, svc.Status(ctx), "a restarted program keeps its old stop time")

	require.NoError(t, svc.Stop(ctx))
	assert.Equal(t, NotRunning, svc.PID())
	assert.ErrorIs(t, svc.Stop(ctx), ErrAlreadyStopped)
}

func TestSupervisordService_StatusUnexpectedExit(t *testing.T) {
	ctx := context.Background()
	fake := newFakeSupervisord("squid")
	svc := newTestSupervisordService(fake, "squid")

	require.NoError(t, svc.Start(ctx))
	fake.crash("squid", 137)

	err := svc.Status(ctx)
	require.ErrorIs(t, err, ErrUnexpectedExit)
	var exit *ExitError
	require.True(t, errors.As(err, &exit))
	assert.Equal(t, 137, exit.Code)
}

func TestSupervisordService_Faults(t *testing.T) {
	ctx := context.Background()
	fake := newFakeSupervisord("squid")

	unknown := newTestSupervisordService(fake, "nginx")
	assert.ErrorIs(t, unknown.Start(ctx), ErrServiceNotFound)
	assert.ErrorIs(t, unknown.Status(ctx), ErrServiceNotFound)

	// supervisord already runs the program though this instance never
	// started it; its PID is adopted.
	fake.programs["squid"].running = true
	fake.programs["squid"].pid = 4242
	svc := newTestSupervisordService(fake, "squid")
	assert.ErrorIs(t, svc.Start(ctx), ErrAlreadyRunning)
	assert.Equal(t, 4242, svc.PID())

	require.NoError(t, svc.Stop(ctx))
	assert.False(t, fake.programs["squid"].running)
}

func TestSupervisordService_AutostartedProgram(t *testing.T) {
	ctx := context.Background()
	fake := newFakeSupervisord("squid")
	fake.programs["squid"].running = true
	fake.programs["squid"].pid = 4242
	fake.programs["squid"].start = 1

	svc := newTestSupervisordService(fake, "squid")
	sup := newTestSupervisor(t, svc)

	require.NoError(t, sup.StartAll(ctx))
	assert.Equal(t, 4242, svc.PID())
	got, err := sup.GetByPID(4242)
	require.NoError(t, err)
	assert.Same(t, svc, got)
	assert.Equal(t, StateRunning, sup.GetStatusMap(ctx)["proxy"])

	require.NoError(t, sup.StopAll(ctx))
	assert.False(t, fake.programs["squid"].running, "StopAll reaches an adopted program")
	assert.Equal(t, NotRunning, svc.PID())
	_, err = sup.GetByPID(4242)
	assert.ErrorIs(t, err, ErrUnknownService)
}

func TestFaultError(t *testing.T) {
	tests := []struct {
		msg  string
		want error
	}{
		{"Fault(10): BAD_NAME: squid", ErrServiceNotFound},
		{"Fault(60): ALREADY_STARTED: squid", ErrAlreadyRunning},
		{"Fault(70): NOT_RUNNING: squid", ErrAlreadyStopped},
		{"Fault(10): BAD_NAME: NOT_RUNNING_x", ErrServiceNotFound},
		{"Fault(70): NOT_RUNNING: ALREADY_STARTED_x", ErrAlreadyStopped},
	}
	for _, tt := range tests {
		err := faultError(rpc.ServerError(tt.msg))
		assert.ErrorIs(t, err, tt.want, tt.msg)
		for _, other := range []error{ErrServiceNotFound, ErrAlreadyRunning, ErrAlreadyStopped} {
			if other != tt.want {
				assert.NotErrorIs(t, err, other, tt.msg)
			}
		}
	}

	for _, msg := range []string{"Fault(2): INCORRECT_PARAMETERS: ALREADY_STARTED", "connection refused NOT_RUNNING"} {
		err := rpc.ServerError(msg)
		assert.Equal(t, error(err), faultError(err), msg)
	}
}

func TestSupervisordService_StopNotRunningFault(t *testing.T) {
	ctx := context.Background()
	fake := newFakeSupervisord("squid")
	svc := newTestSupervisordService(fake, "squid")

	require.NoError(t, svc.Start(ctx))
	fake.crash("squid", 1)

	err := svc.Stop(ctx)
	assert.ErrorIs(t, err, ErrAlreadyStopped)
}

func TestSupervisordService_PIDNormalization(t *testing.T) {
	ctx := context.Background()
	for _, v := range []any{int64(31), 31, "31", float64(31), uint32(31)} {
		fake := newFakeSupervisord("squid")
		fake.info = map[string]any{"pid": v, "start": int64(1), "stop": int64(0), "exitstatus": int64(0)}
		svc := newTestSupervisordService(fake, "squid")

		require.NoError(t, svc.Start(ctx), "%T", v)
		assert.Equal(t, 31, svc.PID(), "%T", v)
	}

	fake := newFakeSupervisord("squid")
	fake.info = map[string]any{"pid": []string{"31"}}
	svc := newTestSupervisordService(fake, "squid")
	assert.ErrorIs(t, svc.Start(ctx), ErrInvalidPropertyType)

	fake = newFakeSupervisord("squid")
	fake.info = map[string]any{"pid": int64(0)}
	svc = newTestSupervisordService(fake, "squid")
	assert.ErrorIs(t, svc.Start(ctx), ErrPIDNotFound)
	assert.Equal(t, NotRunning, svc.PID())
}

func TestSupervisordService_CallHonorsContext(t *testing.T) {
	fake := newFakeSupervisord("squid")
	fake.hang = true
	svc := newTestSupervisordService(fake, "squid")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, svc.Start(ctx), context.DeadlineExceeded)
	assert.Equal(t, NotRunning, svc.PID())
}

func TestSupervisordConnection_Close(t *testing.T) {
	fake := newFakeSupervisord()
	conn := NewSupervisordConnectionWith("http://fake/RPC2", fake)

	c, err := conn.Client()
	require.NoError(t, err)
	assert.Same(t, RPCCaller(fake), c)

	require.NoError(t, conn.Close())
	assert.True(t, fake.closed)

	_, err = conn.Client()
	assert.ErrorIs(t, err, ErrConnectionClosed)

	svc := NewSupervisordService("proxy", KindProxy, conn.URL(), "squid", WithSupervisordConnection(conn))
	assert.ErrorIs(t, svc.Start(context.Background()), ErrConnectionClosed)
}

func TestSharedSupervisordConnection(t *testing.T) {
	a := SharedSupervisordConnection("http://127.0.0.1:1/RPC2")
	b := SharedSupervisordConnection("http://127.0.0.1:1/RPC2")
	c := SharedSupervisordConnection("http://127.0.0.1:2/RPC2")
	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
}

var methodNameRx = regexp.MustCompile(`<methodName>([^<]+)</methodName>`)

// xmlrpcResponder speaks just enough XML-RPC to stand in for supervisord.
func xmlrpcResponder(t *testing.T) http.Handler {
	var mu sync.Mutex
	running := false
	pid := 0

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("reading request: %v", err)
			return
		}
		m := methodNameRx.FindSubmatch(body)
		if m == nil {
			t.Errorf("no method in request %s", body)
			return
		}

		mu.Lock()
		defer mu.Unlock()

		w.Header().Set("Content-Type", "text/xml")
		switch string(m[1]) {
		case methodStartProcess:
			if running {
				fmt.Fprint(w, xmlrpcFault(60, "ALREADY_STARTED: tftp"))
				return
			}
			running = true
			pid = 4242
			fmt.Fprint(w, xmlrpcBool(true))
		case methodStopProcess:
			if !running {
				fmt.Fprint(w, xmlrpcFault(70, "NOT_RUNNING: tftp"))
				return
			}
			running = false
			pid = 0
			fmt.Fprint(w, xmlrpcBool(true))
		case methodGetProcessInfo:
			fmt.Fprintf(w, `<?xml version="1.0"?><methodResponse><params><param><value><struct>`+
				`<member><name>name</name><value><string>tftp</string></value></member>`+
				`<member><name>pid</name><value><int>%d</int></value></member>`+
				`<member><name>start</name><value><int>1700000000</int></value></member>`+
				`<member><name>stop</name><value><int>0</int></value></member>`+
				`<member><name>exitstatus</name><value><int>0</int></value></member>`+
				`</struct></value></param></params></methodResponse>`, pid)
		default:
			fmt.Fprint(w, xmlrpcFault(1, "UNKNOWN_METHOD"))
		}
	})
}

func xmlrpcBool(v bool) string {
	b := 0
	if v {
		b = 1
	}
	return fmt.Sprintf(`<?xml version="1.0"?><methodResponse><params><param><value><boolean>%d</boolean></value></param></params></methodResponse>`, b)
}

func xmlrpcFault(code int, msg string) string {
	return fmt.Sprintf(`<?xml version="1.0"?><methodResponse><fault><value><struct>`+
		`<member><name>faultCode</name><value><int>%d</int></value></member>`+
		`<member><name>faultString</name><value><string>%s</string></value></member>`+
		`</struct></value></fault></methodResponse>`, code, msg)
}

func TestSupervisordService_XMLRPC(t *testing.T) {
	srv := httptest.NewServer(xmlrpcResponder(t))
	defer srv.Close()

	conn := NewSupervisordConnection(srv.URL+"/RPC2", &http.Transport{DisableKeepAlives: true})
	defer func() { require.NoError(t, conn.Close()) }()

	svc := NewSupervisordService("tftp", KindTFTP, conn.URL(), "tftp", WithSupervisordConnection(conn))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, svc.Start(ctx))
	assert.Equal(t, 4242, svc.PID())
	assert.NoError(t, svc.Status(ctx))

	// A second instance for the same program sees the fault.
	other := NewSupervisordService("tftp-2", KindTFTP, conn.URL(), "tftp", WithSupervisordConnection(conn))
	assert.ErrorIs(t, other.Start(ctx), ErrAlreadyRunning)
	assert.Equal(t, 4242, other.PID(), "the running program's PID is adopted")

	require.NoError(t, svc.Stop(ctx))
	assert.Equal(t, NotRunning, svc.PID())
}
