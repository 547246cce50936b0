package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"testing"
	"time"

	"github.com/Sebx/mitoxide/internal/bootstrap"
	"github.com/Sebx/mitoxide/internal/multiplex"
	"github.com/Sebx/mitoxide/internal/proto"
	"github.com/cbeuw/connutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serveRouter connects a client session to a router serving on the far end.
func serveRouter(t *testing.T, r *Router) *multiplex.Session {
	local, remote := connutil.AsyncPipe()
	client := multiplex.MakeSession(local, multiplex.SessionConfig{Initiator: true})
	agent := multiplex.MakeSession(remote, multiplex.SessionConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = r.Serve(ctx, agent)
		close(done)
	}()
	t.Cleanup(func() {
		client.Close()
		cancel()
		<-done
	})
	return client
}

// roundTrip sends req on a new stream and collects everything sent back.
func roundTrip(t *testing.T, sesh *multiplex.Session, req *proto.Message) (data []*proto.Message, resp *proto.Message) {
	s, err := sesh.OpenStream()
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, proto.WriteMessage(s, req))
	require.NoError(t, s.CloseWrite())
	r := proto.NewReader(s)
	for {
		m, err := r.Read()
		require.NoError(t, err)
		if m.Type == proto.TypeResponse {
			return data, m
		}
		data = append(data, m)
	}
}

func request(t *testing.T, kind proto.Kind, body interface{}) *proto.Message {
	req, err := proto.NewRequest(kind, body)
	require.NoError(t, err)
	return req
}

func code(t *testing.T, resp *proto.Message) proto.ErrorCode {
	var details *proto.ErrorDetails
	require.True(t, errors.As(resp.Err(), &details), "response succeeded")
	return details.Code
}

func needSh(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
}

func TestExecEcho(t *testing.T) {
	needSh(t)
	client := serveRouter(t, NewRouter(proto.Hello{}))
	req := request(t, proto.KindProcessExec, &proto.ProcessExec{Command: []string{"echo", "hi"}})
	_, resp := roundTrip(t, client, req)
	require.NoError(t, resp.Err())
	assert.Equal(t, req.ID, resp.ID)

	var res proto.ProcessResult
	require.NoError(t, resp.Decode(&res))
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "hi\n", string(res.Stdout))
}

func TestExecDetails(t *testing.T) {
	needSh(t)
	client := serveRouter(t, NewRouter(proto.Hello{}))
	dir := t.TempDir()
	_, resp := roundTrip(t, client, request(t, proto.KindProcessExec, &proto.ProcessExec{
		Command: []string{"sh", "-c", `read line; echo "$line $GREETING $(pwd)"; echo oops >&2; exit 3`},
		Env:     map[string]string{"GREETING": "hello"},
		Cwd:     dir,
		Stdin:   []byte("input\n"),
	}))
	require.NoError(t, resp.Err())
	var res proto.ProcessResult
	require.NoError(t, resp.Decode(&res))
	assert.Equal(t, 3, res.ExitCode)
	realDir, _ := filepath.EvalSymlinks(dir)
	assert.Contains(t, []string{"input hello " + dir + "\n", "input hello " + realDir + "\n"}, string(res.Stdout))
	assert.Equal(t, "oops\n", string(res.Stderr))
}

func TestExecStreaming(t *testing.T) {
	needSh(t)
	client := serveRouter(t, NewRouter(proto.Hello{}))
	req := request(t, proto.KindProcessExec, &proto.ProcessExec{
		Command: []string{"sh", "-c", "echo out; echo err >&2"},
		Stream:  true,
	})
	data, resp := roundTrip(t, client, req)
	require.NoError(t, resp.Err())

	got := map[proto.Channel]string{}
	for _, m := range data {
		assert.Equal(t, proto.TypeStreamData, m.Type)
		assert.Equal(t, req.ID, m.ID)
		got[m.Channel] += string(m.Data)
	}
	assert.Equal(t, "out\n", got[proto.ChannelStdout])
	assert.Equal(t, "err\n", got[proto.ChannelStderr])

	var res proto.ProcessResult
	require.NoError(t, resp.Decode(&res))
	assert.Empty(t, res.Stdout)
}

func TestExecTimeout(t *testing.T) {
	needSh(t)
	client := serveRouter(t, NewRouter(proto.Hello{}))
	_, resp := roundTrip(t, client, request(t, proto.KindProcessExec, &proto.ProcessExec{
		Command:     []string{"sleep", "10"},
		TimeoutSecs: 1,
	}))
	assert.Equal(t, proto.CodeTimeout, code(t, resp))
}

func TestExecNoSuchCommand(t *testing.T) {
	client := serveRouter(t, NewRouter(proto.Hello{}))
	_, resp := roundTrip(t, client, request(t, proto.KindProcessExec, &proto.ProcessExec{Command: []string{"/nonexistent/mx-test"}}))
	assert.Equal(t, proto.CodeProcessFailed, code(t, resp))

	_, resp = roundTrip(t, client, request(t, proto.KindProcessExec, &proto.ProcessExec{}))
	assert.Equal(t, proto.CodeInvalidRequest, code(t, resp))
}

func TestFileGet(t *testing.T) {
	client := serveRouter(t, NewRouter(proto.Hello{}))
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0640))

	_, resp := roundTrip(t, client, request(t, proto.KindFileGet, &proto.FileGet{Path: path}))
	var fc proto.FileContent
	require.NoError(t, resp.Err())
	require.NoError(t, resp.Decode(&fc))
	assert.Equal(t, "0123456789", string(fc.Content))
	assert.EqualValues(t, 10, fc.Metadata.Size)
	assert.EqualValues(t, 0640, fc.Metadata.Mode)

	_, resp = roundTrip(t, client, request(t, proto.KindFileGet, &proto.FileGet{Path: path, Range: &proto.ByteRange{Start: 2, End: 5}}))
	require.NoError(t, resp.Decode(&fc))
	assert.Equal(t, "234", string(fc.Content))

	_, resp = roundTrip(t, client, request(t, proto.KindFileGet, &proto.FileGet{Path: path, Range: &proto.ByteRange{Start: 8}}))
	require.NoError(t, resp.Decode(&fc))
	assert.Equal(t, "89", string(fc.Content))

	_, resp = roundTrip(t, client, request(t, proto.KindFileGet, &proto.FileGet{Path: path, Range: &proto.ByteRange{Start: 11}}))
	assert.Equal(t, proto.CodeInvalidRequest, code(t, resp))

	_, resp = roundTrip(t, client, request(t, proto.KindFileGet, &proto.FileGet{Path: path + ".missing"}))
	assert.Equal(t, proto.CodeFileNotFound, code(t, resp))
}

func TestFilePut(t *testing.T) {
	client := serveRouter(t, NewRouter(proto.Hello{}))
	path := filepath.Join(t.TempDir(), "a", "b", "f")

	_, resp := roundTrip(t, client, request(t, proto.KindFilePut, &proto.FilePut{Path: path, Content: []byte("data")}))
	assert.Equal(t, proto.CodeFileNotFound, code(t, resp))

	_, resp = roundTrip(t, client, request(t, proto.KindFilePut, &proto.FilePut{Path: path, Content: []byte("data"), Mode: 0600, CreateDirs: true}))
	require.NoError(t, resp.Err())
	var res proto.FilePutResult
	require.NoError(t, resp.Decode(&res))
	assert.EqualValues(t, 4, res.BytesWritten)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "data", string(got))
	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.EqualValues(t, 0600, fi.Mode().Perm())

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary file left behind")
}

func TestDirList(t *testing.T) {
	client := serveRouter(t, NewRouter(proto.Hello{}))
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b"), nil, 0644))

	names := func(body *proto.DirList) []string {
		_, resp := roundTrip(t, client, request(t, proto.KindDirList, body))
		require.NoError(t, resp.Err())
		var listing proto.DirListing
		require.NoError(t, resp.Decode(&listing))
		var out []string
		for _, e := range listing.Entries {
			rel, _ := filepath.Rel(dir, e.Path)
			out = append(out, rel)
		}
		sort.Strings(out)
		return out
	}
	assert.Equal(t, []string{"a", "sub"}, names(&proto.DirList{Path: dir}))
	assert.Equal(t, []string{".hidden", "a", "sub"}, names(&proto.DirList{Path: dir, IncludeHidden: true}))
	assert.Equal(t, []string{"a", "sub", "sub/b"}, names(&proto.DirList{Path: dir, Recursive: true}))
}

func TestPing(t *testing.T) {
	client := serveRouter(t, NewRouter(proto.Hello{}))
	_, resp := roundTrip(t, client, request(t, proto.KindPing, &proto.Ping{Timestamp: 7}))
	var pong proto.Pong
	require.NoError(t, resp.Decode(&pong))
	assert.EqualValues(t, 7, pong.Timestamp)
	assert.NotZero(t, pong.ServerTime)
}

func TestUnsupportedKind(t *testing.T) {
	client := serveRouter(t, NewRouter(proto.Hello{}))
	_, resp := roundTrip(t, client, request(t, proto.KindWasmExec, &proto.WasmExec{Module: []byte{0}}))
	assert.Equal(t, proto.CodeUnsupported, code(t, resp))
}

func TestNotARequest(t *testing.T) {
	client := serveRouter(t, NewRouter(proto.Hello{}))
	req := request(t, proto.KindPing, &proto.Ping{})
	stray, _ := proto.NewResponse(req, &proto.Pong{})
	_, resp := roundTrip(t, client, stray)
	assert.Equal(t, proto.CodeInvalidRequest, code(t, resp))
}

func TestPluggableHandler(t *testing.T) {
	r := NewRouter(proto.Hello{})
	r.Handle(proto.KindWasmExec, func(ctx context.Context, req *proto.Message, out *Output) (*proto.Message, error) {
		var p proto.WasmExec
		if err := req.Decode(&p); err != nil {
			return nil, err
		}
		return proto.NewResponse(req, &proto.WasmResult{Output: append([]byte("ran:"), p.Input...)})
	})
	client := serveRouter(t, r)
	_, resp := roundTrip(t, client, request(t, proto.KindWasmExec, &proto.WasmExec{Module: []byte{0}, Input: []byte("x")}))
	var res proto.WasmResult
	require.NoError(t, resp.Decode(&res))
	assert.Equal(t, "ran:x", string(res.Output))
}

func TestHandshakeAdvertisesHandlers(t *testing.T) {
	client := serveRouter(t, NewRouter(proto.Hello{AgentVersion: "1.2.3"}))
	peer, err := bootstrap.Handshake(context.Background(), client, proto.Hello{}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", peer.AgentVersion)
	assert.True(t, peer.Supports(proto.KindProcessExec))
	assert.True(t, peer.Supports(proto.KindFilePut))
	assert.False(t, peer.Supports(proto.KindWasmExec))
}

func TestResetCancelsHandler(t *testing.T) {
	r := NewRouter(proto.Hello{})
	started := make(chan struct{})
	cancelled := make(chan struct{})
	r.Handle(proto.KindPtyExec, func(ctx context.Context, req *proto.Message, out *Output) (*proto.Message, error) {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return nil, ctx.Err()
	})
	client := serveRouter(t, r)

	s, err := client.OpenStream()
	require.NoError(t, err)
	require.NoError(t, proto.WriteMessage(s, request(t, proto.KindPtyExec, &proto.PtyExec{Command: []string{"top"}})))
	<-started
	require.NoError(t, s.Reset(multiplex.ResetCancel))

	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("handler was not cancelled")
	}
}
