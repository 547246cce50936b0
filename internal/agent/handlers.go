package agent

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Sebx/mitoxide/internal/proto"
)

// how long a killed command's children may hold its output pipes open
const waitDelay = time.Second

func invalid(err error) error {
	return Fail(proto.CodeInvalidRequest, "%v", err)
}

func execProcess(ctx context.Context, req *proto.Message, out *Output) (*proto.Message, error) {
	var p proto.ProcessExec
	if err := req.Decode(&p); err != nil {
		return nil, invalid(err)
	}
	if len(p.Command) == 0 {
		return nil, Fail(proto.CodeInvalidRequest, "empty command")
	}
	runCtx := ctx
	if p.TimeoutSecs > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(p.TimeoutSecs)*time.Second)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, p.Command[0], p.Command[1:]...)
	cmd.WaitDelay = waitDelay
	cmd.Dir = p.Cwd
	if len(p.Env) > 0 {
		keys := make([]string, 0, len(p.Env))
		for k := range p.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		cmd.Env = os.Environ()
		for _, k := range keys {
			cmd.Env = append(cmd.Env, k+"="+p.Env[k])
		}
	}
	cmd.Stdin = bytes.NewReader(p.Stdin)
	var stdout, stderr bytes.Buffer
	if p.Stream {
		cmd.Stdout = out.Writer(proto.ChannelStdout)
		cmd.Stderr = out.Writer(proto.ChannelStderr)
	} else {
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
	}

	start := time.Now()
	err := cmd.Run()
	res := proto.ProcessResult{
		Stdout:     stdout.Bytes(),
		Stderr:     stderr.Bytes(),
		DurationMs: uint64(time.Since(start).Milliseconds()),
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if runCtx.Err() == context.DeadlineExceeded {
		return nil, Fail(proto.CodeTimeout, "%v did not finish within %ds", p.Command[0], p.TimeoutSecs)
	}
	var ee *exec.ExitError
	switch {
	case errors.As(err, &ee):
		res.ExitCode = ee.ExitCode()
	case err != nil:
		return nil, Fail(proto.CodeProcessFailed, "%v", err)
	}
	return proto.NewResponse(req, &res)
}

func metadata(fi fs.FileInfo) proto.FileMetadata {
	return proto.FileMetadata{
		Size:     uint64(fi.Size()),
		Mode:     uint32(fi.Mode().Perm()),
		Modified: fi.ModTime().Unix(),
		IsDir:    fi.IsDir(),
		IsLink:   fi.Mode()&fs.ModeSymlink != 0,
	}
}

func getFile(ctx context.Context, req *proto.Message, out *Output) (*proto.Message, error) {
	var p proto.FileGet
	if err := req.Decode(&p); err != nil {
		return nil, invalid(err)
	}
	f, err := os.Open(p.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if fi.IsDir() {
		return nil, Fail(proto.CodeInvalidRequest, "%v is a directory", p.Path)
	}

	size := uint64(fi.Size())
	start, end := uint64(0), size
	if p.Range != nil {
		start = p.Range.Start
		if p.Range.End != 0 && p.Range.End < end {
			end = p.Range.End
		}
		if start > end {
			return nil, Fail(proto.CodeInvalidRequest, "range %d-%d outside a %d byte file", p.Range.Start, p.Range.End, size)
		}
	}
	content := make([]byte, end-start)
	if _, err := io.ReadFull(io.NewSectionReader(f, int64(start), int64(end-start)), content); err != nil {
		return nil, err
	}
	return proto.NewResponse(req, &proto.FileContent{Content: content, Metadata: metadata(fi)})
}

// putFile writes through a temporary file in the same directory so a reader
// never sees a partial file.
func putFile(ctx context.Context, req *proto.Message, out *Output) (*proto.Message, error) {
	var p proto.FilePut
	if err := req.Decode(&p); err != nil {
		return nil, invalid(err)
	}
	if p.Path == "" {
		return nil, Fail(proto.CodeInvalidRequest, "empty path")
	}
	dir := filepath.Dir(p.Path)
	if p.CreateDirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}
	mode := fs.FileMode(p.Mode).Perm()
	if mode == 0 {
		mode = 0644
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(p.Path)+".mx-*")
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(p.Content); err != nil {
		tmp.Close()
		return nil, err
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp.Name(), p.Path); err != nil {
		return nil, err
	}
	return proto.NewResponse(req, &proto.FilePutResult{BytesWritten: uint64(len(p.Content))})
}

func hidden(name string) bool { return strings.HasPrefix(name, ".") }

func listDir(ctx context.Context, req *proto.Message, out *Output) (*proto.Message, error) {
	var p proto.DirList
	if err := req.Decode(&p); err != nil {
		return nil, invalid(err)
	}
	fi, err := os.Stat(p.Path)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, Fail(proto.CodeInvalidRequest, "%v is not a directory", p.Path)
	}

	listing := proto.DirListing{Entries: []proto.DirEntry{}}
	err = filepath.WalkDir(p.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == p.Path {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !p.IncludeHidden && hidden(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		listing.Entries = append(listing.Entries, proto.DirEntry{Name: d.Name(), Path: path, Metadata: metadata(info)})
		if d.IsDir() && !p.Recursive {
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return proto.NewResponse(req, &listing)
}

func ping(ctx context.Context, req *proto.Message, out *Output) (*proto.Message, error) {
	var p proto.Ping
	if err := req.Decode(&p); err != nil {
		return nil, invalid(err)
	}
	return proto.NewResponse(req, &proto.Pong{Timestamp: p.Timestamp, ServerTime: time.Now().UnixMilli()})
}
