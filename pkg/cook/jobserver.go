package cook

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"
)

// TokenPool bounds concurrent script executions. One token is one job slot.
type TokenPool interface {
	Acquire(ctx context.Context) error
	Release()
}

type localPool struct {
	sem *semaphore.Weighted
}

// NewLocalPool bounds execution to n parallel jobs.
func NewLocalPool(n int) TokenPool {
	if n < 1 {
		n = 1
	}
	return &localPool{sem: semaphore.NewWeighted(int64(n))}
}

func (p *localPool) Acquire(ctx context.Context) error {
	return p.sem.Acquire(ctx, 1)
}

func (p *localPool) Release() {
	p.sem.Release(1)
}

// jobServer participates in a make jobserver: tokens are single bytes passed
// through a pipe inherited from the parent build. The process itself owns one
// implicit slot; only additional parallelism needs a token from the pipe.
type jobServer struct {
	r, w     *os.File
	implicit chan struct{}

	mu    sync.Mutex
	order []bool // held token kinds, FIFO: true = implicit slot, false = pipe token
}

// NewJobServerFromMakeflags parses a MAKEFLAGS value for the jobserver file
// descriptors (`--jobserver-auth=R,W`, older `--jobserver-fds=R,W`). Returns
// nil when the flags carry no usable jobserver.
func NewJobServerFromMakeflags(makeflags string) (TokenPool, error) {
	var spec string
	for _, word := range strings.Fields(makeflags) {
		if v, ok := strings.CutPrefix(word, "--jobserver-auth="); ok {
			spec = v
		} else if v, ok := strings.CutPrefix(word, "--jobserver-fds="); ok {
			spec = v
		}
	}
	if spec == "" || strings.HasPrefix(spec, "fifo:") {
		return nil, nil
	}
	parts := strings.SplitN(spec, ",", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("malformed jobserver spec %q", spec)
	}
	rfd, err1 := strconv.Atoi(parts[0])
	wfd, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || rfd < 0 || wfd < 0 {
		return nil, fmt.Errorf("malformed jobserver spec %q", spec)
	}
	return newJobServer(os.NewFile(uintptr(rfd), "jobserver-r"), os.NewFile(uintptr(wfd), "jobserver-w")), nil
}

func newJobServer(r, w *os.File) *jobServer {
	js := &jobServer{
		r:        r,
		w:        w,
		implicit: make(chan struct{}, 1),
	}
	js.implicit <- struct{}{}
	return js
}

func (js *jobServer) hold(implicit bool) {
	js.mu.Lock()
	js.order = append(js.order, implicit)
	js.mu.Unlock()
}

func (js *jobServer) Acquire(ctx context.Context) error {
	select {
	case <-js.implicit:
		js.hold(true)
		return nil
	default:
	}

	got := make(chan error, 1)
	go func() {
		buf := make([]byte, 1)
		_, err := js.r.Read(buf)
		got <- err
	}()
	select {
	case err := <-got:
		if err != nil {
			return fmt.Errorf("jobserver: %w", err)
		}
		js.hold(false)
		return nil
	case <-js.implicit:
		// the implicit slot freed up while we were waiting on the pipe;
		// take it and return the pipe token once the read completes
		go func() {
			if err := <-got; err == nil {
				js.w.Write([]byte{'+'})
			}
		}()
		js.hold(true)
		return nil
	case <-ctx.Done():
		go func() {
			if err := <-got; err == nil {
				js.w.Write([]byte{'+'})
			}
		}()
		return ctx.Err()
	}
}

func (js *jobServer) Release() {
	js.mu.Lock()
	implicit := js.order[0]
	js.order = js.order[1:]
	js.mu.Unlock()

	if implicit {
		js.implicit <- struct{}{}
		return
	}
	js.w.Write([]byte{'+'})
}
