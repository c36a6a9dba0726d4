package guest

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/zeromicro/go-zero/core/threading"
)

var errKilled = errors.New("agent killed")

// AgentFunc is an agent written in Go. argv[0] is the bundle path. It should
// return once ctx is done or stdin fails.
type AgentFunc func(ctx context.Context, argv []string, stdin io.Reader, stdout, stderr io.Writer) error

// FuncLauncher runs an AgentFunc in-process for every launch. Together with
// LocalBackend it allows reference agents without any sandbox.
type FuncLauncher struct {
	Agent AgentFunc
}

func (l FuncLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	if l.Agent == nil {
		return nil, errors.New("agent func is required")
	}
	if len(spec.Argv) == 0 {
		return nil, errors.New("command is required")
	}
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	agentCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p := &funcProcess{
		inR: inR, inW: inW,
		outR: outR,
		errR: errR,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	argv := append([]string(nil), spec.Argv...)
	threading.GoSafe(func() {
		defer close(p.done)
		p.err = l.Agent(agentCtx, argv, inR, outW, errW)
		_ = outW.Close()
		_ = errW.Close()
		_ = inR.CloseWithError(io.ErrClosedPipe)
	})
	return p, nil
}

type funcProcess struct {
	inR  *io.PipeReader
	inW  *io.PipeWriter
	outR *io.PipeReader
	errR *io.PipeReader

	cancel   context.CancelFunc
	killOnce sync.Once
	done     chan struct{}
	err      error
}

func (p *funcProcess) Stdin() io.WriteCloser { return p.inW }
func (p *funcProcess) Stdout() io.Reader     { return p.outR }
func (p *funcProcess) Stderr() io.Reader     { return p.errR }

func (p *funcProcess) Wait() error {
	<-p.done
	return p.err
}

func (p *funcProcess) Kill() error {
	p.killOnce.Do(func() {
		p.cancel()
		_ = p.inR.CloseWithError(errKilled)
		_ = p.outR.CloseWithError(errKilled)
		_ = p.errR.CloseWithError(errKilled)
	})
	return nil
}
