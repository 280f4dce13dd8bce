package daemon

import (
	"context"
	"sync"

	"github.com/go-logr/logr"
	"github.com/kardianos/service"
)

const (
	ServiceName        = "wifimgr"
	ServiceDisplayName = "WiFi Manager"
	ServiceDescription = "Keeps the WiFi station associated and serves the configuration portal"
)

// program adapts a Daemon to the service manager of the platform.
type program struct {
	log    logr.Logger
	ctx    context.Context
	build  func(ctx context.Context) (*Daemon, error)
	cancel context.CancelFunc
	wg     sync.WaitGroup
	err    error
}

func (p *program) Start(s service.Service) error {
	ctx, cancel := context.WithCancel(p.ctx)
	p.cancel = cancel

	d, err := p.build(ctx)
	if err != nil {
		cancel()
		return err
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.err = d.Run(ctx)
	}()
	return nil
}

func (p *program) Stop(s service.Service) error {
	p.log.Info("Service stopping")
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	return p.err
}

// ServiceConfig describes the installed service; args are appended to the
// executable when the service manager starts it.
func ServiceConfig(args []string) *service.Config {
	return &service.Config{
		Name:        ServiceName,
		DisplayName: ServiceDisplayName,
		Description: ServiceDescription,
		Arguments:   append([]string{"run"}, args...),
	}
}

// NewService wraps build in a platform service. Run on the returned service
// blocks until the service manager or an interrupt stops it.
func NewService(ctx context.Context, log logr.Logger, args []string, build func(ctx context.Context) (*Daemon, error)) (service.Service, error) {
	return service.New(&program{log: log, ctx: ctx, build: build}, ServiceConfig(args))
}
