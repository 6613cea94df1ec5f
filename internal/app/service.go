package app

import (
	"context"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/kardianos/service"
	"jobflow/internal/config"
)

// StopTimeout bounds a full App.Stop.
const StopTimeout = 30 * time.Second

const defaultServiceName = "jobflow"

// Run starts the app from cfgPath and blocks until a signal arrives on
// sigs, ctx is done or the app fails, then stops it.
func Run(ctx context.Context, cfgPath string, sigs <-chan os.Signal) error {
	a, err := New(cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), StopFatalError)
		return err
	}

	var reason StopReason
	select {
	case sig := <-sigs:
		reason = stopReasonOf(sig)
	case <-ctx.Done():
		reason = StopUnknown
	case <-a.Done():
		reason = StopFatalError
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), StopTimeout)
	defer cancel()
	_ = a.Stop(stopCtx, reason)
	return a.Err()
}

func stopReasonOf(sig os.Signal) StopReason {
	switch sig {
	case os.Interrupt:
		return StopSIGINT
	case syscall.SIGTERM:
		return StopSIGTERM
	default:
		return StopUnknown
	}
}

// program adapts App to the OS service manager.
type program struct {
	cfgPath string

	mu     sync.Mutex
	app    *App
	cancel context.CancelFunc
}

func (p *program) Start(service.Service) error {
	a, err := New(p.cfgPath)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := a.Start(ctx); err != nil {
		cancel()
		_ = a.Stop(context.Background(), StopFatalError)
		return err
	}
	p.mu.Lock()
	p.app, p.cancel = a, cancel
	p.mu.Unlock()
	return nil
}

func (p *program) Stop(service.Service) error {
	p.mu.Lock()
	a, cancel := p.app, p.cancel
	p.app, p.cancel = nil, nil
	p.mu.Unlock()
	if a == nil {
		return nil
	}
	ctx, done := context.WithTimeout(context.Background(), StopTimeout)
	defer done()
	err := a.Stop(ctx, StopServiceStop)
	cancel()
	return err
}

// NewService builds the OS service that runs the app from cfgPath. The
// service name falls back to "jobflow".
func NewService(cfgPath string, sc config.ServiceConfig) (service.Service, error) {
	name := strings.TrimSpace(sc.Name)
	if name == "" {
		name = defaultServiceName
	}
	display := strings.TrimSpace(sc.DisplayName)
	if display == "" {
		display = name
	}
	desc := strings.TrimSpace(sc.Description)
	if desc == "" {
		desc = "Runs scheduled jobs and their dependency chains."
	}
	svcCfg := &service.Config{
		Name:        name,
		DisplayName: display,
		Description: desc,
		Arguments:   []string{"run", "--config", cfgPath},
	}
	return service.New(&program{cfgPath: cfgPath}, svcCfg)
}
