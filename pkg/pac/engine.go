package pac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robertkrimen/otto"

	"github.com/yolkispalkis/detoxgate/pkg/metrics"
)

const (
	defaultPacExecTimeout = 5 * time.Second
	findProxyFuncName     = "FindProxyForURL"
)

// DefaultScript is used when no PAC file is configured.
const DefaultScript = `function FindProxyForURL(url, host) { return "DIRECT"; }`

// Script is a compiled PAC script. It is immutable and safe to evaluate
// from many goroutines at once; every evaluation gets its own VM.
type Script struct {
	Name   string
	Source string

	program *otto.Script
}

// Compile parses source and checks that it defines FindProxyForURL. The
// top-level code is executed once, in a throwaway VM, for that check.
func Compile(name, source string) (*Script, error) {
	vm := otto.New()
	program, err := vm.Compile(name, source)
	if err != nil {
		return nil, &LoadError{Name: name, Err: err}
	}

	s := &Script{Name: name, Source: source, program: program}
	env := &builtins{dns: nil, myIP: "127.0.0.1", now: time.Now}
	err = runGuarded(context.Background(), vm, defaultPacExecTimeout, func() error {
		if err := env.register(vm); err != nil {
			return err
		}
		if _, err := vm.Run(program); err != nil {
			return err
		}
		fn, err := vm.Get(findProxyFuncName)
		if err != nil {
			return err
		}
		if !fn.IsFunction() {
			return ErrFindProxyForURLMissing
		}
		return nil
	})
	if err != nil {
		return nil, &LoadError{Name: name, Err: err}
	}
	return s, nil
}

// MustCompile is like Compile but panics on error; for scripts known to be
// valid such as DefaultScript.
func MustCompile(name, source string) *Script {
	s, err := Compile(name, source)
	if err != nil {
		panic(err)
	}
	return s
}

// Store holds the current Script. Readers never block; a reload publishes
// a complete new Script.
type Store struct {
	current atomic.Pointer[Script]
}

func NewStore(s *Script) *Store {
	st := &Store{}
	st.current.Store(s)
	return st
}

func (st *Store) Load() *Script { return st.current.Load() }

// Swap installs s and returns the previous script.
func (st *Store) Swap(s *Script) *Script { return st.current.Swap(s) }

// EvaluatorOptions tune an Evaluator. Zero values select defaults.
type EvaluatorOptions struct {
	Timeout  time.Duration
	Resolver *DNSCache
	// MyIP overrides the address returned by myIpAddress().
	MyIP string
	// Now is the clock seen by the date and time builtins.
	Now func() time.Time
}

// Evaluator runs FindProxyForURL from the script currently in its Store.
type Evaluator struct {
	store   *Store
	timeout time.Duration
	dns     *DNSCache
	myIP    string
	now     func() time.Time

	evaluations atomic.Uint64
}

func NewEvaluator(store *Store, opts EvaluatorOptions) *Evaluator {
	e := &Evaluator{
		store:   store,
		timeout: opts.Timeout,
		dns:     opts.Resolver,
		myIP:    opts.MyIP,
		now:     opts.Now,
	}
	if e.timeout <= 0 {
		e.timeout = defaultPacExecTimeout
	}
	if e.dns == nil {
		e.dns = NewDNSCache(nil)
	}
	if e.myIP == "" {
		e.myIP = findMyIP()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Evaluations reports how many times FindProxyForURL has been run.
func (e *Evaluator) Evaluations() uint64 { return e.evaluations.Load() }

// Resolver returns the DNS cache shared by all evaluations.
func (e *Evaluator) Resolver() *DNSCache { return e.dns }

// Script returns the script evaluations currently run.
func (e *Evaluator) Script() *Script { return e.store.Load() }

// Evaluate runs FindProxyForURL(url, host) in a fresh VM. It returns a
// non-empty candidate list, an *EvaluationError, or ErrMalformedResult.
func (e *Evaluator) Evaluate(ctx context.Context, targetURL, targetHost string) ([]Candidate, error) {
	script := e.store.Load()
	if script == nil {
		return nil, &EvaluationError{URL: targetURL, Err: errors.New("no PAC script loaded")}
	}
	e.evaluations.Add(1)

	vm := otto.New()
	env := &builtins{dns: e.dns, myIP: e.myIP, now: e.now}

	var result string
	err := runGuarded(ctx, vm, e.timeout, func() error {
		if err := env.register(vm); err != nil {
			return err
		}
		if _, err := vm.Run(script.program); err != nil {
			return fmt.Errorf("failed to load PAC script into JS VM: %w", err)
		}
		fn, err := vm.Get(findProxyFuncName)
		if err != nil || !fn.IsFunction() {
			return ErrFindProxyForURLMissing
		}
		value, err := fn.Call(otto.UndefinedValue(), targetURL, targetHost)
		if err != nil {
			return fmt.Errorf("failed to execute FindProxyForURL in PAC script: %w", err)
		}
		if !value.IsString() {
			return fmt.Errorf("FindProxyForURL returned %s, not a string", value.Class())
		}
		result, _ = value.ToString()
		return nil
	})
	if err != nil {
		return nil, &EvaluationError{URL: targetURL, Err: err}
	}

	slog.Debug("PAC evaluation result", "url", targetURL, "host", targetHost, "result", result)
	return ParseResult(result)
}

// FindProxy is Evaluate with the caller-side recovery applied: any failure
// is logged and answered with DIRECT.
func (e *Evaluator) FindProxy(ctx context.Context, targetURL, targetHost string) []Candidate {
	candidates, err := e.Evaluate(ctx, targetURL, targetHost)
	switch {
	case err == nil:
		metrics.PACEvaluations.WithLabelValues("ok").Inc()
	case errors.Is(err, ErrMalformedResult):
		metrics.PACEvaluations.WithLabelValues("malformed").Inc()
	case errors.Is(err, ErrTimeout):
		metrics.PACEvaluations.WithLabelValues("timeout").Inc()
	default:
		metrics.PACEvaluations.WithLabelValues("error").Inc()
	}
	if err != nil {
		slog.Warn("PAC evaluation failed, using DIRECT", "url", targetURL, "error", err)
		return Direct()
	}
	return candidates
}

type haltSignal struct{ err error }

// runGuarded runs fn on the calling goroutine, interrupting the VM once
// timeout elapses or ctx is done.
func runGuarded(ctx context.Context, vm *otto.Otto, timeout time.Duration, fn func() error) (err error) {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	vm.Interrupt = make(chan func(), 1)
	halt := make(chan struct{})
	defer close(halt)

	go func() {
		select {
		case <-timeoutCtx.Done():
			cause := ErrTimeout
			if errors.Is(timeoutCtx.Err(), context.Canceled) {
				cause = fmt.Errorf("pac script execution cancelled: %w", ctx.Err())
			}
			select {
			case vm.Interrupt <- func() { panic(haltSignal{err: cause}) }:
			case <-halt:
			}
		case <-halt:
		}
	}()

	defer func() {
		if caught := recover(); caught != nil {
			if h, ok := caught.(haltSignal); ok {
				slog.Warn("PAC script execution interrupted", "timeout", timeout, "error", h.err)
				err = h.err
				return
			}
			err = fmt.Errorf("panic during PAC script execution: %v", caught)
		}
	}()

	return fn()
}
