package signal

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
)

// DefaultFunction is the export a script scorer calls.
const DefaultFunction = "score"

// DefaultScriptTimeout bounds a single score call.
const DefaultScriptTimeout = 50 * time.Millisecond

var (
	// ErrFunctionMissing indicates the module does not export the score function.
	ErrFunctionMissing = errors.New("signal: score function missing")
	// ErrScriptClosed is returned by Score after Close.
	ErrScriptClosed = errors.New("signal: script closed")
)

// Script scores features with a JavaScript module. The module assigns its
// scorer to module.exports (or exports), for example:
//
//	exports.score = function (features) { return features[0] > 0 ? 0.6 : 0.4; };
//
// A Script owns one runtime and serialises calls on it.
type Script struct {
	name    string
	timeout time.Duration

	mu     sync.Mutex
	rt     *goja.Runtime
	fn     goja.Callable
	closed bool
}

// ScriptOption customises a Script.
type ScriptOption func(*Script)

// WithTimeout bounds each score call; zero disables the bound.
func WithTimeout(d time.Duration) ScriptOption {
	return func(s *Script) { s.timeout = d }
}

// LoadScript compiles the module at path.
func LoadScript(path, function string, opts ...ScriptOption) (*Script, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("signal: read script %q: %w", path, err)
	}
	return NewScript(path, string(source), function, opts...)
}

// NewScript compiles source and resolves the exported function. An empty
// function name selects DefaultFunction.
func NewScript(name, source, function string, opts ...ScriptOption) (*Script, error) {
	function = strings.TrimSpace(function)
	if function == "" {
		function = DefaultFunction
	}
	program, err := goja.Compile(name, source, true)
	if err != nil {
		return nil, fmt.Errorf("signal: compile %q: %w", name, err)
	}

	rt := goja.New()
	exports, err := runModule(rt, program)
	if err != nil {
		return nil, fmt.Errorf("signal: %s: %w", name, err)
	}
	value := exports.Get(function)
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, fmt.Errorf("%w: %s", ErrFunctionMissing, function)
	}
	callable, ok := goja.AssertFunction(value)
	if !ok {
		return nil, fmt.Errorf("signal: export %q is not a function", function)
	}

	s := &Script{name: name, timeout: DefaultScriptTimeout, rt: rt, fn: callable}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Name returns the script's origin.
func (s *Script) Name() string { return s.name }

// Score invokes the exported function with a copy of features.
func (s *Script) Score(features []float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrScriptClosed
	}

	args := make([]any, len(features))
	for i, f := range features {
		args[i] = f
	}

	if s.timeout > 0 {
		timer := time.AfterFunc(s.timeout, func() { s.rt.Interrupt("score timeout") })
		defer func() {
			timer.Stop()
			s.rt.ClearInterrupt()
		}()
	}

	result, err := s.fn(goja.Undefined(), s.rt.ToValue(args))
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return 0, fmt.Errorf("signal: %s: score exceeded %s", s.name, s.timeout)
		}
		return 0, fmt.Errorf("signal: %s: %w", s.name, err)
	}
	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return 0, fmt.Errorf("signal: %s: score returned no value", s.name)
	}
	return result.ToFloat(), nil
}

// Close releases the runtime. Further calls to Score fail.
func (s *Script) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.rt = nil
	s.fn = nil
	return nil
}

func runModule(rt *goja.Runtime, program *goja.Program) (*goja.Object, error) {
	module := rt.NewObject()
	exports := rt.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("module", module); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	console := rt.NewObject()
	noop := func(goja.FunctionCall) goja.Value { return goja.Undefined() }
	_ = console.Set("log", noop)
	_ = console.Set("error", noop)
	if err := rt.Set("console", console); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}

	if _, err := rt.RunProgram(program); err != nil {
		return nil, fmt.Errorf("module run: %w", err)
	}
	object := module.Get("exports").ToObject(rt)
	if object == nil {
		return nil, fmt.Errorf("module exports must be an object")
	}
	return object, nil
}
