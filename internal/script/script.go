// Package script lets a JavaScript file define custom filters.
//
//	calfilter.define("weekend", function(item, result, state) {
//		var d = new Date(item.start).getUTCDay();
//		return result && (d === 0 || d === 6);
//	}, "today");
//
// The third argument names the registered filter the new one starts from;
// it defaults to "all".
package script

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dop251/goja"

	"calfilter/internal/filter"
	appLog "calfilter/internal/log"
	"calfilter/internal/model"
)

// callTimeout bounds a single predicate call.
const callTimeout = time.Second

type predicateFunc func(item, result, state goja.Value) (goja.Value, error)

// Script is a loaded file. Its runtime is shared by all predicates it
// defined and is used by one caller at a time.
type Script struct {
	path  string
	vm    *goja.Runtime
	mu    sync.Mutex
	names []string
}

// Load runs the file at path and registers every filter it defines in reg.
func Load(ctx context.Context, path string, reg *filter.Registry) (*Script, error) {
	if reg == nil {
		return nil, errors.New("script: nil registry")
	}
	text, err := loadFileText(ctx, path)
	if err != nil {
		return nil, err
	}

	program, err := goja.Compile(path, text, true)
	if err != nil {
		return nil, err
	}

	s := &Script{path: path, vm: goja.New()}
	s.vm.SetFieldNameMapper(goja.UncapFieldNameMapper())
	s.installHooks(reg)

	stop := context.AfterFunc(ctx, func() { s.vm.Interrupt(ctx.Err()) })
	defer stop()

	s.mu.Lock()
	_, err = s.vm.RunProgram(program)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("script %s: %w", path, err)
	}

	appLog.Info("script loaded", "path", path, "filters", len(s.names))
	return s, nil
}

// Names lists the filters the script defined, in definition order.
func (s *Script) Names() []string {
	return append([]string(nil), s.names...)
}

func loadFileText(ctx context.Context, path string) (string, error) {
	ch := make(chan struct{})
	var b []byte
	var err error
	go func() {
		b, err = os.ReadFile(path)
		close(ch)
	}()
	select {
	case <-ch:
		if err != nil {
			return "", err
		}
		return string(b), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *Script) installHooks(reg *filter.Registry) {
	define := func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 2 {
			throwJSException(s.vm, "calfilter: define(name, fn[, base]) needs at least 2 arguments")
		}
		name := call.Argument(0).String()
		if name == "" || goja.IsUndefined(call.Argument(0)) {
			throwJSException(s.vm, "calfilter: blank filter name")
		}

		var fn predicateFunc
		if err := s.vm.ExportTo(call.Argument(1), &fn); err != nil || fn == nil {
			throwJSException(s.vm, fmt.Sprintf("calfilter: filter %s: second argument must be a function", name))
		}

		base := filter.PresetAll
		if v := call.Argument(2); !goja.IsUndefined(v) && !goja.IsNull(v) {
			base = v.String()
		}
		props, ok := reg.Lookup(base)
		if !ok {
			throwJSException(s.vm, fmt.Sprintf("calfilter: filter %s: unknown base filter %q", name, base))
		}

		props.OnFilter = filter.NewCustomFilter(name, s.predicate(name, fn))
		reg.Define(name, props)
		s.names = append(s.names, name)
		appLog.Debug("script filter defined", "filter", name, "base", base)
		return goja.Undefined()
	}

	logFn := func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 1 {
			throwJSException(s.vm, "calfilter: log() must receive at least one argument")
		}
		kv := make([]any, 0, 2*(len(call.Arguments)-1))
		for i, a := range call.Arguments[1:] {
			kv = append(kv, fmt.Sprintf("arg%d", i+1), a.Export())
		}
		appLog.Info("[script] "+call.Arguments[0].String(), kv...)
		return goja.Undefined()
	}

	obj := s.vm.NewObject()
	_ = obj.Set("define", define)
	_ = obj.Set("log", logFn)
	_ = s.vm.Set("calfilter", obj)
}

// predicate adapts a JS function to filter.Predicate. A throwing or
// timed-out function leaves the built-in verdict unchanged.
func (s *Script) predicate(name string, fn predicateFunc) filter.Predicate {
	return func(item *model.Item, result bool, _ *filter.Properties, st filter.State) bool {
		s.mu.Lock()
		defer s.mu.Unlock()

		timer := time.AfterFunc(callTimeout, func() { s.vm.Interrupt("timeout") })
		defer func() {
			timer.Stop()
			s.vm.ClearInterrupt()
		}()

		v, err := fn(marshalItem(s.vm, item), s.vm.ToValue(result), marshalState(s.vm, st))
		if err != nil {
			appLog.Error("script filter failed", err, "filter", name, "item", item.Key())
			return result
		}
		return v.ToBoolean()
	}
}

func throwJSException(vm *goja.Runtime, value any) {
	panic(vm.ToValue(value)) // goja converts the panic to a JS exception
}
