package htmldriver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/console"
	"github.com/dop251/goja_nodejs/require"
	"github.com/warpdl/racecard/pkg/logger"
	"golang.org/x/net/html"
)

// consolePrinter routes console.* calls of extraction scripts to the logger.
type consolePrinter struct {
	l logger.Logger
}

func (p consolePrinter) Log(s string)   { p.l.Info("script: %s", s) }
func (p consolePrinter) Warn(s string)  { p.l.Warning("script: %s", s) }
func (p consolePrinter) Error(s string) { p.l.Error("script: %s", s) }

// Evaluate runs script, a function expression, in a fresh runtime with
// document bound to the current page. The runtime is interrupted when ctx
// is cancelled.
func (s *Session) Evaluate(ctx context.Context, script string, args ...any) (any, error) {
	doc, loc, err := s.snapshot()
	if err != nil {
		return nil, err
	}

	vm := goja.New()
	registry := new(require.Registry)
	registry.RegisterNativeModule(console.ModuleName, console.RequireWithPrinter(consolePrinter{l: s.opts.Logger}))
	registry.Enable(vm)
	console.Enable(vm)

	d := &domBinding{vm: vm, s: s}
	if err := vm.Set("document", d.document(doc, loc)); err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() { vm.Interrupt(ctx.Err()) })
	defer stop()

	v, err := vm.RunString("(" + strings.TrimSpace(script) + ")")
	if err != nil {
		return nil, scriptError(ctx, err)
	}
	fn, ok := goja.AssertFunction(v)
	if !ok {
		return nil, errors.New("htmldriver: script is not a function expression")
	}
	jsArgs := make([]goja.Value, len(args))
	for i, a := range args {
		jsArgs[i] = vm.ToValue(a)
	}
	res, err := fn(goja.Undefined(), jsArgs...)
	if err != nil {
		return nil, scriptError(ctx, err)
	}
	return exportJSON(res)
}

func scriptError(ctx context.Context, err error) error {
	var ie *goja.InterruptedError
	if errors.As(err, &ie) && ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("htmldriver: script failed: %w", err)
}

// exportJSON converts a script result into plain JSON values.
func exportJSON(v goja.Value) (any, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	b, err := json.Marshal(v.Export())
	if err != nil {
		return nil, fmt.Errorf("htmldriver: script result is not serializable: %w", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type domBinding struct {
	vm *goja.Runtime
	s  *Session
}

func (d *domBinding) document(doc *html.Node, loc *url.URL) *goja.Object {
	o := d.vm.NewObject()
	d.bindQueries(o, doc)
	d.lazy(o, "title", func() any { return documentTitle(doc) })
	href := ""
	if loc != nil {
		href = loc.String()
	}
	_ = o.Set("URL", href)
	location := d.vm.NewObject()
	_ = location.Set("href", href)
	_ = o.Set("location", location)
	return o
}

func (d *domBinding) element(n *html.Node) goja.Value {
	if n == nil {
		return goja.Null()
	}
	o := d.vm.NewObject()
	_ = o.Set("tagName", strings.ToUpper(n.Data))
	id, _ := attr(n, "id")
	_ = o.Set("id", id)
	class, _ := attr(n, "class")
	_ = o.Set("className", class)
	d.lazy(o, "innerText", func() any { return innerText(n) })
	d.lazy(o, "textContent", func() any { return textContent(n) })
	d.lazy(o, "outerHTML", func() any { return outerHTML(n) })
	d.lazy(o, "innerHTML", func() any { return innerHTML(n) })
	d.lazy(o, "dataset", func() any { return dataset(n) })
	_ = o.Set("getAttribute", func(name string) goja.Value {
		if v, ok := attr(n, name); ok {
			return d.vm.ToValue(v)
		}
		return goja.Null()
	})
	_ = o.Set("hasAttribute", func(name string) bool {
		_, ok := attr(n, name)
		return ok
	})
	d.bindQueries(o, n)
	return o
}

func (d *domBinding) bindQueries(o *goja.Object, root *html.Node) {
	_ = o.Set("querySelector", func(selector string) goja.Value {
		sel, err := d.s.compile(selector)
		if err != nil {
			panic(d.vm.NewTypeError(err.Error()))
		}
		for _, n := range sel.MatchAll(root) {
			if n != root {
				return d.element(n)
			}
		}
		return goja.Null()
	})
	_ = o.Set("querySelectorAll", func(selector string) goja.Value {
		sel, err := d.s.compile(selector)
		if err != nil {
			panic(d.vm.NewTypeError(err.Error()))
		}
		nodes := sel.MatchAll(root)
		items := make([]any, 0, len(nodes))
		for _, n := range nodes {
			if n != root {
				items = append(items, d.element(n))
			}
		}
		return d.vm.NewArray(items...)
	})
}

// lazy defines a read-only property computed on first access.
func (d *domBinding) lazy(o *goja.Object, name string, fn func() any) {
	var (
		done bool
		val  goja.Value
	)
	getter := d.vm.ToValue(func(goja.FunctionCall) goja.Value {
		if !done {
			val, done = d.vm.ToValue(fn()), true
		}
		return val
	})
	_ = o.DefineAccessorProperty(name, getter, nil, goja.FLAG_FALSE, goja.FLAG_TRUE)
}
