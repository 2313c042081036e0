//go:build !v8

package quickjs

import (
	"errors"
	"testing"

	"github.com/cryguy/esmgraph/internal/engine"
)

func TestCompileInstantiateEvaluateImportGraph(t *testing.T) {
	eng, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	dep, err := eng.CompileModule("dep.js", []byte(`export const value = 41;`), false)
	if err != nil {
		t.Fatalf("compiling dep: %v", err)
	}
	if err := eng.Instantiate(dep.Handle, func(string, string, []string) (engine.ModuleHandle, bool) {
		t.Fatal("dep.js has no imports")
		return nil, false
	}); err != nil {
		t.Fatalf("instantiating dep: %v", err)
	}

	root, err := eng.CompileModule("root.js", []byte(`
import { value } from "./dep.js";
export const answer = value + 1;
`), true)
	if err != nil {
		t.Fatalf("compiling root: %v", err)
	}
	if len(root.Requests) != 1 || root.Requests[0].Specifier != "./dep.js" {
		t.Fatalf("Requests = %+v", root.Requests)
	}

	if err := eng.Instantiate(root.Handle, func(specifier, referrer string, assertions []string) (engine.ModuleHandle, bool) {
		if specifier != "./dep.js" {
			t.Fatalf("unexpected specifier %q", specifier)
		}
		return dep.Handle, true
	}); err != nil {
		t.Fatalf("instantiating root: %v", err)
	}

	if err := eng.Evaluate(root.Handle); err != nil {
		t.Fatalf("evaluating root: %v", err)
	}

	ns, err := eng.Namespace(root.Handle)
	if err != nil {
		t.Fatalf("Namespace: %v", err)
	}
	handle := ns.(jsExpr)
	got, err := eng.vm.EvalValue(string(handle)+".answer", 0)
	if err != nil {
		t.Fatalf("reading answer: %v", err)
	}
	if got.String() != "42" {
		t.Errorf("answer = %s, want 42", got.String())
	}
}

func TestSyntheticJSONModuleExportsDefault(t *testing.T) {
	eng, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	val, err := eng.ParseJSON([]byte(`{"a":1,"b":[2,3]}`))
	if err != nil {
		t.Fatalf("ParseJSON: %v", err)
	}

	var popped bool
	handle, err := eng.NewSyntheticModule("data.json", []string{"default"}, func(self engine.ModuleHandle, setter engine.ExportSetter) error {
		if popped {
			return errors.New("evaluated twice")
		}
		popped = true
		return setter.SetExport("default", val)
	})
	if err != nil {
		t.Fatalf("NewSyntheticModule: %v", err)
	}

	if err := eng.Evaluate(handle); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if err := eng.Evaluate(handle); err != nil {
		t.Fatalf("second Evaluate should be a no-op, got: %v", err)
	}

	ns, _ := eng.Namespace(handle)
	expr := ns.(jsExpr)
	got, err := eng.vm.EvalValue(string(expr)+`["default"].b[1]`, 0)
	if err != nil {
		t.Fatalf("reading default export: %v", err)
	}
	if got.String() != "3" {
		t.Errorf("default.b[1] = %s, want 3", got.String())
	}
}

func TestPromiseResolverSettlesThroughMicrotasks(t *testing.T) {
	eng, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	resolver, promise, err := eng.NewPromiseResolver()
	if err != nil {
		t.Fatalf("NewPromiseResolver: %v", err)
	}
	expr := promise.(jsExpr)
	if _, err := eng.vm.EvalValue(string(expr)+".then(function(v){ globalThis.__seen = v; });", 0); err != nil {
		t.Fatalf("attaching .then: %v", err)
	}

	val, err := eng.ParseJSON([]byte(`"done"`))
	if err != nil {
		t.Fatalf("ParseJSON: %v", err)
	}
	eng.ResolvePromise(resolver, val)
	eng.RunMicrotasks()

	got, err := eng.vm.EvalValue("globalThis.__seen", 0)
	if err != nil {
		t.Fatalf("reading __seen: %v", err)
	}
	if got.String() != "done" {
		t.Errorf("__seen = %s, want done", got.String())
	}
}

func TestRejectPromisePropagatesGoError(t *testing.T) {
	eng, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	resolver, promise, err := eng.NewPromiseResolver()
	if err != nil {
		t.Fatalf("NewPromiseResolver: %v", err)
	}
	expr := promise.(jsExpr)
	if _, err := eng.vm.EvalValue(string(expr)+".catch(function(e){ globalThis.__caught = e.message; });", 0); err != nil {
		t.Fatalf("attaching .catch: %v", err)
	}

	eng.RejectPromise(resolver, errors.New("module not found"))
	eng.RunMicrotasks()

	got, err := eng.vm.EvalValue("globalThis.__caught", 0)
	if err != nil {
		t.Fatalf("reading __caught: %v", err)
	}
	if got.String() != "module not found" {
		t.Errorf("__caught = %s, want %q", got.String(), "module not found")
	}
}
