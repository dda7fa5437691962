// Package capture records the values of selected variables at the end of a
// step.
//
// A target is written "variable@function". Functions opt in by exposing the
// address of a local:
//
//	func trainStep(...) {
//		var loss float64
//		defer capture.Expose("loss", &loss)()
//		...
//	}
//
// At capture time the calling goroutine's stack is walked and every frame of
// a configured function has its configured variables read. When a function
// is active several times (recursion) the innermost frame reads the most
// recent exposure. Exposures are process-wide, so the same function running
// on another goroutine at the same moment shadows this one.
package capture

import (
	"fmt"
	"reflect"
	"runtime"
	"strings"
	"sync"

	"github.com/zjrosen/probing/internal/log"
	"github.com/zjrosen/probing/internal/storage"
	"github.com/zjrosen/probing/internal/tracing"
)

// maxFrames bounds the stack walk.
const maxFrames = 64

// Target is one configured "variable@function" pair.
type Target struct {
	Var  string
	Func string
}

func (t Target) String() string { return t.Var + "@" + t.Func }

// ParseTargets splits a comma list of "variable@function" targets.
// Whitespace is trimmed; entries without exactly one "@" or with an empty
// side are ignored.
func ParseTargets(exprs string) []Target {
	var out []Target
	for _, expr := range strings.Split(exprs, ",") {
		expr = strings.TrimSpace(expr)
		if strings.Count(expr, "@") != 1 {
			continue
		}
		v, f, _ := strings.Cut(expr, "@")
		v, f = strings.TrimSpace(v), strings.TrimSpace(f)
		if v == "" || f == "" {
			continue
		}
		out = append(out, Target{Var: v, Func: f})
	}
	return out
}

type exposure struct {
	ptr any
}

var exposed = struct {
	mu   sync.Mutex
	vars map[string]map[string][]*exposure // function -> variable -> innermost last
}{vars: make(map[string]map[string][]*exposure)}

// Expose makes *ptr readable under name for the calling function until the
// returned release func is called. ptr should be a pointer so later
// assignments are observed; any other value is captured as given.
func Expose(name string, ptr any) (release func()) {
	fn := "unknown"
	if pc, _, _, ok := runtime.Caller(1); ok {
		if f := runtime.FuncForPC(pc); f != nil {
			fn = tracing.ShortFuncName(f.Name())
		}
	}
	return ExposeIn(fn, name, ptr)
}

// ExposeIn is Expose with an explicit function name, for closures whose
// runtime names are not convenient to configure.
func ExposeIn(function, name string, ptr any) (release func()) {
	e := &exposure{ptr: ptr}

	exposed.mu.Lock()
	byVar, ok := exposed.vars[function]
	if !ok {
		byVar = make(map[string][]*exposure)
		exposed.vars[function] = byVar
	}
	byVar[name] = append(byVar[name], e)
	exposed.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { unexpose(function, name, e) })
	}
}

func unexpose(function, name string, e *exposure) {
	exposed.mu.Lock()
	defer exposed.mu.Unlock()

	list := exposed.vars[function][name]
	for i := len(list) - 1; i >= 0; i-- {
		if list[i] == e {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(exposed.vars[function], name)
		if len(exposed.vars[function]) == 0 {
			delete(exposed.vars, function)
		}
		return
	}
	exposed.vars[function][name] = list
}

// lookup returns the depth-th most recent exposure, 0 being the newest.
func lookup(function, name string, depth int) (any, bool) {
	exposed.mu.Lock()
	defer exposed.mu.Unlock()

	list := exposed.vars[function][name]
	if depth >= len(list) {
		return nil, false
	}
	return list[len(list)-1-depth].ptr, true
}

// Capturer reads configured variables from the current goroutine's stack.
type Capturer struct {
	byFunc map[string][]string
}

// New builds a Capturer from a target list. It returns nil when exprs
// configures nothing; a nil Capturer captures nothing.
func New(exprs string) *Capturer {
	targets := ParseTargets(exprs)
	if len(targets) == 0 {
		return nil
	}
	c := &Capturer{byFunc: make(map[string][]string)}
	for _, t := range targets {
		c.byFunc[t.Func] = append(c.byFunc[t.Func], t.Var)
	}
	return c
}

// Targets returns the configured targets grouped by function.
func (c *Capturer) Targets() map[string][]string {
	if c == nil {
		return nil
	}
	out := make(map[string][]string, len(c.byFunc))
	for f, vars := range c.byFunc {
		out[f] = append([]string(nil), vars...)
	}
	return out
}

// Capture walks the caller's stack and saves one Variable row per exposed
// configured variable found. It returns the number of rows saved.
func (c *Capturer) Capture(step int64, sink storage.Sink) int {
	if c == nil || len(c.byFunc) == 0 {
		return 0
	}

	var pcs [maxFrames]uintptr
	n := runtime.Callers(2, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	depth := make(map[string]int)
	saved := 0
	for {
		frame, more := frames.Next()
		if fn, short, vars := c.match(frame.Function); vars != nil {
			d := depth[short]
			depth[short]++
			for _, name := range vars {
				ptr, ok := lookup(short, name, d)
				if !ok {
					continue
				}
				row := storage.Variable{Step: step, Func: fn, Name: name, Value: Stringify(ptr)}
				if err := sink.Save(row); err != nil {
					log.ErrorErr(log.CatCapture, "save variable failed", err, "func", fn, "var", name)
					continue
				}
				saved++
			}
		}
		if !more {
			break
		}
	}
	return saved
}

// match resolves a runtime function name against the configured functions.
// A configured name matches the short name ("(*T).Step") or its final
// element ("Step"). It returns the configured name, the short name and the
// configured variables.
func (c *Capturer) match(full string) (string, string, []string) {
	if full == "" {
		return "", "", nil
	}
	short := tracing.ShortFuncName(full)
	if vars, ok := c.byFunc[short]; ok {
		return short, short, vars
	}
	if i := strings.LastIndex(short, "."); i >= 0 {
		last := short[i+1:]
		if vars, ok := c.byFunc[last]; ok {
			return last, short, vars
		}
	}
	return "", "", nil
}

// Stringify renders an exposed value. Pointers are dereferenced. A value
// whose String or Error method panics is rendered as its type.
func Stringify(ptr any) (s string) {
	v := ptr
	if rv := reflect.ValueOf(ptr); rv.Kind() == reflect.Pointer && !rv.IsNil() {
		v = rv.Elem().Interface()
	}
	defer func() {
		if r := recover(); r != nil {
			s = fmt.Sprintf("<%T>", v)
		}
	}()
	switch x := v.(type) {
	case error:
		return x.Error()
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(v)
	}
}
