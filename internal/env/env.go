package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env composes a launch environment from a base and layered overrides.
type Env struct {
	Var    Var  // global variables (K->V)
	env    Var  // cached base from OS environment
	noBase bool // when true the OS environment is not inherited
}

func New() *Env {
	return &Env{
		Var: make(Var),
	}
}

// Isolated returns an Env that does not inherit the OS environment.
func Isolated() *Env {
	return &Env{Var: make(Var), env: make(Var), noBase: true}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	if e.noBase {
		return
	}
	e.env = Parse(os.Environ())
}

// WithSet returns a copy of e with K=V set.
func (e *Env) WithSet(k, v string) *Env {
	c := &Env{Var: make(Var, len(e.Var)+1), env: e.env, noBase: e.noBase}
	for kk, vv := range e.Var {
		c.Var[kk] = vv
	}
	if k != "" {
		c.Var[k] = v
	}
	return c
}

// Merge composes the final environment list applying order:
// base = OS env (or cached)
// then apply global e.Var overrides
// then apply perLaunch (slice of "K=V") overrides.
// ${VAR} references are expanded against the composed map (one pass, no recursion).
// The result is sorted by key so launches are reproducible.
func (e *Env) Merge(perLaunch []string) []string {
	if e.env == nil {
		e.FromOS()
	}
	m := make(Var, len(e.env)+len(e.Var)+len(perLaunch))
	for k, v := range e.env {
		m[k] = v
	}
	for k, v := range e.Var {
		if k == "" {
			continue
		}
		m[k] = v
	}
	for k, v := range Parse(perLaunch) {
		m[k] = v
	}
	expanded := make(Var, len(m))
	for k, v := range m {
		expanded[k] = expand(v, m)
	}
	return expanded.List()
}

// Parse converts "K=V" pairs into a map, dropping malformed entries and empty keys.
func Parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

// List renders v as sorted "K=V" pairs.
func (v Var) List() []string {
	keys := make([]string, 0, len(v))
	for k := range v {
		if k != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+v[k])
	}
	return out
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	res := s
	for k, v := range m {
		res = strings.ReplaceAll(res, "${"+k+"}", v)
	}
	return res
}
