// Package env composes the environment handed to service processes.
package env

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"
)

// Vars maps names to values.
type Vars map[string]string

// Env layers, in increasing precedence: the OS environment (when enabled),
// variables from env files, global variables, and per-service entries.
type Env struct {
	UseOS bool
	Files Vars // merged from LoadFile calls
	Vars  Vars // global overrides

	base Vars
}

func New(useOS bool) *Env {
	return &Env{UseOS: useOS, Files: make(Vars), Vars: make(Vars)}
}

// Set sets a global variable K=V.
func (e *Env) Set(k, v string) {
	if e.Vars == nil {
		e.Vars = make(Vars)
	}
	e.Vars[k] = v
}

// SetPairs applies "K=V" entries as global variables.
func (e *Env) SetPairs(kvs []string) error {
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return fmt.Errorf("invalid env entry %q, want KEY=VALUE", kv)
		}
		e.Set(k, v)
	}
	return nil
}

// LoadFile reads a dotenv-style file: KEY=VALUE lines, '#' comments, optional
// "export " prefix and surrounding quotes on the value.
func (e *Env) LoadFile(path string) error {
	f, err := os.Open(path) // #nosec G304
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	if e.Files == nil {
		e.Files = make(Vars)
	}
	s := bufio.NewScanner(f)
	n := 0
	for s.Scan() {
		n++
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		k, v, ok := strings.Cut(line, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return fmt.Errorf("%s:%d: expected KEY=VALUE", path, n)
		}
		v = strings.TrimSpace(v)
		if len(v) >= 2 && (v[0] == '"' && v[len(v)-1] == '"' || v[0] == '\'' && v[len(v)-1] == '\'') {
			v = v[1 : len(v)-1]
		}
		e.Files[k] = v
	}
	return s.Err()
}

func (e *Env) osBase() Vars {
	if e.base != nil {
		return e.base
	}
	base := make(Vars)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			base[k] = v
		}
	}
	e.base = base
	return base
}

// Merge composes the final environment for one service. ${VAR} and $VAR
// references are expanded against the composed map, one level deep. The result
// is sorted for stable output.
func (e *Env) Merge(perService []string) []string {
	m := make(Vars)
	if e.UseOS {
		for k, v := range e.osBase() {
			m[k] = v
		}
	}
	for k, v := range e.Files {
		m[k] = v
	}
	for k, v := range e.Vars {
		if k != "" {
			m[k] = v
		}
	}
	for _, kv := range perService {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			m[k] = v
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+os.Expand(v, func(name string) string { return m[name] }))
	}
	sort.Strings(out)
	return out
}
