// Package entrypoint renders the generated in-container Python runtime:
// the sandbox-side half of the broker's frame protocol. The Container
// Manager writes the rendered text to ipc_dir/entrypoint before the
// first container launch.
package entrypoint

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"text/template"
)

//go:embed templates/*.py.tpl
var templateFS embed.FS

// templates reads and renders templates from an embedded filesystem.
type templates struct {
	FS fs.FS
}

var runtimeTemplates = &templates{FS: templateFS}

// Read returns the raw template source for name.
func (t *templates) Read(name string) string {
	content, err := fs.ReadFile(t.FS, path.Join("templates", name+".py.tpl"))
	if err != nil {
		panic(fmt.Sprintf("failed to load entrypoint template %s: %v", name, err))
	}
	return string(content)
}

// MustRender parses and executes the named template against data.
func (t *templates) MustRender(name string, data any) string {
	const tmplName = "entrypoint-template"
	content := t.Read(name)
	tmpl, err := template.New(tmplName).Parse(content)
	if err != nil {
		panic(fmt.Sprintf("failed to parse entrypoint template %s: %v", name, err))
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		panic(fmt.Sprintf("failed to render entrypoint template %s: %v", name, err))
	}
	return buf.String()
}

// FrameConstants mirrors pkg/sandbox's FrameType values so the generated
// Python speaks exactly the same wire vocabulary as the Go side. Callers
// fill this from pkg/sandbox's constants directly; entrypoint itself does
// not import pkg/sandbox to avoid a package cycle (pkg/sandbox's Manager
// is the thing that writes this package's rendered output to disk).
type FrameConstants struct {
	Execute       string
	RPCResponse   string
	Cancel        string
	Stdout        string
	Stderr        string
	RPCRequest    string
	ExecutionDone string
}

// Render produces the full entrypoint source text for the given frame
// vocabulary.
func Render(frames FrameConstants) string {
	return runtimeTemplates.MustRender("entrypoint", frames)
}
