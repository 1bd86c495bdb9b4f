// Package render is a generic text-templating facility: it fills a template
// file with a context document and atomically writes the result to a
// destination path. It knows nothing about containers or proxies.
package render

import (
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	apperrors "github.com/MJJoyce/memex-explorer/internal/pkg/errors"
)

// Fill reads the template at source, substitutes the context document's
// fields, and writes the full rendered output to destination. The output is
// staged in a temp file in the destination directory and renamed into place
// after a flush, so a reader never observes a partially-written file.
//
// A template that references a field absent from the context fails with a
// RENDER_FAILED error and leaves any existing destination untouched.
func Fill(source, destination string, context any) error {
	raw, err := os.ReadFile(source)
	if err != nil {
		return apperrors.Render(err, fmt.Sprintf("read template %s", source))
	}

	tmpl, err := template.New(filepath.Base(source)).
		Option("missingkey=error").
		Parse(string(raw))
	if err != nil {
		return apperrors.Render(err, fmt.Sprintf("parse template %s", source))
	}

	dir := filepath.Dir(destination)
	tmp, err := os.CreateTemp(dir, filepath.Base(destination)+".*")
	if err != nil {
		return apperrors.Render(err, fmt.Sprintf("create staging file in %s", dir))
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if err := tmpl.Execute(tmp, context); err != nil {
		tmp.Close()
		return apperrors.Render(err, fmt.Sprintf("execute template %s", source))
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return apperrors.Render(err, fmt.Sprintf("flush %s", tmpName))
	}
	if err := tmp.Close(); err != nil {
		return apperrors.Render(err, fmt.Sprintf("close %s", tmpName))
	}

	if err := os.Rename(tmpName, destination); err != nil {
		return apperrors.Render(err, fmt.Sprintf("rename into %s", destination))
	}
	return nil
}
