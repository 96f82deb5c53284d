package compiler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/funf-org/funf/internal/ir"
)

// Document formats accepted by Load and Parse.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
	FormatCUE  = "cue"
)

// FormatOf returns the document format implied by a file name.
func FormatOf(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".cue":
		return FormatCUE, nil
	default:
		return "", fmt.Errorf("unsupported document extension %q", filepath.Ext(path))
	}
}

// Load reads a configuration document from path.
func Load(path string) (ir.Object, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, &ConfigError{Code: ErrCodeParse, Path: path, Err: err}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Code: ErrCodeParse, Path: path, Err: err}
	}
	return Parse(data, format, path)
}

// Parse decodes a document. name labels errors and CUE positions.
// Floats and nulls are rejected: configuration values are strings,
// integers, booleans, arrays and objects only.
func Parse(data []byte, format, name string) (ir.Object, error) {
	raw, err := decode(data, format, name)
	if err != nil {
		return nil, err
	}
	v, err := ir.FromGo(raw)
	if err != nil {
		return nil, &ConfigError{Code: ErrCodeBadValue, Path: name, Err: err}
	}
	obj, ok := v.(ir.Object)
	if !ok {
		return nil, configErrorf(ErrCodeParse, name, "document root must be an object, got %T", v)
	}
	return obj, nil
}

func decode(data []byte, format, name string) (any, error) {
	var raw any
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&raw); err != nil {
			return nil, &ConfigError{Code: ErrCodeParse, Path: name, Err: err}
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, &ConfigError{Code: ErrCodeParse, Path: name, Err: err}
		}
	case FormatCUE:
		return decodeCUE(data, name)
	default:
		return nil, configErrorf(ErrCodeParse, name, "unsupported format %q", format)
	}
	return raw, nil
}

// decodeCUE evaluates a CUE document, which must be concrete, and
// returns its JSON rendering decoded with integers preserved.
func decodeCUE(data []byte, name string) (any, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(data, cue.Filename(name))
	if err := v.Err(); err != nil {
		return nil, cueError(name, err)
	}
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, cueError(name, err)
	}
	out, err := v.MarshalJSON()
	if err != nil {
		return nil, cueError(name, err)
	}
	var raw any
	dec := json.NewDecoder(bytes.NewReader(out))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, &ConfigError{Code: ErrCodeParse, Path: name, Err: err}
	}
	return raw, nil
}

// cueError keeps the position of the first CUE error.
func cueError(name string, err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &ConfigError{Code: ErrCodeParse, Path: name, Err: err}
	}
	first := errs[0]
	path := name
	if pos := first.Position(); pos.IsValid() {
		path = fmt.Sprintf("%s:%d:%d", pos.Filename(), pos.Line(), pos.Column())
	}
	return &ConfigError{Code: ErrCodeParse, Path: path, Message: first.Error()}
}
