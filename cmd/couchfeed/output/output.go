// Licensed under the Apache License, Version 2.0 (the "License"); you may not
// use this file except in compliance with the License. You may obtain a copy of
// the License at
//
//  http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations under
// the License.

// Package output renders command results.
package output

import (
	"encoding/json"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/go-kivik/couchstream/cmd/couchfeed/errors"
)

// Format is an output format.
type Format interface {
	// NewEncoder returns an encoder writing a sequence of values to w.
	NewEncoder(w io.Writer) Encoder
}

// Encoder writes successive values in some format.
type Encoder interface {
	Encode(v interface{}) error
	Close() error
}

// Formatter manages output formatting.
type Formatter struct {
	mu      sync.Mutex
	formats map[string]Format
	stdout  io.Writer

	format    string
	output    string
	overwrite bool
}

// New returns a formatter with the json and yaml formats registered. json is
// the default.
func New() *Formatter {
	f := &Formatter{
		formats: map[string]Format{},
		stdout:  os.Stdout,
	}
	f.Register("", JSON())
	f.Register("json", JSON())
	f.Register("yaml", YAML())
	return f
}

// Register registers an output format.
func (f *Formatter) Register(name string, format Format) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.formats[name]; ok {
		panic(name + " already registered")
	}
	f.formats[name] = format
}

func (f *Formatter) options() []string {
	names := make([]string, 0, len(f.formats))
	for name := range f.formats {
		if name != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ConfigFlags sets up the CLI flags based on the registered formats.
func (f *Formatter) ConfigFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&f.format, "format", "f", "", "Output format. One of: "+strings.Join(f.options(), "|"))
	fs.StringVarP(&f.output, "output", "o", "", "Output file.")
	fs.BoolVarP(&f.overwrite, "overwrite", "F", false, "Overwrite output file")
}

// SetOut sets the destination used when no output file is given.
func (f *Formatter) SetOut(w io.Writer) {
	f.stdout = w
}

// Output writes a single value.
func (f *Formatter) Output(v interface{}) error {
	enc, err := f.Stream()
	if err != nil {
		return err
	}
	if err := enc.Encode(v); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}

// Stream returns an encoder for a sequence of values. The caller must close
// it.
func (f *Formatter) Stream() (Encoder, error) {
	format, ok := f.formats[f.format]
	if !ok {
		return nil, errors.Codef(errors.ErrUsage, "unrecognized output format option: %s", f.format)
	}
	w, err := f.writer()
	if err != nil {
		return nil, err
	}
	return &closingEncoder{Encoder: format.NewEncoder(w), w: w}, nil
}

// Writer returns the raw output destination, for unformatted content such as
// attachments. The caller must close it.
func (f *Formatter) Writer() (io.WriteCloser, error) {
	return f.writer()
}

func (f *Formatter) writer() (io.WriteCloser, error) {
	switch f.output {
	case "", "-":
		return nopCloser{f.stdout}, nil
	}
	file, err := f.createFile(f.output)
	if err != nil {
		return nil, errors.Code(errors.ErrCantCreate, err)
	}
	return file, nil
}

func (f *Formatter) createFile(path string) (*os.File, error) {
	if f.overwrite {
		return os.Create(path)
	}
	return os.OpenFile(path, os.O_EXCL|os.O_CREATE|os.O_WRONLY, 0o666) //nolint:gomnd
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

type closingEncoder struct {
	Encoder
	w io.Closer
}

func (e *closingEncoder) Close() error {
	err := e.Encoder.Close()
	if cerr := e.w.Close(); err == nil {
		err = cerr
	}
	return err
}

type jsonFormat struct{}

// JSON returns the json format, which writes one value per line.
func JSON() Format { return jsonFormat{} }

func (jsonFormat) NewEncoder(w io.Writer) Encoder {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return jsonEncoder{enc}
}

type jsonEncoder struct {
	*json.Encoder
}

func (jsonEncoder) Close() error { return nil }

type yamlFormat struct{}

// YAML returns the yaml format, which writes one document per value.
func YAML() Format { return yamlFormat{} }

func (yamlFormat) NewEncoder(w io.Writer) Encoder {
	return &yamlEncoder{enc: yaml.NewEncoder(w)}
}

type yamlEncoder struct {
	enc *yaml.Encoder
}

// Encode round-trips v through JSON first, so that json.RawMessage fields and
// json struct tags are honored.
func (e *yamlEncoder) Encode(v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var obj interface{}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return err
	}
	return e.enc.Encode(obj)
}

func (e *yamlEncoder) Close() error {
	return e.enc.Close()
}
