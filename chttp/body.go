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

package chttp

import (
	"encoding/json"
	"io"
	"net/http"

	"golang.org/x/sync/errgroup"

	internal "github.com/go-kivik/couchstream/int/errors"
)

// BodyEncoder returns a function which returns the encoded body. It is meant
// to be used as a http.Request.GetBody value.
func BodyEncoder(i interface{}) func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) {
		return EncodeBody(i), nil
	}
}

// EncodeBody JSON encodes i to an io.ReadCloser. If an encoding error
// occurs, it will be returned on the next read.
func EncodeBody(i interface{}) io.ReadCloser {
	return StreamBody(func(w io.Writer) error {
		var err error
		switch t := i.(type) {
		case []byte:
			_, err = w.Write(t)
		case json.RawMessage:
			_, err = w.Write(t)
		case string:
			_, err = w.Write([]byte(t))
		default:
			err = json.NewEncoder(w).Encode(i)
			switch err.(type) {
			case *json.MarshalerError, *json.UnsupportedTypeError, *json.UnsupportedValueError:
				err = &internal.Error{Status: http.StatusBadRequest, Err: err}
			}
		}
		return err
	})
}

// StreamBody runs produce in a separate goroutine, connecting its output to
// the returned reader. The request is live on the wire while produce is still
// writing. An error returned by produce is returned by the next read. Closing
// the reader waits for produce to return.
func StreamBody(produce func(w io.Writer) error) io.ReadCloser {
	r, w := io.Pipe()
	var g errgroup.Group
	g.Go(func() error {
		err := produce(w)
		_ = w.CloseWithError(err)
		return err
	})
	return &ebReader{
		ReadCloser: r,
		g:          &g,
	}
}

type ebReader struct {
	io.ReadCloser
	g *errgroup.Group
}

var _ io.ReadCloser = &ebReader{}

func (r *ebReader) Close() error {
	err := r.ReadCloser.Close()
	_ = r.g.Wait()
	return err
}
