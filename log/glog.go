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

package log

import (
	"fmt"

	"github.com/golang/glog"
)

// DebugLevel is the glog verbosity at which debug messages are emitted.
const DebugLevel glog.Level = 2

type glogLogger struct {
	depth int
}

var _ Logger = glogLogger{}

// NewGlog returns a logger backed by github.com/golang/glog. Debug output is
// written only when glog verbosity is at least [DebugLevel].
func NewGlog() Logger { return glogLogger{depth: 1} }

func (l glogLogger) Debug(args ...any) {
	if glog.V(DebugLevel) {
		glog.InfoDepth(l.depth, fmt.Sprint(args...))
	}
}

func (l glogLogger) Debugf(format string, args ...any) {
	if glog.V(DebugLevel) {
		glog.InfoDepth(l.depth, fmt.Sprintf(format, args...))
	}
}

func (l glogLogger) Info(args ...any) {
	glog.InfoDepth(l.depth, fmt.Sprint(args...))
}

func (l glogLogger) Infof(format string, args ...any) {
	glog.InfoDepth(l.depth, fmt.Sprintf(format, args...))
}

func (l glogLogger) Error(args ...any) {
	glog.ErrorDepth(l.depth, fmt.Sprint(args...))
}

func (l glogLogger) Errorf(format string, args ...any) {
	glog.ErrorDepth(l.depth, fmt.Sprintf(format, args...))
}
