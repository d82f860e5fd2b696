// Copyright 2026 The Prefork Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package prefork

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestStatus(t *testing.T) {
	Convey("Worker status text protocol", t, func() {
		Convey("Every status round-trips through its name", func() {
			for _, st := range []Status{
				Starting, Ready, Busy, Draining, Dead,
			} {
				got, ok := ParseStatus(st.String())
				So(ok, ShouldBeTrue)
				So(got, ShouldEqual, st)
			}
		})

		Convey("Garbage on the status pipe is rejected", func() {
			_, ok := ParseStatus("rebooting")
			So(ok, ShouldBeFalse)
			So(Status(42).String(), ShouldEqual, "unknown")
		})
	})
}
