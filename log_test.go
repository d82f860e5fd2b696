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
	"fmt"
	"log"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestLog(t *testing.T) {
	Convey("Given a log ring", t, func() {
		l := NewLog()

		Convey("Records come back in order with rising ids", func() {
			logger := log.New(l, "", 0)
			logger.Println("one")
			logger.Println("two")
			logger.Println("three")
			recs, id := l.GetRecords(0)
			So(len(recs), ShouldEqual, 3)
			So(recs[0].Text, ShouldEqual, "one")
			So(recs[2].Text, ShouldEqual, "three")
			So(recs[2].Id, ShouldEqual, id)
			So(recs[0].Id, ShouldBeLessThan, recs[2].Id)
		})

		Convey("An up-to-date id yields nil", func() {
			l.Write([]byte("hello\n"))
			recs, id := l.GetRecords(0)
			So(recs, ShouldNotBeNil)
			recs, id2 := l.GetRecords(id)
			So(recs, ShouldBeNil)
			So(id2, ShouldEqual, id)
		})

		Convey("The ring keeps only the newest records", func() {
			for i := 0; i < MaxLogRecords+10; i++ {
				fmt.Fprintf(l, "line %d\n", i)
			}
			recs, _ := l.GetRecords(0)
			So(len(recs), ShouldEqual, MaxLogRecords)
			So(recs[0].Text, ShouldEqual, "line 10")
			So(recs[len(recs)-1].Text, ShouldEqual,
				fmt.Sprintf("line %d", MaxLogRecords+9))
		})

		Convey("Watch wakes on a new record", func() {
			_, id := l.GetRecords(0)
			go func() {
				time.Sleep(50 * time.Millisecond)
				l.Write([]byte("wake\n"))
			}()
			nid := l.Watch(id, 5*time.Second)
			So(nid, ShouldNotEqual, id)
			recs, _ := l.GetRecords(id)
			So(len(recs), ShouldEqual, 1)
			So(recs[0].Text, ShouldEqual, "wake")
		})

		Convey("Watch times out quietly", func() {
			_, id := l.GetRecords(0)
			start := time.Now()
			nid := l.Watch(id, 50*time.Millisecond)
			So(nid, ShouldEqual, id)
			So(time.Since(start), ShouldBeGreaterThanOrEqualTo,
				50*time.Millisecond)
		})
	})
}

func TestMultiLogger(t *testing.T) {
	Convey("Given a multilogger", t, func() {
		ml := NewMultiLogger()
		a := NewLog()
		b := NewLog()
		la := log.New(a, "", 0)
		lb := log.New(b, "", 0)

		Convey("Output fans out to every attached logger", func() {
			ml.AddLogger(la)
			ml.AddLogger(lb)
			ml.Logger().Print("both")
			ra, _ := a.GetRecords(0)
			rb, _ := b.GetRecords(0)
			So(len(ra), ShouldEqual, 1)
			So(len(rb), ShouldEqual, 1)
		})

		Convey("A removed logger stops receiving", func() {
			ml.AddLogger(la)
			ml.AddLogger(lb)
			ml.DelLogger(lb)
			ml.Logger().Print("only a")
			ra, _ := a.GetRecords(0)
			rb, _ := b.GetRecords(0)
			So(len(ra), ShouldEqual, 1)
			So(len(rb), ShouldEqual, 0)
		})
	})
}
