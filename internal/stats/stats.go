// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package stats counts broker admission/dispatch activity and, when
// enabled with --statscsv, periodically appends a row to a CSV file.
// Adapted from the teacher's std.SnmpLogger ticker loop.
package stats

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
)

// Counters are the broker-wide activity counts this package tracks. All
// fields are accessed with sync/atomic since the stats logger's ticker
// goroutine reads them concurrently with the reactor goroutine's writes.
type Counters struct {
	Admissions  int64
	Departures  int64
	Requests    int64
	Unhandled   int64
	MailboxFill int64
}

func (c *Counters) header() []string {
	return []string{"Admissions", "Departures", "Requests", "Unhandled", "MailboxFill"}
}

func (c *Counters) row() []string {
	return []string{
		fmt.Sprint(atomic.LoadInt64(&c.Admissions)),
		fmt.Sprint(atomic.LoadInt64(&c.Departures)),
		fmt.Sprint(atomic.LoadInt64(&c.Requests)),
		fmt.Sprint(atomic.LoadInt64(&c.Unhandled)),
		fmt.Sprint(atomic.LoadInt64(&c.MailboxFill)),
	}
}

// Logger periodically appends a CSV row of Counters to path. A disabled
// logger (empty path or zero interval) returns immediately, matching
// SnmpLogger's own early return.
func Logger(path string, interval int, c *Counters) {
	if path == "" || interval == 0 {
		return
	}
	ticker := time.NewTicker(time.Duration(interval) * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		logdir, logfile := filepath.Split(path)
		f, err := os.OpenFile(logdir+time.Now().Format(logfile), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			log.Println(err)
			return
		}
		w := csv.NewWriter(f)
		if stat, err := f.Stat(); err == nil && stat.Size() == 0 {
			if err := w.Write(append([]string{"Unix"}, c.header()...)); err != nil {
				log.Println(err)
			}
		}
		if err := w.Write(append([]string{fmt.Sprint(time.Now().Unix())}, c.row()...)); err != nil {
			log.Println(err)
		}
		w.Flush()
		f.Close()
	}
}
