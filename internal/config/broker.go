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

// Package config holds the broker and peer flag-driven configuration
// structs, mirroring the teacher's Config/parseJSONConfig split.
package config

import (
	"encoding/json"
	"os"
)

// Broker holds every broker command-line/JSON setting.
type Broker struct {
	SocketPath string `json:"socketpath"`
	Mailbox    string `json:"mailbox"`
	NClients   int    `json:"nClients"`
	Silent     bool   `json:"silent"`
	NoPFM      bool   `json:"noPFM"`
	NoRecycle  bool   `json:"norecycle"`
	Verbose    int    `json:"verbose"`
	StatsCSV   string `json:"statscsv"`
	StatsPeriod int   `json:"statsperiod"`
	RestAPI    string `json:"restapi"`
	Log        string `json:"log"`
}

// ParseJSON overrides fields of c from the JSON document at path, mirroring
// parseJSONConfig.
func ParseJSON(c *Broker, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(c)
}
