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

package main

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync/atomic"

	"github.com/fatih/color"
	"github.com/urfave/cli"

	"github.com/famez/ivshmsg/internal/admission"
	"github.com/famez/ivshmsg/internal/config"
	"github.com/famez/ivshmsg/internal/dispatch"
	"github.com/famez/ivshmsg/internal/mailbox"
	"github.com/famez/ivshmsg/internal/notifier"
	"github.com/famez/ivshmsg/internal/reactor"
	"github.com/famez/ivshmsg/internal/registry"
	"github.com/famez/ivshmsg/internal/restapi"
	"github.com/famez/ivshmsg/internal/stats"
)

// VERSION is populated via build flags when packaging official binaries.
var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	myApp := cli.NewApp()
	myApp.Name = "ivshmsg-broker"
	myApp.Usage = "IVSHMSG fabric broker"
	myApp.Version = VERSION
	myApp.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "socketpath",
			Value: "/tmp/ivshmsg_socket",
			Usage: "UNIX domain socket peers connect to",
		},
		cli.StringFlag{
			Name:  "mailbox",
			Value: "/dev/shm/ivshmsg_mailbox",
			Usage: "backing file for the shared-memory mailbox region",
		},
		cli.IntFlag{
			Name:  "nClients",
			Value: 8,
			Usage: "maximum number of peers, 1-62",
		},
		cli.BoolFlag{
			Name:  "silent",
			Usage: "the broker does not participate as a fabric-management peer",
		},
		cli.BoolFlag{
			Name:  "noPFM",
			Usage: "disable fabric-management behaviors (mutually exclusive with --silent)",
		},
		cli.BoolFlag{
			Name:  "norecycle",
			Usage: "close a departed peer's notifiers instead of caching them for reconnect",
		},
		cli.IntFlag{
			Name:  "verbose",
			Value: 0,
			Usage: "verbosity level",
		},
		cli.StringFlag{
			Name:  "statscsv",
			Value: "",
			Usage: "collect admission/dispatch counters to a CSV file",
		},
		cli.IntFlag{
			Name:  "statsperiod",
			Value: 60,
			Usage: "stats collection period, in seconds",
		},
		cli.StringFlag{
			Name:  "restapi",
			Value: "",
			Usage: "address to serve the read-only status endpoint on, e.g. :1991",
		},
		cli.StringFlag{
			Name:  "log",
			Value: "",
			Usage: "specify a log file to output, default goes to stderr",
		},
		cli.StringFlag{
			Name:  "c",
			Value: "",
			Usage: "config from json file, which will override the command from shell",
		},
	}

	myApp.Action = func(c *cli.Context) error {
		cfg := config.Broker{
			SocketPath:  c.String("socketpath"),
			Mailbox:     c.String("mailbox"),
			NClients:    c.Int("nClients"),
			Silent:      c.Bool("silent"),
			NoPFM:       c.Bool("noPFM"),
			NoRecycle:   c.Bool("norecycle"),
			Verbose:     c.Int("verbose"),
			StatsCSV:    c.String("statscsv"),
			StatsPeriod: c.Int("statsperiod"),
			RestAPI:     c.String("restapi"),
			Log:         c.String("log"),
		}
		if c.String("c") != "" {
			checkError(config.ParseJSON(&cfg, c.String("c")))
		}

		if cfg.Silent && !cfg.NoPFM {
			log.Println("--silent implies --noPFM")
			cfg.NoPFM = true
		}

		if cfg.Log != "" {
			f, err := os.OpenFile(cfg.Log, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
			checkError(err)
			defer f.Close()
			log.SetOutput(f)
		}

		if cfg.NClients < 1 || cfg.NClients > 62 {
			log.Fatalf("nClients %d out of range [1,62]", cfg.NClients)
		}

		if _, err := os.Stat(cfg.SocketPath); err == nil {
			log.Fatalf("socket path %s already exists", cfg.SocketPath)
		}

		log.Println("socketpath:", cfg.SocketPath)
		log.Println("mailbox:", cfg.Mailbox)
		log.Println("nClients:", cfg.NClients)
		log.Println("silent:", cfg.Silent, "noPFM:", cfg.NoPFM, "norecycle:", cfg.NoRecycle)

		mb, err := mailbox.CreateBroker(cfg.Mailbox, cfg.NClients)
		checkError(err)
		defer mb.Close()

		smart := !cfg.NoPFM
		reg := registry.New(mb.ServerID(), cfg.NClients, smart, !cfg.NoRecycle)

		var selfVec []*notifier.Notifier
		this := &dispatch.Identity{CClass: "FabricSwitch"}
		if !cfg.Silent {
			selfVec, err = notifier.List(mb.NEvents())
			checkError(err)
			this = admission.IdentityFor(mb.ServerID(), smart)
		}

		counters := &stats.Counters{}
		go stats.Logger(cfg.StatsCSV, cfg.StatsPeriod, counters)

		logf := func(format string, args ...interface{}) {
			if cfg.Verbose > 0 {
				log.Printf(format, args...)
			}
		}

		br := &admission.Broker{Registry: reg, Mailbox: mb, SelfVec: selfVec, Logf: logf}
		disp := dispatch.New(mb)

		ln, err := net.Listen("unix", cfg.SocketPath)
		checkError(err)
		defer ln.Close()
		defer os.Remove(cfg.SocketPath)

		loop := reactor.New()

		lnFile, err := ln.(*net.UnixListener).File()
		checkError(err)
		acceptFD := int(lnFile.Fd())

		watchPeer := func(p *registry.Peer) {
			loop.Watch(&reactor.Source{
				FD: p.Sock,
				OnReady: func() error {
					logf("peer %d control socket unexpectedly readable", p.ID)
					return nil
				},
				OnClosed: func() {
					atomic.AddInt64(&counters.Departures, 1)
					logf("peer %d disconnected", p.ID)
					br.Depart(p)
					for _, n := range p.Notifiers {
						loop.Forget(n.FD())
					}
				},
			})
		}

		if !cfg.Silent {
			for i, n := range selfVec {
				senderID := i
				loop.Watch(&reactor.Source{
					FD: n.FD(),
					OnReady: reactor.DrainNotifier(n, func() error {
						if p, ok := reg.Get(senderID); ok {
							serveRequest(disp, mb, reg, this, p, senderID, logf, counters)
						}
						return nil
					}),
				})
			}
		}

		loop.Watch(&reactor.Source{
			FD: acceptFD,
			OnReady: func() error {
				conn, err := ln.Accept()
				if err != nil {
					return err
				}
				uconn := conn.(*net.UnixConn)
				f, err := uconn.File()
				if err != nil {
					return err
				}
				sock := int(f.Fd())

				p, err := br.Admit(sock)
				if err != nil {
					logf("admission failed: %v", err)
					return nil
				}
				atomic.AddInt64(&counters.Admissions, 1)
				watchPeer(p)
				return nil
			},
		})

		if cfg.RestAPI != "" {
			askCh := make(chan restapi.Query)
			loop.OnTick(func() {
				select {
				case q := <-askCh:
					q.Resp <- snapshot(mb, reg, q.ID)
				default:
				}
			})
			srv := &restapi.Server{Ask: func(q restapi.Query) restapi.Snapshot {
				q.Resp = make(chan restapi.Snapshot, 1)
				askCh <- q
				return <-q.Resp
			}}
			go func() {
				log.Println("restapi listening on", cfg.RestAPI)
				if err := http.ListenAndServe(cfg.RestAPI, srv.Router()); err != nil {
					log.Println("restapi:", err)
				}
			}()
		}

		color.Green("broker ready, nClients=%d, id range 1..%d, server id %d", cfg.NClients, cfg.NClients, mb.ServerID())
		return loop.Run(nil)
	}

	myApp.Run(os.Args)
}

func serveRequest(disp *dispatch.Dispatcher, mb *mailbox.Region, reg *registry.Registry, this *dispatch.Identity, requester *registry.Peer, requesterID int, logf func(string, ...interface{}), counters *stats.Counters) {
	payload := mb.Retrieve(requesterID)
	if len(payload) == 0 {
		return
	}
	atomic.AddInt64(&counters.Requests, 1)
	ctx := &dispatch.Ctx{
		This:       this,
		Proxy:      &dispatch.Identity{CID0: requester.CID0, SID0: requester.SID0, Attrs: requester.Attrs},
		FromID:     mb.ServerID(),
		ToDoorbell: requester.Doorbell(mb.ServerID()),
		Verbose:    0,
		Logf:       logf,
	}
	nodename := mb.Nodename(requesterID)
	outcome := disp.HandleRequest(string(payload), nodename, ctx)
	requester.CID0, requester.SID0 = ctx.Proxy.CID0, ctx.Proxy.SID0
	requester.Attrs = ctx.Proxy.Attrs
	if outcome == dispatch.Unhandled {
		atomic.AddInt64(&counters.Unhandled, 1)
	}
	if outcome == dispatch.Dump {
		printSwitch(mb, reg)
	}
}

func printSwitch(mb *mailbox.Region, reg *registry.Registry) {
	fmt.Println()
	for _, p := range reg.Ordered() {
		fmt.Printf("\t%2d %-12s CID0=%d SID0=%d\n", p.ID, mb.Nodename(p.ID), p.CID0, p.SID0)
	}
	fmt.Println()
}

func snapshot(mb *mailbox.Region, reg *registry.Registry, id int) restapi.Snapshot {
	snap := restapi.Snapshot{ServerID: mb.ServerID(), NClients: mb.NClients()}
	for _, p := range reg.Ordered() {
		if id != 0 && p.ID != id {
			continue
		}
		snap.Nodes = append(snap.Nodes, restapi.NodeStatus{
			ID: p.ID, Nodename: mb.Nodename(p.ID), Cclass: mb.Cclass(p.ID),
			CID0: p.CID0, SID0: p.SID0,
		})
	}
	return snap
}

func checkError(err error) {
	if err != nil {
		log.Printf("%+v\n", err)
		os.Exit(-1)
	}
}
