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
	"bufio"
	"fmt"
	"log"
	"net"
	"os"

	"github.com/urfave/cli"

	"github.com/famez/ivshmsg/internal/admission"
	"github.com/famez/ivshmsg/internal/commander"
	"github.com/famez/ivshmsg/internal/config"
	"github.com/famez/ivshmsg/internal/dispatch"
	"github.com/famez/ivshmsg/internal/mailbox"
	"github.com/famez/ivshmsg/internal/reactor"
	"github.com/famez/ivshmsg/internal/wire"
)

// VERSION is populated via build flags when packaging official binaries.
var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	myApp := cli.NewApp()
	myApp.Name = "ivshmsg-peer"
	myApp.Usage = "IVSHMSG fabric peer"
	myApp.Version = VERSION
	myApp.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "socketpath",
			Value: "/tmp/ivshmsg_socket",
			Usage: "UNIX domain socket to connect to",
		},
		cli.IntFlag{
			Name:  "verbose",
			Value: 0,
			Usage: "verbosity level",
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
		cfg := config.Peer{
			SocketPath: c.String("socketpath"),
			Verbose:    c.Int("verbose"),
			Log:        c.String("log"),
		}
		if c.String("c") != "" {
			checkError(config.ParseJSONPeer(&cfg, c.String("c")))
		}
		if cfg.Log != "" {
			f, err := os.OpenFile(cfg.Log, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
			checkError(err)
			defer f.Close()
			log.SetOutput(f)
		}

		conn, err := net.Dial("unix", cfg.SocketPath)
		checkError(err)
		uconn := conn.(*net.UnixConn)
		file, err := uconn.File()
		checkError(err)
		sock := int(file.Fd())

		session, err := admission.Collect(sock)
		checkError(err)

		mb := session.Mailbox

		selfID := session.SelfID
		nodename := fmt.Sprintf("z%02d", selfID)
		mb.SetNodename(selfID, nodename)
		mb.SetCclass(selfID, "Debugger")

		logf := func(format string, args ...interface{}) {
			if cfg.Verbose > 0 {
				log.Printf(format, args...)
			}
		}
		log.Printf("This ID = %2d (%s)", selfID, nodename)

		disp := dispatch.New(mb)
		this := &dispatch.Identity{CClass: "Debugger"}

		loop := reactor.New()

		self := session.Self()
		for i, n := range self.Notifiers {
			if i == 0 {
				continue // slot 0 is the globals slot, never a sender
			}
			senderID := i
			loop.Watch(&reactor.Source{
				FD: n.FD(),
				OnReady: reactor.DrainNotifier(n, func() error {
					serveRequest(disp, mb, session, this, selfID, senderID, logf)
					return nil
				}),
			})
		}

		loop.Watch(&reactor.Source{
			FD: sock,
			OnReady: func() error {
				f, err := wire.Recv(sock)
				if err != nil {
					return err
				}
				if f.FD < 0 {
					for _, n := range session.HandleDeparture(f) {
						loop.Forget(n.FD())
						n.Close()
					}
					return nil
				}
				session.AddArrival(f)
				return nil
			},
			OnClosed: func() {
				log.Println("lost connection to broker")
				loop.Stop()
			},
		})

		cp := &commander.Peer{
			SelfID:   selfID,
			Nodename: nodename,
			LinkIDs:  func() (int, int) { return this.CID0, this.SID0 },
			ActiveIDs: func() []int {
				ids := make([]int, 0)
				for _, info := range session.Peers() {
					ids = append(ids, info.ID)
				}
				return ids
			},
			NameOf: func(id int) string { return mb.Nodename(id) },
			Send: func(dest, src int, msg string) error {
				target, ok := session.Get(dest)
				if !ok {
					return fmt.Errorf("no such peer %d", dest)
				}
				_, err := disp.SendPayload(msg, src, target.Doorbell(src), true, nil)
				return err
			},
		}

		reader := bufio.NewReader(os.Stdin)
		fmt.Printf("%s> ", nodename)
		loop.Watch(&reactor.Source{
			FD: 0,
			OnReady: func() error {
				line, err := reader.ReadString('\n')
				if err != nil {
					loop.Stop()
					return err
				}
				if !commander.HandleLine(cp, line, os.Stdout) {
					loop.Stop()
					return nil
				}
				fmt.Printf("%s> ", nodename)
				return nil
			},
		})

		return loop.Run(nil)
	}

	myApp.Run(os.Args)
}

func serveRequest(disp *dispatch.Dispatcher, mb *mailbox.Region, session *admission.PeerSession, this *dispatch.Identity, selfID, senderID int, logf func(string, ...interface{})) {
	payload := mb.Retrieve(senderID)
	if len(payload) == 0 {
		return
	}
	sender, ok := session.Get(senderID)
	if !ok {
		return
	}
	ctx := &dispatch.Ctx{
		This:       this,
		Proxy:      nil,
		FromID:     selfID,
		ToDoorbell: sender.Doorbell(selfID),
		Logf:       logf,
	}
	disp.HandleRequest(string(payload), mb.Nodename(senderID), ctx)
}

func checkError(err error) {
	if err != nil {
		log.Printf("%+v\n", err)
		os.Exit(-1)
	}
}
