// Command ksyncdemo is a minimal wiring example for package ksync: one
// interface-like object type reconciled over a UDP-loopback transport.
// It demonstrates how a caller composes Context, EntryObject and
// Transport together — it is not a CLI surface of the library itself,
// and the real agent's upstream object tables, config file format and
// CLI are all out of scope for this repository (spec.md §1).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"vrouter-ksync/pkg/ksync"
	"vrouter-ksync/pkg/ksync/entry"
	"vrouter-ksync/pkg/ksync/ksyncconfig"
	"vrouter-ksync/pkg/ksync/object"
	"vrouter-ksync/pkg/ksync/transport"
)

// demoInterface is a stand-in for one of the real agent's managed
// object types (spec.md §6's per-type collaborator interface). It
// carries no dependency on anything else, so it never defers.
type demoInterface struct {
	name string
}

func (d *demoInterface) IsLess(other entry.Type) bool {
	return d.name < other.(*demoInterface).name
}
func (d *demoInterface) String() string                { return "demoInterface:" + d.name }
func (d *demoInterface) UnresolvedReference() *entry.Entry { return nil }
func (d *demoInterface) IsDataResolved() bool           { return true }
func (d *demoInterface) AllowDeleteStateComp() bool      { return true }
func (d *demoInterface) ShouldReEvalBackReference() bool { return true }
func (d *demoInterface) CleanupOnDel()                   {}
func (d *demoInterface) EmptyTable()                     {}

func (d *demoInterface) EncodeAdd() ([]byte, bool)    { return []byte("ADD:" + d.name), true }
func (d *demoInterface) EncodeChange() ([]byte, bool) { return []byte("CHANGE:" + d.name), true }
func (d *demoInterface) EncodeDelete() ([]byte, bool) { return []byte("DELETE:" + d.name), true }

func (d *demoInterface) ErrorHandler(errno int, seqNo uint32, ev entry.Event) {
	fmt.Fprintf(os.Stderr, "demo: datapath error %d on %s (seq %d, event %s)\n", errno, d.name, seqNo, ev)
}

func main() {
	var configFile string
	flag.StringVar(&configFile, "config", "", "Path to a ksyncconfig YAML file")
	flag.Parse()

	if configFile == "" {
		configFile = os.Getenv("KSYNC_CONFIG_FILE")
	}

	cfg, err := ksyncconfig.LoadConfig(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ksyncdemo: failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	cfg.Transport.Variant = "udploop"
	cfg.Transport.LocalAddr = "127.0.0.1:0"
	cfg.Transport.PeerAddr = "127.0.0.1:0"

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	ksyncCtx := ksync.New(cfg, logger)

	conn, err := transport.NewUDPLoopConn("127.0.0.1:0", "127.0.0.1:0", 1, uint32(cfg.Transport.MaxFrameBytes))
	if err != nil {
		fmt.Fprintf(os.Stderr, "ksyncdemo: failed to construct transport: %v\n", err)
		os.Exit(1)
	}
	tr := transport.New(conn, transport.Config{
		MaxBulkMessages:   cfg.Transport.MaxBulkMessages,
		MaxBulkBytes:      cfg.Transport.MaxBulkBytes,
		InFlightHighWater: cfg.Transport.InFlightHighWater,
	}, logger)
	ksyncCtx.AddTransport(tr)

	interfaceObject := object.New(object.Config{
		Name:          "interface",
		RequiresIndex: true,
		IndexCapacity: 1024,
	}, ksyncCtx.Graph(), tr, logger)
	ksyncCtx.RegisterObject("interface", interfaceObject)

	runCtx, cancel := context.WithCancel(context.Background())
	ksyncCtx.Run(runCtx)

	e := interfaceObject.Create(&demoInterface{name: "eth0"}, false)
	logger.WithFields(logrus.Fields{
		"entry": e.Data.String(),
		"state": e.State(),
	}).Info("ksyncdemo: created demo entry")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
	case <-time.After(5 * time.Second):
	}

	interfaceObject.Delete(e)
	cancel()

	if err := ksyncCtx.Shutdown(); err != nil {
		fmt.Fprintf(os.Stderr, "ksyncdemo: shutdown reported outstanding state: %v\n", err)
	}
}
