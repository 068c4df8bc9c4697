// Command lokinetd assembles the path subsystem, the router-contact
// nodedb, and a libp2p wire transport into a running relay, the way
// the teacher's main.go assembles Node/Server from flags and an
// encrypted secrets file.
package main

import (
	"context"
	"crypto/ed25519"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p"
	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/multiformats/go-multiaddr"

	"lokinet-path/internal/circuit"
	"lokinet-path/internal/cryptoutil"
	"lokinet-path/internal/nodedb"
	"lokinet-path/internal/rc"
	libp2pt "lokinet-path/internal/transport/libp2p"
)

type daemonConfig struct {
	DataDir      string
	Listen       string
	ControlAddr  string
	AllowTransit bool
	EnablePQ     bool
	TickInterval time.Duration
}

func defaultDaemonConfig() *daemonConfig {
	return &daemonConfig{
		Listen:       "/ip4/0.0.0.0/tcp/9090",
		ControlAddr:  "127.0.0.1:9091",
		AllowTransit: true,
		TickInterval: time.Second,
	}
}

// asyncWorker is the minimal FIFO dispatcher nodedb posts disk writes
// through: one goroutine draining a buffered channel, so the core
// never owns a thread pool directly (spec.md §5/§6).
type asyncWorker struct {
	jobs chan func()
}

func newAsyncWorker(depth int) *asyncWorker {
	w := &asyncWorker{jobs: make(chan func(), depth)}
	go func() {
		for job := range w.jobs {
			job()
		}
	}()
	return w
}

func (w *asyncWorker) dispatch(job func()) { w.jobs <- job }

func nowMs() int64 { return time.Now().UnixMilli() }

// logHandler is the simplest RoutingHandler: it logs every decoded
// routing message reaching this router's terminal hops or owned
// paths. A real application layer (hidden-service endpoint, exit
// session) would replace this.
type logHandler struct{}

func (logHandler) HandleRoutingMessage(path circuit.PathID, msg circuit.RoutingMessage) error {
	log.Printf("[routing] path=%x kind=%d bytes=%d", path[:4], msg.Kind, len(msg.Payload))
	return nil
}

func main() {
	cfg := defaultDaemonConfig()
	home, err := os.UserHomeDir()
	if err != nil {
		log.Fatalf("home dir: %v", err)
	}
	cfg.DataDir = filepath.Join(home, ".lokinetd")

	flag.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "router state directory (identity, contacts)")
	flag.StringVar(&cfg.Listen, "listen", cfg.Listen, "libp2p listen multiaddr")
	flag.StringVar(&cfg.ControlAddr, "control-addr", cfg.ControlAddr, "localhost control-plane HTTP address")
	flag.BoolVar(&cfg.AllowTransit, "allow-transit", cfg.AllowTransit, "accept transit-hop build requests from other routers")
	flag.BoolVar(&cfg.EnablePQ, "enable-pq", cfg.EnablePQ, "advertise a post-quantum KEM key and fold it into build handshakes")
	var identityPass string
	flag.StringVar(&identityPass, "identity-pass", "", "passphrase protecting identity.enc (or set LOKINETD_IDENTITY_PASS)")
	flag.Parse()

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		log.Fatalf("data dir: %v", err)
	}
	contactsDir := filepath.Join(cfg.DataDir, "contacts")
	if err := os.MkdirAll(contactsDir, 0o700); err != nil {
		log.Fatalf("contacts dir: %v", err)
	}

	if identityPass == "" {
		identityPass = os.Getenv("LOKINETD_IDENTITY_PASS")
	}
	if identityPass == "" {
		log.Fatalf("identity.enc passphrase missing. Supply --identity-pass or set LOKINETD_IDENTITY_PASS")
	}

	idPath := filepath.Join(cfg.DataDir, "identity.enc")
	id, created, err := loadOrCreateIdentity(idPath, []byte(identityPass), cfg.EnablePQ)
	if err != nil {
		log.Fatalf("identity: %v", err)
	}
	if created {
		log.Printf("[identity] generated new identity at %s (pq=%v)", idPath, cfg.EnablePQ)
	}

	signingKey := id.signingKey()
	var self rc.RouterID
	copy(self[:], signingKey.Public().(ed25519.PublicKey))

	encPub, err := cryptoutil.X25519PublicKey(id.EncSec)
	if err != nil {
		log.Fatalf("identity: derive enc pubkey: %v", err)
	}

	selfRC := rc.NewUnsigned(signingKey.Public().(ed25519.PublicKey), encPub, nil, nowMs())
	selfRC.PubKey = self
	if cfg.EnablePQ {
		selfRC.SetPQEncKey(id.PQPublic)
	}
	if err := selfRC.Sign(signingKey); err != nil {
		log.Fatalf("rc: sign: %v", err)
	}

	worker := newAsyncWorker(256)
	db := nodedb.New(contactsDir, worker.dispatch)
	loaded, decodeErrs := db.LoadFromDisk(nowMs())
	for _, e := range decodeErrs {
		log.Printf("[nodedb] skipping unreadable contact: %v", e)
	}
	log.Printf("[nodedb] loaded %d known contacts from %s", loaded, contactsDir)

	p2pPriv, err := p2pcrypto.UnmarshalEd25519PrivateKey(signingKey)
	if err != nil {
		log.Fatalf("libp2p identity: %v", err)
	}
	host, err := libp2p.New(
		libp2p.Identity(p2pPriv),
		libp2p.ListenAddrStrings(cfg.Listen),
	)
	if err != nil {
		log.Fatalf("libp2p host: %v", err)
	}
	defer host.Close()

	if addrs := advertisedAddresses(host); len(addrs) > 0 {
		selfRC.Addresses = addrs
		selfRC.LastUpdated = nowMs()
		if err := selfRC.Sign(signingKey); err != nil {
			log.Fatalf("rc: re-sign with addresses: %v", err)
		}
		db.Put(selfRC, nowMs())
	}
	log.Printf("[node] self=%s listening on %v", self, host.Addrs())

	var ctx *circuit.PathContext
	transport := libp2pt.New(host,
		func(from rc.RouterID, msg circuit.LRCM) {
			if err := ctx.HandleInboundLRCM(context.Background(), from, msg, nowMs()); err != nil {
				log.Printf("[lrcm] install from=%s: %v", from, err)
			}
		},
		func(from rc.RouterID, frames []circuit.RelayFrame) {
			for _, f := range frames {
				if err := ctx.HandleInboundUpstream(context.Background(), f, nowMs()); err != nil {
					log.Printf("[relay-up] from=%s: %v", from, err)
				}
			}
		},
		func(from rc.RouterID, frames []circuit.RelayFrame) {
			for _, f := range frames {
				if err := ctx.HandleInboundDownstream(context.Background(), f, nowMs()); err != nil {
					log.Printf("[relay-down] from=%s: %v", from, err)
				}
			}
		},
	)

	ctx = circuit.NewPathContext(self, transport, logHandler{})
	ctx.SetHopSecrets(id.EncSec, id.PQPrivate)
	if !cfg.AllowTransit {
		ctx.RejectTransit()
	}
	builder := circuit.NewBuilder(ctx, db)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tick(runCtx, ctx, db, cfg.TickInterval)

	ctrl := &controlServer{self: self, ctx: ctx, db: db, built: builder}
	controlSrv := newControlHTTPServer(cfg.ControlAddr, ctrl)
	go func() {
		log.Printf("[control http] listening on %s (local only)", cfg.ControlAddr)
		if err := controlSrv.ListenAndServe(); err != nil {
			log.Printf("control http: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Printf("[node] shutting down")
}

// tick runs the periodic housekeeping spec.md §4.4(5)/(6)/§4.6 requires:
// decay replay filters and rate limiters, expire stale paths, and flush
// every transit hop's queued frames.
func tick(ctx context.Context, pc *circuit.PathContext, db *nodedb.DB, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			now := nowMs()
			pc.DecayReplayFilters(now)
			pc.DecayLimiters(now)
			if transitGone, ownedGone := pc.ExpirePaths(now); transitGone > 0 || ownedGone > 0 {
				log.Printf("[expiry] transit=%d owned=%d", transitGone, ownedGone)
			}
			pc.PumpUpstream(ctx)
			pc.PumpDownstream(ctx)
			if expired := db.Tick(now); expired > 0 {
				log.Printf("[nodedb] expired %d stale contacts", expired)
			}
		}
	}
}

// advertisedAddresses converts the host's listen multiaddrs into RC
// addresses, skipping anything that isn't a plain IPv4/IPv6+TCP
// endpoint (loopback included; operators filter bogons at the RC
// Verify layer via rc.BlockBogons).
func advertisedAddresses(h interface{ Addrs() []multiaddr.Multiaddr }) []rc.Address {
	var out []rc.Address
	for _, ma := range h.Addrs() {
		ip4, err4 := ma.ValueForProtocol(multiaddr.P_IP4)
		ip6, err6 := ma.ValueForProtocol(multiaddr.P_IP6)
		tcp, errTCP := ma.ValueForProtocol(multiaddr.P_TCP)
		if errTCP != nil {
			continue
		}
		var ipStr string
		switch {
		case err4 == nil:
			ipStr = ip4
		case err6 == nil:
			ipStr = ip6
		default:
			continue
		}
		ip := parseIP(ipStr)
		if ip == nil {
			continue
		}
		port := parsePort(tcp)
		if port == 0 {
			continue
		}
		out = append(out, rc.Address{IP: ip, Port: port})
	}
	return out
}
