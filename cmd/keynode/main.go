// Command keynode starts a keychain node: it opens (or bootstraps) the local
// Keyblock chain, joins the P2P gossip network, and serves the JSON-RPC
// control surface.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"

	"github.com/tolelom/keychain/builder"
	"github.com/tolelom/keychain/config"
	"github.com/tolelom/keychain/crypto/certgen"
	"github.com/tolelom/keychain/events"
	"github.com/tolelom/keychain/indexer"
	"github.com/tolelom/keychain/keychain"
	"github.com/tolelom/keychain/membership"
	"github.com/tolelom/keychain/network"
	"github.com/tolelom/keychain/pgp"
	"github.com/tolelom/keychain/pow"
	"github.com/tolelom/keychain/rpc"
	"github.com/tolelom/keychain/storage"
	"github.com/tolelom/keychain/wallet"
	"github.com/tolelom/keychain/wot"
)

func main() {
	cfgPath := flag.String("config", "config.json", "path to config file")
	keyPath := flag.String("key", "node.key", "path to this node's keystore file")
	genKey := flag.Bool("genkey", false, "generate a new signing key and exit")
	genUID := flag.String("genkey-uid", "", "udid2-format identity string for -genkey")
	genCerts := flag.String("gencerts", "", "generate CA + node TLS certs into the given directory and exit (requires node ID from config)")
	genesisPath := flag.String("genesis-block", "", "path to a pre-signed, pre-mined genesis Keyblock JSON, submitted once if the chain is empty")
	flag.Parse()

	// Read keystore password from environment (not CLI flags — they leak via ps).
	password := os.Getenv("KEYCHAIN_PASSWORD")
	if password == "" {
		log.Println("WARNING: KEYCHAIN_PASSWORD not set — keystore will use an empty password")
	}

	if *genKey {
		if *genUID == "" {
			log.Fatal("-genkey-uid is required with -genkey")
		}
		if err := generateKey(*keyPath, password, *genUID); err != nil {
			log.Fatal(err)
		}
		return
	}

	if *genCerts != "" {
		cfgForCerts, err := loadConfig(*cfgPath)
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if err := certgen.GenerateAll(*genCerts, cfgForCerts.NodeID, nil); err != nil {
			log.Fatalf("gencerts: %v", err)
		}
		fmt.Printf("Certificates generated in %s for node %q\n", *genCerts, cfgForCerts.NodeID)
		return
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	w, err := wallet.LoadKey(*keyPath, password, nil)
	if err != nil {
		log.Fatalf("load key: %v", err)
	}
	log.Printf("Node signing key fingerprint: %s", w.Fingerprint())

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Fatalf("mkdir data dir: %v", err)
	}
	db, err := storage.NewLevelDB(cfg.DataDir + "/chain")
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	blocks, err := storage.NewLevelBlockStore(db)
	if err != nil {
		log.Fatalf("open block store: %v", err)
	}
	members := storage.NewLevelMemberStore(db)
	links := storage.NewLevelLinkStore(db)
	trusted := storage.NewLevelTrustedKeyStore(db)
	membershipStore := storage.NewLevelMembershipStore(db)
	graph := wot.NewGraph()
	if err := rebuildGraph(graph, members, links); err != nil {
		log.Fatalf("rebuild WoT graph: %v", err)
	}

	emitter := events.NewEmitter()
	indexer.New(db, emitter)

	vCfg := keychain.Config{
		SigQty:      cfg.SigQty,
		SigValidity: cfg.SigValidity,
		TsInterval:  cfg.TsInterval,
		Currency:    cfg.Genesis.Currency,
		Pow:         keychain.PowConfig{PowZeroMin: cfg.PowZeroMin, PowPeriod: cfg.PowPeriod, PowPeriodC: cfg.PowPeriodC},
	}
	validator := keychain.NewValidator(vCfg, blocks, members, links, trusted, graph)

	engine := pow.NewEngine()
	pool := membership.NewPool(membershipStore, trustedKeyLookup(trusted))
	applier := &keychain.Applier{
		Blocks:      blocks,
		Members:     members,
		Links:       links,
		Trusted:     trusted,
		Memberships: pool,
		Graph:       graph,
		Emitter:     emitter,
		SigQty:      cfg.SigQty,
		SigValidity: cfg.SigValidity,
		Pow:         engine,
	}
	chain := keychain.NewChain(validator, applier, time.Now)

	if _, hasTip := chain.Current(); !hasTip {
		if err := bootstrapGenesis(chain, *genesisPath); err != nil {
			log.Fatalf("genesis: %v", err)
		}
	}

	tlsCfg, err := config.LoadTLSConfig(cfg.TLS)
	if err != nil {
		log.Fatalf("tls: %v", err)
	}
	if tlsCfg != nil {
		log.Println("mTLS enabled for P2P")
	}

	p2pAddr := fmt.Sprintf(":%d", cfg.P2PPort)
	node := network.NewNode(cfg.NodeID, p2pAddr, pool, tlsCfg)
	syncer := network.NewSyncer(node, chain)
	if err := node.Start(); err != nil {
		log.Fatalf("p2p start: %v", err)
	}
	defer node.Stop()
	log.Printf("P2P listening on %s", p2pAddr)

	for _, sp := range cfg.SeedPeers {
		if err := node.AddPeer(sp.ID, sp.Addr); err != nil {
			log.Printf("seed peer %s (%s): %v", sp.ID, sp.Addr, err)
			continue
		}
		if peer := node.Peer(sp.ID); peer != nil {
			if err := syncer.RequestBlocks(peer, 0); err != nil {
				log.Printf("request blocks from %s: %v", sp.ID, err)
			}
		}
		log.Printf("Connected to seed peer %s (%s)", sp.ID, sp.Addr)
	}

	bld := builder.New(chain, pool, nil, nil, cfg.Genesis.Currency)

	rpcAddr := fmt.Sprintf(":%d", cfg.RPCPort)
	rpcHandler := rpc.NewHandler(chain, pool, bld, engine, w.Signer(), vCfg.Pow, node)
	rpcServer := rpc.NewServer(rpcAddr, rpcHandler, cfg.RPCAuthToken)
	if err := rpcServer.Start(); err != nil {
		log.Fatalf("rpc start: %v", err)
	}
	defer rpcServer.Stop()
	log.Printf("RPC listening on %s", rpcAddr)
	if cfg.RPCAuthToken != "" {
		log.Println("RPC Bearer token authentication enabled")
	}

	if cfg.Participate {
		log.Printf("Block generation enabled (issuer: %s)", w.Fingerprint())
		rpcHandler.Dispatch(rpc.Request{Method: "startGeneration"})
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("Shutting down...")

	rpcHandler.Dispatch(rpc.Request{Method: "stopGeneration"})
	log.Println("Shutdown complete.")
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("Config file not found at %s, using defaults.", path)
			return config.DefaultConfig(), nil
		}
		return nil, err
	}
	return cfg, nil
}

func generateKey(path, password, uid string) error {
	entity, err := openpgp.NewEntity(uid, "", "", nil)
	if err != nil {
		return fmt.Errorf("generate entity: %w", err)
	}
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, "PGP PRIVATE KEY BLOCK", nil)
	if err != nil {
		return err
	}
	if err := entity.SerializePrivate(w, nil); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	fpr := pgp.FingerprintHex(entity.PrimaryKey.Fingerprint)
	if err := wallet.SaveKey(path, password, buf.Bytes(), fpr); err != nil {
		return err
	}
	fmt.Printf("Generated key. Fingerprint: %s\n", fpr)
	fmt.Printf("Saved to: %s\n", path)
	return nil
}

// bootstrapGenesis submits the pre-built block 0 read from path, if any. A
// genesis block must already be fully certified, signed and mined — this
// node does not forge one itself, since doing so would require every
// founder's private key in one place.
func bootstrapGenesis(chain *keychain.Chain, path string) error {
	if path == "" {
		log.Println("No genesis block configured and chain is empty; waiting for one to be submitted or synced.")
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read genesis block: %w", err)
	}
	var blk keychain.Keyblock
	if err := json.Unmarshal(data, &blk); err != nil {
		return fmt.Errorf("decode genesis block: %w", err)
	}
	if _, err := chain.SubmitKeyBlock(&blk); err != nil {
		return fmt.Errorf("submit genesis block: %w", err)
	}
	log.Printf("Genesis block committed: %s", blk.Hash)
	return nil
}

// rebuildGraph replays the current member/link stores into an in-memory
// wot.Graph at startup. The graph is a derived index, cheap to recompute
// from the member and link stores rather than persist directly.
func rebuildGraph(g *wot.Graph, members keychain.MemberStore, links keychain.LinkStore) error {
	for _, fpr := range members.Members() {
		g.AddMember(fpr)
	}
	for _, l := range links.AllCurrentLinks() {
		g.AddLink(l.Source, l.Target)
	}
	return nil
}

// trustedKeyLookup resolves a membership's issuer fingerprint to the public
// key it claims to hold, by decoding the armored packets already recorded in
// the trusted-key store for that member.
func trustedKeyLookup(trusted keychain.TrustedKeyStore) membership.KeyLookup {
	return func(fpr string) (*packet.PublicKey, bool) {
		tk, ok := trusted.GetTheOne(fpr)
		if !ok {
			return nil, false
		}
		dk, err := pgp.DecodeArmored(tk.Packets)
		if err != nil {
			return nil, false
		}
		return dk.Primary, true
	}
}
