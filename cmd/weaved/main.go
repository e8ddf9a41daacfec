// Command weaved runs a weave validator node: it loads a genesis config
// and signing keypair, restores any persisted state, joins the network,
// and drives consensus (or, in solo mode, produces blocks directly) on a
// fixed tick.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"norn.network/weave/internal/block"
	"norn.network/weave/internal/consensus"
	"norn.network/weave/internal/genesis"
	"norn.network/weave/internal/keys"
	"norn.network/weave/internal/loom"
	"norn.network/weave/internal/mempool"
	"norn.network/weave/internal/metrics"
	"norn.network/weave/internal/network"
	"norn.network/weave/internal/staking"
	"norn.network/weave/internal/state"
	"norn.network/weave/internal/storage"
	"norn.network/weave/internal/thread"
	"norn.network/weave/internal/weave"
	"norn.network/weave/internal/wire"
)

// keyfile mirrors weave-keygen's on-disk format. Duplicated rather than
// imported: the two are separate commands and neither should depend on
// the other's package.
type keyfile struct {
	Seed string `json:"seed"`
}

// nodeConfig is runNode's fully-resolved input, built from cobra flags in
// main and directly in tests.
type nodeConfig struct {
	GenesisPath  string
	KeyfilePath  string
	DataDir      string
	ListenAddr   string
	Peers        []string // "id=host:port"
	MetricsAddr  string
	TickInterval time.Duration

	// Hub, when set, joins the node to an in-memory SimulatedNetwork
	// instead of opening a WebSocketTransport — the test/local-cluster
	// path. Exclusive with ListenAddr.
	Hub *network.SimulatedHub
	// NodeID identifies this node on Hub or as the WebSocketTransport's
	// self id. Defaults to the node's hex address if empty.
	NodeID string
}

// node is a fully wired, running weaved instance.
type node struct {
	engine    *weave.Engine
	transport network.NetworkTransport
	metrics   *metrics.NodeMetrics
	store     *storage.Store
	peerAddrs map[keys.PublicKey]string
	peerKeys  map[string]keys.PublicKey

	metricsServer *http.Server
	ticker        *time.Ticker
	stopTick      chan struct{}
	tickDone      chan struct{}
}

func loadKeypair(path string) (*keys.Keypair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("weaved: reading keyfile %s: %w", path, err)
	}
	var kf keyfile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("weaved: decoding keyfile %s: %w", path, err)
	}
	seed, err := hex.DecodeString(kf.Seed)
	if err != nil || len(seed) != 32 {
		return nil, fmt.Errorf("weaved: keyfile %s has a malformed seed", path)
	}
	return keys.FromSeed(seed), nil
}

// peerAddressTable maps each genesis validator's public key to the hex
// address weaved uses as its NetworkTransport peer id.
func peerAddressTable(cfg *genesis.Config) (map[keys.PublicKey]string, error) {
	out := make(map[keys.PublicKey]string, len(cfg.Validators))
	for _, v := range cfg.Validators {
		pubBytes, err := hex.DecodeString(v.PubKey)
		if err != nil || len(pubBytes) != keys.PublicKeySize {
			return nil, fmt.Errorf("weaved: genesis validator has a malformed pubkey: %q", v.PubKey)
		}
		var pub keys.PublicKey
		copy(pub[:], pubBytes)
		addr := keys.AddressFromPublicKey(pub)
		out[pub] = hex.EncodeToString(addr[:])
	}
	return out, nil
}

func runNode(cfg nodeConfig) (*node, error) {
	keypair, err := loadKeypair(cfg.KeyfilePath)
	if err != nil {
		return nil, err
	}

	gcfg, err := genesis.Load(cfg.GenesisPath)
	if err != nil {
		return nil, fmt.Errorf("weaved: loading genesis: %w", err)
	}
	validators, err := gcfg.ValidatorSet()
	if err != nil {
		return nil, fmt.Errorf("weaved: building validator set: %w", err)
	}
	peerAddrs, err := peerAddressTable(gcfg)
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("weaved: opening store at %s: %w", cfg.DataDir, err)
	}

	stateMgr := state.New()
	loomMgr := loom.NewManager()
	engine := weave.New(keypair, validators, gcfg.MinStakeAmount(), gcfg.BondingPeriod, stateMgr, loomMgr)

	if err := storage.Rebuild(store, stateMgr, engine); err != nil {
		store.Close()
		return nil, fmt.Errorf("weaved: rebuilding state from %s: %w", cfg.DataDir, err)
	}
	stateMgr.SetStore(store)
	engine.SetStore(store)

	selfID := cfg.NodeID
	if selfID == "" {
		addr := keys.AddressFromPublicKey(keypair.Public)
		selfID = hex.EncodeToString(addr[:])
	}

	peerKeys := make(map[string]keys.PublicKey, len(peerAddrs))
	for pub, id := range peerAddrs {
		peerKeys[id] = pub
	}

	m := metrics.New()
	n := &node{
		engine:    engine,
		metrics:   m,
		store:     store,
		peerAddrs: peerAddrs,
		peerKeys:  peerKeys,
		stopTick:  make(chan struct{}),
		tickDone:  make(chan struct{}),
	}

	transport, err := n.joinNetwork(cfg, selfID)
	if err != nil {
		store.Close()
		return nil, err
	}
	n.transport = transport
	n.subscribeTopics()

	if cfg.MetricsAddr != "" {
		n.startMetricsServer(cfg.MetricsAddr)
	}

	tickInterval := cfg.TickInterval
	if tickInterval <= 0 {
		tickInterval = time.Second
	}
	n.ticker = time.NewTicker(tickInterval)
	go n.tickLoop(gcfg.IsSolo())

	m.WeaveHeight.Set(float64(engine.Height()))
	m.ValidatorsActive.Set(float64(validators.Len()))
	logrus.WithFields(logrus.Fields{"chain_id": gcfg.ChainID, "height": engine.Height(), "solo": gcfg.IsSolo()}).Info("weaved: node started")
	return n, nil
}

func (n *node) joinNetwork(cfg nodeConfig, selfID string) (network.NetworkTransport, error) {
	if cfg.Hub != nil {
		return cfg.Hub.Join(selfID), nil
	}
	ws := network.NewWebSocketTransport(selfID)
	if cfg.ListenAddr != "" {
		if err := ws.Listen(cfg.ListenAddr); err != nil {
			return nil, fmt.Errorf("weaved: listening on %s: %w", cfg.ListenAddr, err)
		}
	}
	for _, p := range cfg.Peers {
		parts := strings.SplitN(p, "=", 2)
		if len(parts) != 2 {
			logrus.WithField("peer", p).Warn("weaved: ignoring malformed --peer, want id=host:port")
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := ws.Dial(ctx, parts[0], parts[1])
		cancel()
		if err != nil {
			logrus.WithError(err).WithField("peer", p).Warn("weaved: failed to dial peer, will not retry")
		}
	}
	return ws, nil
}

func (n *node) subscribeTopics() {
	handler := func(peerID, topic string, env *wire.Envelope) {
		n.handleEnvelope(peerID, env)
	}
	for _, topic := range []string{wire.TopicBlocks, wire.TopicCommitments, wire.TopicFraudProofs, wire.TopicGeneral} {
		n.transport.Subscribe(topic, handler)
		n.transport.Subscribe(wire.VersionedTopic(topic, wire.ProtocolVersion), handler)
	}
}

// handleEnvelope decodes an incoming frame and routes it to the engine.
// Thin mempool-envelope kinds (name/token/loom definitions) carry no
// recoverable field data of their own — their real payload lives only in
// the proposing node's local pending-* bookkeeping — so relaying them
// here only re-queues the envelope for this node's own mempool rather
// than reconstructing the original submission.
func (n *node) handleEnvelope(peerID string, env *wire.Envelope) {
	if !env.MessageType.Known() {
		logrus.WithFields(logrus.Fields{"peer": peerID, "kind": env.MessageType}).Debug("weaved: dropping envelope of unknown kind")
		return
	}
	decoded, err := wire.Decode(env)
	if err != nil {
		n.metrics.MessagesRejected.WithLabelValues("decode_error").Inc()
		logrus.WithError(err).WithField("peer", peerID).Warn("weaved: failed to decode envelope")
		return
	}

	var applyErr error
	switch v := decoded.(type) {
	case consensus.Message:
		from, ok := n.peerKeys[peerID]
		if !ok {
			logrus.WithField("peer", peerID).Warn("weaved: consensus message from unknown validator, dropping")
			return
		}
		n.dispatchActions(n.engine.OnConsensusMessage(from, v))
	case *block.WeaveBlock:
		applyErr = n.engine.OnPeerBlock(v)
		if applyErr == nil {
			n.metrics.BlocksReceived.Inc()
			n.metrics.WeaveHeight.Set(float64(n.engine.Height()))
		}
	case *thread.CommitmentUpdate:
		applyErr = n.engine.SubmitCommitment(v)
	case *thread.Registration:
		applyErr = n.engine.SubmitRegistration(v)
	case *mempool.NameRegistration:
		applyErr = n.engine.Mempool().AddNameRegistration(v)
	case *mempool.NameTransfer:
		applyErr = n.engine.Mempool().AddNameTransfer(v)
	case *mempool.NameRecordUpdate:
		applyErr = n.engine.Mempool().AddNameRecordUpdate(v)
	case *mempool.FraudProof:
		applyErr = n.engine.SubmitFraudProof(v)
	case *mempool.TokenDefinition:
		applyErr = n.engine.Mempool().AddTokenDefinition(v)
	case *mempool.TokenMint:
		applyErr = n.engine.Mempool().AddTokenMint(v)
	case *mempool.TokenBurn:
		applyErr = n.engine.Mempool().AddTokenBurn(v)
	case *mempool.LoomDeploy:
		applyErr = n.engine.Mempool().AddLoomDeploy(v)
	case *staking.Operation:
		applyErr = n.engine.SubmitStakeOperation(v)
	case *wire.RelayMessage, *wire.StateRequest, *wire.StateResponse, *wire.UpgradeNotice:
		logrus.WithFields(logrus.Fields{"peer": peerID, "kind": env.MessageType}).Debug("weaved: received informational message, no action taken")
	default:
		logrus.WithFields(logrus.Fields{"peer": peerID, "kind": env.MessageType}).Warn("weaved: no handler for decoded message type")
	}
	if applyErr != nil {
		n.metrics.MessagesRejected.WithLabelValues("apply_error").Inc()
		logrus.WithError(applyErr).WithField("peer", peerID).Warn("weaved: rejected incoming content")
	}
}

// dispatchActions carries out the side effects OnTick/OnConsensusMessage/
// OnConsensusTimeout ask for: Broadcast and SendTo go out over the
// transport; RequestViewChange schedules this node's own timeout
// immediately, recursing at most one level (processActions already
// collapses CommitBlock and flattens one level of timeout-triggered
// actions, so this never loops).
func (n *node) dispatchActions(actions []consensus.Action) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, action := range actions {
		switch a := action.(type) {
		case consensus.Broadcast:
			env, err := wire.WrapConsensus(a.Message)
			if err != nil {
				logrus.WithError(err).Warn("weaved: failed to encode outgoing consensus message")
				continue
			}
			if err := n.transport.Publish(ctx, wire.TopicGeneral, env); err != nil {
				logrus.WithError(err).Warn("weaved: failed to broadcast consensus message")
			}
		case consensus.SendTo:
			env, err := wire.WrapConsensus(a.Message)
			if err != nil {
				logrus.WithError(err).Warn("weaved: failed to encode outgoing consensus message")
				continue
			}
			peerID, ok := n.peerAddrs[a.To]
			if !ok {
				logrus.WithField("validator", hex.EncodeToString(a.To[:])).Warn("weaved: no known peer address for validator")
				continue
			}
			if err := n.transport.Send(ctx, peerID, env); err != nil {
				logrus.WithError(err).WithField("peer", peerID).Warn("weaved: failed to send consensus message")
			}
		case consensus.RequestViewChange:
			n.dispatchActions(n.engine.OnConsensusTimeout())
		}
	}
}

func (n *node) tickLoop(solo bool) {
	defer close(n.tickDone)
	for {
		select {
		case <-n.stopTick:
			return
		case t := <-n.ticker.C:
			ts := thread.Timestamp(t.Unix())
			n.metrics.MempoolSize.Set(float64(n.engine.Mempool().Count()))
			if solo {
				if b := n.engine.ProduceBlock(ts); b != nil {
					n.metrics.BlocksProduced.Inc()
					n.metrics.WeaveHeight.Set(float64(n.engine.Height()))
					n.broadcastBlock(b)
				}
				continue
			}
			n.dispatchActions(n.engine.OnTick(ts))
		}
	}
}

func (n *node) broadcastBlock(b *block.WeaveBlock) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	env := wire.Wrap(wire.KindBlock, b)
	if err := n.transport.Publish(ctx, wire.TopicBlocks, env); err != nil {
		logrus.WithError(err).Warn("weaved: failed to broadcast finalized block")
	}
}

func (n *node) startMetricsServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", n.metrics.Handler())
	n.metricsServer = &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := n.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Warn("weaved: metrics server stopped")
		}
	}()
}

// Stop halts the tick loop, metrics server, network transport, and
// storage, in that order, blocking until each has fully shut down.
func (n *node) Stop() {
	close(n.stopTick)
	n.ticker.Stop()
	<-n.tickDone

	if n.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		n.metricsServer.Shutdown(ctx)
		cancel()
	}
	if err := n.transport.Close(); err != nil {
		logrus.WithError(err).Warn("weaved: error closing transport")
	}
	if err := n.store.Close(); err != nil {
		logrus.WithError(err).Warn("weaved: error closing store")
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "weaved",
		Short: "Run a weave validator node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := nodeConfig{
				GenesisPath:  viper.GetString("genesis"),
				KeyfilePath:  viper.GetString("keyfile"),
				DataDir:      viper.GetString("data-dir"),
				ListenAddr:   viper.GetString("listen"),
				Peers:        viper.GetStringSlice("peer"),
				MetricsAddr:  viper.GetString("metrics-addr"),
				TickInterval: viper.GetDuration("tick-interval"),
			}

			n, err := runNode(cfg)
			if err != nil {
				return err
			}

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			caught := <-sig
			logrus.WithField("signal", caught).Info("weaved: caught signal, shutting down")
			n.Stop()
			return nil
		},
	}

	flags := cmd.Flags()
	flags.String("genesis", "genesis.toml", "path to the genesis config file")
	flags.String("keyfile", "weave.key", "path to this node's keyfile")
	flags.String("data-dir", "./weave-data", "directory for the node's persistent store")
	flags.String("listen", "", "address to listen for peer websocket connections on, e.g. :7946")
	flags.StringSlice("peer", nil, "peer to dial at startup, id=host:port (repeatable)")
	flags.String("metrics-addr", "", "address to serve Prometheus metrics on, e.g. :9090")
	flags.Duration("tick-interval", time.Second, "how often to check for a block proposal opportunity")
	viper.BindPFlags(flags)
	viper.SetEnvPrefix("weaved")
	viper.AutomaticEnv()

	return cmd
}

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
