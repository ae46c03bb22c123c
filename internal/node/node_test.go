package node

import (
	"context"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bgp-sentry/sentry/internal/bus"
	"github.com/bgp-sentry/sentry/internal/coin"
	"github.com/bgp-sentry/sentry/internal/detector"
	"github.com/bgp-sentry/sentry/internal/knowledge"
	"github.com/bgp-sentry/sentry/internal/ledger"
	"github.com/bgp-sentry/sentry/internal/observer"
	"github.com/bgp-sentry/sentry/internal/pool"
	"github.com/bgp-sentry/sentry/internal/reputation"
)

// writeKeyPair generates an Ed25519 key pair, writing the public key PEM
// into keyDir as "<asn>.pub.pem" and the private key PEM to privPath —
// the on-disk shape internal/keys.LoadDirectory expects.
func writeKeyPair(t *testing.T, keyDir string, asn int, privPath string) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	pubBytes, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})
	require.NoError(t, os.WriteFile(filepath.Join(keyDir, strconv.Itoa(asn)+".pub.pem"), pubPEM, 0o644))

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes})
	require.NoError(t, os.WriteFile(privPath, privPEM, 0o600))
}

func TestTwoNodeConsensusFinalizesLegitimateAnnouncement(t *testing.T) {
	dir := t.TempDir()
	keyDir := filepath.Join(dir, "keys")
	require.NoError(t, os.MkdirAll(keyDir, 0o755))

	const asnA, asnB = 65001, 65002

	privA := filepath.Join(dir, "a.priv.pem")
	privB := filepath.Join(dir, "b.priv.pem")
	writeKeyPair(t, keyDir, asnA, privA)
	writeKeyPair(t, keyDir, asnB, privB)

	roaPath := filepath.Join(dir, "roa.json")
	require.NoError(t, os.WriteFile(roaPath, []byte(`{"roas":[{"asn":70000,"prefix":"203.0.113.0/24","maxLength":24,"ta":"test"}]}`), 0o644))

	asrelPath := filepath.Join(dir, "asrel.json")
	require.NoError(t, os.WriteFile(asrelPath, []byte(`{}`), 0o644))

	datasetA := filepath.Join(dir, "dataset-a.jsonl")
	obs := map[string]interface{}{
		"prefix": "203.0.113.0/24", "origin_asn": 70000, "as_path": []int{70000},
		"timestamp": time.Now().Unix(), "observer_asn": asnA,
	}
	line, err := json.Marshal(obs)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(datasetA, append(line, '\n'), 0o644))

	datasetB := filepath.Join(dir, "dataset-b.jsonl")
	require.NoError(t, os.WriteFile(datasetB, []byte(""), 0o644))

	stateDir := filepath.Join(dir, "state")
	require.NoError(t, os.MkdirAll(stateDir, 0o755))

	sharedBus := bus.New(4, 64, nil)
	defer sharedBus.Shutdown()

	baseCfg := func(asn int, privPath, dataset string) Config {
		return Config{
			SelfASN:     asn,
			ROAPath:     roaPath,
			ASRelPath:   asrelPath,
			KeyDir:      keyDir,
			SelfKeyPath: privPath,
			DatasetPath: dataset,
			StateDir:    stateDir,
			Pool: pool.Config{
				Quorum: 2, Cap: 5,
				RegularTimeout: 50 * time.Millisecond, AttackTimeout: 200 * time.Millisecond,
				RPKIDedupWindow: time.Hour, NonRPKIDedupWindow: time.Millisecond,
				MaxBroadcastPeers: 10, PendingCapacity: 100, CommittedIDsCap: 100,
				CommitOnPartialQuorum: true,
			},
			Ledger:       ledger.Config{MaxTransactionsPerBlock: 1, MaxBlockInterval: time.Hour},
			Knowledge:    knowledge.Config{Window: time.Hour, CleanupEvery: time.Hour, Capacity: 1000},
			Detector:     detector.Config{FlapWindow: time.Minute, FlapThreshold: 5, FlapDedupWindow: time.Minute},
			Reputation:   reputation.Config{MinScore: 0, MaxScore: 100, InitialScore: 50, PersistentAttackCount: 3},
			Coin:         coin.Config{TotalSupply: 1_000_000},
			Observer:     observer.Config{PollInterval: 5 * time.Millisecond, BatchSize: 5},
			TickInterval: 10 * time.Millisecond,
		}
	}

	nodeA, err := New(baseCfg(asnA, privA, datasetA), sharedBus, nil)
	require.NoError(t, err)
	nodeB, err := New(baseCfg(asnB, privB, datasetB), sharedBus, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	go nodeA.Run(ctx)
	go nodeB.Run(ctx)
	<-ctx.Done()
	time.Sleep(20 * time.Millisecond) // let in-flight bus dispatches settle

	require.GreaterOrEqual(t, nodeA.Ledger().Height()+int64(nodeA.Ledger().PendingCount()), int64(1))
	rep := nodeA.Reputation().Get(70000)
	require.Equal(t, 70000, rep.ASN)
}
