// Command sovereignd is the daemon that wires the Event Spine, Policy
// Engine, Issuance State Machine, Inventory Reservation, Sovereign Ledger
// Core, and Genesis Manager behind an HTTP shell. The shell is a thin
// adapter: every business rule lives in core/*, callable with no HTTP in
// the loop.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/term"
	"golang.org/x/time/rate"

	"sovereignchain/config"
	"sovereignchain/core/certificate"
	"sovereignchain/core/genesis"
	"sovereignchain/core/inventory"
	"sovereignchain/core/issuance"
	"sovereignchain/core/ledger"
	"sovereignchain/core/policy"
	"sovereignchain/crypto"
	"sovereignchain/externalsvc"
	"sovereignchain/gateway/download"
	"sovereignchain/gateway/webhook"
	"sovereignchain/observability/logging"
	"sovereignchain/observability/metrics"
	"sovereignchain/pkg/hashdomain"
	"sovereignchain/pkg/sig"
	"sovereignchain/pkg/sverrors"
	"sovereignchain/storage/sqlstore"
)

const (
	financeAutoApproveBelowMinor = 10000 // $100.00 in minor units, per §9's preserved route thresholds
	financeApprovalTTL           = 5 * time.Minute

	// revenueAsset is the ledger asset certificate-sale postings move:
	// minor-unit currency amounts from payment_intents, tracked exactly like
	// any other registered asset rather than as a special case.
	revenueAsset         = "USD"
	revenueAssetDecimals = 2
)

func main() {
	configPath := flag.String("config", "sovereignd.toml", "path to the daemon's TOML configuration")
	keystorePath := flag.String("keystore", "sovereignd.keystore", "path to the node's signing keystore")
	keystorePass := flag.String("keystore-pass", "", "passphrase for the signing keystore (also read from SOVEREIGN_KEYSTORE_PASS)")
	retryInterval := flag.Duration("retry-interval", 0, "override the issuance retry worker's poll interval")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("SOVEREIGN_ENV"))
	log := logging.Setup("sovereignd", env)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *retryInterval > 0 {
		cfg.RetryInterval = *retryInterval
	}

	keystorePassphrase, err := resolveKeystorePass(*keystorePath, *keystorePass)
	if err != nil {
		log.Error("failed to resolve keystore passphrase", "error", err)
		os.Exit(1)
	}
	signer, err := loadOrCreateSigner(*keystorePath, keystorePassphrase, log)
	if err != nil {
		log.Error("failed to load signing key", "error", err)
		os.Exit(1)
	}

	store, err := sqlstore.Open(cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	contentStore := externalsvc.NewMemoryContentStore()
	invManager := inventory.New(store.DB)
	genesisManager := genesis.New(store.DB, invManager, contentStore, cfg.GenesisTimestamp)
	ledgerCore := ledger.New(store.DB, cfg.PolicyHash)
	registerRevenueAsset(ledgerCore, log)
	policyEngine := policy.New(store.DB)
	registerDefaultPolicies(policyEngine)

	issuanceMachine := issuance.New(store.DB, invManager, genesisManager, contentStore,
		certificateBuilder(signer, genesisManager), issuance.WithVoidWindow(cfg.VoidWindow()), issuance.WithLogger(log),
		issuance.WithLedger(ledgerCore, cfg.PolicyHash))

	mux := http.NewServeMux()
	mux.Handle("/webhooks/payment-provider", webhook.New(issuanceMachine, cfg.PaymentWebhookSecret, rate.Limit(50), 100, log))
	mux.Handle("/downloads/", download.New(issuanceMachine, log))
	mux.Handle("/metrics", metricsHandler())
	mux.HandleFunc("/ledger/state-root", stateRootHandler(ledgerCore, log))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:              cfg.BindAddress,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go runRetryWorker(ctx, issuanceMachine, cfg.RetryInterval, log)

	go func() {
		log.Info("sovereignd listening", "addr", cfg.BindAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server failed", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
}

// registerRevenueAsset ensures the asset issuance posts certificate-sale
// revenue under is registered before the first sale can reach it; a prior
// registration (a restart, or an operator who ran register-asset by hand)
// is not an error.
func registerRevenueAsset(l *ledger.Ledger, log *slog.Logger) {
	ctx := context.Background()
	if _, err := l.RegisterAsset(ctx, revenueAsset, revenueAssetDecimals, ""); err != nil {
		if se, ok := sverrors.As(err); ok && se.Kind == sverrors.KindConflict {
			return
		}
		log.Error("failed to register revenue asset", "asset", revenueAsset, "error", err)
	}
}

// registerDefaultPolicies binds the initial policy set §4.2 describes.
// Extending it is adding a Rule and an entry here, never a branch in a
// closed switch.
func registerDefaultPolicies(e *policy.Engine) {
	e.Register("finance.send", policy.AmountThreshold{
		AutoApproveBelowMinor: financeAutoApproveBelowMinor,
		ApprovalTTL:           financeApprovalTTL,
		ResourceKey:           "payment_id",
	})
	e.Register("vault.delete", policy.RequireApproval{
		ApprovalTTL: financeApprovalTTL,
		ResourceKey: "file_id",
	})
	e.Register("tel.forward", policy.RequireDelegation{
		FromNamespaceKey: "from_namespace",
	})
}

// certificateBuilder closes over the daemon's signer and genesis manager to
// implement issuance.CertificateBuilder: it mints a single-entry lineage
// (no ancestry beyond the namespace itself), computes the rarity score from
// deterministic namespace-derived components, and signs the result under
// the declared secp256k1 scheme.
func certificateBuilder(signer *sig.KeySigner, genesisManager *genesis.Manager) issuance.CertificateBuilder {
	return func(ctx context.Context, namespace string, intent issuance.PaymentIntent) ([]byte, error) {
		status, err := genesisManager.GetStatus(ctx)
		if err != nil {
			return nil, fmt.Errorf("certificate builder: failed to read genesis status: %w", err)
		}
		entropy := sha256.Sum256([]byte(namespace + "|" + intent.ID))
		blockNumber := uint64(time.Now().UTC().Unix())
		namespaceHash := hashdomain.Hex(hashdomain.Sum(certificate.DomainIdentity,
			[]byte(status.Hash), []byte(""), []byte(namespace), leUint64(blockNumber), entropy[:]))

		components := certificate.RarityComponents{
			Position:   float64(len(namespace) % 10),
			Pattern:    float64(entropy[0] % 10),
			Entropy:    float64(entropy[1] % 10),
			Temporal:   float64(entropy[2] % 10),
			Structural: float64(entropy[3] % 10),
		}
		score := 200*components.Position + 300*components.Pattern + 100*components.Entropy +
			150*components.Temporal + 250*components.Structural

		ts := time.Now().UTC()
		signingMsg := []byte(namespaceHash)
		signingMsg = append(signingMsg, []byte("")...) // parent hash: none for a first-generation namespace
		signingMsg = append(signingMsg, leUint64(blockNumber)...)
		signingMsg = append(signingMsg, leUint64(uint64(ts.Unix()))...)
		signingMsg = append(signingMsg, signer.PublicKey()...)
		sigBytes, err := signer.Sign(signingMsg)
		if err != nil {
			return nil, fmt.Errorf("certificate builder: failed to sign certificate: %w", err)
		}

		cert := certificate.Certificate{
			Version: 1,
			Identity: certificate.Identity{
				NamespaceID:   namespace,
				NamespaceHash: namespaceHash,
				GenesisHash:   status.Hash,
			},
			Lineage: certificate.Lineage{
				ParentHash: "",
				Depth:      0,
				MerklePath: nil,
				MerkleRoot: namespaceHash,
			},
			Creation: certificate.Creation{
				BlockNumber: blockNumber,
				Timestamp:   ts.Unix(),
				Entropy:     hex.EncodeToString(entropy[:]),
			},
			Sovereignty: certificate.Sovereignty{
				Class:     "namespace",
				PublicKey: hex.EncodeToString(signer.PublicKey()),
			},
			Rarity: certificate.Rarity{
				Score:      score,
				Components: components,
				Tier:       rarityTier(score),
			},
			Signature: certificate.Signature{
				Scheme:    string(signer.Scheme()),
				PublicKey: hex.EncodeToString(signer.PublicKey()),
				Signature: hex.EncodeToString(sigBytes),
			},
		}

		// Content hash is computed over the canonical bytes without the
		// ipfs.contentHash field populated, then stamped back in, matching
		// how certificate.Verify recomputes it.
		canonical, err := hashdomain.Canonicalize(cert)
		if err != nil {
			return nil, fmt.Errorf("certificate builder: failed to canonicalize certificate: %w", err)
		}
		contentHash := hashdomain.Hex(hashdomain.Sum(certificate.DomainContent, canonical))
		cert.IPFS = certificate.IPFSRef{ContentHash: contentHash}
		final, err := json.Marshal(cert)
		if err != nil {
			return nil, fmt.Errorf("certificate builder: failed to marshal certificate: %w", err)
		}
		return final, nil
	}
}

func rarityTier(score float64) string {
	switch {
	case score >= 2000:
		return "legendary"
	case score >= 1200:
		return "rare"
	case score >= 600:
		return "uncommon"
	default:
		return "common"
	}
}

func leUint64(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}

func runRetryWorker(ctx context.Context, machine *issuance.Machine, interval time.Duration, log *slog.Logger) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := machine.RunRetryWorker(ctx, time.Now().UTC())
			if err != nil {
				log.Error("retry worker pass failed", "error", err)
				continue
			}
			if n > 0 {
				log.Info("retry worker reset issuances to pending", "count", n)
			}
		}
	}
}

func loadOrCreateSigner(path, passphrase string, log *slog.Logger) (*sig.KeySigner, error) {
	if _, err := os.Stat(path); err == nil {
		key, err := crypto.LoadFromKeystore(path, passphrase)
		if err != nil {
			return nil, fmt.Errorf("failed to load keystore at %q: %w", path, err)
		}
		return sig.NewKeySigner(key)
	}
	log.Info("no keystore found, generating a fresh signing key", "path", path)
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	if err := crypto.SaveToKeystore(path, key, passphrase); err != nil {
		return nil, fmt.Errorf("failed to persist generated keystore: %w", err)
	}
	return sig.NewKeySigner(key)
}

// resolveKeystorePass resolves the signing keystore's passphrase: an
// explicit flag wins, then the SOVEREIGN_KEYSTORE_PASS environment
// variable (for scripted starts), and only then a no-echo terminal prompt —
// an interactive operator should never need to put a passphrase in their
// shell history or a process's environment just to start the daemon.
func resolveKeystorePass(keystorePath, flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if v := os.Getenv("SOVEREIGN_KEYSTORE_PASS"); v != "" {
		return v, nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("no keystore passphrase provided (-keystore-pass or SOVEREIGN_KEYSTORE_PASS) and stdin is not a terminal to prompt on")
	}
	fmt.Fprintf(os.Stderr, "passphrase for keystore %q: ", keystorePath)
	pass, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase from terminal: %w", err)
	}
	return string(pass), nil
}

// stateRootHandler exposes the ledger's deterministic state-root
// commitment read-only, letting operators poll it without a database
// connection of their own.
func stateRootHandler(l *ledger.Ledger, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		root, err := l.StateRoot(r.Context())
		if err != nil {
			log.ErrorContext(r.Context(), "failed to compute state root", "error", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"stateRoot": root})
	}
}

func metricsHandler() http.Handler {
	metrics.Registry() // ensure the registry (and its Prometheus collectors) exists before serving
	return promhttp.Handler()
}
