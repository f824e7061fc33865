package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/glowcast/giftledger/internal/merkle"
	"github.com/glowcast/giftledger/pkg/client"
)

// version is overridden by goreleaser via -ldflags "-X main.version=...".
var version = "dev"

var (
	serverURL string
	cfgFile   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "giftctl",
	Short: "giftledger CLI",
	Long: `giftctl is the command-line interface for the giftledger service.

It submits signed gift events, manages live sessions, and independently
verifies the ledger: chain integrity against a running service, and Merkle
inclusion proofs fully offline.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.giftctl")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if serverURL == "" {
			serverURL = viper.GetString("server_url")
		}
		if serverURL == "" {
			serverURL = "http://localhost:8080"
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.giftctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "giftledger service URL (default http://localhost:8080)")

	rootCmd.AddCommand(sendGiftCmd)
	rootCmd.AddCommand(verifyChainCmd)
	rootCmd.AddCommand(verifyProofCmd)
	rootCmd.AddCommand(hashEntryCmd)
	rootCmd.AddCommand(liveCmd)
	rootCmd.AddCommand(versionCmd)
}

func newClient(opts ...client.Option) *client.Client {
	return client.New(serverURL, opts...)
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// ── send-gift ────────────────────────────────────────────────────────────────

var (
	giftLiveID     string
	giftConsumerID string
	giftAmount     int64
	giftKey        string
	giftSecret     string
)

var sendGiftCmd = &cobra.Command{
	Use:   "send-gift",
	Short: "Submit a signed gift event",
	Long: `Send-gift signs the event body with the shared ingest secret and submits
it. Re-running with the same --key is safe: the service records the gift at
most once and replays return status "already-recorded".`,
	RunE: runSendGift,
}

func init() {
	sendGiftCmd.Flags().StringVar(&giftLiveID, "live", "", "Live session id (required)")
	sendGiftCmd.Flags().StringVar(&giftConsumerID, "consumer", "", "Consumer id (required)")
	sendGiftCmd.Flags().Int64Var(&giftAmount, "amount", 0, "Gift amount in coins (required)")
	sendGiftCmd.Flags().StringVar(&giftKey, "key", "", "Idempotency key (required)")
	sendGiftCmd.Flags().StringVar(&giftSecret, "secret", "", "Ingest HMAC secret (or INGEST_SECRET)")
	_ = sendGiftCmd.MarkFlagRequired("live")
	_ = sendGiftCmd.MarkFlagRequired("consumer")
	_ = sendGiftCmd.MarkFlagRequired("amount")
	_ = sendGiftCmd.MarkFlagRequired("key")
}

func runSendGift(cmd *cobra.Command, args []string) error {
	secret := giftSecret
	if secret == "" {
		secret = viper.GetString("ingest_secret")
	}
	if secret == "" {
		return fmt.Errorf("ingest secret required: pass --secret or set INGEST_SECRET")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	c := newClient(client.WithIngestSecret([]byte(secret)))
	res, err := c.SendGift(ctx, client.GiftEvent{
		IdempotencyKey: giftKey,
		LiveID:         giftLiveID,
		ConsumerID:     giftConsumerID,
		CoinAmount:     giftAmount,
	})
	if err != nil {
		return err
	}
	return printJSON(res)
}

// ── verify-chain ─────────────────────────────────────────────────────────────

var verifyChainCmd = &cobra.Command{
	Use:   "verify-chain",
	Short: "Ask the service to re-verify the full hash chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		c := newClient()
		ov, err := c.Overview(ctx)
		if err != nil {
			return err
		}
		vr, err := c.VerifyChain(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("entries: %d\ntail:    %s\n", ov.Entries, ov.Tail)
		if !vr.Valid {
			return fmt.Errorf("chain INVALID: %s", vr.Error)
		}
		fmt.Println("chain:   valid")
		return nil
	},
}

// ── verify-proof ─────────────────────────────────────────────────────────────

var proofFile string

var verifyProofCmd = &cobra.Command{
	Use:   "verify-proof <entry-id>",
	Short: "Verify a Merkle inclusion proof offline",
	Long: `Verify-proof fetches the entry's inclusion proof (or reads it from
--file) and folds the entry's leaf digest through the proof path locally.
The fold runs entirely on this machine: a verified proof shows the entry is
part of the published root without trusting the server's arithmetic.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runVerifyProof,
}

func init() {
	verifyProofCmd.Flags().StringVar(&proofFile, "file", "", "Read the proof from a JSON file instead of the service")
}

func runVerifyProof(cmd *cobra.Command, args []string) error {
	var proof *client.ProofResult

	switch {
	case proofFile != "":
		data, err := os.ReadFile(proofFile)
		if err != nil {
			return fmt.Errorf("read proof file: %w", err)
		}
		proof = &client.ProofResult{}
		if err := json.Unmarshal(data, proof); err != nil {
			return fmt.Errorf("parse proof file: %w", err)
		}
	case len(args) == 1:
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		p, err := newClient().GetProof(ctx, args[0])
		if err != nil {
			return err
		}
		proof = p
	default:
		return fmt.Errorf("pass an entry id or --file")
	}

	if proof.Entry == nil {
		return fmt.Errorf("proof carries no ledger entry")
	}
	leaf := leafDigest(proof.Entry)

	if !merkle.Verify(leaf, proof.Index, proof.Path, proof.Root) {
		return fmt.Errorf("proof INVALID: leaf does not fold to root %s", proof.Root)
	}

	fmt.Printf("entry:   %s (seq %d)\n", proof.Entry.ID, proof.Entry.Seq)
	fmt.Printf("root:    %s\n", proof.Root)
	fmt.Printf("index:   %d\n", proof.Index)
	fmt.Println("proof:   valid")
	return nil
}

// leafDigest recomputes the entry's canonical leaf digest from its fields,
// mirroring the service's canonical payload format.
func leafDigest(e *client.Entry) string {
	payload := fmt.Sprintf("%s|%s|%d|%s|%s|%s",
		e.DebitAccountID,
		e.CreditAccountID,
		e.Amount,
		e.RefType,
		e.RefID,
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// ── hash-entry ───────────────────────────────────────────────────────────────

var hashPrev string

var hashEntryCmd = &cobra.Command{
	Use:   "hash-entry <entry-file>",
	Short: "Compute a ledger entry's canonical digests from a JSON file",
	Long: `Hash-entry reads an entry JSON file (the body returned by
GET /api/v1/ledger/entries/:id) and recomputes its canonical leaf digest.
With --prev it also recomputes the chain hash, so a published entry can be
checked against the hashes the service reports without trusting the server.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read entry file: %w", err)
		}
		var entry client.Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			return fmt.Errorf("parse entry file: %w", err)
		}

		fmt.Printf("leaf:  %s\n", leafDigest(&entry))
		if cmd.Flags().Changed("prev") {
			fmt.Printf("chain: %s\n", chainDigest(&entry, hashPrev))
		}
		return nil
	},
}

func init() {
	hashEntryCmd.Flags().StringVar(&hashPrev, "prev", "", "Chain hash of the preceding entry (empty for the first entry)")
}

// chainDigest recomputes hashThis from the previous chain hash and the
// entry's canonical payload.
func chainDigest(e *client.Entry, prev string) string {
	payload := fmt.Sprintf("%s|%s|%d|%s|%s|%s",
		e.DebitAccountID,
		e.CreditAccountID,
		e.Amount,
		e.RefType,
		e.RefID,
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	sum := sha256.Sum256([]byte(prev + payload))
	return hex.EncodeToString(sum[:])
}

// ── live ─────────────────────────────────────────────────────────────────────

var liveCreator string

var liveCmd = &cobra.Command{
	Use:   "live",
	Short: "Manage live sessions",
}

var liveStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Open a live session for a creator",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		live, err := newClient().CreateLive(ctx, liveCreator)
		if err != nil {
			return err
		}
		return printJSON(live)
	},
}

var liveEndCmd = &cobra.Command{
	Use:   "end <live-id>",
	Short: "End a live session and settle its gift value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		res, err := newClient().EndLive(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

func init() {
	liveStartCmd.Flags().StringVar(&liveCreator, "creator", "", "Creator id (required)")
	_ = liveStartCmd.MarkFlagRequired("creator")

	liveCmd.AddCommand(liveStartCmd)
	liveCmd.AddCommand(liveEndCmd)
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the giftctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("giftctl", version)
	},
}
