// relayctl is a small operator tool: mint dev tokens for the websocket
// handshake and seed conversations for local testing.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"e2ee-relay/internal/authz"
	"e2ee-relay/internal/config"
	"e2ee-relay/internal/domain"
	"e2ee-relay/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "token":
		err = runToken(os.Args[2:])
	case "seed":
		err = runSeed(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "relayctl:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: relayctl token -user <uuid> [-key <base64 ed25519 private key>] [-ttl <duration>]")
	fmt.Fprintln(os.Stderr, "       relayctl seed -kind <direct|group> -members <uuid,uuid,...> [-admin <uuid>]")
}

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	user := fs.String("user", "", "subject user id")
	key := fs.String("key", "", "base64 ed25519 private key (empty generates one)")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if _, err := uuid.Parse(*user); err != nil {
		return fmt.Errorf("invalid -user: %w", err)
	}

	cfg := config.Load()
	signer, err := authz.NewSignerFromBase64(*key, "dev", cfg.Issuer)
	if err != nil {
		return err
	}
	tok, err := signer.Sign(*user, *ttl, nil)
	if err != nil {
		return err
	}
	fmt.Println("public key:", signer.PublicBase64())
	fmt.Println("token:", tok)
	return nil
}

func runSeed(args []string) error {
	fs := flag.NewFlagSet("seed", flag.ExitOnError)
	kind := fs.String("kind", "direct", "conversation kind")
	members := fs.String("members", "", "comma-separated member user ids")
	admin := fs.String("admin", "", "group admin user id")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var ids []domain.UserID
	for _, part := range strings.Split(*members, ",") {
		id, err := uuid.Parse(strings.TrimSpace(part))
		if err != nil {
			return fmt.Errorf("invalid member %q: %w", part, err)
		}
		ids = append(ids, id)
	}
	if len(ids) < 2 {
		return fmt.Errorf("need at least two members")
	}

	var adminID *domain.UserID
	if *admin != "" {
		id, err := uuid.Parse(*admin)
		if err != nil {
			return fmt.Errorf("invalid -admin: %w", err)
		}
		adminID = &id
	}

	cfg := config.Load()
	db, err := store.Open(cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	st := store.New(db)
	ctx := context.Background()
	if err := st.AutoMigrate(ctx); err != nil {
		return err
	}
	conv, err := st.CreateConversation(ctx, domain.ConversationKind(*kind), adminID, ids)
	if err != nil {
		return err
	}
	fmt.Println("conversation:", conv.ID)
	return nil
}
