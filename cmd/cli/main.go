// Command cv is the device-side CLI client for the CardVault service.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	u "github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/cardvault/internal/api"
	"github.com/and161185/cardvault/internal/model"
	"github.com/and161185/cardvault/internal/resolve"
	"github.com/and161185/cardvault/internal/signing"
	"github.com/and161185/cardvault/internal/store"
	"github.com/and161185/cardvault/internal/syncclient"
)

// ---- config/token store ----

type tokenFile struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	UserID      string    `json:"user_id"`
}

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "cardvault")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "cardvault")
}

func tokenPath() string    { return filepath.Join(cfgDir(), "token.json") }
func conflictPath() string { return filepath.Join(cfgDir(), "conflict.json") }

func saveToken(tf tokenFile) error {
	_ = os.MkdirAll(cfgDir(), 0o700)
	f, err := os.Create(tokenPath())
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(tf)
}

func loadToken() (tokenFile, error) {
	var tf tokenFile
	b, err := os.ReadFile(tokenPath())
	if err != nil {
		return tf, err
	}
	if err := json.Unmarshal(b, &tf); err != nil {
		return tf, err
	}
	if tf.AccessToken == "" || time.Now().After(tf.ExpiresAt) {
		return tf, errors.New("no valid token (login required)")
	}
	return tf, nil
}

// persisted conflict payload bridging `sync` and `resolve` invocations
type conflictFile struct {
	ServerVersion int64                  `json:"server_version"`
	ServerState   model.CollectionState  `json:"server_state"`
	Divergent     []model.FieldDiff      `json:"divergent_fields"`
}

func saveConflict(c *syncclient.Conflict) error {
	b, err := json.MarshalIndent(conflictFile{
		ServerVersion: c.ServerVersion,
		ServerState:   c.ServerState,
		Divergent:     c.Divergent,
	}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(conflictPath(), b, 0o600)
}

func loadConflict() (*syncclient.Conflict, error) {
	b, err := os.ReadFile(conflictPath())
	if err != nil {
		return nil, errors.New("no pending conflict (run sync first)")
	}
	var cf conflictFile
	if err := json.Unmarshal(b, &cf); err != nil {
		return nil, err
	}
	return &syncclient.Conflict{
		ServerVersion: cf.ServerVersion,
		ServerState:   cf.ServerState,
		Divergent:     cf.Divergent,
	}, nil
}

func clearConflict() { _ = os.Remove(conflictPath()) }

// ---- plain HTTP helpers (register/login/device endpoints) ----

func apiPost(ctx context.Context, base, path, token string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := (&http.Client{Timeout: 30 * time.Second}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var msg bytes.Buffer
		_, _ = msg.ReadFrom(resp.Body)
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(msg.String()))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ---- utils ----

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func parseCardList(s string) (map[string]int64, error) {
	out := map[string]int64{}
	if s == "" {
		return out, nil
	}
	for _, part := range strings.Split(s, ",") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("bad card spec %q (want id=qty)", part)
		}
		qty, err := strconv.ParseInt(kv[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad qty in %q: %w", part, err)
		}
		out[kv[0]] = qty
	}
	return out, nil
}

func openStore(log *zap.Logger) *store.Store {
	st, err := store.Open(cfgDir(), log)
	if err != nil {
		fail(err)
	}
	return st
}

func newSyncClient(addr string, st *store.Store, log *zap.Logger) *syncclient.Client {
	signer, err := signing.Open(cfgDir())
	if err != nil {
		fail(err)
	}
	token := func() (string, error) {
		tf, err := loadToken()
		if err != nil {
			return "", err
		}
		return tf.AccessToken, nil
	}
	return syncclient.New(addr, nil, token, signer, st, log)
}

func usage() {
	fmt.Fprintf(os.Stderr, `cv CLI
Usage:
  cv -addr http://HOST:PORT <cmd> [args]

Commands:
  version
  register        -u <username> -p <password>
  login           -u <username> -p <password>         (saves token)
  register-device                                     (new signing key + local store)
  rotate-key
  show                                                (local snapshot)
  open-pack       -pack <id> -cost <credits> -cards id=qty[,id=qty...]
  add-card        -id <card> -qty <n>
  add-credits     -n <amount>
  add-xp          -n <amount>
  save-deck       -id <deck> -name <name> -cards c1[,c2...] [-depends <action-id>]
  rm-deck         -id <deck>
  sync                                                (flush pending actions)
  resolve         -use server|local
  pull                                                (full re-pull from server)
  signout                                             (drop local state)
`)
	os.Exit(2)
}

// ---- main ----

var (
	version   = "dev"
	buildDate = "unknown"
)

// main dispatches subcommands against the local store and the sync API.
func main() {
	addr := flag.String("addr", "http://localhost:8080", "server base URL")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	cmd := flag.Arg(0)
	args := flag.Args()[1:]

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()

	switch cmd {

	case "version":
		fmt.Printf("cv %s (%s)\n", version, buildDate)

	case "register":
		fs := flag.NewFlagSet("register", flag.ExitOnError)
		uname := fs.String("u", "", "username")
		pass := fs.String("p", "", "password")
		_ = fs.Parse(args)
		if *uname == "" || *pass == "" {
			fmt.Fprintln(os.Stderr, "need -u and -p")
			os.Exit(1)
		}
		var resp api.RegisterResponse
		if err := apiPost(ctx, *addr, "/v1/auth/register", "", api.RegisterRequest{Username: *uname, Password: *pass}, &resp); err != nil {
			fail(err)
		}
		fmt.Println(resp.UserID)

	case "login":
		fs := flag.NewFlagSet("login", flag.ExitOnError)
		uname := fs.String("u", "", "username")
		pass := fs.String("p", "", "password")
		_ = fs.Parse(args)
		if *uname == "" || *pass == "" {
			fmt.Fprintln(os.Stderr, "need -u and -p")
			os.Exit(1)
		}
		var resp api.LoginResponse
		if err := apiPost(ctx, *addr, "/v1/auth/login", "", api.LoginRequest{Username: *uname, Password: *pass}, &resp); err != nil {
			fail(err)
		}
		if err := saveToken(tokenFile{AccessToken: resp.AccessToken, ExpiresAt: resp.ExpiresAt, UserID: resp.UserID}); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	case "register-device":
		tf, err := loadToken()
		if err != nil {
			fail(err)
		}
		signer, err := signing.Open(cfgDir())
		if err != nil {
			fail(err)
		}
		pub, err := signer.Generate()
		if err != nil {
			fail(err)
		}
		var resp api.RegisterDeviceResponse
		if err := apiPost(ctx, *addr, "/v1/devices", tf.AccessToken, api.RegisterDeviceRequest{PublicKey: pub}, &resp); err != nil {
			fail(err)
		}
		userID, err := u.FromString(tf.UserID)
		if err != nil {
			fail(err)
		}
		deviceID, err := u.FromString(resp.DeviceID)
		if err != nil {
			fail(err)
		}
		st, err := store.New(cfgDir(), userID, deviceID, logger)
		if err != nil {
			fail(err)
		}
		if err := st.SetSigningKeyVersion(resp.KeyVersion); err != nil {
			fail(err)
		}
		fmt.Println(resp.DeviceID)

	case "rotate-key":
		tf, err := loadToken()
		if err != nil {
			fail(err)
		}
		st := openStore(logger)
		signer, err := signing.Open(cfgDir())
		if err != nil {
			fail(err)
		}
		pub, newVer, err := signer.Rotate()
		if err != nil {
			fail(err)
		}
		snap := st.Snapshot()
		var resp api.RotateKeyResponse
		path := "/v1/devices/" + snap.DeviceID.String() + "/rotate"
		if err := apiPost(ctx, *addr, path, tf.AccessToken, api.RotateKeyRequest{PublicKey: pub}, &resp); err != nil {
			fail(err)
		}
		if resp.KeyVersion != newVer {
			fail(fmt.Errorf("key version skew: local %d, server %d", newVer, resp.KeyVersion))
		}
		if err := st.SetSigningKeyVersion(newVer); err != nil {
			fail(err)
		}
		fmt.Println(newVer)

	case "show":
		st := openStore(logger)
		printJSON(st.Snapshot())

	case "open-pack":
		fs := flag.NewFlagSet("open-pack", flag.ExitOnError)
		pack := fs.String("pack", "", "pack id")
		cost := fs.Int64("cost", 0, "credit cost")
		cards := fs.String("cards", "", "granted cards id=qty[,id=qty...]")
		_ = fs.Parse(args)
		granted, err := parseCardList(*cards)
		if err != nil {
			fail(err)
		}
		if *pack == "" || len(granted) == 0 {
			fmt.Fprintln(os.Stderr, "need -pack and -cards")
			os.Exit(1)
		}
		st := openStore(logger)
		id, err := st.OpenPack(*pack, granted, *cost)
		if err != nil {
			fail(err)
		}
		fmt.Println(id)

	case "add-card":
		fs := flag.NewFlagSet("add-card", flag.ExitOnError)
		id := fs.String("id", "", "card id")
		qty := fs.Int64("qty", 1, "quantity")
		_ = fs.Parse(args)
		if *id == "" {
			fmt.Fprintln(os.Stderr, "need -id")
			os.Exit(1)
		}
		st := openStore(logger)
		actionID, err := st.AddCards(*id, *qty)
		if err != nil {
			fail(err)
		}
		fmt.Println(actionID)

	case "add-credits":
		fs := flag.NewFlagSet("add-credits", flag.ExitOnError)
		n := fs.Int64("n", 0, "amount")
		_ = fs.Parse(args)
		st := openStore(logger)
		actionID, err := st.AddCredits(*n)
		if err != nil {
			fail(err)
		}
		fmt.Println(actionID)

	case "add-xp":
		fs := flag.NewFlagSet("add-xp", flag.ExitOnError)
		n := fs.Int64("n", 0, "amount")
		_ = fs.Parse(args)
		st := openStore(logger)
		actionID, err := st.AddXP(*n)
		if err != nil {
			fail(err)
		}
		fmt.Println(actionID)

	case "save-deck":
		fs := flag.NewFlagSet("save-deck", flag.ExitOnError)
		id := fs.String("id", "", "deck id")
		name := fs.String("name", "", "deck name")
		cards := fs.String("cards", "", "card ids c1[,c2...]")
		depends := fs.String("depends", "", "action id this deck depends on")
		_ = fs.Parse(args)
		if *id == "" || *cards == "" {
			fmt.Fprintln(os.Stderr, "need -id and -cards")
			os.Exit(1)
		}
		var dependsOn *u.UUID
		if *depends != "" {
			dep, err := u.FromString(*depends)
			if err != nil {
				fail(err)
			}
			dependsOn = &dep
		}
		st := openStore(logger)
		actionID, err := st.SaveDeck(*id, *name, strings.Split(*cards, ","), dependsOn)
		if err != nil {
			fail(err)
		}
		fmt.Println(actionID)

	case "rm-deck":
		fs := flag.NewFlagSet("rm-deck", flag.ExitOnError)
		id := fs.String("id", "", "deck id")
		_ = fs.Parse(args)
		if *id == "" {
			fmt.Fprintln(os.Stderr, "need -id")
			os.Exit(1)
		}
		st := openStore(logger)
		actionID, err := st.DeleteDeck(*id, nil)
		if err != nil {
			fail(err)
		}
		fmt.Println(actionID)

	case "sync":
		st := openStore(logger)
		if st.NeedsResync() {
			fail(errors.New("local state quarantined; run `cv pull` first"))
		}
		sc := newSyncClient(*addr, st, logger)
		conflict, err := sc.Flush(ctx)
		if err != nil {
			fail(err)
		}
		if conflict == nil {
			clearConflict()
			fmt.Println("ok")
			break
		}
		if err := saveConflict(conflict); err != nil {
			fail(err)
		}
		fmt.Printf("conflict: server at version %d, %d divergent field(s)\n",
			conflict.ServerVersion, len(conflict.Divergent))
		printJSON(conflict.Divergent)
		fmt.Println("run `cv resolve -use server|local`")

	case "resolve":
		fs := flag.NewFlagSet("resolve", flag.ExitOnError)
		use := fs.String("use", "", "server|local")
		_ = fs.Parse(args)
		var choice model.ResolutionChoice
		switch *use {
		case "server":
			choice = model.UseServer
		case "local":
			choice = model.UseLocal
		default:
			fmt.Fprintln(os.Stderr, "need -use server|local")
			os.Exit(1)
		}
		conflict, err := loadConflict()
		if err != nil {
			fail(err)
		}
		st := openStore(logger)
		sc := newSyncClient(*addr, st, logger)
		r := resolve.New(st, sc, logger, 3)
		r.Begin(conflict)
		if err := r.Resolve(ctx, choice); err != nil {
			fail(err)
		}
		clearConflict()
		fmt.Println("resolved")

	case "pull":
		st := openStore(logger)
		sc := newSyncClient(*addr, st, logger)
		if err := sc.PullFull(ctx); err != nil {
			fail(err)
		}
		clearConflict()
		fmt.Println("ok")

	case "signout":
		st := openStore(logger)
		if err := st.Teardown(); err != nil {
			fail(err)
		}
		signer, err := signing.Open(cfgDir())
		if err == nil {
			err = signer.Remove()
		}
		if err != nil {
			fail(err)
		}
		clearConflict()
		_ = os.Remove(tokenPath())
		fmt.Println("ok")

	default:
		usage()
	}
}

// ---- helpers ----

func fail(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
