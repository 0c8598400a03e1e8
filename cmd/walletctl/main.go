// Command walletctl is a developer CLI for the wallet daemon. It speaks
// the daemon's framed IPC protocol over the profile socket.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/keefertaylor/templewallet-extension/pkg/config"
	"github.com/keefertaylor/templewallet-extension/pkg/ipc"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]
	var err error
	switch cmd {
	case "init":
		initProfile(args)
		return
	case "version":
		fmt.Println("walletctl CLI scaffolding")
		return
	case "ping":
		err = pingCommand(args)
	case "state":
		err = stateCommand(args)
	case "new":
		err = newWalletCommand(args)
	case "unlock":
		err = unlockCommand(args)
	case "lock":
		err = simpleCommand(args, "Lock")
	case "account":
		err = accountCommand(args)
	case "pndops":
		err = pndOpsCommand(args)
	case "confirm":
		err = confirmCommand(args)
	case "sessions":
		err = sessionsCommand(args)
	case "watch":
		err = watchCommand(args)
	case "diag":
		err = diagCommand(args)
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", cmd)
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s error: %v\n", cmd, err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("Usage: walletctl <command> [options]")
	fmt.Println("Commands:")
	fmt.Println("  init      Initialize a local profile (writes config.toml)")
	fmt.Println("  ping      Call the daemon ping endpoint via IPC")
	fmt.Println("  state     Fetch the current wallet state")
	fmt.Println("  new       Create a wallet (prompts for password)")
	fmt.Println("  unlock    Unlock the wallet (prompts for password)")
	fmt.Println("  lock      Lock the wallet")
	fmt.Println("  account   create|rename an account")
	fmt.Println("  pndops    List pending operations for an account")
	fmt.Println("  confirm   Approve or decline the outstanding confirmation")
	fmt.Println("  sessions  List connected DApp sessions")
	fmt.Println("  watch     Stream daemon notifications")
	fmt.Println("  diag      Print profile configuration paths")
	fmt.Println("  version   Print CLI version")
}

func initProfile(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	profilePath := fs.String("profile", "./_dev_profile", "Profile directory")
	name := fs.String("name", "dev", "Profile name")
	force := fs.Bool("force", false, "Overwrite existing config if present")
	_ = fs.Parse(args)
	if err := os.MkdirAll(*profilePath, 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "init error: %v\n", err)
		os.Exit(1)
	}
	configPath := filepath.Join(*profilePath, "config.toml")
	if _, err := os.Stat(configPath); err == nil && !*force {
		fmt.Fprintf(os.Stderr, "config already exists at %s (use --force to overwrite)\n", configPath)
		os.Exit(1)
	}
	cfg := config.DefaultProfile(*name)
	if err := config.Save(configPath, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "init error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("initialized profile %s at %s\n", cfg.ProfileName, *profilePath)
}

func pingCommand(args []string) error {
	fs := flag.NewFlagSet("ping", flag.ExitOnError)
	profile := fs.String("profile", "./_dev_profile", "Profile directory")
	socket := fs.String("socket", "", "Override socket path")
	_ = fs.Parse(args)

	result, err := call(*profile, *socket, "Ping", nil)
	if err != nil {
		return err
	}
	var data struct {
		Now int64 `json:"now"`
	}
	if err := json.Unmarshal(result, &data); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	fmt.Printf("daemon responded: now=%d\n", data.Now)
	return nil
}

func stateCommand(args []string) error {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	profile := fs.String("profile", "./_dev_profile", "Profile directory")
	socket := fs.String("socket", "", "Override socket path")
	_ = fs.Parse(args)

	result, err := call(*profile, *socket, "GetState", nil)
	if err != nil {
		return err
	}
	return printJSON(result)
}

func newWalletCommand(args []string) error {
	fs := flag.NewFlagSet("new", flag.ExitOnError)
	profile := fs.String("profile", "./_dev_profile", "Profile directory")
	socket := fs.String("socket", "", "Override socket path")
	mnemonic := fs.String("mnemonic", "", "Restore from an existing seed phrase")
	_ = fs.Parse(args)

	password, err := promptPassword("New wallet password: ")
	if err != nil {
		return err
	}
	params := map[string]any{"password": password, "mnemonic": *mnemonic}
	if _, err := call(*profile, *socket, "NewWallet", params); err != nil {
		return err
	}
	fmt.Println("wallet created")
	return nil
}

func unlockCommand(args []string) error {
	fs := flag.NewFlagSet("unlock", flag.ExitOnError)
	profile := fs.String("profile", "./_dev_profile", "Profile directory")
	socket := fs.String("socket", "", "Override socket path")
	_ = fs.Parse(args)

	password, err := promptPassword("Password: ")
	if err != nil {
		return err
	}
	if _, err := call(*profile, *socket, "Unlock", map[string]any{"password": password}); err != nil {
		return err
	}
	fmt.Println("unlocked")
	return nil
}

func simpleCommand(args []string, method string) error {
	fs := flag.NewFlagSet(method, flag.ExitOnError)
	profile := fs.String("profile", "./_dev_profile", "Profile directory")
	socket := fs.String("socket", "", "Override socket path")
	_ = fs.Parse(args)

	if _, err := call(*profile, *socket, method, nil); err != nil {
		return err
	}
	fmt.Println("ok")
	return nil
}

func accountCommand(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: walletctl account <create|rename> [options]")
	}
	sub := args[0]
	fs := flag.NewFlagSet("account "+sub, flag.ExitOnError)
	profile := fs.String("profile", "./_dev_profile", "Profile directory")
	socket := fs.String("socket", "", "Override socket path")
	name := fs.String("name", "", "Account name")
	id := fs.String("id", "", "Account id (rename)")
	_ = fs.Parse(args[1:])

	switch sub {
	case "create":
		if _, err := call(*profile, *socket, "CreateAccount", map[string]any{"name": *name}); err != nil {
			return err
		}
		fmt.Println("account created")
		return nil
	case "rename":
		if *id == "" || *name == "" {
			return fmt.Errorf("account rename requires --id and --name")
		}
		params := map[string]any{"accountId": *id, "name": *name}
		if _, err := call(*profile, *socket, "EditAccount", params); err != nil {
			return err
		}
		fmt.Println("account renamed")
		return nil
	default:
		return fmt.Errorf("unknown account subcommand %q", sub)
	}
}

func pndOpsCommand(args []string) error {
	fs := flag.NewFlagSet("pndops", flag.ExitOnError)
	profile := fs.String("profile", "./_dev_profile", "Profile directory")
	socket := fs.String("socket", "", "Override socket path")
	account := fs.String("account", "", "Account id")
	network := fs.String("network", "mainnet", "Network id")
	_ = fs.Parse(args)

	if *account == "" {
		return fmt.Errorf("pndops requires --account")
	}
	params := map[string]any{"accountId": *account, "netId": *network}
	result, err := call(*profile, *socket, "GetPendingOps", params)
	if err != nil {
		return err
	}
	return printJSON(result)
}

func confirmCommand(args []string) error {
	fs := flag.NewFlagSet("confirm", flag.ExitOnError)
	profile := fs.String("profile", "./_dev_profile", "Profile directory")
	socket := fs.String("socket", "", "Override socket path")
	id := fs.String("id", "", "Confirmation id")
	decline := fs.Bool("decline", false, "Decline instead of approve")
	_ = fs.Parse(args)

	if *id == "" {
		return fmt.Errorf("confirm requires --id")
	}
	params := map[string]any{"id": *id, "decision": !*decline}
	if _, err := call(*profile, *socket, "Confirm", params); err != nil {
		return err
	}
	fmt.Println("resolved")
	return nil
}

func sessionsCommand(args []string) error {
	fs := flag.NewFlagSet("sessions", flag.ExitOnError)
	profile := fs.String("profile", "./_dev_profile", "Profile directory")
	socket := fs.String("socket", "", "Override socket path")
	_ = fs.Parse(args)

	result, err := call(*profile, *socket, "GetDAppSessions", nil)
	if err != nil {
		return err
	}
	return printJSON(result)
}

func watchCommand(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	profile := fs.String("profile", "./_dev_profile", "Profile directory")
	socket := fs.String("socket", "", "Override socket path")
	_ = fs.Parse(args)

	socketPath, err := resolveSocketPath(*profile, *socket)
	if err != nil {
		return err
	}
	client, err := ipc.Dial(socketPath)
	if err != nil {
		return err
	}
	defer client.Close()

	fmt.Println("Watching daemon notifications (Ctrl+C to exit)")
	for note := range client.Notifications() {
		out, err := json.Marshal(note)
		if err != nil {
			return err
		}
		fmt.Println(string(out))
	}
	return nil
}

func diagCommand(args []string) error {
	fs := flag.NewFlagSet("diag", flag.ExitOnError)
	profile := fs.String("profile", "./_dev_profile", "Profile directory")
	_ = fs.Parse(args)
	cfg, err := config.LoadProfile(*profile)
	if err != nil {
		return err
	}
	fmt.Printf("Profile: %s\n", cfg.ProfileName)
	fmt.Printf("Config: %s\n", filepath.Join(*profile, "config.toml"))
	fmt.Printf("DB Path: %s\n", config.ResolvePath(*profile, cfg.Storage.DBPath))
	fmt.Printf("Socket: %s\n", config.ResolvePath(*profile, cfg.IPC.SocketPath))
	fmt.Printf("Vault: %s\n", config.ResolvePath(*profile, cfg.Vault.FilePath))
	if cfg.Logging.FilePath != "" {
		fmt.Printf("Log File: %s\n", config.ResolvePath(*profile, cfg.Logging.FilePath))
	}
	fmt.Printf("Confirmation timeout: %ds\n", cfg.Confirmation.TimeoutSeconds)
	fmt.Printf("VCS Branch: %s (enabled=%t)\n", cfg.VCS.Branch, cfg.VCS.Enabled)
	return nil
}

func call(profile, socketOverride, method string, params any) (json.RawMessage, error) {
	socketPath, err := resolveSocketPath(profile, socketOverride)
	if err != nil {
		return nil, err
	}
	client, err := ipc.Dial(socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", socketPath, err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	return client.Call(ctx, method, params)
}

func resolveSocketPath(profile, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	cfg, err := config.LoadProfile(profile)
	if err != nil {
		if os.IsNotExist(err) {
			return filepath.Join(profile, "walletd.sock"), nil
		}
		return "", err
	}
	return config.ResolvePath(profile, cfg.IPC.SocketPath), nil
}

func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	if len(raw) == 0 {
		return "", fmt.Errorf("empty password")
	}
	return string(raw), nil
}

func printJSON(raw json.RawMessage) error {
	out, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
