// ilix CLI - peer-pool file transfer client.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Ilingu/ilix/internal/api"
	"github.com/Ilingu/ilix/internal/cache"
	"github.com/Ilingu/ilix/internal/config"
	"github.com/Ilingu/ilix/internal/core"
	"github.com/Ilingu/ilix/internal/events"
	"github.com/Ilingu/ilix/internal/keyring"
	"github.com/Ilingu/ilix/internal/logging"
	"github.com/Ilingu/ilix/internal/state"
)

var (
	configPath string
	serverURL  string
	verbose    bool

	version = "0.1.0"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ilix",
		Short: "ilix - share files between your devices through pools",
		Long: `ilix synchronizes a pool of devices and moves files between them.

A pool is identified by its 20-word key-phrase: whoever holds the
key-phrase is a member. Join a pool on each device, then send files
to any device in it.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				logging.SetLevel(logging.DEBUG)
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "server URL override")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(joinCmd())
	rootCmd.AddCommand(createCmd())
	rootCmd.AddCommand(poolsCmd())
	rootCmd.AddCommand(switchCmd())
	rootCmd.AddCommand(leaveCmd())
	rootCmd.AddCommand(inboxCmd())
	rootCmd.AddCommand(filesCmd())
	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(downloadCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(logoutCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app bundles everything a command needs, built once per invocation.
type app struct {
	cfg         *config.Config
	client      *api.Client
	auth        *state.AuthManager
	pools       *state.PoolManager
	transfers   *state.TransferManager
	coordinator *state.Coordinator
	keys        keyring.Store
	bulk        cache.Store
}

// noopChannel satisfies the push channel surface for one-shot commands that
// have no use for live events.
type noopChannel struct{}

func (noopChannel) OnPool(func(core.DevicesPool)) string      { return "" }
func (noopChannel) OnTransfer(func(core.FileTransfer)) string { return "" }
func (noopChannel) OnLogout(func()) string                    { return "" }
func (noopChannel) Close() error                              { return nil }

// openApp builds the full client stack. push selects whether the coordinator
// opens a real event channel; one-shot commands skip it.
func openApp(push bool) (*app, error) {
	godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if serverURL != "" {
		cfg.Server.URL = serverURL
	}

	keys, err := keyring.Open(keyring.Config{Path: cfg.KeyringPath()})
	if err != nil {
		return nil, fmt.Errorf("open keyring: %w", err)
	}
	bulk, err := cache.Open(cache.Config{Path: cfg.CachePath()})
	if err != nil {
		keys.Close()
		return nil, fmt.Errorf("open cache: %w", err)
	}

	client := api.NewClient(cfg.Server.URL, cfg.Server.Timeout)
	auth := state.NewAuthManager(state.AuthConfig{Keys: keys})
	pools := state.NewPoolManager(state.PoolConfig{Store: bulk, Keys: keys, Client: client})
	transfers := state.NewTransferManager(state.TransferConfig{
		Client: client,
		Store:  bulk,
		Credentials: func() (string, string) {
			s := auth.State()
			return s.DeviceID, s.KeyPhrase
		},
		FileInfoTTL: cfg.Cache.FileInfoTTL,
	})

	coordCfg := state.CoordinatorConfig{
		Auth:      auth,
		Pools:     pools,
		Transfers: transfers,
		Client:    client,
		Events: events.Config{
			ServerURL:        cfg.Server.URL,
			ConnectTimeout:   cfg.Events.ConnectTimeout,
			MaxReconnectWait: cfg.Events.MaxReconnectWait,
		},
		Notice: func(msg string) { fmt.Println("•", msg) },
	}
	if !push {
		coordCfg.Connect = func(context.Context, events.Config) (state.PushChannel, error) {
			return noopChannel{}, nil
		}
	}

	return &app{
		cfg:         cfg,
		client:      client,
		auth:        auth,
		pools:       pools,
		transfers:   transfers,
		coordinator: state.NewCoordinator(coordCfg),
		keys:        keys,
		bulk:        bulk,
	}, nil
}

func (a *app) close() {
	a.coordinator.Close()
	a.bulk.Close()
	a.keys.Close()
}

// start runs the initial load cascade and returns a usable context.
func (a *app) start() (context.Context, error) {
	ctx := context.Background()
	if err := a.coordinator.Start(ctx); err != nil {
		return nil, err
	}
	return ctx, nil
}

// requireCurrent fails when no pool is active.
func (a *app) requireCurrent() (core.PoolRecord, error) {
	cur, ok := a.pools.Collection().Current()
	if !ok {
		return core.PoolRecord{}, fmt.Errorf("not in any pool, run 'ilix join' or 'ilix create' first")
	}
	return cur, nil
}

func readKeyPhrase(args []string) (string, error) {
	if len(args) > 0 {
		return strings.TrimSpace(args[0]), nil
	}
	fmt.Print("Key-phrase: ")
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("read key-phrase: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

func defaultDeviceName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "unnamed-device"
	}
	return host
}

func joinCmd() *cobra.Command {
	var deviceName string
	cmd := &cobra.Command{
		Use:   "join [key-phrase]",
		Short: "Join a pool by its key-phrase",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keyPhrase, err := readKeyPhrase(args)
			if err != nil {
				return err
			}
			if !core.ValidKeyPhrase(keyPhrase) {
				return fmt.Errorf("a key-phrase is %d dash-separated words", core.KeyPhraseWords)
			}

			a, err := openApp(false)
			if err != nil {
				return err
			}
			defer a.close()
			ctx, err := a.start()
			if err != nil {
				return err
			}

			if err := a.coordinator.JoinPool(ctx, keyPhrase, deviceName); err != nil {
				return fmt.Errorf("join pool: %w", err)
			}
			cur, _ := a.pools.Collection().Current()
			fmt.Printf("Joined %q (%d device(s))\n", cur.PoolName, len(cur.DevicesID))
			return nil
		},
	}
	cmd.Flags().StringVar(&deviceName, "device-name", defaultDeviceName(), "name for this device inside the pool")
	return cmd
}

func createCmd() *cobra.Command {
	var deviceName string
	cmd := &cobra.Command{
		Use:   "create <pool-name>",
		Short: "Create a new pool and print its key-phrase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(false)
			if err != nil {
				return err
			}
			defer a.close()
			ctx, err := a.start()
			if err != nil {
				return err
			}

			keyPhrase, err := a.coordinator.CreatePool(ctx, args[0], deviceName)
			if err != nil {
				return fmt.Errorf("create pool: %w", err)
			}
			fmt.Printf("Pool %q created.\n\nKey-phrase (share it with your other devices, keep it secret otherwise):\n\n  %s\n", args[0], keyPhrase)
			return nil
		},
	}
	cmd.Flags().StringVar(&deviceName, "device-name", defaultDeviceName(), "name for this device inside the pool")
	return cmd
}

func poolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pools",
		Short: "List the pools this device belongs to",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(false)
			if err != nil {
				return err
			}
			defer a.close()
			if _, err := a.start(); err != nil {
				return err
			}

			collection := a.pools.Collection()
			if collection.Empty() {
				fmt.Println("No pools. Run 'ilix join' or 'ilix create'.")
				return nil
			}
			for i, rec := range collection.Pools {
				marker := " "
				if i == collection.CurrentIndex {
					marker = "*"
				}
				fmt.Printf("%s [%d] %s (%d device(s))\n", marker, i, rec.PoolName, len(rec.DevicesID))
			}
			return nil
		},
	}
}

func switchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "switch <index>",
		Short: "Make another pool the active one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("index must be a number, see 'ilix pools'")
			}

			a, err := openApp(false)
			if err != nil {
				return err
			}
			defer a.close()
			if _, err := a.start(); err != nil {
				return err
			}

			if err := a.coordinator.SwitchPool(index); err != nil {
				if errors.Is(err, core.ErrIndexOutOfRange) {
					return fmt.Errorf("no pool at index %d, see 'ilix pools'", index)
				}
				return err
			}
			cur, _ := a.pools.Collection().Current()
			fmt.Printf("Now in %q\n", cur.PoolName)
			return nil
		},
	}
}

func leaveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "leave [index]",
		Short: "Leave a pool (the active one by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(false)
			if err != nil {
				return err
			}
			defer a.close()
			ctx, err := a.start()
			if err != nil {
				return err
			}

			index := a.pools.Collection().CurrentIndex
			if len(args) > 0 {
				index, err = strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("index must be a number, see 'ilix pools'")
				}
			}

			name := ""
			if collection := a.pools.Collection(); index >= 0 && index < len(collection.Pools) {
				name = collection.Pools[index].PoolName
			}
			if err := a.coordinator.LeavePool(ctx, index); err != nil {
				return fmt.Errorf("leave pool: %w", err)
			}
			fmt.Printf("Left %q\n", name)
			return nil
		},
	}
}

func inboxCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inbox",
		Short: "List the transfers of the active pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(false)
			if err != nil {
				return err
			}
			defer a.close()
			if _, err := a.start(); err != nil {
				return err
			}
			cur, err := a.requireCurrent()
			if err != nil {
				return err
			}

			deviceID := a.auth.State().DeviceID
			transfers := a.transfers.Transfers()
			if len(transfers) == 0 {
				fmt.Println("Inbox is empty.")
				return nil
			}
			for _, t := range transfers {
				from, _ := cur.DeviceName(t.From)
				to, _ := cur.DeviceName(t.To)
				direction := "←"
				if t.From == deviceID {
					direction = "→"
				}
				fmt.Printf("%s %s  %s → %s  %d file(s)\n", direction, t.ID, from, to, len(t.FilesID))
			}
			return nil
		},
	}
}

func filesCmd() *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "files <transfer-id>",
		Short: "List the files of one transfer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(false)
			if err != nil {
				return err
			}
			defer a.close()
			ctx, err := a.start()
			if err != nil {
				return err
			}

			var target core.FileTransfer
			found := false
			for _, t := range a.transfers.Transfers() {
				if t.ID == args[0] {
					target, found = t, true
					break
				}
			}
			if !found {
				return fmt.Errorf("no transfer %q in the inbox", args[0])
			}

			infos, err := a.transfers.FilesInfo(ctx, target, refresh)
			if err != nil {
				return err
			}
			for _, fi := range infos {
				fmt.Printf("%s  %s  %d bytes  %s\n", fi.ID, fi.Filename, fi.SizeBytes, fi.UploadTime.Format("2006-01-02 15:04"))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "bypass the local metadata cache")
	return cmd
}

func sendCmd() *cobra.Command {
	var to string
	cmd := &cobra.Command{
		Use:   "send --to <device-name> <file>...",
		Short: "Send files to another device in the active pool",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(false)
			if err != nil {
				return err
			}
			defer a.close()
			ctx, err := a.start()
			if err != nil {
				return err
			}
			cur, err := a.requireCurrent()
			if err != nil {
				return err
			}
			authState := a.auth.State()

			targetID := ""
			for _, id := range cur.DevicesID {
				if name, _ := cur.DeviceName(id); name == to || id == to {
					targetID = id
					break
				}
			}
			if targetID == "" {
				return fmt.Errorf("no device %q in %q", to, cur.PoolName)
			}
			if targetID == authState.DeviceID {
				return fmt.Errorf("cannot send files to this device itself")
			}

			uploads := make([]api.FileUpload, 0, len(args))
			handles := make([]*os.File, 0, len(args))
			defer func() {
				for _, f := range handles {
					f.Close()
				}
			}()
			for _, path := range args {
				f, err := os.Open(path)
				if err != nil {
					return fmt.Errorf("open %s: %w", path, err)
				}
				handles = append(handles, f)
				uploads = append(uploads, api.FileUpload{Filename: filepath.Base(path), Content: f})
			}

			transferID, err := a.client.NewTransfer(ctx, authState.KeyPhrase, authState.DeviceID, targetID)
			if err != nil {
				return fmt.Errorf("create transfer: %w", err)
			}
			if err := a.client.AddFiles(ctx, authState.KeyPhrase, transferID, uploads); err != nil {
				return fmt.Errorf("upload files: %w", err)
			}

			fmt.Printf("Sent %d file(s) to %s (transfer %s)\n", len(uploads), to, transferID)
			return nil
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "recipient device name or id (required)")
	cmd.MarkFlagRequired("to")
	return cmd
}

func downloadCmd() *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "download <file-id>",
		Short: "Download a file from the active pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(false)
			if err != nil {
				return err
			}
			defer a.close()
			ctx, err := a.start()
			if err != nil {
				return err
			}
			authState := a.auth.State()
			if !authState.LoggedIn {
				return fmt.Errorf("not in any pool")
			}

			tmp, err := os.CreateTemp("", "ilix-download-*")
			if err != nil {
				return err
			}
			defer os.Remove(tmp.Name())

			filename, err := a.client.DownloadFile(ctx, authState.KeyPhrase, args[0], tmp)
			tmp.Close()
			if err != nil {
				return fmt.Errorf("download: %w", err)
			}

			dest := outPath
			if dest == "" {
				if filename == "" {
					filename = args[0]
				}
				dest = filename
			}
			if err := os.Rename(tmp.Name(), dest); err != nil {
				return fmt.Errorf("move download into place: %w", err)
			}
			fmt.Printf("Saved %s\n", dest)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outPath, "output", "o", "", "destination path (defaults to the server filename)")
	return cmd
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stay connected and print pool and transfer updates as they arrive",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(true)
			if err != nil {
				return err
			}
			defer a.close()

			a.pools.Subscribe(func(change state.PoolChange) {
				if cur, ok := change.Collection.Current(); ok {
					fmt.Printf("[pool] %s: %s, %d device(s)\n", change.Kind, cur.PoolName, len(cur.DevicesID))
				} else {
					fmt.Printf("[pool] %s\n", change.Kind)
				}
			})
			a.transfers.Subscribe(func(change state.TransferChange) {
				if change.Loading {
					return
				}
				fmt.Printf("[inbox] %d transfer(s)\n", len(change.Transfers))
			})

			if _, err := a.start(); err != nil {
				return err
			}
			if _, err := a.requireCurrent(); err != nil {
				return err
			}
			fmt.Println("Watching for updates, Ctrl-C to stop.")

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			<-sig
			fmt.Println("\nBye.")
			return nil
		},
	}
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget every pool and credential on this device",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(false)
			if err != nil {
				return err
			}
			defer a.close()
			if _, err := a.start(); err != nil {
				return err
			}

			a.coordinator.LogOut()
			fmt.Println("Logged out. The device identity is kept for future joins.")
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the ilix version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("ilix", version)
		},
	}
}
