package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/pynchy/internal/config"
	"github.com/nextlevelbuilder/pynchy/internal/store"
	"github.com/nextlevelbuilder/pynchy/internal/store/sqlite"
)

// Same shape the register_group handler enforces; folder names become
// directory names, container names and trust keys.
var initFolderRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Interactive first-run setup",
		Long:  "Walks through the initial configuration and writes pynchy.toml.\nOptionally registers the admin workspace in the database.",
		RunE:  runInit,
	}
}

func runInit(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()

	if _, err := os.Stat(cfgPath); err == nil {
		overwrite := false
		err := huh.NewConfirm().
			Title(fmt.Sprintf("%s already exists. Overwrite?", cfgPath)).
			Value(&overwrite).
			Run()
		if err != nil {
			return initAbort(err)
		}
		if !overwrite {
			fmt.Println("Keeping existing config.")
			return nil
		}
	}

	cfg := config.Default()

	var (
		dataDir     = cfg.DataDir
		port        = strconv.Itoa(cfg.Gateway.DeployPort)
		image       = cfg.Container.Image
		runtimeName = cfg.Container.Runtime
		adminJID    string
		adminFolder = "admin"
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Data directory").
				Description("Workspaces, database and IPC root live here.").
				Value(&dataDir),
			huh.NewInput().
				Title("Deploy port").
				Description("HTTP port for /health, /deploy and the webchat UI.").
				Value(&port).
				Validate(validatePort),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Agent container image").
				Value(&image),
			huh.NewSelect[string]().
				Title("Container runtime").
				Options(huh.NewOptions("docker", "podman")...).
				Value(&runtimeName),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Admin workspace chat id").
				Description("Chat granted host control, e.g. webchat:ops. Leave empty to register later.").
				Value(&adminJID),
			huh.NewInput().
				Title("Admin workspace folder").
				Value(&adminFolder).
				Validate(validateFolder),
		),
	)
	if err := form.Run(); err != nil {
		return initAbort(err)
	}

	cfg.DataDir = dataDir
	cfg.Gateway.DeployPort, _ = strconv.Atoi(port)
	cfg.Container.Image = image
	cfg.Container.Runtime = runtimeName

	if err := config.Save(cfgPath, cfg); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	fmt.Printf("Wrote %s\n", cfgPath)

	if adminJID != "" {
		if err := registerAdminWorkspace(cfg, adminJID, adminFolder); err != nil {
			return fmt.Errorf("register admin workspace: %w", err)
		}
		fmt.Printf("Registered admin workspace %q for %s\n", adminFolder, adminJID)
	}

	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Printf("  1. Build or pull the agent image (%s)\n", image)
	fmt.Println("  2. Start the gateway: pynchy gateway")
	fmt.Println("  3. Check the environment: pynchy doctor")
	return nil
}

// initAbort maps ctrl-c to a quiet exit instead of a cobra error dump.
func initAbort(err error) error {
	if errors.Is(err, huh.ErrUserAborted) {
		fmt.Println("Aborted.")
		return nil
	}
	return err
}

func validatePort(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 65535 {
		return errors.New("port must be a number between 1 and 65535")
	}
	return nil
}

func validateFolder(s string) error {
	if !initFolderRe.MatchString(s) {
		return errors.New("lowercase letters, digits, - and _ only")
	}
	return nil
}

// registerAdminWorkspace opens the workspace database (creating and
// migrating it if needed) and registers jid as the admin chat.
func registerAdminWorkspace(cfg *config.Config, jid, folder string) error {
	dbPath := cfg.DataPath("pynchy.db")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	stores, closeStores, err := sqlite.New(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer closeStores()

	return stores.Groups.Register(store.WorkspaceProfile{
		JID:     jid,
		Folder:  folder,
		Name:    "Admin",
		IsAdmin: true,
		AddedAt: store.Now(),
	})
}
