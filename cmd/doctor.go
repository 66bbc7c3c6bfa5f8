package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/pynchy/internal/config"
	"github.com/nextlevelbuilder/pynchy/internal/mcp"
	"github.com/nextlevelbuilder/pynchy/internal/store/sqlite"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("pynchy doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, defaults apply)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Database:")
	checkDatabase(cfg)

	fmt.Println()
	fmt.Println("  IPC:")
	checkIPCRoot(cfg.DataPath("ipc"))

	fmt.Println()
	fmt.Println("  MCP:")
	checkCatalog(cfg)

	fmt.Println()
	fmt.Println("  Git:")
	if cfg.Git.ProjectDir == "" {
		fmt.Printf("    %-12s (not configured)\n", "Project:")
	} else {
		dir := config.ExpandHome(cfg.Git.ProjectDir)
		if fi, statErr := os.Stat(filepath.Join(dir, ".git")); statErr != nil || !fi.IsDir() {
			fmt.Printf("    %-12s %s (NOT A GIT REPOSITORY)\n", "Project:", dir)
		} else {
			fmt.Printf("    %-12s %s (OK)\n", "Project:", dir)
		}
		fmt.Printf("    %-12s %s\n", "Policy:", cfg.Git.MergePolicy)
	}

	fmt.Println()
	fmt.Println("  Secrets:")
	checkSecret("Master key", cfg.Gateway.MasterKey)
	checkSecret("Cop key", cfg.Cop.APIKey)

	fmt.Println()
	fmt.Println("  External Tools:")
	runtimeBin := cfg.Container.Runtime
	if runtimeBin == "" {
		runtimeBin = "docker"
	}
	checkBinary(runtimeBin)
	checkBinary("git")

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkDatabase(cfg *config.Config) {
	dbPath := cfg.DataPath("pynchy.db")
	fmt.Printf("    %-12s %s\n", "Path:", dbPath)
	if _, err := os.Stat(dbPath); err != nil {
		fmt.Printf("    %-12s not created yet (run: pynchy migrate up)\n", "Status:")
		return
	}

	db, err := sqlite.Open(dbPath)
	if err != nil {
		fmt.Printf("    %-12s OPEN FAILED (%s)\n", "Status:", err)
		return
	}
	m, err := sqlite.NewMigrator(db)
	if err != nil {
		fmt.Printf("    %-12s CHECK FAILED (%s)\n", "Schema:", err)
		db.Close()
		return
	}
	defer m.Close()

	v, dirty, verr := m.Version()
	switch {
	case verr == migrate.ErrNilVersion:
		fmt.Printf("    %-12s empty (run: pynchy migrate up)\n", "Schema:")
		return
	case verr != nil:
		fmt.Printf("    %-12s CHECK FAILED (%s)\n", "Schema:", verr)
		return
	case dirty:
		fmt.Printf("    %-12s v%d (DIRTY, run: pynchy migrate force %d)\n", "Schema:", v, v-1)
	default:
		fmt.Printf("    %-12s v%d\n", "Schema:", v)
	}

	printWorkspaces(db)
}

func printWorkspaces(db *sql.DB) {
	rows, err := db.QueryContext(context.Background(),
		"SELECT folder, jid, name, is_admin, periodic FROM registered_groups ORDER BY folder")
	if err != nil {
		fmt.Printf("    (could not query workspaces: %s)\n", err)
		return
	}
	defer rows.Close()

	type wsRow struct {
		folder, jid, name string
		admin, periodic   bool
	}
	var list []wsRow
	for rows.Next() {
		var r wsRow
		if err := rows.Scan(&r.folder, &r.jid, &r.name, &r.admin, &r.periodic); err != nil {
			continue
		}
		list = append(list, r)
	}
	if len(list) == 0 {
		fmt.Println("    (no workspaces registered)")
		return
	}

	fmt.Println()
	fmt.Println("  Workspaces:")
	// Names can contain wide runes; pad by display width, not bytes.
	wF := runewidth.StringWidth("FOLDER")
	wN := runewidth.StringWidth("NAME")
	for _, r := range list {
		if w := runewidth.StringWidth(r.folder); w > wF {
			wF = w
		}
		if w := runewidth.StringWidth(r.name); w > wN {
			wN = w
		}
	}
	fmt.Printf("    %s  %s  %s\n",
		runewidth.FillRight("FOLDER", wF), runewidth.FillRight("NAME", wN), "CHAT")
	for _, r := range list {
		label := r.jid
		if r.admin {
			label += " (admin)"
		}
		if r.periodic {
			label += " (periodic)"
		}
		fmt.Printf("    %s  %s  %s\n",
			runewidth.FillRight(r.folder, wF), runewidth.FillRight(r.name, wN), label)
	}
}

func checkIPCRoot(root string) {
	fmt.Printf("    %-12s %s", "Root:", root)
	if err := os.MkdirAll(root, 0o755); err != nil {
		fmt.Printf(" (MKDIR FAILED: %s)\n", err)
		return
	}
	probe := filepath.Join(root, ".doctor-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		fmt.Printf(" (NOT WRITABLE: %s)\n", err)
		return
	}
	os.Remove(probe)
	fmt.Println(" (writable)")
}

func checkCatalog(cfg *config.Config) {
	path := cfg.MCP.CatalogPath
	if path == "" {
		path = cfg.DataPath("mcp_servers.json5")
	}
	fmt.Printf("    %-12s %s", "Catalog:", path)
	if _, err := os.Stat(path); err != nil {
		fmt.Println(" (not present, no servers)")
		return
	}
	catalog, err := mcp.LoadCatalog(path)
	if err != nil {
		fmt.Printf(" (PARSE FAILED: %s)\n", err)
		return
	}
	names := catalog.Names()
	fmt.Printf(" (%d servers)\n", len(names))
	for _, name := range names {
		fmt.Printf("    %-12s %s\n", "", name)
	}
	fmt.Printf("    %-12s %s\n", "Proxy:", cfg.MCP.ProxyAddr)
}

func checkSecret(name, value string) {
	if value == "" {
		fmt.Printf("    %-12s (not set)\n", name+":")
		return
	}
	masked := "****"
	if len(value) > 8 {
		masked = value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
	}
	fmt.Printf("    %-12s %s\n", name+":", masked)
}

func checkBinary(name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-12s NOT FOUND\n", name+":")
	} else {
		fmt.Printf("    %-12s %s\n", name+":", path)
	}
}
