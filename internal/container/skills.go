package container

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nextlevelbuilder/pynchy/internal/security"
)

// SkillMeta is the YAML frontmatter of a SKILL.md file.
type SkillMeta struct {
	Name             string   `yaml:"name"`
	Description      string   `yaml:"description"`
	AdminOnly        bool     `yaml:"admin_only"`
	RequiresServices []string `yaml:"requires_services"`
}

// parseSkillMeta extracts the frontmatter block between the leading
// "---" markers. Files without frontmatter yield a zero meta.
func parseSkillMeta(content []byte) (SkillMeta, error) {
	var meta SkillMeta
	trimmed := bytes.TrimLeft(content, "\xEF\xBB\xBF\n\r ")
	if !bytes.HasPrefix(trimmed, []byte("---")) {
		return meta, nil
	}
	rest := trimmed[3:]
	end := bytes.Index(rest, []byte("\n---"))
	if end < 0 {
		return meta, fmt.Errorf("unterminated frontmatter")
	}
	if err := yaml.Unmarshal(rest[:end], &meta); err != nil {
		return meta, fmt.Errorf("parse frontmatter: %w", err)
	}
	return meta, nil
}

// skillAllowed filters skills per workspace: admin-only skills need an
// admin workspace, and a skill is withheld when any service it requires
// carries a forbidden trust flag.
func skillAllowed(meta SkillMeta, isAdmin bool, ws *security.WorkspaceSecurity) bool {
	if meta.AdminOnly && !isAdmin {
		return false
	}
	for _, svc := range meta.RequiresServices {
		rec := ws.TrustFor(svc)
		if rec.PublicSource.Forbidden() || rec.SecretData.Forbidden() ||
			rec.PublicSink.Forbidden() || rec.DangerousWrites.Forbidden() {
			return false
		}
	}
	return true
}

// copySkills populates dst with the skill directories from src that
// pass the workspace filter. Returns the names of the copied skills.
func copySkills(src, dst string, isAdmin bool, ws *security.WorkspaceSecurity) ([]string, error) {
	entries, err := os.ReadDir(src)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read skills dir: %w", err)
	}

	var copied []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		skillDir := filepath.Join(src, e.Name())
		manifest := filepath.Join(skillDir, "SKILL.md")
		content, err := os.ReadFile(manifest)
		if err != nil {
			slog.Warn("container.skill.unreadable", "skill", e.Name(), "error", err)
			continue
		}
		meta, err := parseSkillMeta(content)
		if err != nil {
			slog.Warn("container.skill.bad_frontmatter", "skill", e.Name(), "error", err)
			continue
		}
		if !skillAllowed(meta, isAdmin, ws) {
			continue
		}
		if err := copyDir(skillDir, filepath.Join(dst, e.Name())); err != nil {
			return nil, fmt.Errorf("copy skill %s: %w", e.Name(), err)
		}
		copied = append(copied, e.Name())
	}
	return copied, nil
}

func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
