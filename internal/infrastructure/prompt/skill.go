package prompt

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sentryclaw/gateway/internal/infrastructure/audit"
	"github.com/sentryclaw/gateway/internal/infrastructure/config"
	"go.uber.org/zap"
)

// Skill is one entry in the Prompt Builder's skill catalog (spec §4.5 item
// 2): a one-line catalog entry for every enabled skill, and — for skills
// named in SkillsConfig.AlwaysLoad — full content eligible for inlining.
type Skill struct {
	Name        string
	Description string
	Content     string
	Path        string
	Checksum    string
}

// LoadSkills scans cfg.Directory for *.md skill files. Same frontmatter
// format as prompt components (ParsePromptFile); a skill's description is
// its first sentence, matching the teacher's existing firstSentence
// convention for tool summaries. Directory-scanned skills reject symlinks
// to prevent escape (spec §4.5).
func (e *PromptEngine) LoadSkills(cfg config.SkillsConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.skillsCfg = cfg
	e.skills = nil

	if cfg.Directory == "" {
		return nil
	}
	entries, err := os.ReadDir(cfg.Directory)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		path := filepath.Join(cfg.Directory, entry.Name())

		info, err := os.Lstat(path)
		if err != nil {
			continue
		}
		if info.Mode()&os.ModeSymlink != 0 {
			e.logger.Warn("Skipping symlinked skill file (escape risk)", zap.String("path", path))
			continue
		}

		comp, err := ParsePromptFile(path)
		if err != nil {
			e.logger.Warn("Failed to parse skill", zap.String("path", path), zap.Error(err))
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}

		name := comp.Name
		if override, ok := cfg.Overrides[name]; ok {
			name = override
		}

		e.skills = append(e.skills, &Skill{
			Name:        name,
			Description: firstSentence(comp.Content),
			Content:     comp.Content,
			Path:        path,
			Checksum:    checksum(data),
		})
	}

	sort.Slice(e.skills, func(i, j int) bool { return e.skills[i].Name < e.skills[j].Name })
	return nil
}

// buildSkillsSection renders the catalog plus inlined alwaysLoad content.
// Caller must already hold e.mu.
func (e *PromptEngine) buildSkillsSection() string {
	if len(e.skills) == 0 {
		return ""
	}
	budget := e.skillsCfg.CharBudget
	if budget <= 0 {
		budget = 6000
	}
	alwaysLoad := make(map[string]bool, len(e.skillsCfg.AlwaysLoad))
	for _, n := range e.skillsCfg.AlwaysLoad {
		alwaysLoad[n] = true
	}

	var sb strings.Builder
	sb.WriteString("## Skills\n\n")
	for _, sk := range e.skills {
		if !e.verifySkill(sk) {
			continue
		}
		sb.WriteString("- " + sk.Name + ": " + sk.Description + "\n")
	}

	used := 0
	var inlined []string
	for _, sk := range e.skills {
		if !alwaysLoad[sk.Name] || !e.verifySkill(sk) {
			continue
		}
		if used+len(sk.Content) > budget {
			e.logger.Warn("Skill inlining stopped at character budget",
				zap.String("skill", sk.Name), zap.Int("budget", budget))
			break
		}
		inlined = append(inlined, "### "+sk.Name+"\n\n"+sk.Content)
		used += len(sk.Content)
	}
	if len(inlined) > 0 {
		sb.WriteString("\n" + strings.Join(inlined, "\n\n"))
	}

	return sb.String()
}

// verifySkill re-reads sk.Path and compares against its recorded checksum,
// recording a mismatch via the audit log and skipping the skill entirely
// (spec §4.5: "Mismatch ... skip for skills").
func (e *PromptEngine) verifySkill(sk *Skill) bool {
	data, err := os.ReadFile(sk.Path)
	if err != nil {
		e.auditSkillFailure(sk.Name, "unreadable")
		return false
	}
	if checksum(data) != sk.Checksum {
		e.auditSkillFailure(sk.Name, "checksum-mismatch")
		return false
	}
	if e.auditLog != nil {
		_ = e.auditLog.Append(audit.EventSkill, "", map[string]interface{}{"name": sk.Name})
	}
	return true
}

func (e *PromptEngine) auditSkillFailure(name, reason string) {
	e.logger.Warn("Skill integrity check failed; skipping", zap.String("skill", name), zap.String("reason", reason))
	if e.auditLog != nil {
		_ = e.auditLog.Append(audit.EventSkillFailed, "", map[string]interface{}{
			"name":   name,
			"reason": reason,
		})
	}
}
