package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sentryclaw/gateway/internal/infrastructure/config"
	"go.uber.org/zap"
)

func newTestEngine(t *testing.T) *PromptEngine {
	t.Helper()
	return &PromptEngine{logger: zap.NewNop()}
}

func TestLoadSkillsSkipsSymlinks(t *testing.T) {
	dir := t.TempDir()
	realPath := filepath.Join(dir, "real.md")
	if err := os.WriteFile(realPath, []byte("Reads files safely. More detail here."), 0o644); err != nil {
		t.Fatal(err)
	}
	linkPath := filepath.Join(dir, "evil.md")
	if err := os.Symlink(realPath, linkPath); err != nil {
		t.Skipf("symlinks unsupported in this environment: %v", err)
	}

	e := newTestEngine(t)
	if err := e.LoadSkills(config.SkillsConfig{Directory: dir}); err != nil {
		t.Fatalf("LoadSkills: %v", err)
	}

	if len(e.skills) != 1 {
		t.Fatalf("expected exactly the non-symlink skill to load, got %d", len(e.skills))
	}
	if e.skills[0].Name != "real" {
		t.Fatalf("expected 'real' skill, got %q", e.skills[0].Name)
	}
}

func TestBuildSkillsSectionCatalogsAllAndInlinesAlwaysLoad(t *testing.T) {
	dir := t.TempDir()
	mustWrite := func(name, content string) {
		if err := os.WriteFile(filepath.Join(dir, name+".md"), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	mustWrite("alpha", "Does alpha things. Full alpha body here.")
	mustWrite("beta", "Does beta things. Full beta body here.")

	e := newTestEngine(t)
	if err := e.LoadSkills(config.SkillsConfig{
		Directory:  dir,
		CharBudget: 6000,
		AlwaysLoad: []string{"alpha"},
	}); err != nil {
		t.Fatalf("LoadSkills: %v", err)
	}

	section := e.buildSkillsSection()
	if !strings.Contains(section, "## Skills") {
		t.Error("missing skills header")
	}
	if !strings.Contains(section, "alpha:") || !strings.Contains(section, "beta:") {
		t.Errorf("expected both skills catalogued, got: %s", section)
	}
	if !strings.Contains(section, "Full alpha body here.") {
		t.Error("expected alwaysLoad skill content inlined")
	}
	if strings.Contains(section, "Full beta body here.") {
		t.Error("non-alwaysLoad skill content must not be inlined")
	}
}

func TestBuildSkillsSectionRespectsCharBudget(t *testing.T) {
	dir := t.TempDir()
	big := strings.Repeat("x", 100)
	for _, name := range []string{"one", "two"} {
		if err := os.WriteFile(filepath.Join(dir, name+".md"), []byte(name+" does things. "+big), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	e := newTestEngine(t)
	if err := e.LoadSkills(config.SkillsConfig{
		Directory:  dir,
		CharBudget: 120, // enough for one skill's content, not both
		AlwaysLoad: []string{"one", "two"},
	}); err != nil {
		t.Fatalf("LoadSkills: %v", err)
	}

	section := e.buildSkillsSection()
	inlinedCount := strings.Count(section, "### ")
	if inlinedCount != 1 {
		t.Fatalf("expected exactly 1 skill inlined under the char budget, got %d\n%s", inlinedCount, section)
	}
}

func TestVerifySkillDetectsTamperedContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tamper.md")
	if err := os.WriteFile(path, []byte("Original content. More body."), 0o644); err != nil {
		t.Fatal(err)
	}

	e := newTestEngine(t)
	if err := e.LoadSkills(config.SkillsConfig{Directory: dir, AlwaysLoad: []string{"tamper"}}); err != nil {
		t.Fatalf("LoadSkills: %v", err)
	}

	// Tamper with the file after the checksum was recorded.
	if err := os.WriteFile(path, []byte("Tampered content!"), 0o644); err != nil {
		t.Fatal(err)
	}

	section := e.buildSkillsSection()
	if strings.Contains(section, "tamper:") {
		t.Error("a tampered skill must be skipped from the catalog, not included")
	}
}
