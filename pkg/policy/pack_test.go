package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const teamPack = `api_version: 1.2.0
name: team
rules:
  - name: no-npm-publish
    severity: HIGH
    message: Publishing needs a release mission
    expression: 'command.startsWith("npm publish")'
  - name: no-force-flag
    severity: LOW
    message: Avoid --force
    pattern: '--force\b'
  - name: retired
    severity: LOW
    message: unused
    pattern: x
    disabled: true
`

func TestLoadPack(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "team.yaml")
	require.NoError(t, os.WriteFile(path, []byte(teamPack), 0o600))

	files, err := PackFiles(dir)
	require.NoError(t, err)
	require.Equal(t, []string{path}, files)

	e, err := NewEngine(Config{Platform: "linux", Packs: files})
	require.NoError(t, err)
	assert.Len(t, e.Rules(), len(DefaultRules())+2)

	res := e.Validate(Input{Command: "npm publish --force"})
	assert.Equal(t, []string{"no-npm-publish", "no-force-flag"}, ruleNames(res.Violations))
}

func TestParsePack_VersionRange(t *testing.T) {
	_, err := ParsePack([]byte("api_version: 2.0.0\nname: future\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not in")

	_, err = ParsePack([]byte("api_version: banana\nname: x\n"))
	require.Error(t, err)

	p, err := ParsePack([]byte("api_version: 1.0.0\nname: empty\n"))
	require.NoError(t, err)
	rules, err := p.Compile()
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestPackCompile_Errors(t *testing.T) {
	tests := map[string]string{
		"no matcher":   "- name: a\n  severity: LOW\n",
		"both":         "- name: a\n  severity: LOW\n  pattern: x\n  expression: 'true'\n",
		"bad severity": "- name: a\n  severity: SEVERE\n  pattern: x\n",
		"bad regexp":   "- name: a\n  severity: LOW\n  pattern: '('\n",
	}
	for name, rules := range tests {
		t.Run(name, func(t *testing.T) {
			p, err := ParsePack([]byte("api_version: 1.0.0\nname: p\nrules:\n" + rules))
			require.NoError(t, err)
			_, err = p.Compile()
			require.Error(t, err)
		})
	}
}
