package resolver

import (
	"io"
	"os"
	"sync"

	"github.com/athapong/aio-risk/pkg/risk"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// aliasFile is the YAML layout:
//
//	aliases:
//	  International Business Machines Corporation:
//	    - IBM
//	    - Big Blue
type aliasFile struct {
	Aliases map[string][]string `yaml:"aliases"`
}

// AliasTable maps normalized alternative names to a normalized canonical name.
type AliasTable struct {
	mutex     sync.RWMutex
	canonical map[string]string
}

func NewAliasTable() *AliasTable {
	return &AliasTable{canonical: make(map[string]string)}
}

// LoadAliases reads an alias table from a YAML file.
func LoadAliases(path string) (*AliasTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open alias file")
	}
	defer f.Close()
	return ReadAliases(f)
}

func ReadAliases(r io.Reader) (*AliasTable, error) {
	var file aliasFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "decode alias file")
	}
	t := NewAliasTable()
	for canonical, aliases := range file.Aliases {
		for _, alias := range aliases {
			t.Add(alias, canonical)
		}
	}
	return t, nil
}

// Add registers alias as another name of canonical.
func (t *AliasTable) Add(alias, canonical string) {
	a, c := risk.NormalizeName(alias), risk.NormalizeName(canonical)
	if a == "" || c == "" || a == c {
		return
	}
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.canonical[a] = c
}

// Canonical returns the canonical form of a normalized name.
func (t *AliasTable) Canonical(normalized string) string {
	if t == nil {
		return normalized
	}
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	if c, ok := t.canonical[normalized]; ok {
		return c
	}
	return normalized
}

func (t *AliasTable) Len() int {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return len(t.canonical)
}
