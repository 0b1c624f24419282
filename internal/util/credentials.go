package util

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/user/prowl/internal/model"
)

// LoadCredentials reads the credential set from path and appends inline
// entries. Files ending in .yaml or .yml hold a list of username/password
// maps; anything else is read as user:pass lines. Duplicate pairs are
// dropped, keeping first-seen order.
func LoadCredentials(path string, inline []CredentialEntry) ([]model.Credential, error) {
	var creds []model.Credential

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, configErr("credentials_file", "%v", err)
		}
		var parsed []model.Credential
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			parsed, err = parseCredentialYAML(data)
		default:
			parsed, err = parseCredentialLines(data)
		}
		if err != nil {
			return nil, configErr("credentials_file", "%s: %v", path, err)
		}
		creds = append(creds, parsed...)
	}
	for _, e := range inline {
		creds = append(creds, model.Credential{Username: e.Username, Password: e.Password})
	}

	seen := make(map[model.Credential]bool, len(creds))
	out := creds[:0]
	for _, c := range creds {
		if seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out, nil
}

func parseCredentialYAML(data []byte) ([]model.Credential, error) {
	var creds []model.Credential
	if err := yaml.Unmarshal(data, &creds); err != nil {
		return nil, err
	}
	for i, c := range creds {
		if c.Username == "" {
			return nil, fmt.Errorf("entry %d: empty username", i+1)
		}
	}
	return creds, nil
}

func parseCredentialLines(data []byte) ([]model.Credential, error) {
	var creds []model.Credential
	sc := bufio.NewScanner(bytes.NewReader(data))
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		user, pass, ok := strings.Cut(text, ":")
		if !ok || user == "" {
			return nil, fmt.Errorf("line %d: expected user:pass", line)
		}
		creds = append(creds, model.Credential{Username: user, Password: pass})
	}
	return creds, sc.Err()
}

// ResolveCredentials loads the credential set. An empty set is a
// configuration error only while Harvest is enabled.
func (c *Config) ResolveCredentials() ([]model.Credential, error) {
	path := c.CredentialsFile
	if path != "" && !FileExists(path) && len(c.Credentials) > 0 {
		path = ""
	}
	creds, err := LoadCredentials(path, c.Credentials)
	if !c.Stages.Harvest.Enabled {
		return creds, nil
	}
	if err != nil {
		return nil, err
	}
	if len(creds) == 0 {
		return nil, configErr("credentials", "harvest enabled but credential set is empty")
	}
	return creds, nil
}
