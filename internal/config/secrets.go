package config

import (
	"os"
	"strings"

	"github.com/pkg/errors"
)

// ResolveSecret returns the value of name, or the trimmed contents of the file
// named by name_FILE when that is set. A file that cannot be read is an error;
// an unset secret is "".
func ResolveSecret(name string) (string, error) {
	path := os.Getenv(name + "_FILE")
	if path == "" {
		return os.Getenv(name), nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrapf(err, "read %s_FILE", name)
	}
	return strings.TrimSpace(string(content)), nil
}

// ResolveSecrets resolves several secrets, stopping at the first failure.
func ResolveSecrets(names ...string) (map[string]string, error) {
	out := make(map[string]string, len(names))
	for _, name := range names {
		v, err := ResolveSecret(name)
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}
