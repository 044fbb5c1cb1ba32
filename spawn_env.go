package cluster

import (
	"bytes"
	"encoding/json"
	"os"
	"sort"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// workerEnv returns `base` merged with the overrides from the file named by
// the `fileEnv` variable. Values from the file win.
func workerEnv(base []string, fileEnv string) ([]string, error) {
	if fileEnv == "" {
		return base, nil
	}
	path := os.Getenv(fileEnv)
	if path == "" {
		return base, nil
	}

	overrides, err := readEnvFile(path)
	if err != nil {
		return nil, err
	}
	return mergeEnv(base, overrides), nil
}

// readEnvFile reads a flat JSON object, or a dotenv file when the name ends with ".env".
func readEnvFile(path string) (map[string]string, error) {
	if strings.HasSuffix(path, ".env") {
		values, err := godotenv.Read(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read env file %s", path)
		}
		return values, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config file %s", path)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrapf(err, "parse config file %s", path)
	}

	values := make(map[string]string, len(raw))
	for key, value := range raw {
		var str string
		if err := json.Unmarshal(value, &str); err == nil {
			values[key] = str
			continue
		}
		var compact bytes.Buffer
		if err := json.Compact(&compact, value); err != nil {
			return nil, errors.Wrapf(err, "parse config file %s: key %s", path, key)
		}
		values[key] = compact.String()
	}
	return values, nil
}

func mergeEnv(base []string, overrides map[string]string) []string {
	env := make([]string, 0, len(base)+len(overrides))
	seen := make(map[string]struct{}, len(overrides))
	for _, kv := range base {
		key := kv
		if i := strings.IndexByte(kv, '='); i >= 0 {
			key = kv[:i]
		}
		if value, ok := overrides[key]; ok {
			env = append(env, key+"="+value)
			seen[key] = struct{}{}
			continue
		}
		env = append(env, kv)
	}

	keys := make([]string, 0, len(overrides))
	for key := range overrides {
		if _, ok := seen[key]; !ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		env = append(env, key+"="+overrides[key])
	}
	return env
}
