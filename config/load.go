package config

import (
	"fmt"
	"log"
	"os"
	"reflect"
	"strings"

	"github.com/BurntSushi/toml"
)

// LoadConfigFromFile decodes configPath into cfg. It is lenient in two
// ways: repeated keys keep their first value, and unknown keys are only
// warned about. Every string field is trimmed afterwards.
//
// The logger is not initialized yet when this runs, so warnings go
// through the standard log package.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		if !strings.Contains(err.Error(), "has already been defined") {
			return explainConfigError(err)
		}
		log.Printf("WARNING: configuration file '%s' has duplicate keys, keeping first occurrences: %v", configPath, err)
		cleaned := dropDuplicateKeys(string(content))
		if metadata, err = toml.Decode(cleaned, cfg); err != nil {
			return explainConfigError(err)
		}
	}

	if undecoded := metadata.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		log.Printf("WARNING: configuration file '%s' has unknown keys that were ignored: %s", configPath, strings.Join(keys, ", "))
	}

	trimStrings(reflect.ValueOf(cfg).Elem())
	return nil
}

// dropDuplicateKeys comments out every repeated key within a table. Each
// [[array]] element starts a fresh scope.
func dropDuplicateKeys(content string) string {
	lines := strings.Split(content, "\n")
	seen := make(map[string]int)
	section := ""

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "" || strings.HasPrefix(trimmed, "#"):
			continue
		case strings.HasPrefix(trimmed, "[[") && strings.HasSuffix(trimmed, "]]"):
			section = strings.TrimSpace(trimmed[2 : len(trimmed)-2])
			for k := range seen {
				if strings.HasPrefix(k, section+".") {
					delete(seen, k)
				}
			}
			continue
		case strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]"):
			section = strings.TrimSpace(trimmed[1 : len(trimmed)-1])
			continue
		}

		key, _, ok := strings.Cut(trimmed, "=")
		if !ok {
			continue
		}
		full := strings.TrimSpace(key)
		if section != "" {
			full = section + "." + full
		}
		if first, dup := seen[full]; dup {
			log.Printf("WARNING: duplicate key '%s' on line %d ignored (first set on line %d)", full, i+1, first+1)
			lines[i] = "# DUPLICATE IGNORED: " + line
			continue
		}
		seen[full] = i
	}
	return strings.Join(lines, "\n")
}

// explainConfigError adds a hint to the TOML errors operators hit most.
func explainConfigError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "has already been defined"):
		return fmt.Errorf("%w\n\nHINT: a key appears twice in the same table; remove or comment out one of them", err)
	case strings.Contains(msg, `expected value but found "f"`), strings.Contains(msg, `expected value but found "t"`):
		return fmt.Errorf("%w\n\nHINT: booleans must be written as true or false, lowercase and unquoted", err)
	case strings.Contains(msg, "expected"), strings.Contains(msg, "invalid"):
		return fmt.Errorf("%w\n\nHINT: check quoting, bracket balance and [table] / [[array]] headers", err)
	}
	return err
}

func trimStrings(v reflect.Value) {
	if !v.IsValid() || !v.CanSet() {
		return
	}
	switch v.Kind() {
	case reflect.String:
		v.SetString(strings.TrimSpace(v.String()))
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			trimStrings(v.Index(i))
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			trimStrings(v.Field(i))
		}
	case reflect.Ptr:
		if !v.IsNil() {
			trimStrings(v.Elem())
		}
	}
}
