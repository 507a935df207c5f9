// Package env reads configuration from the process environment.
package env

import (
	"errors"
	"io/fs"
	"log"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Default returns the value of name or def when it is unset or empty.
func Default(name, def string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		log.Println("#", name, "=", v)
		return v
	}
	log.Println("#", name, "=", def, "(default)")
	return def
}

// List splits a whitespace or comma separated variable.
func List(name string, def ...string) []string {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		log.Println("#", name, "=", strings.Join(def, " "), "(default)")
		return def
	}
	log.Println("#", name, "=", v)
	return strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' })
}

type secret string

// Secret reads name like Default but never prints its value.
func Secret(name, def string) secret {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		log.Println("#", name, "=", secret(v))
		return secret(v)
	}
	if def != "" {
		log.Println("#", name, "=", secret(def), "(default)")
	}
	return secret(def)
}

func (s secret) String() string {
	if s == "" {
		return "(nil)"
	}
	return "***"
}
func (s secret) Secret() string {
	return string(s)
}

// Load reads dotenv files into the environment. Variables already set win
// and missing files are skipped.
func Load(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		err := godotenv.Load(f)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}
