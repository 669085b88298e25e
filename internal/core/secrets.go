package core

import (
	"errors"
	"io/fs"

	"github.com/joho/godotenv"
)

// LoadSecretsEnv reads a dotenv file and returns its key/value pairs.
// A missing file yields an empty map.
func LoadSecretsEnv(path string) (map[string]string, error) {
	out, err := godotenv.Read(path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil // not fatal if missing
	}
	if err != nil {
		return map[string]string{}, err
	}
	return out, nil
}
