package main

import (
	"io"
	"os"
	"time"

	"github.com/core-tools/hsu-telemetry-control/pkg/errors"
)

const maxInputBytes = 1 << 20

func readInput(path string) ([]byte, error) {
	var r io.Reader = os.Stdin
	if path != "" && path != "-" {
		file, err := os.Open(path)
		if err != nil {
			return nil, errors.NewIOError("failed to open input file", err).WithContext("path", path)
		}
		defer file.Close()
		r = file
	}

	data, err := io.ReadAll(io.LimitReader(r, maxInputBytes+1))
	if err != nil {
		return nil, errors.NewIOError("failed to read input", err)
	}
	if len(data) > maxInputBytes {
		return nil, errors.NewValidationError("input exceeds 1 MiB", nil)
	}
	return data, nil
}

func parseTimeout(value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, errors.NewValidationError("invalid timeout: "+value, err)
	}
	if d <= 0 {
		return 0, errors.NewValidationError("timeout must be positive", nil)
	}
	return d, nil
}
